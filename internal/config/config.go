package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientIDPattern is the required shape of a client identifier.
var ClientIDPattern = regexp.MustCompile(`^client_\d{2}$`)

// RequiredMappingFields must all appear in a client's column mapping.
var RequiredMappingFields = []string{
	"full_name",
	"address_line_1",
	"address_line_2",
	"town_city",
	"county",
	"postcode",
	"country",
	"service",
	"weight_kg",
}

// OptionalMappingFields may appear; when present they must still be valid columns.
var OptionalMappingFields = []string{"reference", "phone", "email"}

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrUnknownClient  = errors.New("unknown client")
)

// Trigger selects when a service rule applies: "default" fires when no tag
// matched, "tag" fires when Tag is found in the input text.
type Trigger struct {
	Type string `yaml:"type"`
	Tag  string `yaml:"tag,omitempty"`
}

// ServiceRule names a shipping service and its trigger.
type ServiceRule struct {
	Name    string  `yaml:"name"`
	Code    string  `yaml:"code,omitempty"`
	Trigger Trigger `yaml:"trigger"`
}

// IsDefault reports whether this rule is the client's fallback service.
func (r ServiceRule) IsDefault() bool { return r.Trigger.Type == "default" }

// Defaults fill record fields the parser could not derive.
type Defaults struct {
	Service         string  `yaml:"service"`
	WeightKg        float64 `yaml:"weight_kg"`
	Country         string  `yaml:"country,omitempty"`
	ReferencePrefix string  `yaml:"reference_prefix,omitempty"`
}

// Template holds the courier-import spreadsheet contract for a client.
type Template struct {
	Path          string         `yaml:"template_path,omitempty"`
	ColumnMapping map[string]int `yaml:"column_mapping"`
}

// Folders are the per-client working directories. Empty entries fall back to
// the conventional layout under the clients root.
type Folders struct {
	InTxt       string `yaml:"in_txt,omitempty"`
	ReadyXlsx   string `yaml:"ready_xlsx,omitempty"`
	Archive     string `yaml:"archive,omitempty"`
	TrackingOut string `yaml:"tracking_out,omitempty"`
	Failures    string `yaml:"failures,omitempty"`
}

// ClientConfig is one client's section of the configuration document.
type ClientConfig struct {
	DisplayName string        `yaml:"display_name"`
	Defaults    Defaults      `yaml:"defaults"`
	Services    []ServiceRule `yaml:"services"`
	Template    Template      `yaml:"template"`
	Folders     Folders       `yaml:"folders,omitempty"`
}

// Document is the root of the configuration file: client_id -> settings.
type Document map[string]ClientConfig

// Load reads and parses the YAML configuration document at path.
func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// ValidationError aggregates every violation found in a document.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Issues, "; "))
}

// Validate checks the whole document and returns a single error enumerating
// every violation, not just the first.
func Validate(doc Document) error {
	var issues []string
	addf := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	for _, clientID := range sortedIDs(doc) {
		cc := doc[clientID]
		if !ClientIDPattern.MatchString(clientID) {
			addf("%s: invalid client ID format (want client_NN)", clientID)
		}
		if strings.TrimSpace(cc.DisplayName) == "" {
			addf("%s: display_name is required", clientID)
		}
		if strings.TrimSpace(cc.Defaults.Service) == "" {
			addf("%s: defaults.service is required", clientID)
		}
		if cc.Defaults.WeightKg <= 0 {
			addf("%s: defaults.weight_kg must be a positive number", clientID)
		}

		if len(cc.Services) == 0 {
			addf("%s: services must be a non-empty list", clientID)
		}
		defaults := 0
		for i, svc := range cc.Services {
			if strings.TrimSpace(svc.Name) == "" {
				addf("%s: services[%d] missing name", clientID, i)
			}
			switch svc.Trigger.Type {
			case "default":
				defaults++
			case "tag":
				if strings.TrimSpace(svc.Trigger.Tag) == "" {
					addf("%s: services[%d] tag trigger missing tag", clientID, i)
				}
			default:
				addf("%s: services[%d] trigger type must be default or tag", clientID, i)
			}
		}
		if len(cc.Services) > 0 && defaults != 1 {
			addf("%s: exactly one default service rule required, found %d", clientID, defaults)
		}

		mapping := cc.Template.ColumnMapping
		if mapping == nil {
			addf("%s: template.column_mapping is required", clientID)
		}
		for _, field := range RequiredMappingFields {
			col, ok := mapping[field]
			if !ok {
				addf("%s: column_mapping missing field %q", clientID, field)
				continue
			}
			if col < 1 {
				addf("%s: column_mapping for %q must be a positive integer", clientID, field)
			}
		}
		for _, field := range OptionalMappingFields {
			if col, ok := mapping[field]; ok && col < 1 {
				addf("%s: column_mapping for %q must be a positive integer", clientID, field)
			}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Settings is a client's fully resolved configuration: defaults merged and
// every folder an absolute path.
type Settings struct {
	ClientID     string
	DisplayName  string
	Defaults     Defaults
	Services     []ServiceRule
	Mapping      map[string]int
	TemplatePath string
	Folders      Folders
}

// DefaultRule returns the client's default service rule.
func (s Settings) DefaultRule() (ServiceRule, bool) {
	for _, svc := range s.Services {
		if svc.IsDefault() {
			return svc, true
		}
	}
	return ServiceRule{}, false
}

// Resolve merges a client's section with the conventional folder layout.
func Resolve(doc Document, clientID, clientsRoot string) (Settings, error) {
	cc, ok := doc[clientID]
	if !ok {
		return Settings{}, fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}

	base := filepath.Join(clientsRoot, clientID)
	out := Settings{
		ClientID:     clientID,
		DisplayName:  cc.DisplayName,
		Defaults:     cc.Defaults,
		Services:     append([]ServiceRule(nil), cc.Services...),
		Mapping:      make(map[string]int, len(cc.Template.ColumnMapping)),
		TemplatePath: cc.Template.Path,
		Folders: Folders{
			InTxt:       resolveFolder(base, cc.Folders.InTxt, "IN_TXT"),
			ReadyXlsx:   resolveFolder(base, cc.Folders.ReadyXlsx, "READY_XLSX"),
			Archive:     resolveFolder(base, cc.Folders.Archive, "ARCHIVE"),
			TrackingOut: resolveFolder(base, cc.Folders.TrackingOut, "TRACKING_OUT"),
			Failures:    resolveFolder(base, cc.Folders.Failures, "FAILURES"),
		},
	}
	for field, col := range cc.Template.ColumnMapping {
		out.Mapping[field] = col
	}
	return out, nil
}

func resolveFolder(base, value, suffix string) string {
	if value == "" {
		return filepath.Join(base, suffix)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(base, value)
}

func sortedIDs(doc Document) []string {
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
