// Package ai defines the optional address-correction capability. The
// pipeline depends only on the Corrector interface; a no-op implementation
// keeps the batch path unconditional when AI is disabled.
package ai

import (
	"context"
	"regexp"
	"strings"

	"labelops/internal/parser"
)

// Risk levels in ascending order of review burden.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var riskOrder = map[string]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// ValidRisk reports whether r is a known risk level.
func ValidRisk(r string) bool {
	_, ok := riskOrder[r]
	return ok
}

// AllowsApply reports whether a result at risk may be applied unattended
// under maxRisk. Unknown risks are treated as high.
func AllowsApply(risk, maxRisk string) bool {
	ro, ok := riskOrder[risk]
	if !ok {
		ro = riskOrder[RiskHigh]
	}
	mo, ok := riskOrder[maxRisk]
	if !ok {
		mo = riskOrder[RiskLow]
	}
	return ro <= mo
}

// Suggestion is one proposed field-level correction.
type Suggestion struct {
	Field      string  `json:"field"`
	Original   string  `json:"original,omitempty"`
	Proposed   string  `json:"suggested"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Result wraps all suggestions for a single record with an overall risk
// classification for unattended application.
type Result struct {
	Suggestions []Suggestion
	Risk        string
}

// Corrector proposes corrections for a record. Implementations may call out
// of process; failures must surface as a high-risk empty Result or an error,
// never as mutated input.
type Corrector interface {
	Suggest(ctx context.Context, rec parser.Record) (Result, error)
}

// Noop is the disabled corrector: no suggestions, nothing flagged.
type Noop struct{}

func (Noop) Suggest(context.Context, parser.Record) (Result, error) {
	return Result{Risk: RiskLow}, nil
}

var countryTypos = map[string]string{
	"UNITED KINGSOM":      "UNITED KINGDOM",
	"UNITED STAES":        "UNITED STATES",
	"UNITED STATSE":       "UNITED STATES",
	"UNITED ARAB EMRITES": "UNITED ARAB EMIRATES",
}

var loosePostcodeRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9\s-]{2,12}$`)

// NeedsCorrection reports whether a record exhibits obvious issues worth
// spending a corrector call on.
func NeedsCorrection(rec parser.Record) bool {
	postcode := strings.TrimSpace(rec.Postcode)
	if postcode == "" || !loosePostcodeRe.MatchString(strings.ToUpper(postcode)) {
		return true
	}
	country := strings.TrimSpace(rec.Country)
	if country == "" {
		return true
	}
	if _, ok := countryTypos[strings.ToUpper(country)]; ok {
		return true
	}
	for _, v := range []string{rec.FullName, rec.AddressLine1, rec.AddressLine2, rec.TownCity, rec.County} {
		if strings.Contains(v, "?") || strings.Contains(strings.ToUpper(v), "UNKNOWN") {
			return true
		}
	}
	return false
}

// Apply writes the result's suggestions into rec iff the overall risk is
// within maxRisk. Returns true when suggestions were applied.
func Apply(rec *parser.Record, res Result, maxRisk string) bool {
	if len(res.Suggestions) == 0 || !AllowsApply(res.Risk, maxRisk) {
		return false
	}
	for _, s := range res.Suggestions {
		if s.Proposed == "" {
			continue
		}
		setField(rec, s.Field, s.Proposed)
	}
	return true
}

func setField(rec *parser.Record, field, value string) {
	switch normalizeFieldName(field) {
	case "full_name":
		rec.FullName = value
	case "address_line_1":
		rec.AddressLine1 = value
	case "address_line_2":
		rec.AddressLine2 = value
	case "town_city":
		rec.TownCity = value
	case "county":
		rec.County = value
	case "postcode":
		rec.Postcode = value
	case "country":
		rec.Country = value
	}
}

// Model output uses a few synonyms for our field names.
func normalizeFieldName(field string) string {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "name", "recipient", "full_name":
		return "full_name"
	case "line1", "address_line_1":
		return "address_line_1"
	case "line2", "line3", "address_line_2":
		return "address_line_2"
	case "town", "city", "town_city":
		return "town_city"
	case "county", "state":
		return "county"
	case "postcode", "zip":
		return "postcode"
	case "country":
		return "country"
	default:
		return strings.ToLower(strings.TrimSpace(field))
	}
}

// Payload is the request body built from a record. When redactNames is set,
// name fields are stripped before the payload leaves the process.
func Payload(rec parser.Record, redactNames bool) map[string]string {
	m := map[string]string{
		"address_line_1": rec.AddressLine1,
		"address_line_2": rec.AddressLine2,
		"town_city":      rec.TownCity,
		"county":         rec.County,
		"postcode":       rec.Postcode,
		"country":        rec.Country,
	}
	if !redactNames {
		m["full_name"] = rec.FullName
	}
	return m
}
