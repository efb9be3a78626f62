package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceRe  = regexp.MustCompile("^```[a-zA-Z0-9_-]*\n?")
	objectRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// ExtractJSON pulls the JSON object out of a model reply that may be wrapped
// in markdown fences or prose.
func ExtractJSON(text string) ([]byte, error) {
	stripped := strings.TrimSpace(text)
	if strings.HasPrefix(stripped, "```") {
		stripped = fenceRe.ReplaceAllString(stripped, "")
		stripped = strings.TrimSpace(strings.ReplaceAll(stripped, "```", ""))
	}
	if strings.HasPrefix(stripped, "{") && strings.HasSuffix(stripped, "}") {
		return []byte(stripped), nil
	}
	if m := objectRe.FindString(stripped); m != "" {
		return []byte(m), nil
	}
	return nil, fmt.Errorf("no JSON object found in model output")
}

// SanitizeReply normalizes a reply that fails strict validation: lowercases
// and defaults overall_risk, drops malformed suggestion entries and unknown
// keys, and coerces numeric confidence. Returns the cleaned document and the
// keys it dropped.
func SanitizeReply(raw []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var dropped []string

	risk, _ := m["overall_risk"].(string)
	risk = strings.ToLower(strings.TrimSpace(risk))
	if !ValidRisk(risk) {
		if risk != "" {
			dropped = append(dropped, "overall_risk("+risk+")")
		}
		risk = RiskHigh
	}

	var suggestions []any
	if items, ok := m["suggestions"].([]any); ok {
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				dropped = append(dropped, "suggestion(type)")
				continue
			}
			field, _ := entry["field"].(string)
			if strings.TrimSpace(field) == "" {
				dropped = append(dropped, "suggestion(field)")
				continue
			}
			clean := map[string]any{
				"field":     strings.TrimSpace(field),
				"suggested": strings.TrimSpace(asString(entry["suggested"])),
			}
			if r, ok := entry["reason"].(string); ok && r != "" {
				clean["reason"] = r
			}
			switch c := entry["confidence"].(type) {
			case float64:
				if c >= 0 && c <= 1 {
					clean["confidence"] = c
				}
			case string:
				dropped = append(dropped, "confidence(string)")
			}
			suggestions = append(suggestions, clean)
		}
	}
	if suggestions == nil {
		suggestions = []any{}
	}

	out, err := json.Marshal(map[string]any{
		"suggestions":  suggestions,
		"overall_risk": risk,
	})
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
