// Package service evaluates trigger rules against raw text to select the
// shipping service for a record.
package service

import (
	"regexp"
	"strings"
	"sync"

	"labelops/internal/config"
)

var serviceOverrideRe = regexp.MustCompile(`(?i)\bSERVICE\s*=\s*(\w+)\b`)

// Match picks the service rule for rawText. Matching is side-effect-free and
// deterministic: an explicit SERVICE=TAG override wins, then the first rule
// in configured order whose tag appears (exact first line, word-bounded, or
// bracketed), then the default rule. ok is false only when rules has no
// default and nothing matched.
func Match(rawText string, rules []config.ServiceRule) (rule config.ServiceRule, matchedTag string, ok bool) {
	if m := serviceOverrideRe.FindStringSubmatch(rawText); m != nil {
		want := m[1]
		for _, r := range rules {
			if r.Trigger.Type == "tag" && strings.EqualFold(r.Trigger.Tag, want) {
				return r, r.Trigger.Tag, true
			}
		}
	}

	firstLine := firstNonEmptyLine(rawText)
	for _, r := range rules {
		if r.Trigger.Type != "tag" {
			continue
		}
		tag := strings.TrimSpace(r.Trigger.Tag)
		if tag == "" {
			continue
		}
		if strings.EqualFold(firstLine, tag) || tagPattern(tag).MatchString(rawText) {
			return r, tag, true
		}
	}

	for _, r := range rules {
		if r.IsDefault() {
			return r, "", true
		}
	}
	return config.ServiceRule{}, "", false
}

// A tag matches when it appears bounded by non-word characters or square
// brackets; substrings of longer tokens never match.
var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func tagPattern(tag string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[tag]; ok {
		return re
	}
	quoted := regexp.QuoteMeta(tag)
	re := regexp.MustCompile(`(?i)(\b` + quoted + `\b|\[` + quoted + `\])`)
	patternCache[tag] = re
	return re
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
