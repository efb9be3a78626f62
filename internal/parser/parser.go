// Package parser turns free-text shipment notes into structured address
// records. Parsing is pure: the same input always yields the same records
// and warnings.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Record is one parsed shipment address. Service and WeightKg are filled by
// the pipeline from client defaults and service matching.
type Record struct {
	FullName     string
	AddressLine1 string
	AddressLine2 string
	TownCity     string
	County       string
	Postcode     string
	Country      string
	Service      string
	WeightKg     float64
	Reference    string
	Notes        string

	// Source is the raw block this record came from; service tag matching
	// runs against it. Not persisted to any output artifact.
	Source string
}

// Warning reports a block that could not be parsed into a usable record.
// The batch continues with the remaining blocks.
type Warning struct {
	Block  int
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("block %d: %s", w.Block, w.Reason)
}

var ukCountryVariants = map[string]struct{}{
	"UK": {}, "U.K": {}, "U.K.": {}, "UNITED KINGDOM": {}, "GREAT BRITAIN": {},
	"GB": {}, "BRITAIN": {}, "ENGLAND": {}, "SCOTLAND": {}, "WALES": {},
	"NORTHERN IRELAND": {},
}

var acronyms = map[string]struct{}{
	"PO": {}, "UK": {}, "GB": {}, "EU": {}, "USA": {},
}

var (
	blockSplitRe  = regexp.MustCompile(`\n\s*\n+`)
	spaceRunRe    = regexp.MustCompile(`\s+`)
	postcodeRe    = regexp.MustCompile(`(?i)\b(GIR\s?0AA|[A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2})\b`)
	compactPCRe   = regexp.MustCompile(`^[A-Z]{1,2}\d[A-Z\d]?\d[A-Z]{2}$`)
	nonAlnumRe    = regexp.MustCompile(`[^A-Za-z0-9]`)
	nonLetterRe   = regexp.MustCompile(`[^A-Za-z\s]`)
)

// Parse splits raw text on blank-line-delimited blocks and maps each block's
// lines onto address fields. Unusable blocks are reported as warnings, never
// silently dropped.
func Parse(raw string) ([]Record, []Warning) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var records []Record
	var warnings []Warning

	for i, chunk := range SplitBlocks(raw) {
		rec, warn := parseBlock(chunk)
		if warn != "" {
			warnings = append(warnings, Warning{Block: i + 1, Reason: warn})
			continue
		}
		records = append(records, rec)
	}
	return records, warnings
}

// SplitBlocks returns the non-empty blank-line-delimited chunks of raw.
func SplitBlocks(raw string) []string {
	var out []string
	for _, chunk := range blockSplitRe.Split(strings.TrimSpace(raw), -1) {
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func parseBlock(chunk string) (Record, string) {
	var lines []string
	for _, line := range strings.Split(chunk, "\n") {
		if cleaned := CleanLine(line); cleaned != "" {
			lines = append(lines, cleaned)
		}
	}
	if len(lines) == 0 {
		return Record{}, "no usable lines"
	}
	if len(lines) == 1 {
		return Record{}, "too few lines, no discernible address fields"
	}

	rec := Record{
		FullName: normalizeCase(lines[0]),
		Source:   chunk,
	}

	var processed []string
	for _, line := range lines[1:] {
		for _, part := range splitOnCommas(line) {
			if isCountryLine(part) {
				rec.Country = "UNITED KINGDOM"
				continue
			}
			remaining, postcode := extractPostcode(part)
			if postcode != "" {
				rec.Postcode = postcode
			}
			if remaining != "" {
				processed = append(processed, normalizeCase(remaining))
			}
		}
	}

	if len(processed) == 0 && rec.Postcode == "" {
		return Record{}, "no address content"
	}
	assignAddressFields(&rec, processed)
	return rec, ""
}

// Positional assignment heuristic. Extra middle lines beyond the first two
// and last two are appended to address_line_2 so no data is dropped.
func assignAddressFields(rec *Record, lines []string) {
	switch len(lines) {
	case 0:
	case 1:
		rec.AddressLine1 = lines[0]
	case 2:
		rec.AddressLine1, rec.TownCity = lines[0], lines[1]
	case 3:
		rec.AddressLine1, rec.AddressLine2, rec.TownCity = lines[0], lines[1], lines[2]
	default:
		rec.AddressLine1 = lines[0]
		rec.AddressLine2 = lines[1]
		rec.TownCity = lines[len(lines)-2]
		rec.County = lines[len(lines)-1]
		if middle := lines[2 : len(lines)-2]; len(middle) > 0 {
			rec.AddressLine2 = strings.Join(append([]string{rec.AddressLine2}, middle...), ", ")
		}
	}
}

// CleanLine trims a line, collapses whitespace, and strips emoji and
// non-printing runes while preserving letters.
func CleanLine(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.In(r, unicode.Cc, unicode.Cf, unicode.Co, unicode.Cs, unicode.So) {
			continue
		}
		b.WriteRune(r)
	}
	text := strings.ReplaceAll(b.String(), "\t", " ")
	text = spaceRunRe.ReplaceAllString(text, " ")
	return strings.Trim(text, " \n\r\t,.")
}

// IsPostcode reports whether s looks like a UK postcode.
func IsPostcode(s string) bool {
	if s == "" {
		return false
	}
	compact := strings.ToUpper(nonAlnumRe.ReplaceAllString(s, ""))
	if compact == "GIR0AA" {
		return true
	}
	return compactPCRe.MatchString(compact)
}

// NormalizePostcode uppercases a UK postcode and inserts the single space
// before the final three characters. Returns "" for non-postcodes.
func NormalizePostcode(s string) string {
	if s == "" {
		return ""
	}
	compact := strings.ToUpper(nonAlnumRe.ReplaceAllString(s, ""))
	if !IsPostcode(compact) {
		return ""
	}
	if compact == "GIR0AA" {
		return "GIR 0AA"
	}
	return compact[:len(compact)-3] + " " + compact[len(compact)-3:]
}

func splitOnCommas(line string) []string {
	var out []string
	for _, part := range strings.Split(line, ",") {
		if cleaned := CleanLine(part); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

func extractPostcode(line string) (remaining, postcode string) {
	m := postcodeRe.FindStringSubmatch(line)
	if m == nil {
		return line, ""
	}
	postcode = NormalizePostcode(m[1])
	remaining = CleanLine(postcodeRe.ReplaceAllString(line, " "))
	return remaining, postcode
}

func isCountryLine(line string) bool {
	cleaned := strings.TrimSpace(strings.ToUpper(nonLetterRe.ReplaceAllString(line, "")))
	_, ok := ukCountryVariants[cleaned]
	return ok
}

// normalizeCase title-cases while preserving acronyms, initials, and
// digit-bearing tokens.
func normalizeCase(text string) string {
	words := strings.Fields(text)
	for i, raw := range words {
		switch {
		case strings.Contains(raw, "-"):
			words[i] = joinNormalized(raw, "-")
		case strings.Contains(raw, "'"):
			words[i] = joinNormalized(raw, "'")
		default:
			words[i] = normalizeToken(raw)
		}
	}
	return strings.Join(words, " ")
}

func joinNormalized(raw, sep string) string {
	parts := strings.Split(raw, sep)
	for i, p := range parts {
		parts[i] = normalizeToken(p)
	}
	return strings.Join(parts, sep)
}

func normalizeToken(token string) string {
	if token == "" {
		return token
	}
	upper := strings.ToUpper(token)
	if _, ok := acronyms[upper]; ok {
		return upper
	}
	if len(token) <= 2 && isAlpha(token) {
		return upper
	}
	if strings.ContainsFunc(token, unicode.IsDigit) {
		return upper
	}
	return capitalize(token)
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(s) > 0
}

func capitalize(s string) string {
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
