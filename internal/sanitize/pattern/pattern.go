// Package pattern provides a rule-based Detector for PII with a fixed
// shape: emails, phone numbers, US SSNs, card numbers and IP addresses.
// It needs no sidecar, so it also serves as the fallback when no NER
// service is configured.
package pattern

import (
	"context"
	"regexp"
	"strings"

	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
)

type rule struct {
	label string
	re    *regexp.Regexp
	score float64
	valid func(string) bool
}

var defaultRules = []rule{
	{label: "EMAIL_ADDRESS", re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), score: 1.0},
	{label: "CREDIT_CARD", re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), score: 0.95, valid: luhn},
	{label: "US_SSN", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), score: 0.9, valid: plausibleSSN},
	{label: "IP_ADDRESS", re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), score: 0.8},
	{label: "PHONE_NUMBER", re: regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b|\+\d{10,14}\b`), score: 0.7},
}

// Detector matches the built-in rules.
type Detector struct {
	rules []rule
}

// New returns a Detector for the given labels, or for every built-in rule
// when labels is empty.
func New(labels ...string) *Detector {
	if len(labels) == 0 {
		return &Detector{rules: defaultRules}
	}
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[strings.ToUpper(strings.TrimSpace(l))] = true
	}
	d := &Detector{}
	for _, r := range defaultRules {
		if want[r.label] {
			d.rules = append(d.rules, r)
		}
	}
	return d
}

// Detect never fails; overlapping matches are left to the tokenizer.
func (d *Detector) Detect(_ context.Context, text string) ([]sanitize.Span, error) {
	var spans []sanitize.Span
	for _, r := range d.rules {
		for _, m := range r.re.FindAllStringIndex(text, -1) {
			if r.valid != nil && !r.valid(text[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, sanitize.Span{Start: m[0], End: m[1], Label: r.label, Score: r.score})
		}
	}
	return spans, nil
}

// luhn validates the check digit of a card number, ignoring separators.
func luhn(s string) bool {
	sum, n := 0, 0
	alternate := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		digit := int(c - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		n++
		alternate = !alternate
	}
	return n >= 13 && sum%10 == 0
}

// plausibleSSN rejects area 000, 666 and 9xx, group 00 and serial 0000.
func plausibleSSN(s string) bool {
	area, group, serial := s[0:3], s[4:6], s[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}
