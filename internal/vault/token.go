package vault

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Token syntax: [CONFIDENTIAL_<LABEL>_<N>] where LABEL is [A-Z0-9_]+ and N is
// a positive decimal counter scoped to (session, label).
const (
	TokenOpen  = "[CONFIDENTIAL_"
	TokenClose = "]"

	// MaxLabelLen caps normalized labels so a token has a bounded length.
	MaxLabelLen = 64
	maxSeqLen   = 19

	// MaxTokenLen is the longest string that can be a well-formed token.
	MaxTokenLen = len(TokenOpen) + MaxLabelLen + 1 + maxSeqLen + len(TokenClose)

	fallbackLabel = "ENTITY"
)

// TokenPattern matches well-formed tokens anywhere in a text.
var TokenPattern = regexp.MustCompile(`\[CONFIDENTIAL_[A-Z0-9_]+_[0-9]+\]`)

// FormatToken renders the token for the nth value of label.
func FormatToken(label string, n int64) string {
	return fmt.Sprintf("%s%s_%d%s", TokenOpen, label, n, TokenClose)
}

// ParseToken splits a well-formed token into its label and sequence number.
func ParseToken(tok string) (label string, seq int64, ok bool) {
	if len(tok) > MaxTokenLen || !strings.HasPrefix(tok, TokenOpen) || !strings.HasSuffix(tok, TokenClose) {
		return "", 0, false
	}
	return parseBody(tok[len(TokenOpen) : len(tok)-len(TokenClose)])
}

// ValidTokenBody reports whether body (the text between TokenOpen and
// TokenClose) is LABEL_N.
func ValidTokenBody(body []byte) bool {
	_, _, ok := parseBody(string(body))
	return ok
}

func parseBody(body string) (string, int64, bool) {
	i := strings.LastIndexByte(body, '_')
	if i <= 0 || i == len(body)-1 {
		return "", 0, false
	}
	label, digits := body[:i], body[i+1:]
	for j := 0; j < len(label); j++ {
		if !IsTokenByte(label[j]) {
			return "", 0, false
		}
	}
	for j := 0; j < len(digits); j++ {
		if digits[j] < '0' || digits[j] > '9' {
			return "", 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return label, n, true
}

// IsTokenByte reports whether c may appear between the token delimiters.
func IsTokenByte(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// NormalizeLabel maps a detector label onto the token alphabet: upper case,
// anything outside [A-Z0-9_] becomes '_', runs of '_' collapse, and the
// result is capped at MaxLabelLen.
func NormalizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	prevUnderscore := true
	for _, r := range strings.ToUpper(strings.TrimSpace(label)) {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevUnderscore = false
		case !prevUnderscore:
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if len(out) > MaxLabelLen {
		out = strings.TrimRight(out[:MaxLabelLen], "_")
	}
	if out == "" {
		return fallbackLabel
	}
	return out
}
