package sanitize

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

// TokenWriter mints tokens for a session. *vault.Vault implements it.
type TokenWriter interface {
	Put(ctx context.Context, sessionID, label, value string) (string, error)
	Touch(ctx context.Context, sessionID string) error
}

// Replacement records one substitution made by the Tokenizer. Offsets refer
// to the input text.
type Replacement struct {
	Start int
	End   int
	Label string
	Token string
}

// Tokenizer replaces detected spans with vault tokens.
type Tokenizer struct {
	vault TokenWriter
}

// NewTokenizer returns a Tokenizer minting through w.
func NewTokenizer(w TokenWriter) *Tokenizer {
	return &Tokenizer{vault: w}
}

// Redact replaces every accepted span of text with its session token.
//
// Spans out of bounds, empty, off a UTF-8 boundary or touching an existing
// token are dropped. Overlaps are settled by higher score, then longer span,
// then earlier start; the losers are logged and discarded. Tokens are minted
// in ascending offset order so numbering follows reading order.
//
// Any vault error aborts the whole call; the caller must not forward text
// that was partially redacted.
func (t *Tokenizer) Redact(ctx context.Context, text string, spans []Span, sessionID string) (string, []Replacement, error) {
	spans = resolveOverlaps(validSpans(text, spans))
	if len(spans) == 0 {
		return text, nil, nil
	}
	if err := t.vault.Touch(ctx, sessionID); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.Grow(len(text))
	reps := make([]Replacement, 0, len(spans))
	last := 0
	for _, sp := range spans {
		tok, err := t.vault.Put(ctx, sessionID, sp.Label, text[sp.Start:sp.End])
		if err != nil {
			return "", nil, err
		}
		b.WriteString(text[last:sp.Start])
		b.WriteString(tok)
		last = sp.End
		reps = append(reps, Replacement{Start: sp.Start, End: sp.End, Label: vault.NormalizeLabel(sp.Label), Token: tok})
		slog.Debug("sanitize: redacted", "label", sp.Label, "token", tok)
	}
	b.WriteString(text[last:])
	return b.String(), reps, nil
}

// validSpans drops spans with bad offsets and spans that would cut into or
// swallow a token already present in the text.
func validSpans(text string, spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	existing := vault.TokenPattern.FindAllStringIndex(text, -1)

	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		if sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End {
			continue
		}
		if !isRuneBoundary(text, sp.Start) || !isRuneBoundary(text, sp.End) {
			continue
		}
		if overlapsAny(sp, existing) {
			continue
		}
		out = append(out, sp)
	}
	return out
}

func overlapsAny(sp Span, ranges [][]int) bool {
	for _, r := range ranges {
		if sp.Start < r[1] && r[0] < sp.End {
			return true
		}
	}
	return false
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

// resolveOverlaps keeps a non-overlapping subset of spans, preferring higher
// score, then longer span, then earlier start. The result is sorted by start.
func resolveOverlaps(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	ranked := make([]Span, len(spans))
	copy(ranked, spans)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	kept := make([]Span, 0, len(ranked))
	for _, sp := range ranked {
		if conflict, ok := firstOverlap(sp, kept); ok {
			slog.Debug("sanitize: overlapping span discarded",
				"label", sp.Label, "start", sp.Start, "end", sp.End,
				"kept_label", conflict.Label,
			)
			continue
		}
		kept = append(kept, sp)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

func firstOverlap(sp Span, kept []Span) (Span, bool) {
	for _, k := range kept {
		if sp.Start < k.End && k.Start < sp.End {
			return k, true
		}
	}
	return Span{}, false
}
