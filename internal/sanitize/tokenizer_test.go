package sanitize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

func newVault() *vault.Vault {
	return vault.New(vault.NewMemoryStore(), time.Hour)
}

func span(text, sub, label string, score float64) Span {
	i := strings.Index(text, sub)
	if i < 0 {
		panic("substring not found: " + sub)
	}
	return Span{Start: i, End: i + len(sub), Label: label, Score: score}
}

func TestRedactExample(t *testing.T) {
	ctx := context.Background()
	tk := NewTokenizer(newVault())

	text := "My name is John Doe, email john@example.com"
	spans := []Span{
		{Start: 11, End: 19, Label: "PERSON", Score: 0.85},
		{Start: 27, End: 43, Label: "EMAIL_ADDRESS", Score: 1},
	}
	out, reps, err := tk.Redact(ctx, text, spans, "s1")
	require.NoError(t, err)
	require.Equal(t, "My name is [CONFIDENTIAL_PERSON_1], email [CONFIDENTIAL_EMAIL_ADDRESS_1]", out)
	require.Len(t, reps, 2)
	require.Equal(t, "PERSON", reps[0].Label)
	require.Equal(t, 11, reps[0].Start)

	// Same values later in the session map to the same tokens.
	again, _, err := tk.Redact(ctx, "John Doe again", []Span{{Start: 0, End: 8, Label: "PERSON", Score: 1}}, "s1")
	require.NoError(t, err)
	require.Equal(t, "[CONFIDENTIAL_PERSON_1] again", again)
}

func TestRedactNumbersInReadingOrder(t *testing.T) {
	text := "Alice met Bob"
	// Spans arrive out of order.
	spans := []Span{span(text, "Bob", "PERSON", 0.9), span(text, "Alice", "PERSON", 0.9)}
	out, _, err := NewTokenizer(newVault()).Redact(context.Background(), text, spans, "s")
	require.NoError(t, err)
	require.Equal(t, "[CONFIDENTIAL_PERSON_1] met [CONFIDENTIAL_PERSON_2]", out)
}

func TestRedactOverlaps(t *testing.T) {
	text := "Contact John Smith at john.smith@corp.com"
	cases := []struct {
		name  string
		spans []Span
		want  string
	}{
		{
			name: "higher score wins",
			spans: []Span{
				span(text, "John Smith", "PERSON", 0.6),
				span(text, "Smith", "LOCATION", 0.9),
			},
			want: "Contact John [CONFIDENTIAL_LOCATION_1] at john.smith@corp.com",
		},
		{
			name: "equal score longer wins",
			spans: []Span{
				span(text, "John", "PERSON", 0.8),
				span(text, "John Smith", "PERSON", 0.8),
			},
			want: "Contact [CONFIDENTIAL_PERSON_1] at john.smith@corp.com",
		},
		{
			name: "equal score and length earlier wins",
			spans: []Span{
				{Start: 13, End: 18, Label: "B", Score: 0.5}, // "Smith"
				{Start: 8, End: 13, Label: "A", Score: 0.5},  // "John "
				{Start: 10, End: 15, Label: "C", Score: 0.5},
			},
			want: "Contact [CONFIDENTIAL_A_1][CONFIDENTIAL_B_1] at john.smith@corp.com",
		},
		{
			name: "nested email",
			spans: []Span{
				span(text, "john.smith@corp.com", "EMAIL_ADDRESS", 1),
				span(text, "corp.com", "URL", 0.5),
			},
			want: "Contact John Smith at [CONFIDENTIAL_EMAIL_ADDRESS_1]",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, _, err := NewTokenizer(newVault()).Redact(context.Background(), text, tc.spans, "s")
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
		})
	}
}

func TestRedactDropsInvalidSpans(t *testing.T) {
	text := "héllo [CONFIDENTIAL_PERSON_1] world"
	spans := []Span{
		{Start: -1, End: 3, Label: "X"},
		{Start: 5, End: 5, Label: "X"},
		{Start: 0, End: 100, Label: "X"},
		{Start: 2, End: 4, Label: "X"}, // inside 'é'
		span(text, "PERSON_1", "X", 1),
		span(text, "1] wor", "X", 1),
	}
	out, reps, err := NewTokenizer(newVault()).Redact(context.Background(), text, spans, "s")
	require.NoError(t, err)
	require.Equal(t, text, out)
	require.Empty(t, reps)
}

func TestRedactNoSpansSkipsVault(t *testing.T) {
	w := &failingWriter{err: errors.New("down")}
	out, reps, err := NewTokenizer(w).Redact(context.Background(), "nothing here", nil, "s")
	require.NoError(t, err)
	require.Equal(t, "nothing here", out)
	require.Nil(t, reps)
}

type failingWriter struct{ err error }

func (f *failingWriter) Put(context.Context, string, string, string) (string, error) {
	return "", f.err
}

func (f *failingWriter) Touch(context.Context, string) error { return nil }

func TestRedactFailsClosedOnVaultError(t *testing.T) {
	w := &failingWriter{err: vault.ErrWriteFailure}
	text := "John"
	out, _, err := NewTokenizer(w).Redact(context.Background(), text, []Span{{Start: 0, End: 4, Label: "PERSON"}}, "s")
	require.ErrorIs(t, err, vault.ErrWriteFailure)
	require.Empty(t, out)
}
