package sanitize

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

// mapResolver resolves from a fixed table; tokens listed in broken fail.
type mapResolver struct {
	values map[string]string
	broken map[string]bool
	calls  int
}

func (m *mapResolver) Resolve(_ context.Context, _ string, tok string) (string, bool, error) {
	m.calls++
	if m.broken[tok] {
		return "", false, errors.New("store unreachable")
	}
	v, ok := m.values[tok]
	return v, ok, nil
}

func people() *mapResolver {
	return &mapResolver{values: map[string]string{
		"[CONFIDENTIAL_PERSON_1]":        "John Doe",
		"[CONFIDENTIAL_EMAIL_ADDRESS_1]": "john@example.com",
		"[CONFIDENTIAL_SECRET_12]":       `pa"ss\word`,
	}}
}

func streamAll(r *Restorer, escape bool, frags ...string) string {
	st := r.NewStream(context.Background(), escape)
	var out []byte
	for _, f := range frags {
		out = append(out, st.Write([]byte(f))...)
	}
	return string(append(out, st.Flush()...))
}

func TestStreamTokenSplitAcrossFragments(t *testing.T) {
	r := NewRestorer(people(), "s")
	st := r.NewStream(context.Background(), false)

	first := st.Write([]byte("Hello [CONFIDENTIAL_PER"))
	require.Equal(t, "Hello ", string(first))
	require.True(t, st.Pending())

	second := st.Write([]byte("SON_1], nice to meet you"))
	require.Equal(t, "John Doe, nice to meet you", string(second))
	require.Empty(t, st.Flush())
	require.Equal(t, 1, r.Restored)
}

var streamInputs = []string{
	"Hello [CONFIDENTIAL_PERSON_1], nice to meet you",
	"[CONFIDENTIAL_PERSON_1][CONFIDENTIAL_EMAIL_ADDRESS_1]",
	"mail [CONFIDENTIAL_EMAIL_ADDRESS_1] or [CONFIDENTIAL_PERSON_2] (unknown)",
	"[[CONFIDENTIAL_PERSON_1]] and [CONFIDENTIAL_ [CONFIDENTIAL_PERSON_1",
	"array[0] = [CONF; x[CONFIDENTIAL_lower_1] [CONFIDENTIAL_PERSON_1]",
	"trailing [CONFIDENTIAL_PERSON_1] [CONFIDENTIAL_PER",
	"[CONFIDENTIAL_" + strings.Repeat("A", 120) + "_1] then [CONFIDENTIAL_PERSON_1]",
	"",
}

func TestStreamMatchesWholeBodyAtEverySplit(t *testing.T) {
	for _, in := range streamInputs {
		want := string(NewRestorer(people(), "s").RestoreBytes(context.Background(), []byte(in), false))
		for i := 0; i <= len(in); i++ {
			got := streamAll(NewRestorer(people(), "s"), false, in[:i], in[i:])
			require.Equal(t, want, got, "input %q split at %d", in, i)
		}
	}
}

func TestStreamMatchesWholeBodyAtEveryDoubleSplit(t *testing.T) {
	in := "a [CONFIDENTIAL_PERSON_1]b[CONFIDENTIAL_X_1]"
	want := string(NewRestorer(people(), "s").RestoreBytes(context.Background(), []byte(in), false))
	require.Equal(t, "a John Doeb[CONFIDENTIAL_X_1]", want)
	for i := 0; i <= len(in); i++ {
		for j := i; j <= len(in); j++ {
			got := streamAll(NewRestorer(people(), "s"), false, in[:i], in[i:j], in[j:])
			require.Equal(t, want, got, "split at %d,%d", i, j)
		}
	}
}

func TestStreamByteAtATime(t *testing.T) {
	in := streamInputs[2]
	frags := make([]string, len(in))
	for i := range in {
		frags[i] = in[i : i+1]
	}
	got := streamAll(NewRestorer(people(), "s"), false, frags...)
	require.Equal(t, "mail john@example.com or [CONFIDENTIAL_PERSON_2] (unknown)", got)
}

func TestStreamUnresolvedAndPartialStayVerbatim(t *testing.T) {
	r := NewRestorer(people(), "s")
	got := streamAll(r, false, "who is [CONFIDENTIAL_PERSON_9]? ", "[CONFIDENTIAL_PERSON_")
	require.Equal(t, "who is [CONFIDENTIAL_PERSON_9]? [CONFIDENTIAL_PERSON_", got)
	require.Equal(t, 1, r.Unresolved)
}

func TestStreamOverlongCandidateIsPlainText(t *testing.T) {
	long := "[CONFIDENTIAL_" + strings.Repeat("B", 200)
	st := NewRestorer(people(), "s").NewStream(context.Background(), false)
	// Emitted as soon as it cannot be a token, not at the end of the stream.
	out := st.Write([]byte(long))
	require.Equal(t, long, string(out))
	require.False(t, st.Pending())
}

func TestStreamReadFailureLeavesToken(t *testing.T) {
	res := people()
	res.broken = map[string]bool{"[CONFIDENTIAL_PERSON_1]": true}
	r := NewRestorer(res, "s")
	got := streamAll(r, false, "hi [CONFIDENTIAL_PERSON_1] and [CONFIDENTIAL_PERSON_1]")
	require.Equal(t, "hi [CONFIDENTIAL_PERSON_1] and [CONFIDENTIAL_PERSON_1]", got)
	require.Equal(t, 2, r.Degraded)
	require.Equal(t, 2, res.calls) // failures are retried, not cached
}

func TestRestorerCachesLookups(t *testing.T) {
	res := people()
	r := NewRestorer(res, "s")
	got := streamAll(r, false, "[CONFIDENTIAL_PERSON_1] [CONFIDENTIAL_PERSON_1] [CONFIDENTIAL_X_1] [CONFIDENTIAL_X_1]")
	require.Equal(t, "John Doe John Doe [CONFIDENTIAL_X_1] [CONFIDENTIAL_X_1]", got)
	require.Equal(t, 2, res.calls)
}

func TestStreamJSONEscaping(t *testing.T) {
	in := `{"content":"key is [CONFIDENTIAL_SECRET_12]"}`
	got := NewRestorer(people(), "s").RestoreBytes(context.Background(), []byte(in), true)
	require.Equal(t, `{"content":"key is pa\"ss\\word"}`, string(got))

	raw := NewRestorer(people(), "s").RestoreBytes(context.Background(), []byte("key is [CONFIDENTIAL_SECRET_12]"), false)
	require.Equal(t, `key is pa"ss\word`, string(raw))
}

func TestRestoringReader(t *testing.T) {
	in := streamInputs[0] + " / " + streamInputs[2]
	want := NewRestorer(people(), "s").RestoreBytes(context.Background(), []byte(in), false)

	src := io.NopCloser(iotest.OneByteReader(strings.NewReader(in)))
	rr := NewRestoringReader(src, NewRestorer(people(), "s").NewStream(context.Background(), false))
	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, string(want), string(got))
	require.NoError(t, rr.Close())
}

func TestRestoringReaderUpstreamFailure(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.NopCloser(io.MultiReader(
		strings.NewReader("Hello [CONFIDENTIAL_PERSON_1], and [CONFIDENTIAL_PER"),
		iotest.ErrReader(boom),
	))
	rr := NewRestoringReader(src, NewRestorer(people(), "s").NewStream(context.Background(), false))

	var out bytes.Buffer
	_, err := io.Copy(&out, rr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "Hello John Doe, and [CONFIDENTIAL_PER", out.String())
}
