package payload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const chatBody = `{"model":"gpt-4o","temperature":0.70,"messages":[` +
	`{"role":"system","content":"You are helpful"},` +
	`{"role":"user","content":[{"type":"text","text":"My name is John"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]},` +
	`{"role":"user","content":"email john@example.com"}]}`

func TestTexts(t *testing.T) {
	texts, err := Texts([]byte(chatBody), DefaultFields)
	require.NoError(t, err)
	require.Equal(t, []string{"You are helpful", "email john@example.com", "My name is John"}, texts)
}

func TestRewrite(t *testing.T) {
	out, changed, err := Rewrite([]byte(chatBody), DefaultFields, func(i int, s string) string {
		return strings.ReplaceAll(s, "John", "[CONFIDENTIAL_PERSON_1]")
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Contains(t, string(out), `"text":"My name is [CONFIDENTIAL_PERSON_1]"`)
	// Numbers keep their literal form and unrelated fields survive.
	require.Contains(t, string(out), `"temperature":0.70`)
	require.Contains(t, string(out), `"url":"https://x/y.png"`)

	texts, err := Texts(out, DefaultFields)
	require.NoError(t, err)
	require.Equal(t, "My name is [CONFIDENTIAL_PERSON_1]", texts[2])
}

func TestRewriteIndexesMatchTexts(t *testing.T) {
	texts, err := Texts([]byte(chatBody), DefaultFields)
	require.NoError(t, err)

	_, _, err = Rewrite([]byte(chatBody), DefaultFields, func(i int, s string) string {
		require.Equal(t, texts[i], s)
		return s
	})
	require.NoError(t, err)
}

func TestRewriteUnchangedKeepsBytes(t *testing.T) {
	body := []byte(`{"prompt":  "hello",  "n": 1}`)
	out, changed, err := Rewrite(body, DefaultFields, func(_ int, s string) string { return s })
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, body, out)
}

func TestPathsAndShapes(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		fields []string
		want   []string
	}{
		{"prompt string", `{"prompt":"a"}`, []string{"prompt", "prompt.*"}, []string{"a"}},
		{"prompt array", `{"prompt":["a","b"]}`, []string{"prompt", "prompt.*"}, []string{"a", "b"}},
		{"index", `{"xs":["a","b","c"]}`, []string{"xs.1"}, []string{"b"}},
		{"index out of range", `{"xs":["a"]}`, []string{"xs.5"}, nil},
		{"object wildcard sorted", `{"m":{"b":"2","a":"1"}}`, []string{"m.*"}, []string{"1", "2"}},
		{"non string leaf", `{"prompt":42}`, []string{"prompt"}, nil},
		{"gemini", `{"contents":[{"parts":[{"text":"hi"}]}]}`, nil, []string{"hi"}},
		{"anthropic system blocks", `{"system":[{"type":"text","text":"sys"}]}`, nil, []string{"sys"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := DefaultFields
			if tc.fields != nil {
				fields = ParseFields(tc.fields)
			}
			got, err := Texts([]byte(tc.body), fields)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseFields(t *testing.T) {
	f := ParseFields([]string{"a.b", " a.b ", "", ".c.", "d"})
	require.Len(t, f, 3)
	require.Equal(t, "c", f[1].String())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Texts([]byte(`{"prompt":`), DefaultFields)
	require.Error(t, err)
	_, err = Texts([]byte(`{"a":1} {"b":2}`), DefaultFields)
	require.Error(t, err)
}
