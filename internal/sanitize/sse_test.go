package sanitize

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func readSSE(t *testing.T, body string, oneByte bool) string {
	t.Helper()
	var src io.Reader = strings.NewReader(body)
	if oneByte {
		src = iotest.OneByteReader(src)
	}
	sr := NewSSERestorer(context.Background(), io.NopCloser(src), NewRestorer(people(), "s"))
	out, err := io.ReadAll(sr)
	require.NoError(t, err)
	require.NoError(t, sr.Close())
	return string(out)
}

// chatText concatenates choices[0].delta.content over all data events.
func chatText(t *testing.T, stream string) string {
	t.Helper()
	var b strings.Builder
	for _, line := range strings.Split(stream, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &ev), data)
		for _, c := range ev.Choices {
			b.WriteString(c.Delta.Content)
		}
	}
	return b.String()
}

func chatChunk(content string, finish string) string {
	choice := map[string]any{"index": 0, "delta": map[string]any{"content": content}, "finish_reason": nil}
	if finish != "" {
		choice["finish_reason"] = finish
		choice["delta"] = map[string]any{}
	}
	b, _ := json.Marshal(map[string]any{"id": "c1", "object": "chat.completion.chunk", "choices": []any{choice}})
	return "data: " + string(b) + "\n\n"
}

func TestSSETokenSplitAcrossEvents(t *testing.T) {
	body := chatChunk("Hello [CONFIDENTIAL_PER", "") +
		chatChunk("SON_1], nice to meet you", "") +
		chatChunk("", "stop") +
		"data: [DONE]\n\n"

	for _, oneByte := range []bool{false, true} {
		out := readSSE(t, body, oneByte)
		require.Equal(t, "Hello John Doe, nice to meet you", chatText(t, out))
		require.NotContains(t, out, "CONFIDENTIAL")
		require.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	}
}

func TestSSEHeldTextFlushedOnFinish(t *testing.T) {
	body := chatChunk("see [CONFIDENTIAL_PERSON_", "") +
		chatChunk("", "stop") +
		"data: [DONE]\n\n"
	out := readSSE(t, body, false)
	require.Equal(t, "see [CONFIDENTIAL_PERSON_", chatText(t, out))
}

func TestSSEHeldTextFlushedBeforeDone(t *testing.T) {
	body := chatChunk("mail [CONFIDENTIAL_EMAIL", "") + "data: [DONE]\n\n"
	out := readSSE(t, body, false)
	require.Equal(t, "mail [CONFIDENTIAL_EMAIL", chatText(t, out))
	require.True(t, strings.HasSuffix(out, "\n\ndata: [DONE]\n\n"))
}

func TestSSEChoicesAreIndependent(t *testing.T) {
	ev := func(idx int, content string) string {
		b, _ := json.Marshal(map[string]any{"choices": []any{
			map[string]any{"index": idx, "delta": map[string]any{"content": content}},
		}})
		return "data: " + string(b) + "\n\n"
	}
	body := ev(0, "A [CONFIDENTIAL_PER") + ev(1, "B [CONFIDENTIAL_EMAIL_ADDRESS_1]") +
		ev(0, "SON_1]") + "data: [DONE]\n\n"
	out := readSSE(t, body, false)
	require.Contains(t, out, `"content":"A "`)
	require.Contains(t, out, `"content":"B john@example.com"`)
	require.Contains(t, out, `"content":"John Doe"`)
}

func TestSSEAnthropicMessages(t *testing.T) {
	delta := func(text string) string {
		b, _ := json.Marshal(map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
		return "event: content_block_delta\ndata: " + string(b) + "\n\n"
	}
	body := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		delta("Dear [CONFIDENTIAL_PERSON") +
		delta("_1], write to [CONFIDENTIAL_EMAIL_ADD") +
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	out := readSSE(t, body, true)

	var text strings.Builder
	for _, line := range strings.Split(out, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		if ev.Type == "content_block_delta" {
			text.WriteString(ev.Delta.Text)
		}
	}
	require.Equal(t, "Dear John Doe, write to [CONFIDENTIAL_EMAIL_ADD", text.String())
	// The synthetic delta comes before the stop event.
	require.Less(t, strings.Index(out, "[CONFIDENTIAL_EMAIL_ADD"), strings.Index(out, "content_block_stop"))
}

func TestSSEOtherEventsRestoredInPlace(t *testing.T) {
	body := "event: response.output_text.done\n" +
		`data: {"type":"response.output_text.done","text":"Bye [CONFIDENTIAL_SECRET_12]"}` + "\n\n" +
		": keep-alive\n\n" +
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"function":{"arguments":"{\"to\":\"[CONFIDENTIAL_EMAIL_ADDRESS_1]\"}"}}]}}]}` + "\n\n"

	out := readSSE(t, body, false)
	require.Contains(t, out, `"text":"Bye pa\"ss\\word"`)
	require.Contains(t, out, `\"to\":\"john@example.com\"`)
	require.Contains(t, out, ": keep-alive\n\n")
}

func TestSSEPassthroughWithoutTokens(t *testing.T) {
	body := chatChunk("plain text", "") + chatChunk("", "stop") + "data: [DONE]\n\n"
	require.Equal(t, body, readSSE(t, body, false))
}
