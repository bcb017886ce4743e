// Package llmclassifier provides a Detector that asks a local
// OpenAI-compatible LLM (e.g. Ollama) for secrets that recognizers cannot
// catch: API keys, passwords, private keys.
//
// The model returns the sensitive strings verbatim rather than offsets,
// because small models get offsets wrong. Every occurrence is then located
// in the original text here.
package llmclassifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

// Label is attached to every span this detector reports.
const Label = "SECRET"

const systemPrompt = `Extract secrets from the text. Return a JSON array of the exact strings that are secrets. Return [] if nothing is found.

Secrets include:
- API keys and tokens: strings starting with sk-, pk-, ghp_, xoxb-, AKIA, Bearer, or any alphanumeric string that looks like a credential
- Passwords and passphrases mentioned explicitly
- Private keys (long hex or base64 strings, PEM blocks)
- Connection strings with embedded credentials

Do NOT flag: [CONFIDENTIAL_...] placeholders, names, emails, common words, dates, regular numbers.

Return ONLY a valid JSON array of the exact strings. No explanation.

Examples:
Input: "my api key is sk-abc123xyz789"
Output: ["sk-abc123xyz789"]

Input: "db password is hunter2, host db.internal"
Output: ["hunter2"]

Input: "how are you?"
Output: []`

// Classifier calls a local LLM to detect secrets.
type Classifier struct {
	url       string
	model     string
	threshold float64
	http      *http.Client
}

// New creates a Classifier. baseURL is the Ollama (or any OpenAI-compatible)
// server, e.g. "http://ollama:11434". Spans are reported with score 1, so
// a threshold above 1 disables the detector.
func New(baseURL, model string, threshold float64) *Classifier {
	return &Classifier{
		url:       strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		model:     model,
		threshold: threshold,
		http:      &http.Client{Timeout: 120 * time.Second},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// Disables chain-of-thought on models that honour it; stripThinkBlock
	// handles the rest.
	Think bool `json:"think"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`         // Qwen3 via Ollama
			ReasoningContent string `json:"reasoning_content"` // Qwen3 direct API
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Detect sends text to the LLM and returns a span for every occurrence of
// each secret it names. Transport failures are errors; an answer that
// cannot be parsed is also an error, since it means the text was not
// scanned.
func (c *Classifier) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" || c.threshold > 1 {
		return nil, nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			// /no_think is Qwen3's control token to skip thinking.
			{Role: "user", Content: "Text to classify:\n" + text + "\n/no_think"},
		},
		Temperature: 0,
		MaxTokens:   4096,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: LLM unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llmclassifier: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llmclassifier: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("llmclassifier: empty response")
	}

	choice := out.Choices[0]
	if choice.FinishReason == "length" {
		slog.Warn("llmclassifier: response truncated by token limit")
	}

	// Qwen3 via Ollama puts thinking in "reasoning" and the answer in
	// "content". An empty content means it ran out of tokens mid-thought.
	raw := strings.TrimSpace(choice.Message.Content)
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.Reasoning)
	}
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.ReasoningContent)
	}

	values, err := parseValues(raw)
	if err != nil {
		return nil, err
	}
	spans := locate(text, values)
	if len(spans) > 0 {
		slog.Debug("llmclassifier: detected secrets", "spans", len(spans), "values", len(values))
	}
	return spans, nil
}

// parseValues reads the JSON array of strings out of the model's answer.
func parseValues(raw string) ([]string, error) {
	content := stripCodeFence(stripThinkBlock(raw))
	var values []string
	if err := json.Unmarshal([]byte(content), &values); err == nil {
		return values, nil
	}
	// Last resort: the array may be buried in prose.
	if err := json.Unmarshal([]byte(extractJSONArray(content)), &values); err != nil {
		return nil, fmt.Errorf("llmclassifier: unparseable answer: %w", err)
	}
	return values, nil
}

// locate returns a span for every whole-word occurrence of each value.
func locate(text string, values []string) []sanitize.Span {
	var spans []sanitize.Span
	for _, val := range values {
		val = strings.TrimSpace(val)
		if val == "" || strings.HasPrefix(val, vault.TokenOpen) {
			continue
		}
		start := 0
		for {
			idx := strings.Index(text[start:], val)
			if idx < 0 {
				break
			}
			abs := start + idx
			end := abs + len(val)
			start = end
			if isInsideWord(text, abs, end) {
				continue
			}
			spans = append(spans, sanitize.Span{Start: abs, End: end, Label: Label, Score: 1.0})
		}
	}
	return spans
}

// isInsideWord reports whether [start,end) sits inside a larger word, e.g.
// "sd@yandex.ru" inside "asd@yandex.ru".
func isInsideWord(text string, start, end int) bool {
	if start > 0 && !isBoundary(text[start-1]) {
		return true
	}
	if end < len(text) && !isBoundary(text[end]) {
		return true
	}
	return false
}

func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '<', '>', ',', ';', ':', '=', '(', ')', '[', ']', '{', '}', '"', '\'', '`':
		return true
	}
	return false
}

// extractJSONArray finds the outermost [...] substring in s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// stripThinkBlock removes a <think>...</think> block preceding the answer.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
