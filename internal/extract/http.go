package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTP delegates extraction of binary formats (PDF, spreadsheets) to a
// sidecar exposing POST /extract. The raw document is the request body and
// the reply is {"text": "..."}; 415 means the type is not handled.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates a sidecar extractor, e.g. NewHTTP("http://extractor:8002").
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		url:    strings.TrimRight(baseURL, "/") + "/extract",
		client: &http.Client{Timeout: timeout},
	}
}

type extractResponse struct {
	Text string `json:"text"`
}

func (h *HTTP) Extract(ctx context.Context, data []byte, mediaType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("extract: new request: %w", err)
	}
	req.Header.Set("Content-Type", mediaType)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnsupportedMediaType {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}
	return out.Text, nil
}
