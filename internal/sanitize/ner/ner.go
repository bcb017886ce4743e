// Package ner provides a Detector backed by a Presidio analyzer service
// (POST /analyze). Several analyzer replicas can be given; requests are
// spread over them round-robin.
//
// The detector fails closed: an unreachable analyzer or a bad reply is an
// error, never an empty result.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
)

// DefaultEntities are the Presidio recognizers requested when none are
// configured.
var DefaultEntities = []string{
	"PERSON",
	"EMAIL_ADDRESS",
	"PHONE_NUMBER",
	"CREDIT_CARD",
	"IBAN_CODE",
	"US_SSN",
	"US_BANK_NUMBER",
	"US_PASSPORT",
	"US_DRIVER_LICENSE",
	"IP_ADDRESS",
	"LOCATION",
	"MEDICAL_LICENSE",
	"CRYPTO",
}

// Client calls one or more Presidio analyzers.
type Client struct {
	urls      []string
	next      atomic.Uint64
	language  string
	entities  []string
	threshold float64
	http      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithLanguage sets the analysis language (default "en").
func WithLanguage(lang string) Option { return func(c *Client) { c.language = lang } }

// WithEntities restricts the recognizers Presidio runs.
func WithEntities(entities []string) Option { return func(c *Client) { c.entities = entities } }

// WithScoreThreshold drops results scored below t.
func WithScoreThreshold(t float64) Option { return func(c *Client) { c.threshold = t } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New creates a Client for the given analyzer base URLs
// (e.g. "http://presidio-analyzer:3000").
func New(baseURLs []string, opts ...Option) (*Client, error) {
	c := &Client{
		language:  "en",
		entities:  DefaultEntities,
		threshold: 0.35,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	for _, u := range baseURLs {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			c.urls = append(c.urls, u+"/analyze")
		}
	}
	if len(c.urls) == 0 {
		return nil, errors.New("ner: at least one analyzer URL is required")
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Len returns the number of analyzer endpoints.
func (c *Client) Len() int { return len(c.urls) }

func (c *Client) pick() string {
	i := c.next.Add(1) - 1
	return c.urls[i%uint64(len(c.urls))]
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	Entities       []string `json:"entities,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`
}

type analyzerResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Detect sends text to the next analyzer and returns its spans with byte
// offsets. It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string) ([]sanitize.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(analyzeRequest{
		Text:           text,
		Language:       c.language,
		Entities:       c.entities,
		ScoreThreshold: c.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	url := c.pick()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner: analyzer %s unreachable: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("ner: analyzer %s status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results []analyzerResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	// Presidio counts offsets in code points.
	offsets := byteOffsets(text)
	spans := make([]sanitize.Span, 0, len(results))
	for _, r := range results {
		if r.Score < c.threshold {
			continue
		}
		if r.Start < 0 || r.End > len(offsets)-1 || r.Start >= r.End {
			continue
		}
		spans = append(spans, sanitize.Span{
			Start: offsets[r.Start],
			End:   offsets[r.End],
			Label: r.EntityType,
			Score: r.Score,
		})
	}
	return spans, nil
}

// byteOffsets maps code point index i to its byte offset; the final entry
// is len(text).
func byteOffsets(text string) []int {
	out := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}
