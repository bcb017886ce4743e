// Package sanitize removes sensitive data from outgoing AI API requests and
// puts it back into the responses. Detectors find sensitive spans, the
// Tokenizer swaps them for session-scoped vault tokens, and the Restorer
// (whole-body, streaming or SSE-aware) resolves those tokens on the way
// back.
//
// Usage:
//
//	s := sanitize.New(detector, vault, sanitize.Options{})
//	res, err := s.Redact(ctx, sessionID, contentType, body)
//	// forward res.Body upstream
//	r := sanitize.NewRestorer(vault, sessionID)
//	out := r.RestoreBytes(ctx, upstreamBody, true)
package sanitize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gonkalabs/trustlayer-proxy/internal/extract"
	"github.com/gonkalabs/trustlayer-proxy/internal/payload"
)

// ErrUnsupportedContent is returned for bodies that cannot be scanned
// (binary uploads outside multipart/form-data).
var ErrUnsupportedContent = errors.New("sanitize: unsupported content type")

// DefaultDetectTimeout bounds detection for one request.
const DefaultDetectTimeout = 10 * time.Second

// maxParallelDetect caps concurrent detector calls within one request.
const maxParallelDetect = 8

// Options tunes a Sanitizer. Zero values pick defaults.
type Options struct {
	Fields        payload.Fields
	Extractor     extract.Extractor
	DetectTimeout time.Duration
}

// Sanitizer is the top-level object created once at startup.
type Sanitizer struct {
	detector  Detector
	tokenizer *Tokenizer
	fields    payload.Fields
	extractor extract.Extractor
	timeout   time.Duration
}

// New returns a Sanitizer detecting with d and minting through w.
func New(d Detector, w TokenWriter, opts Options) *Sanitizer {
	if opts.Fields == nil {
		opts.Fields = payload.DefaultFields
	}
	if opts.Extractor == nil {
		opts.Extractor = extract.Local{}
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = DefaultDetectTimeout
	}
	if d == nil {
		d = MultiDetector(nil)
	}
	return &Sanitizer{
		detector:  d,
		tokenizer: NewTokenizer(w),
		fields:    opts.Fields,
		extractor: opts.Extractor,
		timeout:   opts.DetectTimeout,
	}
}

// Result is the outcome of redacting one request body.
type Result struct {
	Body        []byte
	ContentType string         // may differ from the input for multipart bodies
	Counts      map[string]int // replacements per label
	Extracted   bool           // a file part was converted to text
	FileTexts   []string       // text extracted from file parts, before redaction
}

func (r *Result) add(reps []Replacement) {
	for _, rep := range reps {
		if r.Counts == nil {
			r.Counts = make(map[string]int)
		}
		r.Counts[rep.Label]++
	}
}

// Total returns the number of replacements made.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

type bodyKind int

const (
	kindEmpty bodyKind = iota
	kindJSON
	kindText
	kindMultipart
	kindBinary
)

func classify(contentType string, body []byte) (bodyKind, map[string]string) {
	if len(body) == 0 {
		return kindEmpty, nil
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || mt == "" {
		// No usable header: JSON if it looks like JSON, else text.
		trimmed := strings.TrimSpace(string(body[:min(len(body), 64)]))
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return kindJSON, nil
		}
		return kindText, nil
	}
	switch {
	case mt == "application/json", strings.HasSuffix(mt, "+json"):
		return kindJSON, params
	case mt == "multipart/form-data":
		return kindMultipart, params
	case strings.HasPrefix(mt, "text/"),
		mt == "application/x-www-form-urlencoded",
		mt == "application/x-ndjson",
		mt == "application/xml":
		return kindText, params
	}
	return kindBinary, params
}

// Texts returns the free text the policy gate should scan: the configured
// JSON fields, the whole of a text body, or the text fields of a form.
// Text inside uploaded files is only known after extraction and is reported
// in Result.FileTexts by Redact.
func (s *Sanitizer) Texts(contentType string, body []byte) ([]string, error) {
	kind, params := classify(contentType, body)
	switch kind {
	case kindEmpty:
		return nil, nil
	case kindJSON:
		texts, err := payload.Texts(body, s.fields)
		if err != nil {
			return []string{string(body)}, nil
		}
		return texts, nil
	case kindText:
		return []string{string(body)}, nil
	case kindMultipart:
		parts, err := readParts(body, params["boundary"])
		if err != nil {
			return nil, err
		}
		var texts []string
		for _, p := range parts {
			if !p.isFile() {
				texts = append(texts, string(p.data))
			}
		}
		return texts, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
}

// Redact detects and tokenizes sensitive data in body. It fails closed:
// any detector, extractor or vault error aborts with no body.
func (s *Sanitizer) Redact(ctx context.Context, sessionID, contentType string, body []byte) (*Result, error) {
	res := &Result{Body: body, ContentType: contentType}
	kind, params := classify(contentType, body)

	switch kind {
	case kindEmpty:
		return res, nil

	case kindJSON:
		texts, err := payload.Texts(body, s.fields)
		if err != nil {
			// Not valid JSON after all; scan it as text.
			slog.Debug("sanitize: body is not JSON, scanning as text", "err", err)
			return s.redactWhole(ctx, sessionID, res)
		}
		redacted, err := s.redactTexts(ctx, sessionID, texts, res)
		if err != nil {
			return nil, err
		}
		out, _, err := payload.Rewrite(body, s.fields, func(i int, _ string) string { return redacted[i] })
		if err != nil {
			return nil, err
		}
		res.Body = out
		return res, nil

	case kindText:
		return s.redactWhole(ctx, sessionID, res)

	case kindMultipart:
		return s.redactMultipart(ctx, sessionID, params["boundary"], res)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
}

func (s *Sanitizer) redactWhole(ctx context.Context, sessionID string, res *Result) (*Result, error) {
	out, err := s.redactTexts(ctx, sessionID, []string{string(res.Body)}, res)
	if err != nil {
		return nil, err
	}
	res.Body = []byte(out[0])
	return res, nil
}

// redactTexts detects on every text concurrently, then tokenizes them in
// order so token numbering follows document order.
func (s *Sanitizer) redactTexts(ctx context.Context, sessionID string, texts []string, res *Result) ([]string, error) {
	spans, err := s.detectAll(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(texts))
	for i, text := range texts {
		red, reps, err := s.tokenizer.Redact(ctx, text, spans[i], sessionID)
		if err != nil {
			return nil, err
		}
		out[i] = red
		res.add(reps)
	}
	return out, nil
}

func (s *Sanitizer) detectAll(ctx context.Context, texts []string) ([][]Span, error) {
	spans := make([][]Span, len(texts))
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(dctx)
	g.SetLimit(maxParallelDetect)
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		g.Go(func() error {
			found, err := s.detector.Detect(gctx, text)
			if err != nil {
				return err
			}
			spans[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrDetectionUnavailable, s.timeout)
		}
		if errors.Is(err, ErrDetectionUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDetectionUnavailable, err)
	}
	return spans, nil
}
