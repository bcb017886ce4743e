package sanitize

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrDetectionUnavailable means a detector failed or ran out of time. The
// request must not be forwarded: an unscanned body may carry PII.
var ErrDetectionUnavailable = errors.New("sanitize: entity detection unavailable")

// Span describes a sensitive substring detected within a text.
type Span struct {
	Start int     // byte offset of the first character (UTF-8)
	End   int     // byte offset one past the last character
	Label string  // e.g. "PERSON", "EMAIL_ADDRESS", "SECRET"
	Score float64 // confidence in [0,1]; 1.0 for rule-based detectors
}

// Detector finds sensitive spans in a text. Implementations must be safe
// for concurrent use and must return an error rather than a partial result
// when they cannot scan the whole text.
type Detector interface {
	Detect(ctx context.Context, text string) ([]Span, error)
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(ctx context.Context, text string) ([]Span, error)

func (f DetectorFunc) Detect(ctx context.Context, text string) ([]Span, error) {
	return f(ctx, text)
}

// MultiDetector runs every detector concurrently and merges their spans.
// If any detector fails the whole detection fails.
type MultiDetector []Detector

func (m MultiDetector) Detect(ctx context.Context, text string) ([]Span, error) {
	switch len(m) {
	case 0:
		return nil, nil
	case 1:
		return m[0].Detect(ctx, text)
	}

	results := make([][]Span, len(m))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range m {
		g.Go(func() error {
			spans, err := d.Detect(gctx, text)
			if err != nil {
				return fmt.Errorf("detector %d: %w", i, err)
			}
			results[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Span
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}
