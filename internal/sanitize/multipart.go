package sanitize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/gonkalabs/trustlayer-proxy/internal/extract"
)

type formPart struct {
	header   textproto.MIMEHeader
	name     string
	filename string
	data     []byte
}

func (p formPart) isFile() bool { return p.filename != "" }

func readParts(body []byte, boundary string) ([]formPart, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart body without boundary", ErrUnsupportedContent)
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var parts []formPart
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: multipart: %w", ErrUnsupportedContent, err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, fmt.Errorf("%w: multipart: %w", ErrUnsupportedContent, err)
		}
		parts = append(parts, formPart{
			header:   p.Header,
			name:     p.FormName(),
			filename: p.FileName(),
			data:     data,
		})
	}
}

// redactMultipart redacts text fields in place and replaces each file with
// a text/plain part holding its redacted extracted text. The boundary is
// kept, so the Content-Type header does not change.
func (s *Sanitizer) redactMultipart(ctx context.Context, sessionID, boundary string, res *Result) (*Result, error) {
	parts, err := readParts(res.Body, boundary)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(parts))
	for i, p := range parts {
		if !p.isFile() {
			texts[i] = string(p.data)
			continue
		}
		mt := extract.MediaType(p.header.Get("Content-Type"), p.filename)
		text, err := s.extractor.Extract(ctx, p.data, mt)
		if err != nil {
			if errors.Is(err, extract.ErrUnsupported) {
				return nil, fmt.Errorf("%w: file %q of type %s", ErrUnsupportedContent, p.filename, mt)
			}
			return nil, err
		}
		texts[i] = text
		res.Extracted = true
		res.FileTexts = append(res.FileTexts, text)
	}

	redacted, err := s.redactTexts(ctx, sessionID, texts, res)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("sanitize: multipart boundary: %w", err)
	}
	for i, p := range parts {
		h := p.header
		if p.isFile() {
			h = make(textproto.MIMEHeader)
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.name, p.filename+".txt"))
			h.Set("Content-Type", "text/plain; charset=utf-8")
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("sanitize: multipart: %w", err)
		}
		if _, err := io.WriteString(w, redacted[i]); err != nil {
			return nil, fmt.Errorf("sanitize: multipart: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("sanitize: multipart: %w", err)
	}
	res.Body = buf.Bytes()
	return res, nil
}
