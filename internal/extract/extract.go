// Package extract turns uploaded documents into plain text so they can be
// scanned for sensitive data before leaving the network.
package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupported means an extractor does not handle the media type.
	ErrUnsupported = errors.New("extract: unsupported media type")
	// ErrUnavailable means extraction should have worked but failed. The
	// document cannot be scanned and must not be forwarded.
	ErrUnavailable = errors.New("extract: extractor unavailable")
)

// Extractor produces the text content of a document.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mediaType string) (string, error)
}

// MediaType picks the media type of an upload: the declared Content-Type
// unless it is missing or generic, else the filename extension.
func MediaType(declared, filename string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return "text/csv"
	case ".md":
		return "text/markdown"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xls":
		return "application/vnd.ms-excel"
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

// Chain tries each extractor in order, moving on when one reports
// ErrUnsupported.
type Chain []Extractor

func (c Chain) Extract(ctx context.Context, data []byte, mediaType string) (string, error) {
	for _, e := range c {
		text, err := e.Extract(ctx, data, mediaType)
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		return text, err
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
}

// Local handles text-like documents in process.
type Local struct {
	// SampleRows bounds how many CSV rows are rendered.
	SampleRows int
}

const defaultSampleRows = 10

func (l Local) Extract(_ context.Context, data []byte, mediaType string) (string, error) {
	switch {
	case mediaType == "text/csv":
		return l.csvText(data)
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		strings.HasSuffix(mediaType, "+json"),
		mediaType == "application/xml",
		mediaType == "application/x-ndjson":
		return decodeText(data), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, mediaType)
}

// decodeText reads data as UTF-8, dropping invalid bytes.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

// csvText renders a table as a readable summary: shape, headers and the
// first rows as column: value pairs.
func (l Local) csvText(data []byte) (string, error) {
	rows := l.SampleRows
	if rows <= 0 {
		rows = defaultSampleRows
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: csv: %w", ErrUnavailable, err)
	}

	var records [][]string
	total := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Skip bad lines, as spreadsheet exports are often ragged.
			continue
		}
		total++
		if len(records) < rows {
			records = append(records, rec)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CSV Data Summary:\nRows: %d, Columns: %d\n\n", total, len(header))
	fmt.Fprintf(&b, "Columns: %s\n\n", strings.Join(header, ", "))
	fmt.Fprintf(&b, "Sample Data (first %d rows):\n", len(records))
	for i, rec := range records {
		fmt.Fprintf(&b, "Row %d:\n", i+1)
		for j, col := range header {
			val := "[Empty]"
			if j < len(rec) && rec[j] != "" {
				val = rec[j]
			}
			fmt.Fprintf(&b, "  %s: %s\n", col, val)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
