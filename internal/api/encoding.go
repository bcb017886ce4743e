package api

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
)

// decodeBody undoes a request Content-Encoding so the body can be scanned.
// It returns nil for identity bodies. Encodings it cannot undo are
// unsupported content; a decoded body larger than limit is a
// *http.MaxBytesError.
func decodeBody(encoding string, body []byte, limit int64) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" || encoding == "identity" || len(body) == 0 {
		return nil, nil
	}

	var (
		zr  io.Reader
		err error
	)
	switch encoding {
	case "gzip", "x-gzip":
		zr, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		// RFC 9110 deflate is zlib-wrapped; some clients send raw deflate.
		zr, err = zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			zr, err = flate.NewReader(bytes.NewReader(body)), nil
		}
	default:
		return nil, fmt.Errorf("%w: content encoding %q", sanitize.ErrUnsupportedContent, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", sanitize.ErrUnsupportedContent, encoding, err)
	}

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", sanitize.ErrUnsupportedContent, encoding, err)
	}
	if int64(len(out)) > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	return out, nil
}
