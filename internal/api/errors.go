package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gonkalabs/trustlayer-proxy/internal/extract"
	"github.com/gonkalabs/trustlayer-proxy/internal/policy"
	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
	"github.com/gonkalabs/trustlayer-proxy/internal/upstream"
	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

// Error kinds, reported in the error body, the X-TrustLayer-Error header and
// telemetry.
const (
	KindDestinationDenied     = "destination_not_allowed"
	KindAdversarialContent    = "adversarial_content"
	KindDetectionUnavailable  = "detection_unavailable"
	KindExtractionUnavailable = "extraction_unavailable"
	KindVaultUnavailable      = "vault_unavailable"
	KindUpstreamTimeout       = "upstream_timeout"
	KindUpstreamError         = "upstream_error"
	KindUpstreamStatus        = "upstream_status"
	KindUpstreamAborted       = "upstream_aborted"
	KindUnsupportedContent    = "unsupported_content"
	KindBodyTooLarge          = "body_too_large"
	KindBadRequest            = "bad_request"
	KindClientClosed          = "client_closed"
	KindInternal              = "internal_error"
)

// statusClientClosed is recorded, never sent, when the caller went away.
const statusClientClosed = 499

type failure struct {
	status  int
	kind    string
	message string
}

var errMissingTarget = errors.New("api: no target host")

// classify maps an error from any stage to the caller-facing failure. The
// message never includes request content.
func classify(err error) failure {
	var v *policy.Violation
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &v) && v.Decision.Kind == policy.KindDestination:
		return failure{http.StatusForbidden, KindDestinationDenied, v.Error()}
	case errors.As(err, &v):
		return failure{http.StatusBadRequest, KindAdversarialContent, v.Error()}
	case errors.As(err, &tooLarge):
		return failure{http.StatusRequestEntityTooLarge, KindBodyTooLarge, "request body exceeds the configured limit"}
	case errors.Is(err, errMissingTarget):
		return failure{http.StatusBadRequest, KindBadRequest, "no target host in routing header or Host"}
	case errors.Is(err, sanitize.ErrDetectionUnavailable):
		return failure{http.StatusServiceUnavailable, KindDetectionUnavailable, "sensitive-data detection is unavailable; request not forwarded"}
	case errors.Is(err, extract.ErrUnavailable):
		return failure{http.StatusServiceUnavailable, KindExtractionUnavailable, "text extraction is unavailable; request not forwarded"}
	case errors.Is(err, vault.ErrWriteFailure):
		return failure{http.StatusServiceUnavailable, KindVaultUnavailable, "token vault is unavailable; request not forwarded"}
	case errors.Is(err, sanitize.ErrUnsupportedContent):
		return failure{http.StatusUnsupportedMediaType, KindUnsupportedContent, "request body cannot be scanned for sensitive data"}
	case errors.Is(err, upstream.ErrTimeout):
		return failure{http.StatusGatewayTimeout, KindUpstreamTimeout, "upstream did not respond in time"}
	case errors.Is(err, upstream.ErrUnreachable):
		return failure{http.StatusBadGateway, KindUpstreamError, "upstream request failed"}
	case errors.Is(err, context.Canceled):
		return failure{statusClientClosed, KindClientClosed, "client closed request"}
	}
	return failure{http.StatusInternalServerError, KindInternal, "internal error"}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Proxy   string `json:"proxy"`
}

func writeFailure(w http.ResponseWriter, f failure) {
	w.Header().Set("X-TrustLayer-Error", f.kind)
	writeJSON(w, f.status, errorBody{Error: errorDetail{Type: f.kind, Message: f.message, Proxy: "trustlayer"}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
