package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
	"github.com/gonkalabs/trustlayer-proxy/internal/telemetry"
)

// Stage is the position of a request in the forwarding pipeline. It only
// moves forward; Aborted can follow any stage.
type Stage string

const (
	StageReceived      Stage = "RECEIVED"
	StagePolicyChecked Stage = "POLICY_CHECKED"
	StageExtracted     Stage = "EXTRACTED"
	StageTokenized     Stage = "TOKENIZED"
	StageForwarded     Stage = "FORWARDED"
	StageRestoring     Stage = "RESTORING"
	StageComplete      Stage = "COMPLETE"
	StageAborted       Stage = "ABORTED"
)

// SessionFunc derives the vault session for a request.
type SessionFunc func(r *http.Request) string

// HeaderSession uses the named header, falling back to the client IP.
func HeaderSession(header string) SessionFunc {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return clientIP(r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// exchange is the per-request state carried through the pipeline and
// reported once at the end.
type exchange struct {
	id        string
	start     time.Time
	stage     Stage
	method    string
	path      string
	session   string
	host      string
	outcome   string
	ruleID    string
	counts    map[string]int
	errKind   string
	restorer  *sanitize.Restorer
	committed bool // response headers sent
}

func (ex *exchange) advance(s Stage) {
	ex.stage = s
	slog.Debug("api: stage", "request_id", ex.id, "stage", s)
}

// abort records the error kind and moves the request to ABORTED.
func (ex *exchange) abort(kind string) {
	ex.errKind = kind
	if ex.stage != StageAborted {
		slog.Debug("api: aborted", "request_id", ex.id, "at", ex.stage, "kind", kind)
	}
	ex.stage = StageAborted
}

func (ex *exchange) event(status int, hasher *telemetry.Hasher) telemetry.Event {
	e := telemetry.Event{
		Timestamp:     ex.start.UTC(),
		RequestID:     ex.id,
		TargetHost:    ex.host,
		Method:        ex.method,
		Path:          ex.path,
		EntityCounts:  ex.counts,
		PolicyOutcome: ex.outcome,
		RuleID:        ex.ruleID,
		Stage:         string(ex.stage),
		Status:        status,
		ErrorKind:     ex.errKind,
		LatencyMS:     time.Since(ex.start).Milliseconds(),
	}
	if hasher != nil && ex.session != "" {
		e.SessionIDHash = hasher.Hash(ex.session)
	}
	if ex.restorer != nil {
		e.TokensRestored = ex.restorer.Restored
		e.Unresolved = ex.restorer.Unresolved
		e.Degraded = ex.restorer.Degraded
	}
	return e
}

// recorder remembers the status written to the caller.
type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
