package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gonkalabs/trustlayer-proxy/internal/policy"
	"github.com/gonkalabs/trustlayer-proxy/internal/sanitize"
	"github.com/gonkalabs/trustlayer-proxy/internal/telemetry"
	"github.com/gonkalabs/trustlayer-proxy/internal/upstream"
	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

// DefaultMaxBodyBytes caps request bodies when Options leaves it zero.
const DefaultMaxBodyBytes = 10 << 20

// MetricsSource produces the aggregated telemetry view.
type MetricsSource interface {
	Summary(ctx context.Context) (*telemetry.Summary, error)
}

// Deps are the collaborators a Handler orchestrates. Emitter, Hasher and
// Metrics may be nil.
type Deps struct {
	Gate      *policy.Gate
	Sanitizer *sanitize.Sanitizer
	Vault     *vault.Vault
	Upstream  *upstream.Client
	Emitter   *telemetry.Emitter
	Hasher    *telemetry.Hasher
	Metrics   MetricsSource
}

// Options tune request handling. Zero values pick defaults.
type Options struct {
	RoutingHeader     string
	SessionHeader     string
	Session           SessionFunc
	MaxBodyBytes      int64
	PassthroughBinary bool
	AdminToken        string
}

// Handler implements the proxy and its admin endpoints.
type Handler struct {
	Deps
	opts Options
}

// New creates a Handler.
func New(deps Deps, opts Options) *Handler {
	if opts.RoutingHeader == "" {
		opts.RoutingHeader = "X-TrustLayer-Target"
	}
	if opts.SessionHeader == "" {
		opts.SessionHeader = "X-TrustLayer-Session"
	}
	if opts.Session == nil {
		opts.Session = HeaderSession(opts.SessionHeader)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{Deps: deps, opts: opts}
}

// Register mounts routes on the given mux. Everything outside /_trustlayer/
// is proxied.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /_trustlayer/health", h.health)
	mux.HandleFunc("GET /_trustlayer/metrics", h.admin(h.metrics))
	mux.HandleFunc("GET /_trustlayer/sessions/{id}", h.admin(h.getSession))
	mux.HandleFunc("DELETE /_trustlayer/sessions/{id}", h.admin(h.deleteSession))
	mux.HandleFunc("/_trustlayer/", func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, failure{http.StatusNotFound, "not_found", "unknown admin endpoint"})
	})
	mux.Handle("/", h)
}

// ServeHTTP proxies one request through the pipeline.
func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ex := &exchange{
		id:      uuid.NewString(),
		start:   time.Now(),
		stage:   StageReceived,
		method:  r.Method,
		path:    r.URL.Path,
		outcome: telemetry.OutcomeNotEvaluated,
	}
	w := &recorder{ResponseWriter: rw}
	w.Header().Set("X-Request-Id", ex.id)
	defer h.finish(ex, w)

	if err := h.forward(w, r, ex); err != nil {
		f := classify(err)
		ex.abort(f.kind)
		if f.status == statusClientClosed {
			w.status = statusClientClosed
			return
		}
		if ex.committed {
			// Headers are out; the stream can only be cut short.
			slog.Warn("api: response aborted", "request_id", ex.id, "kind", f.kind, "err", err)
			return
		}
		level := slog.LevelWarn
		if f.status >= 500 {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "api: request failed",
			"request_id", ex.id, "host", ex.host, "kind", f.kind, "rule", ex.ruleID, "err", err)
		writeFailure(w, f)
	}
}

func (h *Handler) forward(w *recorder, r *http.Request, ex *exchange) error {
	target := strings.TrimSpace(r.Header.Get(h.opts.RoutingHeader))
	if target == "" {
		target = r.Host
	}
	if target == "" {
		return errMissingTarget
	}

	ex.session = h.opts.Session(r)

	// The destination is checked before the body is read or scanned.
	d := h.Gate.CheckHost(target)
	ex.host = d.Host
	if !d.Allowed {
		ex.outcome = telemetry.OutcomeDeniedDestination
		return d.Err()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		return err
	}
	contentType := r.Header.Get("Content-Type")
	encoding := r.Header.Get("Content-Encoding")

	passthrough := false
	decoded := false
	var texts []string
	raw := body
	plain, err := decodeBody(encoding, body, h.opts.MaxBodyBytes)
	if err == nil {
		decoded = plain != nil
		if decoded {
			body = plain
		}
		texts, err = h.Sanitizer.Texts(contentType, body)
	}
	if errors.Is(err, sanitize.ErrUnsupportedContent) && h.opts.PassthroughBinary {
		slog.Warn("api: forwarding unscanned body", "request_id", ex.id, "host", ex.host,
			"content_type", contentType, "content_encoding", encoding)
		passthrough, decoded = true, false
		body, texts = raw, nil
	} else if err != nil {
		return err
	}
	if d := h.Gate.CheckContent(texts); !d.Allowed {
		ex.outcome = telemetry.OutcomeDeniedContent
		ex.ruleID = d.RuleID
		return d.Err()
	}
	ex.outcome = telemetry.OutcomeAllowed
	ex.advance(StagePolicyChecked)

	if !passthrough {
		res, err := h.Sanitizer.Redact(r.Context(), ex.session, contentType, body)
		if err != nil {
			return err
		}
		if res.Extracted {
			ex.advance(StageExtracted)
			// Uploaded files are only readable after extraction.
			if d := h.Gate.CheckContent(res.FileTexts); !d.Allowed {
				ex.outcome = telemetry.OutcomeDeniedContent
				ex.ruleID = d.RuleID
				return d.Err()
			}
		}
		body, contentType, ex.counts = res.Body, res.ContentType, res.Counts
		if res.Total() > 0 {
			slog.Info("api: redacted request", "request_id", ex.id, "entities", res.Counts)
		}
	}
	ex.advance(StageTokenized)

	header := r.Header.Clone()
	if decoded {
		header.Del("Content-Encoding")
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	resp, err := h.Upstream.Do(r.Context(), upstream.Request{
		Method:   r.Method,
		Host:     target,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   header,
		Body:     body,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	ex.advance(StageForwarded)

	return h.respond(w, r, ex, resp)
}

// respond relays the upstream response, restoring tokens on the way.
func (h *Handler) respond(w *recorder, r *http.Request, ex *exchange, resp *http.Response) error {
	ctx := r.Context()
	ex.restorer = sanitize.NewRestorer(h.Vault, ex.session)

	upstream.CopyResponseHeaders(w.Header(), resp.Header)
	setRedactionHeader(w, ex.counts)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.Header().Set("X-TrustLayer-Upstream-Status", strconv.Itoa(resp.StatusCode))
		w.Header().Set("X-TrustLayer-Error", KindUpstreamStatus)
		ex.errKind = KindUpstreamStatus
	}
	jsonBody := isJSON(resp.Header.Get("Content-Type"))

	if upstream.IsStreaming(resp) {
		var src io.Reader
		if upstream.IsEventStream(resp) {
			src = sanitize.NewSSERestorer(ctx, resp.Body, ex.restorer)
		} else {
			src = sanitize.NewRestoringReader(resp.Body, ex.restorer.NewStream(ctx, jsonBody))
		}
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		ex.advance(StageRestoring)
		ex.committed = true
		w.WriteHeader(resp.StatusCode)
		return h.stream(w, ex, src)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("api: read upstream body: %w: %v", upstream.ErrUnreachable, err)
	}
	ex.advance(StageRestoring)
	out := ex.restorer.RestoreBytes(ctx, raw, jsonBody)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	ex.committed = true
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		ex.abort(KindClientClosed)
		return nil
	}
	ex.advance(StageComplete)
	return nil
}

// stream copies src to the caller, flushing after every write.
func (h *Handler) stream(w *recorder, ex *exchange, src io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				slog.Debug("api: client write failed", "request_id", ex.id, "err", err)
				ex.abort(KindClientClosed)
				return nil
			}
			w.Flush()
		}
		if readErr == io.EOF {
			ex.advance(StageComplete)
			return nil
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) {
				ex.abort(KindClientClosed)
				return nil
			}
			slog.Warn("api: upstream stream aborted", "request_id", ex.id, "err", readErr)
			ex.abort(KindUpstreamAborted)
			return nil
		}
	}
}

func (h *Handler) finish(ex *exchange, w *recorder) {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	if ex.stage != StageComplete && ex.stage != StageAborted {
		ex.abort(KindInternal)
	}
	e := ex.event(status, h.Hasher)
	slog.Info("api: request",
		"request_id", ex.id,
		"method", ex.method,
		"host", ex.host,
		"path", ex.path,
		"status", status,
		"stage", ex.stage,
		"entities", e.Entities(),
		"restored", e.TokensRestored,
		"latency_ms", e.LatencyMS,
	)
	h.Emitter.Emit(e)
}

// setRedactionHeader reports per-label redaction counts (never values) as
// base64 JSON in X-TrustLayer-Redactions.
func setRedactionHeader(w http.ResponseWriter, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return
	}
	w.Header().Set("X-TrustLayer-Redactions", base64.StdEncoding.EncodeToString(b))
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "application/x-ndjson"
}
