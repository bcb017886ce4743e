package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gonkalabs/trustlayer-proxy/internal/vault"
)

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	hosts, rules := h.Gate.Stats()
	resp := map[string]any{
		"status": "ok",
		"policy": map[string]int{"allowed_hosts": hosts, "rules": rules},
	}
	status := http.StatusOK
	if err := h.Vault.Ping(ctx); err != nil {
		slog.Warn("api: vault ping failed", "err", err)
		resp["status"] = "degraded"
		resp["vault"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if h.Emitter != nil {
		resp["telemetry_dropped"] = h.Emitter.Dropped()
	}
	writeJSON(w, status, resp)
}

// admin guards next with the admin bearer token. Without a configured token
// the admin endpoints do not exist.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AdminToken == "" {
			writeFailure(w, failure{http.StatusNotFound, "not_found", "admin endpoints are disabled"})
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.AdminToken)) != 1 {
			writeFailure(w, failure{http.StatusUnauthorized, "unauthorized", "missing or invalid admin token"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Vault.Session(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, vault.ErrSessionNotFound):
		writeFailure(w, failure{http.StatusNotFound, "session_not_found", "no live session with that id"})
	case err != nil:
		slog.Error("api: session lookup failed", "err", err)
		writeFailure(w, failure{http.StatusServiceUnavailable, KindVaultUnavailable, "token vault is unavailable"})
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.Vault.ExpireSession(r.Context(), id)
	if err != nil {
		slog.Error("api: session expiry failed", "err", err)
		writeFailure(w, failure{http.StatusServiceUnavailable, KindVaultUnavailable, "token vault is unavailable"})
		return
	}
	session := id
	if h.Hasher != nil {
		session = h.Hasher.Hash(id)
	}
	slog.Info("api: session expired", "session", session, "keys", n)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "deleted_keys": n})
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		writeFailure(w, failure{http.StatusNotFound, "not_found", "metrics require the redis telemetry sink"})
		return
	}
	sum, err := h.Metrics.Summary(r.Context())
	if err != nil {
		slog.Error("api: metrics failed", "err", err)
		writeFailure(w, failure{http.StatusServiceUnavailable, "metrics_unavailable", "metrics store is unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
