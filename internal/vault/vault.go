// Package vault holds the session-scoped mapping between sensitive values and
// the opaque tokens that replace them in forwarded traffic.
//
// Every mapping lives in a shared Store so that any replica can restore a
// token minted by another. Keys are laid out per session:
//
//	trustlayer:{<sid>}:meta                   session record (JSON)
//	trustlayer:{<sid>}:count:<LABEL>          per-label counter
//	trustlayer:{<sid>}:value:<LABEL>:<sha256> value -> token
//	trustlayer:{<sid>}:token:<token>          token -> value
//
// <sid> is the base64url form of the session id, so ids containing ':' or
// glob characters cannot reach into another session's keys.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the sliding lifetime of a session's mappings.
const DefaultTTL = time.Hour

const (
	keyPrefix       = "trustlayer:"
	maxMintAttempts = 8

	// putTimeout bounds a shared Put, which no longer follows any one
	// caller's context.
	putTimeout = 10 * time.Second
)

var (
	// ErrWriteFailure means a mapping could not be persisted. Callers must
	// not forward any content that depended on it.
	ErrWriteFailure = errors.New("vault: write failure")
	// ErrReadFailure means the store could not be read. Restoration treats
	// it as a miss and leaves the token in place.
	ErrReadFailure = errors.New("vault: read failure")
	// ErrSessionNotFound is returned by Session for unknown or expired ids.
	ErrSessionNotFound = errors.New("vault: session not found")
)

// Session describes a live vault session.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Counts    map[string]int `json:"entity_counts,omitempty"`
}

type sessionMeta struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Vault mints and resolves tokens on top of a Store.
type Vault struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group
}

// New returns a Vault with the given sliding TTL (DefaultTTL if ttl <= 0).
func New(store Store, ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Vault{store: store, ttl: ttl, now: time.Now}
}

// TTL returns the session lifetime.
func (v *Vault) TTL() time.Duration { return v.ttl }

// Ping checks the backing store.
func (v *Vault) Ping(ctx context.Context) error { return v.store.Ping(ctx) }

func sessionPrefix(sessionID string) string {
	return keyPrefix + "{" + base64.RawURLEncoding.EncodeToString([]byte(sessionID)) + "}:"
}

func metaKey(sid string) string { return sessionPrefix(sid) + "meta" }

func counterPrefix(sid string) string { return sessionPrefix(sid) + "count:" }

func counterKey(sid, label string) string { return counterPrefix(sid) + label }

func reverseKey(sid, token string) string { return sessionPrefix(sid) + "token:" + token }

func forwardKey(sid, label, value string) string {
	sum := sha256.Sum256([]byte(value))
	return sessionPrefix(sid) + "value:" + label + ":" + hex.EncodeToString(sum[:])
}

// Put returns the token for value under label in the session, minting a new
// one if the value has not been seen. The same (session, label, value)
// always yields the same token while the session is live, even when
// several replicas race to mint it.
func (v *Vault) Put(ctx context.Context, sessionID, label, value string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrWriteFailure)
	}
	label = NormalizeLabel(label)
	fwd := forwardKey(sessionID, label, value)

	// Collapse concurrent Puts of the same value inside this replica; the
	// SetNX dance below handles races between replicas.
	// The shared call outlives any single caller, so one caller going away
	// cannot fail the others waiting on it.
	ch := v.group.DoChan(fwd, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
		defer cancel()
		return v.put(sctx, sessionID, label, value, fwd)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (v *Vault) put(ctx context.Context, sid, label, value, fwd string) (string, error) {
	tok, err := v.store.Get(ctx, fwd)
	switch {
	case err == nil:
		// Rewrite the reverse entry rather than just extending it: the two
		// entries are written a moment apart and may expire a moment apart.
		if err := v.store.Set(ctx, reverseKey(sid, tok), value, v.ttl); err != nil {
			return "", fmt.Errorf("%w: refresh %s: %w", ErrWriteFailure, tok, err)
		}
		if err := v.store.Expire(ctx, v.ttl, fwd, counterKey(sid, label)); err != nil {
			return "", fmt.Errorf("%w: refresh %s: %w", ErrWriteFailure, tok, err)
		}
		return tok, nil
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("%w: lookup %s: %w", ErrWriteFailure, label, err)
	}

	tok, err = v.mint(ctx, sid, label, value)
	if err != nil {
		return "", err
	}

	ok, err := v.store.SetNX(ctx, fwd, tok, v.ttl)
	if err != nil {
		return "", fmt.Errorf("%w: index %s: %w", ErrWriteFailure, tok, err)
	}
	if ok {
		return tok, nil
	}

	// Another replica indexed this value first. Its token wins; ours stays
	// bound (harmlessly) until it expires.
	winner, err := v.store.Get(ctx, fwd)
	if err != nil {
		return "", fmt.Errorf("%w: reread %s: %w", ErrWriteFailure, label, err)
	}
	slog.Debug("vault: lost mint race", "label", label, "discarded", tok, "token", winner)
	return winner, nil
}

// mint allocates the next sequence number for label and binds its token to
// value. A sequence number can collide with a stale binding when the counter
// expired a moment before its entries did; the counter is then advanced
// past it.
func (v *Vault) mint(ctx context.Context, sid, label, value string) (string, error) {
	for range maxMintAttempts {
		seq, err := v.store.Incr(ctx, counterKey(sid, label), v.ttl)
		if err != nil {
			return "", fmt.Errorf("%w: counter %s: %w", ErrWriteFailure, label, err)
		}
		tok := FormatToken(label, seq)

		// Reverse entry first: once the forward entry is visible the token
		// must already be resolvable.
		ok, err := v.store.SetNX(ctx, reverseKey(sid, tok), value, v.ttl)
		if err != nil {
			return "", fmt.Errorf("%w: bind %s: %w", ErrWriteFailure, tok, err)
		}
		if ok {
			return tok, nil
		}
		slog.Warn("vault: sequence already bound, advancing", "label", label, "token", tok)
	}
	return "", fmt.Errorf("%w: no free sequence for %s", ErrWriteFailure, label)
}

// Resolve returns the original value bound to token in the session. A
// malformed, unknown or expired token yields found == false with a nil
// error. Store errors are wrapped in ErrReadFailure.
func (v *Vault) Resolve(ctx context.Context, sessionID, token string) (string, bool, error) {
	if _, _, ok := ParseToken(token); !ok || sessionID == "" {
		return "", false, nil
	}
	val, err := v.store.Get(ctx, reverseKey(sessionID, token))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	return val, true, nil
}

// Touch creates the session record if needed and slides its expiry.
func (v *Vault) Touch(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrWriteFailure)
	}
	now := v.now().UTC()
	meta := sessionMeta{CreatedAt: now, ExpiresAt: now.Add(v.ttl)}

	key := metaKey(sessionID)
	raw, err := v.store.Get(ctx, key)
	switch {
	case err == nil:
		var prev sessionMeta
		if json.Unmarshal([]byte(raw), &prev) == nil && !prev.CreatedAt.IsZero() {
			meta.CreatedAt = prev.CreatedAt
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: session record: %w", ErrWriteFailure, err)
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("vault: marshal session: %w", err)
	}
	if err := v.store.Set(ctx, key, string(b), v.ttl); err != nil {
		return fmt.Errorf("%w: session record: %w", ErrWriteFailure, err)
	}
	return nil
}

// Session returns the session record with per-label token counts.
func (v *Vault) Session(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := v.store.Get(ctx, metaKey(sessionID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	var meta sessionMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("vault: decode session: %w", err)
	}
	counts, err := v.Stats(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        sessionID,
		CreatedAt: meta.CreatedAt,
		ExpiresAt: meta.ExpiresAt,
		Counts:    counts,
	}, nil
}

// Stats returns the number of tokens minted per label in the session.
func (v *Vault) Stats(ctx context.Context, sessionID string) (map[string]int, error) {
	prefix := counterPrefix(sessionID)
	entries, err := v.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	counts := make(map[string]int, len(entries))
	for k, raw := range entries {
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		counts[strings.TrimPrefix(k, prefix)] = n
	}
	return counts, nil
}

// ExpireSession drops every mapping of the session immediately. Tokens from
// it become unresolvable and a later Put starts numbering from 1 again.
func (v *Vault) ExpireSession(ctx context.Context, sessionID string) (int, error) {
	n, err := v.store.DeletePrefix(ctx, sessionPrefix(sessionID))
	if err != nil {
		return n, fmt.Errorf("%w: expire session: %w", ErrWriteFailure, err)
	}
	return n, nil
}
