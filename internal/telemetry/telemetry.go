// Package telemetry records one event per proxied request and fans it out to
// the configured sinks. Events carry labels, counts, hosts and a keyed hash
// of the session id; they never carry request text or original values.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Policy outcomes.
const (
	OutcomeAllowed           = "allowed"
	OutcomeDeniedDestination = "denied_destination"
	OutcomeDeniedContent     = "denied_content"
	OutcomeNotEvaluated      = "not_evaluated"
)

// Event describes one request after it completed or aborted.
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	RequestID      string         `json:"request_id"`
	SessionIDHash  string         `json:"session_id_hash"`
	TargetHost     string         `json:"target_host"`
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	EntityCounts   map[string]int `json:"entity_label_counts"`
	PolicyOutcome  string         `json:"policy_outcome"`
	RuleID         string         `json:"rule_id,omitempty"`
	Stage          string         `json:"stage"`
	Status         int            `json:"status"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	LatencyMS      int64          `json:"latency_ms"`
	TokensRestored int            `json:"tokens_restored"`
	Unresolved     int            `json:"unresolved"`
	Degraded       int            `json:"degraded"`
	Signer         string         `json:"signer,omitempty"`
	Signature      string         `json:"signature,omitempty"`
}

// Entities is the total of EntityCounts.
func (e Event) Entities() int {
	n := 0
	for _, c := range e.EntityCounts {
		n += c
	}
	return n
}

// SignedPayload is the byte string covered by Signature: the event encoded
// with an empty Signature field.
func SignedPayload(e Event) ([]byte, error) {
	e.Signature = ""
	return json.Marshal(e)
}

// Sink receives events. Publish may block up to the context deadline.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Hasher derives stable, non-reversible session identifiers.
type Hasher struct {
	key []byte
}

// NewHasher returns a keyed BLAKE2b hasher. An empty key is replaced by a
// random one, so hashes are stable only for the life of the process.
func NewHasher(key string) (*Hasher, error) {
	k := []byte(key)
	if len(k) == 0 {
		k = make([]byte, 32)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("telemetry: hash key: %w", err)
		}
	}
	if len(k) > blake2b.Size {
		sum := blake2b.Sum256(k)
		k = sum[:]
	}
	if _, err := blake2b.New256(k); err != nil {
		return nil, fmt.Errorf("telemetry: hash key: %w", err)
	}
	return &Hasher{key: k}, nil
}

// Hash returns 32 hex characters identifying sessionID.
func (h *Hasher) Hash(sessionID string) string {
	d, _ := blake2b.New(16, h.key)
	d.Write([]byte(sessionID))
	return hex.EncodeToString(d.Sum(nil))
}
