package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKeep is how many recent events the Redis sink retains.
const DefaultKeep = 1000

// RedisSink keeps a capped list of recent events plus running counters,
// which Summary turns into the metrics view.
type RedisSink struct {
	rdb    redis.UniversalClient
	prefix string
	keep   int64
}

// NewRedisSink stores under keys beginning with prefix.
func NewRedisSink(rdb redis.UniversalClient, prefix string, keep int) *RedisSink {
	if prefix == "" {
		prefix = "trustlayer:telemetry:"
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &RedisSink{rdb: rdb, prefix: prefix, keep: int64(keep)}
}

func (r *RedisSink) key(name string) string { return r.prefix + name }

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("telemetry: redis: marshal: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, r.key("requests"), b)
	pipe.LTrim(ctx, r.key("requests"), 0, r.keep-1)
	pipe.Incr(ctx, r.key("total_requests"))
	pipe.HIncrBy(ctx, r.key("by_host"), e.TargetHost, 1)
	pipe.HIncrBy(ctx, r.key("by_status"), strconv.Itoa(e.Status), 1)
	pipe.HIncrBy(ctx, r.key("by_outcome"), e.PolicyOutcome, 1)
	for label, n := range e.EntityCounts {
		pipe.HIncrBy(ctx, r.key("entities_by_label"), label, int64(n))
	}
	if n := e.Entities(); n > 0 {
		pipe.IncrBy(ctx, r.key("total_entities"), int64(n))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: redis: %w", err)
	}
	return nil
}

func (r *RedisSink) Close() error { return nil }

// Latency summarises request latencies in milliseconds.
type Latency struct {
	Avg float64 `json:"avg_ms"`
	Min int64   `json:"min_ms"`
	Max int64   `json:"max_ms"`
	P50 int64   `json:"p50_ms"`
	P90 int64   `json:"p90_ms"`
	P95 int64   `json:"p95_ms"`
	P99 int64   `json:"p99_ms"`
}

// Summary is the aggregated metrics view.
type Summary struct {
	TotalRequests   int64            `json:"total_requests"`
	TotalEntities   int64            `json:"total_entities_redacted"`
	ByHost          map[string]int64 `json:"by_host"`
	ByStatus        map[string]int64 `json:"by_status"`
	ByOutcome       map[string]int64 `json:"by_outcome"`
	EntitiesByLabel map[string]int64 `json:"entities_by_label"`
	Latency         Latency          `json:"latency"`
	Recent          []Event          `json:"recent"`
}

// recentShown is how many of the retained events Summary returns.
const recentShown = 20

// Summary reads the counters and computes latency statistics over the
// retained events.
func (r *RedisSink) Summary(ctx context.Context) (*Summary, error) {
	total, err := r.counter(ctx, "total_requests")
	if err != nil {
		return nil, err
	}
	entities, err := r.counter(ctx, "total_entities")
	if err != nil {
		return nil, err
	}
	s := &Summary{TotalRequests: total, TotalEntities: entities}
	for name, dst := range map[string]*map[string]int64{
		"by_host":           &s.ByHost,
		"by_status":         &s.ByStatus,
		"by_outcome":        &s.ByOutcome,
		"entities_by_label": &s.EntitiesByLabel,
	} {
		if *dst, err = r.hash(ctx, name); err != nil {
			return nil, err
		}
	}

	raw, err := r.rdb.LRange(ctx, r.key("requests"), 0, r.keep-1).Result()
	if err != nil {
		return nil, fmt.Errorf("telemetry: redis: recent: %w", err)
	}
	latencies := make([]int64, 0, len(raw))
	for i, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		latencies = append(latencies, e.LatencyMS)
		if i < recentShown {
			s.Recent = append(s.Recent, e)
		}
	}
	s.Latency = summarize(latencies)
	return s, nil
}

func (r *RedisSink) counter(ctx context.Context, name string) (int64, error) {
	n, err := r.rdb.Get(ctx, r.key(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("telemetry: redis: %s: %w", name, err)
	}
	return n, nil
}

func (r *RedisSink) hash(ctx context.Context, name string) (map[string]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("telemetry: redis: %s: %w", name, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// summarize uses nearest-rank-below percentiles: sorted[int(n*p)].
func summarize(vals []int64) Latency {
	if len(vals) == 0 {
		return Latency{}
	}
	sorted := append([]int64(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum int64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	at := func(p float64) int64 { return sorted[min(int(float64(n)*p), n-1)] }
	return Latency{
		Avg: math.Round(float64(sum)/float64(n)*100) / 100,
		Min: sorted[0],
		Max: sorted[n-1],
		P50: at(0.5),
		P90: at(0.9),
		P95: at(0.95),
		P99: at(0.99),
	}
}
