package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Signer signs encoded events.
type Signer interface {
	Sign(payload []byte) (string, error)
	Address() string
}

// DefaultPublishTimeout bounds a single sink write.
const DefaultPublishTimeout = 5 * time.Second

// Emitter decouples request handling from sink latency: Emit never blocks,
// and a single goroutine started by Run delivers events to every sink.
type Emitter struct {
	sinks   []Sink
	signer  Signer
	events  chan Event
	timeout time.Duration

	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewEmitter creates an Emitter with room for buffer pending events. signer
// may be nil.
func NewEmitter(buffer int, signer Signer, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Emitter{
		sinks:   sinks,
		signer:  signer,
		events:  make(chan Event, buffer),
		timeout: DefaultPublishTimeout,
		done:    make(chan struct{}),
	}
}

// Emit queues e. When the buffer is full the event is dropped.
func (em *Emitter) Emit(e Event) {
	if em == nil {
		return
	}
	select {
	case em.events <- e:
	default:
		n := em.dropped.Add(1)
		slog.Warn("telemetry: buffer full, event dropped", "request_id", e.RequestID, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (em *Emitter) Dropped() int64 { return em.dropped.Load() }

// Run delivers events until ctx is done, then drains what is already queued.
func (em *Emitter) Run(ctx context.Context) {
	defer close(em.done)
	for {
		select {
		case e := <-em.events:
			em.publish(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-em.events:
					em.publish(e)
				default:
					return
				}
			}
		}
	}
}

// Close waits for Run to drain, bounded by ctx, then closes the sinks.
func (em *Emitter) Close(ctx context.Context) error {
	var err error
	em.once.Do(func() {
		select {
		case <-em.done:
		case <-ctx.Done():
			slog.Warn("telemetry: close before drain finished", "pending", len(em.events))
		}
		for _, s := range em.sinks {
			if cerr := s.Close(); cerr != nil {
				slog.Warn("telemetry: sink close", "sink", s.Name(), "err", cerr)
				if err == nil {
					err = cerr
				}
			}
		}
	})
	return err
}

func (em *Emitter) publish(e Event) {
	if em.signer != nil {
		e.Signer = em.signer.Address()
		payload, err := SignedPayload(e)
		if err == nil {
			e.Signature, err = em.signer.Sign(payload)
		}
		if err != nil {
			slog.Warn("telemetry: sign failed", "request_id", e.RequestID, "err", err)
			e.Signer, e.Signature = "", ""
		}
	}
	for _, s := range em.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), em.timeout)
		if err := s.Publish(ctx, e); err != nil {
			slog.Warn("telemetry: publish failed", "sink", s.Name(), "request_id", e.RequestID, "err", err)
		}
		cancel()
	}
}
