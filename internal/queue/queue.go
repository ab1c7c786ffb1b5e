// Package queue implements the double-buffered event queue.
//
// Producers append serialized events to the active buffer. The upload
// pipeline swaps the active buffer into the drain buffer, reads the drain
// buffer, and clears it only after the batch is acknowledged. Every event
// lives in exactly one buffer until it is cleared. Each mutation is written
// through to a ports.EventQueueStore; if a write fails, the persisted copy is
// discarded and the queue keeps running from memory, reporting
// Durable() == false.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
	"github.com/tjfontaine/eventrelay/internal/core/ports"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
)

// DefaultCapacity is used when no capacity is configured.
const DefaultCapacity = 10000

// Store is the event queue.
type Store struct {
	mu       sync.Mutex
	active   []string
	drain    []string
	capacity int

	backing ports.EventQueueStore
	durable bool
	reset   bool

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the number of stored events across both buffers.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithReset discards any persisted events before loading.
func WithReset() Option {
	return func(s *Store) {
		s.reset = true
	}
}

// New loads the queue from backing. A nil backing, or one that fails to
// load, yields a memory-only queue.
func New(ctx context.Context, backing ports.EventQueueStore, opts ...Option) *Store {
	s := &Store{
		capacity: DefaultCapacity,
		backing:  backing,
		durable:  backing != nil,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.backing == nil {
		s.logger.Warn("event queue has no storage, running memory-only")
		return s
	}

	if s.reset {
		if err := s.backing.ResetQueue(ctx); err != nil {
			s.degrade("reset", err)
			return s
		}
	}

	active, drain, err := s.backing.LoadQueue(ctx)
	if err != nil {
		s.degrade("load", err)
		return s
	}
	s.active = active
	s.drain = drain
	s.metrics.SetQueueDepth(len(s.active), len(s.drain))

	if n := len(active) + len(drain); n > 0 {
		s.logger.Debug("event queue restored",
			slog.Int("active", len(active)),
			slog.Int("drain", len(drain)))
	}
	return s
}

// Push appends a serialized event to the active buffer. It returns false and
// ErrStoreFull, leaving the queue unchanged, when the queue is at capacity.
func (s *Store) Push(ctx context.Context, serialized string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active)+len(s.drain) >= s.capacity {
		s.metrics.IncRejected()
		return false, fmt.Errorf("%w: capacity %d reached", domain.ErrStoreFull, s.capacity)
	}

	if s.durable {
		if err := s.backing.AppendEvent(ctx, serialized); err != nil {
			s.abandonBacking(ctx, "append", err)
		}
	}

	s.active = append(s.active, serialized)
	s.metrics.IncRecorded()
	s.metrics.SetQueueDepth(len(s.active), len(s.drain))
	return true, nil
}

// Swap moves the whole active buffer to the end of the drain buffer and
// starts a new, empty active buffer. Pushes that begin after Swap returns
// land in the new active buffer.
func (s *Store) Swap(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		return
	}

	if s.durable {
		if err := s.backing.SwapBuffers(ctx); err != nil {
			s.abandonBacking(ctx, "swap", err)
		}
	}

	s.drain = append(s.drain, s.active...)
	s.active = nil
	s.metrics.SetQueueDepth(len(s.active), len(s.drain))
}

// Read returns a copy of the drain buffer in insertion order.
func (s *Store) Read() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.drain))
	copy(out, s.drain)
	return out
}

// Clear permanently discards the drain buffer. Call it only after everything
// Read returned was delivered.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.durable {
		if err := s.backing.ClearDrain(ctx); err != nil {
			s.abandonBacking(ctx, "clear", err)
		}
	}

	s.drain = nil
	s.metrics.SetQueueDepth(len(s.active), len(s.drain))
}

// Reset discards both buffers.
func (s *Store) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.durable {
		if err := s.backing.ResetQueue(ctx); err != nil {
			s.abandonBacking(ctx, "reset", err)
		}
	}

	s.active = nil
	s.drain = nil
	s.metrics.SetQueueDepth(0, 0)
}

// Len returns the number of events held in both buffers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) + len(s.drain)
}

// Counts returns the active and drain buffer sizes.
func (s *Store) Counts() (active, drain int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.drain)
}

// Capacity returns the configured capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Durable reports whether mutations are still written to storage.
func (s *Store) Durable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable
}

// abandonBacking switches to memory-only mode after a failed write and wipes
// the persisted queue. Rows left behind would no longer track the in-memory
// buffers, so a later acknowledged upload could not remove them and they
// would be sent again after a restart. Callers hold s.mu.
func (s *Store) abandonBacking(ctx context.Context, op string, err error) {
	s.degrade(op, err)
	if rerr := s.backing.ResetQueue(ctx); rerr != nil {
		s.logger.Error("failed to discard persisted events, they may be resent after restart",
			slog.String("error", rerr.Error()))
	}
}

// degrade switches to memory-only mode. Callers hold s.mu or are in New.
func (s *Store) degrade(op string, err error) {
	s.durable = false
	s.metrics.IncPersistFailures()
	s.logger.Warn("event queue storage failed, continuing memory-only",
		slog.String("op", op),
		slog.String("error", err.Error()))
}
