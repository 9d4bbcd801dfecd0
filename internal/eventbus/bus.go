// Package eventbus is the non-blocking, batched, circuit-broken emission
// surface for domain events. Emit is synchronous and O(1): it appends to
// an in-memory buffer and returns. A background flusher drains the buffer
// to the KV/stream store under a batch-size or batch-wait trigger,
// gated by a sliding-window circuit breaker so a failing store never
// backs pressure onto the request path.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	domainevent "github.com/radiusmatch/rendezvous/internal/domain/event"
)

// flushStore is the subset of *kv.Store the flusher needs. Defined as an
// interface here (rather than depending on *kv.Store directly) so tests
// can exercise batching/breaker behavior against a fake without a live
// Redis.
type flushStore interface {
	HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error
	XAdd(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) error
}

// Config holds the tunables from spec.md §6/§8.
type Config struct {
	Enabled       bool
	BatchSize     int
	BatchWait     time.Duration
	StreamMaxLen  int64
	EventTTL      time.Duration
	StreamPrefix  string // e.g. "observer"
	Breaker       BreakerConfig
}

// DefaultConfig returns the documented production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		BatchSize:    50,
		BatchWait:    100 * time.Millisecond,
		StreamMaxLen: 10_000,
		EventTTL:     time.Hour,
		StreamPrefix: "observer",
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			WindowSize:       60 * time.Second,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 3,
		},
	}
}

// Bus is the fire-and-forget event emission surface.
type Bus struct {
	cfg     Config
	store   flushStore
	logger  *zap.Logger
	breaker *circuitBreaker

	mu       sync.Mutex
	buffer   []domainevent.Event
	oldest   time.Time
	hasOldest bool

	flushSignal chan struct{}
	droppedCount uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Bus. Callers must call Start to begin the background
// flusher and Stop to drain it during shutdown.
func New(store flushStore, cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:         cfg,
		store:       store,
		logger:      logger,
		breaker:     newCircuitBreaker(cfg.Breaker),
		flushSignal: make(chan struct{}, 1),
	}
}

// Start begins the background flusher goroutine.
func (b *Bus) Start(ctx context.Context) {
	if !b.cfg.Enabled {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.run()
}

// Stop signals the flusher to exit and waits for it, flushing any
// remaining buffered events on the way out on a best-effort basis.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.cfg.Enabled || b.cancel == nil {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit enqueues an event for later flush. It never blocks and never
// returns an error to the caller; extraction/store failures are the
// flusher's concern, not the emitter's.
func (b *Bus) Emit(evt domainevent.Event) {
	if !b.cfg.Enabled {
		return
	}

	now := time.Now()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	if evt.EventID == "" {
		id, err := newEventID(now)
		if err != nil {
			b.logger.Warn("eventbus: failed to generate event id, dropping event", zap.Error(err))
			return
		}
		evt.EventID = id
	}

	if !b.breaker.Allow(now) {
		b.mu.Lock()
		b.droppedCount++
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.buffer = append(b.buffer, evt)
	if !b.hasOldest {
		b.oldest = now
		b.hasOldest = true
	}
	shouldFlush := len(b.buffer) >= b.cfg.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.signalFlush()
	}
}

func (b *Bus) signalFlush() {
	select {
	case b.flushSignal <- struct{}{}:
	default:
	}
}

// DroppedCount returns the number of events dropped while the breaker was
// open, for diagnostics/metrics.
func (b *Bus) DroppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedCount
}

// BreakerState returns the breaker's current state name.
func (b *Bus) BreakerState() string {
	return b.breaker.State()
}

func (b *Bus) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.flush(context.Background())
			return
		case <-b.flushSignal:
			b.flush(b.ctx)
		case <-ticker.C:
			if b.waitElapsed(time.Now()) {
				b.flush(b.ctx)
			}
		}
	}
}

// tickInterval polls at a fraction of BatchWait so the wait trigger fires
// close to on-time without a timer per-event.
func (b *Bus) tickInterval() time.Duration {
	d := b.cfg.BatchWait / 4
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	return d
}

func (b *Bus) waitElapsed(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) == 0 || !b.hasOldest {
		return false
	}
	return now.Sub(b.oldest) >= b.cfg.BatchWait
}

func (b *Bus) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.hasOldest = false
	b.mu.Unlock()

	now := time.Now()
	if !b.breaker.Allow(now) {
		// Breaker reopened between enqueue and flush (or tripped from a
		// previous batch); this batch is lost, which is acceptable under
		// at-most-once observer delivery.
		b.mu.Lock()
		b.droppedCount += uint64(len(batch))
		b.mu.Unlock()
		return
	}

	if err := b.writeBatch(ctx, batch); err != nil {
		b.logger.Warn("eventbus: flush failed, batch discarded", zap.Int("batch_size", len(batch)), zap.Error(err))
		b.breaker.RecordFailure(now)
		return
	}

	b.breaker.RecordSuccess(now)
}

// writeBatch writes the whole batch as one logical pipeline: per event, set
// the event hash with TTL, append to the type stream and the global
// stream, both trimmed to StreamMaxLen. A partial failure fails the whole
// batch; it is not retried (best-effort, at-most-once).
func (b *Bus) writeBatch(ctx context.Context, batch []domainevent.Event) error {
	for _, evt := range batch {
		key := fmt.Sprintf("%s:event:%s", b.cfg.StreamPrefix, evt.EventID)
		fields := eventFields(evt)

		if err := b.store.HSet(ctx, key, fields, b.cfg.EventTTL); err != nil {
			return fmt.Errorf("eventbus: set event hash %s: %w", key, err)
		}

		typeStream := fmt.Sprintf("%s:events:%s", b.cfg.StreamPrefix, evt.Type)
		if err := b.store.XAdd(ctx, typeStream, fields, b.cfg.StreamMaxLen); err != nil {
			return fmt.Errorf("eventbus: xadd %s: %w", typeStream, err)
		}

		globalStream := fmt.Sprintf("%s:events:all", b.cfg.StreamPrefix)
		if err := b.store.XAdd(ctx, globalStream, fields, b.cfg.StreamMaxLen); err != nil {
			return fmt.Errorf("eventbus: xadd %s: %w", globalStream, err)
		}
	}
	return nil
}

func eventFields(evt domainevent.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"event_id":   evt.EventID,
		"type":       string(evt.Type),
		"user_id":    evt.UserID,
		"created_at": evt.CreatedAt.UnixMilli(),
	}
	if evt.RelatedUserID != "" {
		fields["related_user_id"] = evt.RelatedUserID
	}
	if evt.CircleID != "" {
		fields["circle_id"] = evt.CircleID
	}
	for k, v := range evt.Metadata {
		fields["meta_"+k] = fmt.Sprintf("%v", v)
	}
	return fields
}
