package batch

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamgazer/detection.report/internal/monitoring"
	"github.com/streamgazer/detection.report/internal/timeutil"
	"github.com/streamgazer/detection.report/internal/vi"
	"github.com/streamgazer/detection.report/internal/vi/aggregate"
	"github.com/streamgazer/detection.report/internal/vi/track"
)

// Deliverer receives one summary per stream per flush cycle. Delivery
// happens outside the batcher's locks and may take non-trivial
// wall-clock time. Errors are reported back but never retried here —
// retry, if any, is the deliverer's own concern.
type Deliverer interface {
	Deliver(key vi.StreamKey, s *aggregate.Summary) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(key vi.StreamKey, s *aggregate.Summary) error

// Deliver calls f.
func (f DelivererFunc) Deliver(key vi.StreamKey, s *aggregate.Summary) error {
	return f(key, s)
}

// MultiDeliverer fans one summary out to several deliverers. Every
// deliverer is attempted even when an earlier one fails; the combined
// error carries all failures.
type MultiDeliverer []Deliverer

// Deliver hands the summary to each deliverer in order.
func (m MultiDeliverer) Deliver(key vi.StreamKey, s *aggregate.Summary) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(key, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config holds the accumulation parameters for the Batcher.
type Config struct {
	// Window is the accumulation span before a scheduled flush.
	Window time.Duration
	// MaxBatchSize triggers an early flush when any single stream's
	// batch reaches this many detections (bounded-memory guarantee).
	MaxBatchSize int
	// Tracker is passed through to the per-batch object tracker.
	Tracker track.Config
}

// DefaultConfig returns the accumulation defaults.
func DefaultConfig() Config {
	return Config{
		Window:       10 * time.Second,
		MaxBatchSize: 1000,
		Tracker:      track.DefaultConfig(),
	}
}

// Stats are cumulative counters exposed over the API.
type Stats struct {
	Flushes        uint64 `json:"flushes"`
	Summaries      uint64 `json:"summaries"`
	DeliveryErrors uint64 `json:"delivery_errors"`
}

// Batcher accumulates detections per StreamKey and emits one summary
// per stream when the window elapses, when a stream hits the size
// bound, or on shutdown. Safe for arbitrary concurrent producers.
type Batcher struct {
	cfg   Config
	clock timeutil.Clock
	out   Deliverer

	// mu guards the batch map and the pending-timer state. Operations
	// under mu are short (map lookup, slice append) and never touch
	// the network.
	mu          sync.Mutex
	batches     map[vi.StreamKey]*vi.Batch
	timer       timeutil.Timer
	timerCancel chan struct{}
	generation  uint64
	shutdown    bool

	// flushMu serialises flush cycles: at most one drain+summarise+
	// deliver sequence runs at a time. A duplicate trigger drains an
	// empty map and becomes a no-op.
	flushMu sync.Mutex

	wg sync.WaitGroup

	flushes        atomic.Uint64
	summaries      atomic.Uint64
	deliveryErrors atomic.Uint64
}

// New creates a Batcher delivering summaries to out. Zero-valued
// config fields fall back to DefaultConfig. A nil clock uses the real
// one.
func New(cfg Config, out Deliverer, clock timeutil.Clock) *Batcher {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Batcher{
		cfg:     cfg,
		clock:   clock,
		out:     out,
		batches: make(map[vi.StreamKey]*vi.Batch),
	}
}

// Ingest appends detections to key's batch, creating the batch on
// first use, and arms the window timer if no flush is pending. When
// the append pushes the batch across MaxBatchSize an early flush of
// the whole store runs in the background. Ingest never blocks on
// delivery.
func (b *Batcher) Ingest(key vi.StreamKey, dets []vi.Detection) {
	if len(dets) == 0 {
		return
	}
	now := b.clock.Now()

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		monitoring.Logf("vi: dropping %d detections for %s: batcher is shut down", len(dets), key)
		return
	}

	bb, ok := b.batches[key]
	if !ok {
		bb = &vi.Batch{}
		b.batches[key] = bb
	}
	before := len(bb.Detections)
	bb.Append(dets, now)
	crossedLimit := before < b.cfg.MaxBatchSize && len(bb.Detections) >= b.cfg.MaxBatchSize

	b.scheduleLocked()
	b.mu.Unlock()

	if crossedLimit {
		monitoring.Logf("vi: stream %s reached %d detections, flushing early", key, b.cfg.MaxBatchSize)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flush("size_limit")
		}()
	}
}

// scheduleLocked arms the single deferred window flush. A no-op when a
// timer is already pending. Caller holds mu.
func (b *Batcher) scheduleLocked() {
	if b.timer != nil || b.shutdown {
		return
	}
	timer := b.clock.NewTimer(b.cfg.Window)
	cancel := make(chan struct{})
	b.timer = timer
	b.timerCancel = cancel

	go func() {
		select {
		case <-timer.C():
			b.mu.Lock()
			// Only clear our own pending state; a flush may already
			// have cancelled this timer and armed a new one.
			if b.timer == timer {
				b.timer = nil
				b.timerCancel = nil
			}
			b.mu.Unlock()
			b.flush("window")
		case <-cancel:
			timer.Stop()
		}
	}()
}

// cancelTimerLocked stops a pending window timer without firing it.
// Caller holds mu.
func (b *Batcher) cancelTimerLocked() {
	if b.timer == nil {
		return
	}
	close(b.timerCancel)
	b.timer = nil
	b.timerCancel = nil
}

// drainAll atomically removes and returns every batch, leaving the
// store empty. Detections appended after the drain land in the next
// generation's batches.
func (b *Batcher) drainAll() map[vi.StreamKey]*vi.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelTimerLocked()
	drained := b.batches
	b.batches = make(map[vi.StreamKey]*vi.Batch)
	b.generation++
	return drained
}

// flush runs one full flush cycle: drain, summarise each stream, and
// deliver. Cycles are mutually exclusive; a concurrent duplicate
// trigger drains an empty store and returns without emitting anything.
func (b *Batcher) flush(reason string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	drained := b.drainAll()
	if len(drained) == 0 {
		return
	}
	b.flushes.Add(1)

	// Stable processing order keeps logs and tests deterministic.
	keys := make([]vi.StreamKey, 0, len(drained))
	for key := range drained {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		bb := drained[key]
		tracker := track.New(b.cfg.Tracker)
		stats := tracker.Process(bb.Detections)
		summary := aggregate.Summarize(key, bb, stats)

		if err := b.out.Deliver(key, summary); err != nil {
			// Terminal for this summary; other streams still deliver.
			b.deliveryErrors.Add(1)
			monitoring.Logf("vi: delivery failed for stream %s (%s flush): %v", key, reason, err)
			continue
		}
		b.summaries.Add(1)
		monitoring.Logf("vi: delivered summary for stream %s: %d detections, %d unique (%s flush)",
			key, summary.TotalDetections, summary.UniqueCount, reason)
	}
}

// FlushNow synchronously flushes every accumulated batch.
func (b *Batcher) FlushNow() {
	b.flush("manual")
}

// Shutdown stops the window timer, waits for in-flight early flushes,
// and performs one final synchronous flush. Further Ingest calls are
// dropped. Safe to call more than once.
func (b *Batcher) Shutdown() {
	b.mu.Lock()
	already := b.shutdown
	b.shutdown = true
	b.cancelTimerLocked()
	b.mu.Unlock()
	if already {
		return
	}

	b.wg.Wait()
	b.flush("shutdown")
}

// StreamCount returns the number of streams currently accumulating.
func (b *Batcher) StreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

// PendingDetections returns the number of unflushed detections for key.
func (b *Batcher) PendingDetections(key vi.StreamKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	bb, ok := b.batches[key]
	if !ok {
		return 0
	}
	return len(bb.Detections)
}

// Generation returns the number of drains performed. Each accumulated
// batch belongs to exactly one generation; the counter makes the
// timer-versus-early-flush race observable in tests.
func (b *Batcher) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// WindowPending reports whether a deferred window flush is armed.
func (b *Batcher) WindowPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timer != nil
}

// Stats returns a snapshot of the cumulative flush counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Flushes:        b.flushes.Load(),
		Summaries:      b.summaries.Load(),
		DeliveryErrors: b.deliveryErrors.Load(),
	}
}
