// Package queue implements the priority-lane batching scheduler.
//
// Requests are parked on one of three FIFO lanes (HIGH, MEDIUM, LOW). A
// single dispatcher goroutine wakes every tick and drains a lane's head
// prefix into a batch as soon as the head is older than the lane's window
// or the lane has reached its size cap — whichever bound is hit first.
// Batches are handed to the processor on a fresh goroutine, so the
// dispatcher never blocks on upstream latency.
//
// Mutex discipline: the lane mutex is held only across O(1) append/inspect/
// pop operations — never across I/O, handle settling, or the processor
// handoff.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-batcher/internal/metrics"
	"github.com/nulpointcorp/llm-batcher/internal/model"
)

// DefaultTick is the dispatcher wake-up period. Batch-formation latency is
// bounded by window + tick + scheduling jitter.
const DefaultTick = 50 * time.Millisecond

// Item is one in-flight request: the request itself, its completion handle,
// and the timestamp the dispatcher ages it by.
type Item struct {
	Request    model.GenerationRequest
	Handle     *Handle
	EnqueuedAt time.Time
}

// NewItem builds a dispatchable item outside a Manager, for callers that
// drive a Processor directly.
func NewItem(req model.GenerationRequest) *Item {
	return &Item{
		Request:    req,
		Handle:     newHandle(),
		EnqueuedAt: time.Now().UTC(),
	}
}

// Processor consumes a dispatched batch. Process must settle every item's
// handle before returning and must never panic the dispatcher's goroutines.
type Processor interface {
	Process(ctx context.Context, items []*Item)
}

// Options tunes a Manager. The zero value uses production defaults.
type Options struct {
	// Tick overrides the dispatcher period. Tests use a shorter tick.
	Tick time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics enables queue gauges and dispatch counters. Nil-safe.
	Metrics *metrics.Registry
}

// Manager owns the three lanes and the dispatcher goroutine.
type Manager struct {
	mu    sync.Mutex
	lanes map[model.Priority][]*Item

	proc    Processor
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	tick    time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a Manager and starts its dispatcher. The dispatcher
// stops when ctx is cancelled or Close is called; outstanding handles are
// not flushed on shutdown — the HTTP layer owns await timeouts.
func NewManager(ctx context.Context, proc Processor, opts Options) *Manager {
	if ctx == nil {
		panic("queue: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}

	m := &Manager{
		lanes: map[model.Priority][]*Item{
			model.PriorityHigh:   nil,
			model.PriorityMedium: nil,
			model.PriorityLow:    nil,
		},
		proc:    proc,
		baseCtx: ctx,
		log:     log,
		metrics: opts.Metrics,
		tick:    tick,
		done:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()

	return m
}

// Enqueue parks a request on its priority lane and returns the handle the
// caller awaits. Never blocks beyond the lane mutex. A priority outside the
// three lane constants lands on MEDIUM — an unknown lane key would never be
// visited by the dispatcher and its handle would never settle.
func (m *Manager) Enqueue(req model.GenerationRequest) *Handle {
	switch req.Priority {
	case model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
	default:
		req.Priority = model.PriorityMedium
	}

	item := &Item{
		Request:    req,
		Handle:     newHandle(),
		EnqueuedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.lanes[req.Priority] = append(m.lanes[req.Priority], item)
	high, med, low := len(m.lanes[model.PriorityHigh]), len(m.lanes[model.PriorityMedium]), len(m.lanes[model.PriorityLow])
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetQueueDepth("HIGH", high)
		m.metrics.SetQueueDepth("MEDIUM", med)
		m.metrics.SetQueueDepth("LOW", low)
	}

	m.log.Info("enqueue",
		slog.String("request_id", req.RequestID),
		slog.String("lane", req.Priority.String()),
		slog.Int("high", high),
		slog.Int("medium", med),
		slog.Int("low", low),
	)

	return item.Handle
}

// Depths returns the current lane lengths (HIGH, MEDIUM, LOW).
func (m *Manager) Depths() (high, medium, low int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes[model.PriorityHigh]), len(m.lanes[model.PriorityMedium]), len(m.lanes[model.PriorityLow])
}

// Close stops the dispatcher. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dispatch(time.Now().UTC())
		case <-m.baseCtx.Done():
			return
		case <-m.done:
			return
		}
	}
}

// dispatch checks lanes HIGH → MEDIUM → LOW under one mutex acquisition and
// hands any fired batches to the processor after the mutex is released.
// The check order gives HIGH a soft bias within a tick, nothing more.
func (m *Manager) dispatch(now time.Time) {
	var fired [][]*Item

	m.mu.Lock()
	for _, p := range model.Priorities() {
		if batch := m.tryDispatch(p, now); batch != nil {
			fired = append(fired, batch)
		}
	}
	m.mu.Unlock()

	for _, batch := range fired {
		go m.proc.Process(m.baseCtx, batch)
	}
}

// tryDispatch pops the lane's head prefix when the age-or-size bound is
// reached. Callers must hold m.mu.
func (m *Manager) tryDispatch(p model.Priority, now time.Time) []*Item {
	lane := m.lanes[p]
	if len(lane) == 0 {
		return nil
	}

	age := now.Sub(lane[0].EnqueuedAt)
	window, maxBatch := p.Window(), p.MaxBatch()
	if age < window && len(lane) < maxBatch {
		return nil
	}

	n := len(lane)
	if n > maxBatch {
		n = maxBatch
	}
	batch := lane[:n:n]
	m.lanes[p] = lane[n:]

	reason := "window"
	if len(lane) >= maxBatch {
		reason = "size"
	}
	if m.metrics != nil {
		m.metrics.RecordDispatch(p.String(), reason, n)
		m.metrics.SetQueueDepth(p.String(), len(m.lanes[p]))
	}

	ids := make([]string, n)
	for i, it := range batch {
		ids[i] = it.Request.RequestID
	}
	m.log.Info("dispatch",
		slog.String("lane", p.String()),
		slog.Int("size", n),
		slog.String("reason", reason),
		slog.Duration("head_age", age),
		slog.Any("request_ids", ids),
	)

	return batch
}
