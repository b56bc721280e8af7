package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/llm-batcher/internal/model"
)

// result is the single value a Handle ever carries.
type result struct {
	resp *model.GenerationResponse
	err  error
}

// Handle is the one-shot rendezvous between an enqueued request and its
// batch. It settles exactly once — with a response, an error, or a
// cancellation — and every later settle attempt is a silent no-op, so the
// batch processor can complete a batch without caring which clients are
// still waiting.
type Handle struct {
	once    sync.Once
	ch      chan result
	settled atomic.Bool
}

func newHandle() *Handle {
	return &Handle{ch: make(chan result, 1)}
}

// Complete settles the handle with a response. Returns false if the handle
// was already settled or cancelled.
func (h *Handle) Complete(resp *model.GenerationResponse) bool {
	return h.settle(result{resp: resp})
}

// Fail settles the handle with an error. Returns false if already settled.
func (h *Handle) Fail(err error) bool {
	return h.settle(result{err: err})
}

// Cancel marks the handle abandoned. The batch still runs; its answer for
// this position is dropped when the processor finds the handle settled.
func (h *Handle) Cancel() {
	h.settle(result{err: context.Canceled})
}

// Settled reports whether the handle has been completed, failed, or
// cancelled.
func (h *Handle) Settled() bool {
	return h.settled.Load()
}

func (h *Handle) settle(r result) bool {
	won := false
	h.once.Do(func() {
		h.settled.Store(true)
		h.ch <- r
		won = true
	})
	return won
}

// Wait blocks until the handle settles or ctx is done. On ctx expiry the
// handle is cancelled so the processor skips it later.
func (h *Handle) Wait(ctx context.Context) (*model.GenerationResponse, error) {
	select {
	case r := <-h.ch:
		return r.resp, r.err
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}
