package handler

import (
	"ccbus/internal/proto"
	"ccbus/internal/router"
)

// Disposer discards everything it receives.
type Disposer struct {
	stats counters
}

func NewDisposer(env Env) (router.Handler, error) {
	return &Disposer{stats: counters{}}, nil
}

func (h *Disposer) Handle(env *proto.Envelope) error {
	h.stats.add("disposed_count", 1)
	h.stats.add("disposed_bytes", env.Size())
	return nil
}

func (h *Disposer) Stop() {}

func (h *Disposer) Stats() map[string]uint64 {
	return h.stats.snapshot()
}
