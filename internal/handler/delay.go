package handler

import (
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/proto"
	"ccbus/internal/router"
)

const delayTick = 250 * time.Millisecond

// Delay holds messages for a fixed time, then forwards them.
type Delay struct {
	log     zerolog.Logger
	fwd     router.Handler
	fwdName string
	delay   time.Duration
	queue   []delayed
	stats   counters
	stop    func()
	now     func() time.Time
}

type delayed struct {
	at  time.Time
	env *proto.Envelope
}

func NewDelay(env Env) (router.Handler, error) {
	fwd, name, err := forwardTarget(env)
	if err != nil {
		return nil, err
	}
	d, err := env.Config.Duration("delay", 0)
	if err != nil {
		return nil, err
	}
	h := &Delay{
		log:     env.Log,
		fwd:     fwd,
		fwdName: name,
		delay:   d,
		stats:   counters{},
		now:     time.Now,
	}
	h.stop = env.Loop.Every(delayTick, h.processQueue)
	return h, nil
}

func (h *Delay) Handle(env *proto.Envelope) error {
	h.queue = append(h.queue, delayed{at: h.now().Add(h.delay), env: env})
	return nil
}

func (h *Delay) processQueue() {
	now := h.now()
	n := 0
	for n < len(h.queue) && !h.queue[n].at.After(now) {
		env := h.queue[n].env
		size := env.Size()
		stat := "ok"
		if err := forward(h.fwd, env); err != nil {
			h.log.Error().Err(err).Str("dest", env.Dest()).Str("forward_to", h.fwdName).Msg("crashed, dropping msg")
			stat = "crashed"
		}
		h.stats.add("delay.count", 1)
		h.stats.add("delay.bytes", size)
		h.stats.add("delay.count."+stat, 1)
		h.stats.add("delay.bytes."+stat, size)
		n++
	}
	if n > 0 {
		h.queue = append(h.queue[:0], h.queue[n:]...)
	}
}

func (h *Delay) Pending() int {
	return len(h.queue)
}

func (h *Delay) Stats() map[string]uint64 {
	return h.stats.snapshot()
}

func (h *Delay) Stop() {
	if h.stop != nil {
		h.stop()
	}
	if len(h.queue) > 0 {
		h.log.Info().Int("pending", len(h.queue)).Msg("stopping with queued messages")
	}
}
