package handler

import (
	"fmt"

	"github.com/rs/zerolog"

	"ccbus/internal/network"
	"ccbus/internal/proto"
	"ccbus/internal/router"
)

// Proxy forwards messages with their route to a remote CC and sends the
// remote's replies back to local clients.
type Proxy struct {
	env    Env
	log    zerolog.Logger
	remote *network.DealerSocket
	addr   string
	stats  counters
}

func NewProxy(env Env) (router.Handler, error) {
	addr := env.Config.String("remote-cc", "")
	if addr == "" {
		return nil, fmt.Errorf("remote-cc not set")
	}
	hwm, err := env.Config.Int("outbound-hwm", network.DefaultHWM)
	if err != nil {
		return nil, err
	}
	h := &Proxy{env: env, log: env.Log, addr: addr, stats: counters{}}
	h.remote = network.DialDealer(env.Ctx, network.DealerOptions{
		Addr:    addr,
		TLS:     env.ClientTLS,
		HWM:     hwm,
		Log:     env.Log,
		Metrics: env.Metrics,
	}, func(frames [][]byte) {
		env.Loop.Post(func() { h.onRemote(frames) })
	})
	return h, nil
}

func (h *Proxy) Handle(env *proto.Envelope) error {
	if err := h.remote.Send(env.Frames()); err != nil {
		h.stats.add("dropped", 1)
		return nil
	}
	h.stats.add("sent", 1)
	return nil
}

func (h *Proxy) onRemote(frames [][]byte) {
	h.stats.add("count", 1)
	h.stats.add("bytes", proto.FramesSize(frames))
	if err := h.env.Local.Send(frames); err != nil {
		h.log.Debug().Err(err).Msg("reply not delivered")
	}
}

func (h *Proxy) Stats() map[string]uint64 {
	return h.stats.snapshot()
}

func (h *Proxy) Stop() {
	_ = h.remote.Close()
}
