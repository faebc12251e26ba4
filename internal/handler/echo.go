package handler

import (
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/network"
	"ccbus/internal/proto"
	"ccbus/internal/router"
)

const defaultPingTick = time.Second

// Echo answers echo.request and, when ping-remotes is set, pings other CC
// servers and watches their responses.
type Echo struct {
	env     Env
	log     zerolog.Logger
	tick    time.Duration
	remotes map[string]*network.DealerSocket
	echoes  map[string]*EchoState
	stop    func()
	now     func() time.Time
}

// EchoState tracks one monitored remote.
type EchoState struct {
	Target    string
	TimePing  time.Time
	TimePong  time.Time
	CountPing int
	CountPong int
}

func NewEcho(env Env) (router.Handler, error) {
	tick, err := env.Config.Duration("ping-tick", defaultPingTick)
	if err != nil {
		return nil, err
	}
	h := &Echo{
		env:     env,
		log:     env.Log,
		tick:    tick,
		remotes: make(map[string]*network.DealerSocket),
		echoes:  make(map[string]*EchoState),
		now:     time.Now,
	}
	now := h.now()
	for _, addr := range env.Config.List("ping-remotes") {
		addr := addr
		h.echoes[addr] = &EchoState{Target: addr, TimePing: now, TimePong: now}
		h.remotes[addr] = network.DialDealer(env.Ctx, network.DealerOptions{
			Addr:    addr,
			TLS:     env.ClientTLS,
			HWM:     1,
			Log:     env.Log,
			Metrics: env.Metrics,
		}, func(frames [][]byte) {
			env.Loop.Post(func() { h.onRemote(frames) })
		})
		h.log.Debug().Str("remote", addr).Msg("will ping")
	}
	if len(h.remotes) > 0 {
		h.stop = env.Loop.Every(tick, h.ping)
	}
	return h, nil
}

func (h *Echo) Handle(env *proto.Envelope) error {
	if env.Dest() != "echo.request" {
		h.log.Warn().Str("dest", env.Dest()).Msg("unknown msg")
		return nil
	}
	opened, err := h.env.Crypto.Open(env)
	if err != nil {
		return nil
	}
	req, ok := opened.Msg.(*proto.EchoRequestMessage)
	if !ok {
		return nil
	}
	rep := &proto.EchoResponseMessage{
		Header:       proto.Header{Req: "echo.response"},
		OrigHostname: req.Hostname,
		OrigTarget:   req.Target,
		OrigTime:     req.Time,
	}
	return replyTo(h.env, env, rep)
}

func (h *Echo) ping() {
	for addr, sock := range h.remotes {
		st := h.echoes[addr]
		if st.TimePing.Sub(st.TimePong) > 5*h.tick {
			h.log.Warn().Str("remote", addr).Dur("silence", st.TimePing.Sub(st.TimePong)).Msg("no pong")
		}
		msg := &proto.EchoRequestMessage{Header: proto.Header{Req: "echo.request"}, Target: addr}
		env, err := h.env.Crypto.Seal(msg, nil)
		if err != nil {
			h.log.Error().Err(err).Msg("seal echo request")
			continue
		}
		if err := sock.Send(env.Frames()); err != nil {
			h.log.Debug().Err(err).Str("remote", addr).Msg("ping not queued")
		}
		st.TimePing = proto.FromUnixSeconds(msg.Time)
		st.CountPing++
	}
}

func (h *Echo) onRemote(frames [][]byte) {
	env, err := proto.Parse(frames)
	if err != nil {
		h.log.Warn().Err(err).Msg("bad pong")
		return
	}
	if env.Dest() != "echo.response" {
		h.log.Warn().Str("dest", env.Dest()).Msg("unknown msg")
		return
	}
	opened, err := h.env.Crypto.Open(env)
	if err != nil {
		return
	}
	msg, ok := opened.Msg.(*proto.EchoResponseMessage)
	if !ok {
		return
	}
	h.processResponse(msg)
}

func (h *Echo) processResponse(msg *proto.EchoResponseMessage) {
	st, ok := h.echoes[msg.OrigTarget]
	if !ok {
		h.log.Warn().Str("target", msg.OrigTarget).Msg("unknown pong")
		return
	}
	st.TimePong = h.now()
	st.CountPong++
	sent := proto.FromUnixSeconds(msg.OrigTime)
	rtt := st.TimePong.Sub(sent)
	switch {
	case sent.Equal(st.TimePing):
		h.log.Debug().Str("remote", st.Target).Dur("rtt", rtt).Msg("echo")
	case rtt <= 5*h.tick:
		h.log.Debug().Str("remote", st.Target).Dur("rtt", rtt).Msg("late pong")
	default:
		h.log.Info().Str("remote", st.Target).Dur("rtt", rtt).Msg("too late pong")
	}
}

// States returns a copy of the monitoring state per remote.
func (h *Echo) States() map[string]EchoState {
	out := make(map[string]EchoState, len(h.echoes))
	for k, v := range h.echoes {
		out[k] = *v
	}
	return out
}

func (h *Echo) Stop() {
	h.log.Info().Msg("stopping")
	if h.stop != nil {
		h.stop()
	}
	for _, s := range h.remotes {
		_ = s.Close()
	}
}
