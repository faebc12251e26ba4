package handler

import (
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/proto"
	"ccbus/internal/router"
)

const (
	defaultRouteLifetime = time.Hour
	defaultReplyTimeout  = 5 * time.Minute
	defaultMaintPeriod   = time.Minute
)

type hostRoute struct {
	host    string
	route   [][]byte
	created time.Time
}

type replyRoute struct {
	uid   string
	route [][]byte
	atime time.Time
}

// TaskRouter routes task.send.<id> to the host that registered itself and
// routes task.reply.<id> back to whoever sent the task.
type TaskRouter struct {
	env           Env
	log           zerolog.Logger
	routeLifetime time.Duration
	replyTimeout  time.Duration
	hosts         map[string]*hostRoute
	replies       map[string]*replyRoute
	stats         counters
	stop          func()
	now           func() time.Time
}

func NewTaskRouter(env Env) (router.Handler, error) {
	lifetime, err := env.Config.Duration("route-lifetime", defaultRouteLifetime)
	if err != nil {
		return nil, err
	}
	replyTimeout, err := env.Config.Duration("reply-timeout", defaultReplyTimeout)
	if err != nil {
		return nil, err
	}
	period, err := env.Config.Duration("maint-period", defaultMaintPeriod)
	if err != nil {
		return nil, err
	}
	h := &TaskRouter{
		env:           env,
		log:           env.Log,
		routeLifetime: lifetime,
		replyTimeout:  replyTimeout,
		hosts:         make(map[string]*hostRoute),
		replies:       make(map[string]*replyRoute),
		stats:         counters{},
		now:           time.Now,
	}
	if period > 0 {
		h.stop = env.Loop.Every(period, h.maintain)
	}
	return h, nil
}

func (h *TaskRouter) Handle(env *proto.Envelope) error {
	dest := env.Dest()
	segs := strings.Split(dest, ".")
	switch {
	case dest == "task.register":
		return h.register(env)
	case len(segs) == 3 && segs[0] == "task" && segs[1] == "send":
		return h.sendHost(env, segs[2])
	case len(segs) == 3 && segs[0] == "task" && segs[1] == "reply":
		return h.sendReply(env, segs[2])
	}
	h.log.Warn().Str("dest", dest).Msg("unknown msg")
	return nil
}

func (h *TaskRouter) register(env *proto.Envelope) error {
	opened, err := h.env.Crypto.Open(env)
	if err != nil {
		return nil
	}
	msg, ok := opened.Msg.(*proto.TaskRegisterMessage)
	if !ok || msg.Host == "" {
		h.log.Warn().Msg("register without host")
		return nil
	}
	h.hosts[msg.Host] = &hostRoute{host: msg.Host, route: copyRoute(env.Route()), created: h.now()}
	h.log.Debug().Str("host", msg.Host).Str("route", proto.RouteString(env.Route())).Msg("registered")
	h.stats.add("task.register", 1)
	return nil
}

func (h *TaskRouter) sendHost(env *proto.Envelope, uid string) error {
	opened, err := h.env.Crypto.Open(env)
	if err != nil {
		return nil
	}
	msg, ok := opened.Msg.(*proto.TaskSendMessage)
	if !ok {
		return nil
	}
	hr, ok := h.hosts[msg.TaskHost]
	if !ok {
		return h.replyError(env, "cannot route to "+msg.TaskHost)
	}
	inRoute := copyRoute(env.Route())
	out := env.WithRoute(hr.route)
	h.log.Debug().Str("host", msg.TaskHost).Str("task", uid).Msg("sending task")
	if err := sendEnvelope(h.env, out); err != nil {
		return err
	}
	h.stats.add("task.send", 1)
	h.replies[uid] = &replyRoute{uid: uid, route: inRoute, atime: h.now()}

	ack := &proto.TaskReplyMessage{
		Header:  proto.Header{Req: "task.reply." + uid},
		TaskID:  msg.TaskID,
		Handler: msg.TaskHandler,
		Status:  proto.TaskStatusForwarded,
	}
	return replyTo(h.env, env, ack)
}

func (h *TaskRouter) sendReply(env *proto.Envelope, uid string) error {
	rr, ok := h.replies[uid]
	if !ok {
		h.log.Info().Str("dest", env.Dest()).Msg("cannot route back")
		return nil
	}
	if err := sendEnvelope(h.env, env.WithRoute(rr.route)); err != nil {
		return err
	}
	rr.atime = h.now()
	h.stats.add("task.reply", 1)
	return nil
}

func (h *TaskRouter) replyError(env *proto.Envelope, text string) error {
	h.log.Info().Msg(text)
	return replyTo(h.env, env, &proto.ErrorMessage{Header: proto.Header{Req: "error.task"}, Msg: text})
}

// maintain drops host routes older than route-lifetime and reply routes
// idle longer than reply-timeout.
func (h *TaskRouter) maintain() {
	now := h.now()
	for host, hr := range h.hosts {
		if now.Sub(hr.created) > h.routeLifetime {
			h.log.Info().Str("host", host).Msg("deleting route")
			delete(h.hosts, host)
			h.stats.add("dropped_routes", 1)
		}
	}
	for uid, rr := range h.replies {
		if now.Sub(rr.atime) > h.replyTimeout {
			h.log.Info().Str("task", uid).Msg("deleting reply route")
			delete(h.replies, uid)
			h.stats.add("dropped_tasks", 1)
		}
	}
}

func (h *TaskRouter) Stats() map[string]uint64 {
	return h.stats.snapshot()
}

func (h *TaskRouter) Stop() {
	if h.stop != nil {
		h.stop()
	}
}

func copyRoute(route [][]byte) [][]byte {
	out := make([][]byte, len(route))
	for i, r := range route {
		out[i] = append([]byte(nil), r...)
	}
	return out
}
