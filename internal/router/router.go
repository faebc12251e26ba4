package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/metrics"
	"ccbus/internal/proto"
)

// Handler consumes envelopes whose destination starts with a registered
// prefix. Handle runs on the reactor and must not block.
type Handler interface {
	Handle(env *proto.Envelope) error
	Stop()
}

// HandlerFunc adapts a function to Handler with a no-op Stop.
type HandlerFunc func(env *proto.Envelope) error

func (f HandlerFunc) Handle(env *proto.Envelope) error { return f(env) }
func (f HandlerFunc) Stop()                            {}

const CatchAll = "*"

type entry struct {
	name string
	h    Handler
}

// Stat accumulates per destination key and outcome.
type Stat struct {
	Count uint64
	Bytes uint64
	Time  time.Duration
}

type statKey struct {
	dest    string
	outcome string
}

// Router fans an envelope out to the handlers of every prefix of its
// destination, from the catch-all to the full destination. It is not safe
// for concurrent use; the reactor owns it.
type Router struct {
	log     zerolog.Logger
	metrics *metrics.Metrics
	routes  map[string][]entry
	order   []entry
	stats   map[statKey]*Stat
	now     func() time.Time
}

func New(log zerolog.Logger, m *metrics.Metrics) *Router {
	return &Router{
		log:     log,
		metrics: m,
		routes:  make(map[string][]entry),
		stats:   make(map[statKey]*Stat),
		now:     time.Now,
	}
}

// Add registers h under prefix. "*" matches every destination.
func (r *Router) Add(prefix, name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("route %q: nil handler %s", prefix, name)
	}
	key := prefix
	if prefix == CatchAll {
		key = ""
	} else if !proto.ValidDest(prefix) {
		return fmt.Errorf("route %q: invalid prefix", prefix)
	}
	e := entry{name: name, h: h}
	r.routes[key] = append(r.routes[key], e)
	r.order = append(r.order, e)
	r.log.Debug().Str("prefix", prefix).Str("handler", name).Msg("route added")
	return nil
}

// Routes returns prefix to handler names, catch-all as "*".
func (r *Router) Routes() map[string][]string {
	out := make(map[string][]string, len(r.routes))
	for k, list := range r.routes {
		if k == "" {
			k = CatchAll
		}
		for _, e := range list {
			out[k] = append(out[k], e.name)
		}
	}
	return out
}

// Dispatch offers env to every matching handler and returns how many
// handlers were invoked.
func (r *Router) Dispatch(env *proto.Envelope) int {
	dest := env.Dest()
	key := statsKey(dest)
	size := env.Size()
	r.metrics.IncRecvByType(key)

	matched := 0
	prefix := ""
	segs := strings.Split(dest, ".")
	for k := 0; k <= len(segs); k++ {
		if k > 0 {
			if k == 1 {
				prefix = segs[0]
			} else {
				prefix += "." + segs[k-1]
			}
		}
		for _, e := range r.routes[prefix] {
			matched++
			start := r.now()
			outcome := r.invoke(e, env)
			r.record(key, outcome, size, r.now().Sub(start))
			r.metrics.IncHandler(e.name, outcome)
		}
	}
	if matched == 0 {
		r.log.Info().Str("dest", dest).Msg("no handler, dropping")
		r.record(key, metrics.OutcomeDropped, size, 0)
		r.metrics.IncUnrouted()
		r.metrics.IncDropByReason("unrouted")
	}
	r.metrics.Recent().Add(metrics.DispatchRecord{At: r.now(), Dest: dest, Handlers: matched, Size: size})
	return matched
}

// DispatchFrames parses frames and dispatches the result. Malformed input
// is logged and dropped.
func (r *Router) DispatchFrames(frames [][]byte) int {
	env, err := proto.Parse(frames)
	if err != nil {
		r.log.Warn().Err(err).Int("frames", len(frames)).Msg("dropping malformed envelope")
		r.metrics.IncDropByReason("malformed")
		return 0
	}
	return r.Dispatch(env)
}

func (r *Router) invoke(e entry, env *proto.Envelope) (outcome string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("dest", env.Dest()).Str("handler", e.name).Interface("panic", p).Msg("handler crashed")
			outcome = metrics.OutcomeCrashed
		}
	}()
	if err := e.h.Handle(env); err != nil {
		r.log.Error().Err(err).Str("dest", env.Dest()).Str("handler", e.name).Msg("handler failed")
		return metrics.OutcomeCrashed
	}
	return metrics.OutcomeOK
}

func (r *Router) record(dest, outcome string, size int, d time.Duration) {
	k := statKey{dest, outcome}
	s := r.stats[k]
	if s == nil {
		s = &Stat{}
		r.stats[k] = s
	}
	s.Count++
	s.Bytes += uint64(size)
	s.Time += d
}

// Stats returns a copy of the accumulated counters keyed by
// "<dest-key>/<outcome>".
func (r *Router) Stats() map[string]Stat {
	out := make(map[string]Stat, len(r.stats))
	for k, s := range r.stats {
		out[k.dest+"/"+k.outcome] = *s
	}
	return out
}

// LogStats writes one line per counter and optionally resets them.
func (r *Router) LogStats(reset bool) {
	keys := make([]statKey, 0, len(r.stats))
	for k := range r.stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dest != keys[j].dest {
			return keys[i].dest < keys[j].dest
		}
		return keys[i].outcome < keys[j].outcome
	})
	for _, k := range keys {
		s := r.stats[k]
		r.log.Info().
			Str("dest", k.dest).
			Str("outcome", k.outcome).
			Uint64("count", s.Count).
			Uint64("bytes", s.Bytes).
			Dur("time", s.Time).
			Msg("stats")
	}
	if reset {
		r.stats = make(map[statKey]*Stat)
	}
}

// Stop stops every registered handler once, in registration order. A
// handler registered under several prefixes shares one name.
func (r *Router) Stop() {
	seen := make(map[string]bool)
	for _, e := range r.order {
		if seen[e.name] {
			continue
		}
		seen[e.name] = true
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error().Str("handler", e.name).Interface("panic", p).Msg("handler stop crashed")
				}
			}()
			e.h.Stop()
		}()
	}
}

// statsKey keeps at most the first two destination segments so that ids
// embedded in destinations do not grow the counter set.
func statsKey(dest string) string {
	parts := strings.SplitN(dest, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}
