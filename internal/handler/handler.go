package handler

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"ccbus/internal/config"
	"ccbus/internal/crypto"
	"ccbus/internal/metrics"
	"ccbus/internal/proto"
	"ccbus/internal/reactor"
	"ccbus/internal/router"
)

// Sender writes a multipart message to the local ROUTER socket. The first
// frame names the peer.
type Sender interface {
	Send(frames [][]byte) error
}

// Env is everything a handler factory may use. Handlers run on Loop.
type Env struct {
	Ctx       context.Context
	Name      string
	Config    config.Section
	Local     Sender
	Crypto    *crypto.Context
	Loop      *reactor.Loop
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
	ClientTLS *tls.Config
	// Role is the server's cc-role; handler types may be limited to some.
	Role string
	// Lookup returns another configured handler by instance name.
	Lookup func(name string) (router.Handler, error)
}

type Factory func(env Env) (router.Handler, error)

// Registry maps handler type names to factories.
type Registry struct {
	factories map[string]registered
}

type registered struct {
	factory Factory
	roles   []string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]registered)}
}

// DefaultRegistry knows every built-in handler type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("disposer", NewDisposer, config.RoleLocal, config.RoleRemote)
	r.Register("locallogger", NewLocalLogger, config.RoleLocal, config.RoleRemote)
	r.Register("echo", NewEcho, config.RoleLocal, config.RoleRemote)
	r.Register("filter", NewFilter, config.RoleLocal, config.RoleRemote)
	r.Register("delay", NewDelay, config.RoleLocal, config.RoleRemote)
	r.Register("proxy", NewProxy, config.RoleLocal, config.RoleRemote)
	r.Register("taskrouter", NewTaskRouter, config.RoleRemote)
	r.Register("infowriter", NewInfoWriter, config.RoleRemote)
	r.Register("dbhandler", NewDBHandler, config.RoleRemote)
	return r
}

// Register adds a handler type usable in the given roles. The insecure
// role may build any type.
func (r *Registry) Register(typ string, f Factory, roles ...string) {
	r.factories[typ] = registered{factory: f, roles: roles}
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Build(typ string, env Env) (router.Handler, error) {
	reg, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("handler %s: unknown type %q", env.Name, typ)
	}
	if !allowedIn(reg.roles, env.Role) {
		return nil, fmt.Errorf("handler %s: type %s not allowed in role %q", env.Name, typ, env.Role)
	}
	if env.Ctx == nil {
		env.Ctx = context.Background()
	}
	env.Log = env.Log.With().Str("handler", env.Name).Logger()
	h, err := reg.factory(env)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", env.Name, err)
	}
	return h, nil
}

func allowedIn(roles []string, role string) bool {
	if role == "" || role == config.RoleInsecure || len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// replyTo seals msg and sends it back along the route of req.
func replyTo(env Env, req *proto.Envelope, msg proto.Message) error {
	out, err := env.Crypto.Seal(msg, nil)
	if err != nil {
		return err
	}
	out.TakeRoute(req)
	return sendEnvelope(env, out)
}

func sendEnvelope(env Env, out *proto.Envelope) error {
	if len(out.Route()) == 0 {
		return fmt.Errorf("send %s: empty route", out.Dest())
	}
	return env.Local.Send(out.Frames())
}

// forwardTarget resolves the forward-to setting.
func forwardTarget(env Env) (router.Handler, string, error) {
	name := env.Config.String("forward-to", "")
	if name == "" {
		return nil, "", fmt.Errorf("forward-to not set")
	}
	if env.Lookup == nil {
		return nil, "", fmt.Errorf("forward-to %s: no handler lookup", name)
	}
	h, err := env.Lookup(name)
	if err != nil {
		return nil, "", fmt.Errorf("forward-to %s: %w", name, err)
	}
	return h, name, nil
}

// counters are per-handler statistics; handlers only touch them on the
// loop.
type counters map[string]uint64

func (c counters) add(key string, n int) {
	c[key] += uint64(n)
}

func (c counters) snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
