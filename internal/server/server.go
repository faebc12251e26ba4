package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ccbus/internal/config"
	"ccbus/internal/crypto"
	"ccbus/internal/handler"
	"ccbus/internal/metrics"
	"ccbus/internal/network"
	"ccbus/internal/reactor"
	"ccbus/internal/router"
)

var ErrHandlerCycle = errors.New("handler reference cycle")

// Options configure New. BaseDir resolves a relative keystore and metrics
// snapshot path, normally the directory of the config file.
type Options struct {
	Config   *config.Config
	BaseDir  string
	Registry *handler.Registry
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

// Server is a CC server: one ROUTER socket, one reactor loop, and the
// configured handlers behind the prefix router.
type Server struct {
	cfg      *config.Config
	baseDir  string
	log      zerolog.Logger
	metrics  *metrics.Metrics
	loop     *reactor.Loop
	router   *router.Router
	crypto   *crypto.Context
	sock     *network.RouterSocket
	registry *handler.Registry
	handlers map[string]router.Handler
	building map[string]bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New binds cc-socket and builds every handler referenced by a route.
// Nothing is served until Run.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("server: config required")
	}
	if opts.Registry == nil {
		opts.Registry = handler.DefaultRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := opts.Log
	if cfg.Role == config.RoleInsecure {
		log.Warn().Msg(`CC is running in insecure mode, set "cc-role: local" or "cc-role: remote"`)
	}
	cc, err := crypto.NewContext(cfg.Crypto.CryptoContext(opts.BaseDir), log.With().Str("component", "crypto").Logger(),
		crypto.WithHostname(cfg.Hostname))
	if err != nil {
		return nil, err
	}
	serverTLS, err := network.ServerTLSConfig(tlsOptions(cfg.TLS))
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	clientTLS, err := network.ClientTLSConfig(tlsOptions(cfg.TLS))
	if err != nil {
		return nil, fmt.Errorf("client tls: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		baseDir:  opts.BaseDir,
		log:      log,
		metrics:  opts.Metrics,
		loop:     reactor.New(0),
		crypto:   cc,
		registry: opts.Registry,
		handlers: make(map[string]router.Handler),
		building: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = router.New(log.With().Str("component", "router").Logger(), s.metrics)
	s.sock, err = network.ListenRouter(network.RouterOptions{
		Addr:          cfg.Socket,
		TLS:           serverTLS,
		HWM:           cfg.OutboundHWM,
		MaxConnsPerIP: cfg.MaxConnsPerIP,
		MaxMsgsPerIP:  cfg.MaxMsgsPerIP,
		Log:           log.With().Str("component", "socket").Logger(),
		Metrics:       s.metrics,
	}, s.recv)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen %s: %w", cfg.Socket, err)
	}
	if err := s.buildRoutes(clientTLS); err != nil {
		s.router.Stop()
		_ = s.sock.Close()
		cancel()
		return nil, err
	}
	return s, nil
}

func tlsOptions(c config.TLSConfig) network.TLSOptions {
	return network.TLSOptions{Cert: c.Cert, Key: c.Key, CA: c.CA, Dev: c.Dev, Insecure: c.Insecure}
}

func (s *Server) buildRoutes(clientTLS *tls.Config) error {
	for _, r := range s.cfg.RouteList() {
		s.log.Info().Str("route", r.Prefix).Strs("handlers", r.Handlers).Msg("new route")
		for _, name := range r.Handlers {
			h, err := s.handler(name, clientTLS)
			if err != nil {
				return err
			}
			if err := s.router.Add(r.Prefix, name, h); err != nil {
				return err
			}
		}
	}
	return nil
}

// handler returns the instance called name, building it on first use.
// Handlers that forward to others get them through Env.Lookup.
func (s *Server) handler(name string, clientTLS *tls.Config) (router.Handler, error) {
	if h, ok := s.handlers[name]; ok {
		return h, nil
	}
	if s.building[name] {
		return nil, fmt.Errorf("%w at %s", ErrHandlerCycle, name)
	}
	sec, ok := s.cfg.Handlers[name]
	if !ok {
		return nil, fmt.Errorf("handler %s: not configured", name)
	}
	s.building[name] = true
	defer delete(s.building, name)
	h, err := s.registry.Build(sec.Type(), handler.Env{
		Ctx:       s.ctx,
		Name:      name,
		Config:    sec,
		Local:     s.sock,
		Crypto:    s.crypto,
		Loop:      s.loop,
		Log:       s.log,
		Metrics:   s.metrics,
		ClientTLS: clientTLS,
		Role:      s.cfg.Role,
		Lookup: func(other string) (router.Handler, error) {
			return s.handler(other, clientTLS)
		},
	})
	if err != nil {
		return nil, err
	}
	s.handlers[name] = h
	return h, nil
}

func (s *Server) recv(frames [][]byte) {
	if !s.loop.Post(func() { s.router.DispatchFrames(frames) }) {
		s.metrics.IncDropByReason("loop_full")
		s.log.Warn().Msg("loop queue full, dropping msg")
	}
}

// Addr is the bound socket address.
func (s *Server) Addr() net.Addr {
	return s.sock.Addr()
}

// Handler returns a built handler instance by name.
func (s *Server) Handler(name string) (router.Handler, bool) {
	h, ok := s.handlers[name]
	return h, ok
}

// Router exposes the dispatch table for inspection.
func (s *Server) Router() *router.Router {
	return s.router
}

// Run serves until ctx is done, then stops handlers once and closes the
// socket.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.StatsPeriod > 0 {
		stop := s.loop.Every(s.cfg.StatsPeriod, s.sendStats)
		defer stop()
	}
	g.Go(func() error {
		err := s.loop.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := s.sock.Serve(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	s.log.Info().Str("addr", s.Addr().String()).Str("role", s.cfg.Role).Msg("serving")
	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Server) shutdown() {
	s.log.Info().Msg("stopping CC handlers")
	s.cancel()
	s.router.Stop()
	if err := s.sock.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close socket")
	}
	s.sendStats()
}

type statser interface {
	Stats() map[string]uint64
}

func (s *Server) sendStats() {
	s.router.LogStats(true)
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st, ok := s.handlers[name].(statser)
		if !ok {
			continue
		}
		ev := s.log.Info().Str("handler", name)
		n := 0
		for k, v := range st.Stats() {
			ev = ev.Uint64(k, v)
			n++
		}
		if n == 0 {
			ev.Discard()
			continue
		}
		ev.Msg("handler stats")
	}
	snap := s.metrics.Snapshot()
	s.log.Info().
		Uint64("frames_in", snap.Frames.Received).
		Strs("top_types", snap.TopTypes(5)).
		Int64("conns", snap.CurrentConns).
		Msg("stats")
	if path := s.snapshotPath(); path != "" {
		if err := s.metrics.WriteSnapshot(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("write metrics snapshot")
		}
	}
}

func (s *Server) snapshotPath() string {
	p := strings.TrimSpace(s.cfg.MetricsSnapshot)
	if p == "" || filepath.IsAbs(p) || s.baseDir == "" {
		return p
	}
	return filepath.Join(s.baseDir, p)
}
