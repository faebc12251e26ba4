package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"ccbus/internal/metrics"
)

// RouterOptions configures ListenRouter. HWM bounds each peer's outbound
// queue. MaxMsgsPerIP caps inbound messages per source address per second.
// Zero limits mean unlimited.
type RouterOptions struct {
	Addr            string
	TLS             *tls.Config
	HWM             int
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	MaxMsgsPerIP    int
	Log             zerolog.Logger
	Metrics         *metrics.Metrics
}

// RouterSocket accepts peers over QUIC. Each accepted stream is one peer,
// known by a random identity that is prepended to every message it sends.
// Send routes by the first frame.
type RouterSocket struct {
	ln      *quic.Listener
	opts    RouterOptions
	log     zerolog.Logger
	metrics *metrics.Metrics
	limits  *peerLimits
	recv    RecvFunc

	mu     sync.Mutex
	peers  map[string]*pipe
	closed bool
}

func ListenRouter(opts RouterOptions, recv RecvFunc) (*RouterSocket, error) {
	if opts.TLS == nil {
		return nil, fmt.Errorf("router %s: tls config required", opts.Addr)
	}
	ln, err := quic.ListenAddr(opts.Addr, opts.TLS, quicConfig())
	if err != nil {
		return nil, err
	}
	opts.Log.Info().Str("addr", ln.Addr().String()).Msg("quic listen ready")
	return &RouterSocket{
		ln:      ln,
		opts:    opts,
		log:     opts.Log,
		metrics: opts.Metrics,
		limits:  newPeerLimits(opts),
		recv:    recv,
		peers:   make(map[string]*pipe),
	}, nil
}

func (r *RouterSocket) Addr() net.Addr {
	return r.ln.Addr()
}

// Serve accepts connections until ctx ends or the listener is closed.
func (r *RouterSocket) Serve(ctx context.Context) error {
	if r.opts.MaxMsgsPerIP > 0 {
		go r.pruneRates(ctx)
	}
	for {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		ip := remoteIP(conn.RemoteAddr())
		if !r.limits.conns.acquire(ip) {
			r.log.Warn().Str("ip", ip).Msg("connection limit reached")
			r.metrics.IncDropByReason("conn_limit")
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		r.metrics.AddCurrentConns(1)
		go r.serveConn(ctx, conn, ip)
	}
}

func (r *RouterSocket) serveConn(ctx context.Context, conn *quic.Conn, ip string) {
	defer func() {
		r.limits.conns.release(ip)
		r.metrics.AddCurrentConns(-1)
		_ = conn.CloseWithError(0, "")
	}()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			r.log.Debug().Err(err).Str("ip", ip).Msg("accept stream ended")
			return
		}
		if !r.limits.streams.acquire(ip) {
			r.log.Warn().Str("ip", ip).Msg("stream limit reached")
			r.metrics.IncDropByReason("stream_limit")
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go r.servePeer(ctx, stream, ip)
	}
}

func (r *RouterSocket) servePeer(ctx context.Context, stream *quic.Stream, ip string) {
	id := uuid.NewString()
	p := newPipe(stream, r.opts.HWM, r.log, r.metrics)
	r.mu.Lock()
	r.peers[id] = p
	r.mu.Unlock()
	r.metrics.AddCurrentStreams(1)
	r.log.Debug().Str("peer", id).Str("ip", ip).Msg("peer connected")

	ident := []byte(id)
	err := p.run(ctx, func(frames [][]byte) {
		if !r.limits.msgs.allow(ip) {
			r.metrics.IncDropByReason("rate_limit")
			return
		}
		msg := make([][]byte, 0, len(frames)+1)
		msg = append(msg, ident)
		r.recv(append(msg, frames...))
	})

	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
	r.metrics.AddCurrentStreams(-1)
	r.limits.streams.release(ip)
	r.log.Debug().Err(err).Str("peer", id).Msg("peer disconnected")
}

func (r *RouterSocket) pruneRates(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.limits.msgs.prune()
		}
	}
}

// Send delivers frames[1:] to the peer named by frames[0]. Messages for
// unknown peers or full queues are dropped and reported as errors.
func (r *RouterSocket) Send(frames [][]byte) error {
	if len(frames) < 2 {
		return fmt.Errorf("router send: need identity and message")
	}
	id := string(frames[0])
	r.mu.Lock()
	p := r.peers[id]
	r.mu.Unlock()
	if p == nil {
		r.metrics.IncDropByReason("unknown_peer")
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return p.enqueue(frames[1:])
}

// Peers returns the identities of connected peers.
func (r *RouterSocket) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

func (r *RouterSocket) Close() error {
	r.mu.Lock()
	r.closed = true
	peers := make([]*pipe, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return r.ln.Close()
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
