package network

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"ccbus/internal/metrics"
)

const (
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = 5 * time.Second
	dialTimeout     = 8 * time.Second
)

type DealerOptions struct {
	Addr    string
	TLS     *tls.Config
	HWM     int
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	// Linger bounds how long Close waits for queued messages to reach the
	// router. Zero closes immediately.
	Linger time.Duration
}

// DealerSocket keeps one stream open to a RouterSocket and reconnects with
// backoff. Messages queue while disconnected, up to HWM.
type DealerSocket struct {
	opts    DealerOptions
	log     zerolog.Logger
	metrics *metrics.Metrics
	recv    RecvFunc
	out     chan [][]byte

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	inflight atomic.Int64

	mu        sync.Mutex
	connected bool
	closing   bool
	cur       *pipe
	failures  int
	ready     chan struct{}
}

func DialDealer(ctx context.Context, opts DealerOptions, recv RecvFunc) *DealerSocket {
	if opts.HWM <= 0 {
		opts.HWM = DefaultHWM
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &DealerSocket{
		opts:    opts,
		log:     opts.Log,
		metrics: opts.Metrics,
		recv:    recv,
		out:     make(chan [][]byte, opts.HWM),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Send queues frames for the remote router. It never blocks.
func (d *DealerSocket) Send(frames [][]byte) error {
	if d.ctx.Err() != nil {
		return ErrClosed
	}
	d.inflight.Add(1)
	select {
	case d.out <- frames:
		return nil
	default:
		d.inflight.Add(-1)
		d.metrics.IncDropByReason("hwm")
		return ErrQueueFull
	}
}

// Ready is closed after the first successful connection.
func (d *DealerSocket) Ready() <-chan struct{} {
	return d.ready
}

func (d *DealerSocket) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *DealerSocket) Close() error {
	if d.opts.Linger > 0 {
		d.linger(time.Now().Add(d.opts.Linger))
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

// linger waits for queued messages to be written, then half-closes the
// stream and waits for the router to finish reading it.
func (d *DealerSocket) linger(deadline time.Time) {
	for d.inflight.Load() > 0 && time.Now().Before(deadline) && d.ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	d.mu.Lock()
	d.closing = true
	p := d.cur
	d.mu.Unlock()
	if p == nil {
		return
	}
	_ = p.stream.Close()
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-d.done:
	case <-t.C:
	}
}

func (d *DealerSocket) loop() {
	defer d.wg.Done()
	defer close(d.done)
	var readyOnce sync.Once
	for d.ctx.Err() == nil {
		conn, stream, err := d.dial()
		if err != nil {
			d.log.Debug().Err(err).Str("addr", d.opts.Addr).Msg("dial failed")
			if !d.backoff() {
				return
			}
			continue
		}
		d.setConnected(true)
		d.log.Info().Str("addr", d.opts.Addr).Msg("connected")
		readyOnce.Do(func() { close(d.ready) })

		p := &pipe{
			stream: stream,
			out:    d.out,
			done:   make(chan struct{}),
			log:    d.log,
			m:      d.metrics,
			sent:   func() { d.inflight.Add(-1) },
		}
		d.mu.Lock()
		d.cur = p
		closing := d.closing
		d.mu.Unlock()
		if closing {
			_ = p.stream.Close()
		}
		err = p.run(d.ctx, d.recv)
		_ = conn.CloseWithError(0, "")
		d.setConnected(false)
		d.mu.Lock()
		d.cur = nil
		closing = d.closing
		d.mu.Unlock()
		if d.ctx.Err() != nil || closing {
			return
		}
		d.log.Warn().Err(err).Str("addr", d.opts.Addr).Msg("connection lost, reconnecting")
		if !d.backoff() {
			return
		}
	}
}

func (d *DealerSocket) dial() (*quic.Conn, *quic.Stream, error) {
	ctx, cancel := context.WithTimeout(d.ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, d.opts.Addr, d.opts.TLS, quicConfig())
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, nil, err
	}
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
	return conn, stream, nil
}

func (d *DealerSocket) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
	if v {
		d.metrics.AddCurrentConns(1)
	} else {
		d.metrics.AddCurrentConns(-1)
	}
}

func (d *DealerSocket) backoff() bool {
	d.mu.Lock()
	d.failures++
	failures := d.failures
	d.mu.Unlock()
	return backoffRetry(d.ctx, failures)
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := dialBackoffBase
	if failures > 1 {
		shift := failures - 1
		if shift > 16 {
			shift = 16
		}
		d = d * time.Duration(1<<uint(shift))
	}
	if d > dialBackoffMax {
		d = dialBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
