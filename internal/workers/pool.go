package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ccbus/internal/metrics"
	"ccbus/internal/proto"
)

var ErrStopped = errors.New("worker pool stopped")

// Worker owns one blocking resource. Handle may return a reply envelope
// which is handed to the pool's reply function.
type Worker interface {
	Handle(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error)
	Close() error
}

// Factory builds the worker with the given index.
type Factory func(ctx context.Context, id int) (Worker, error)

// Pool feeds envelopes to a fixed set of workers through one bounded
// channel. Submit never blocks.
type Pool struct {
	name    string
	in      chan *proto.Envelope
	log     zerolog.Logger
	metrics *metrics.Metrics
	reply   func(*proto.Envelope)

	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped sync.Once
	err     error
}

type Options struct {
	Name    string
	Workers int
	Queue   int
	Log     zerolog.Logger
	Metrics *metrics.Metrics
	// Reply receives envelopes produced by workers. It is called from
	// worker goroutines.
	Reply func(*proto.Envelope)
}

// Start creates opts.Workers workers and begins consuming. A factory error
// stops the workers already created and is returned.
func Start(ctx context.Context, opts Options, factory Factory) (*Pool, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 100 * opts.Workers
	}
	ws := make([]Worker, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		w, err := factory(ctx, i)
		if err != nil {
			for _, prev := range ws {
				_ = prev.Close()
			}
			return nil, fmt.Errorf("%s: worker %d: %w", opts.Name, i, err)
		}
		ws = append(ws, w)
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		name:    opts.Name,
		in:      make(chan *proto.Envelope, opts.Queue),
		log:     opts.Log,
		metrics: opts.Metrics,
		reply:   opts.Reply,
		cancel:  cancel,
		group:   g,
	}
	for i, w := range ws {
		i, w := i, w
		g.Go(func() error {
			defer w.Close()
			return p.run(gctx, i, w)
		})
	}
	return p, nil
}

func (p *Pool) run(ctx context.Context, id int, w Worker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-p.in:
			if !ok {
				return nil
			}
			p.handle(ctx, id, w, env)
		}
	}
}

func (p *Pool) handle(ctx context.Context, id int, w Worker, env *proto.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("pool", p.name).Int("worker", id).Str("dest", env.Dest()).Interface("panic", r).Msg("worker crashed")
			p.metrics.IncHandler(p.name, metrics.OutcomeCrashed)
		}
	}()
	rep, err := w.Handle(ctx, env)
	if err != nil {
		p.log.Error().Err(err).Str("pool", p.name).Int("worker", id).Str("dest", env.Dest()).Msg("worker failed")
		p.metrics.IncHandler(p.name, metrics.OutcomeCrashed)
		return
	}
	p.metrics.IncHandler(p.name, metrics.OutcomeOK)
	if rep != nil && p.reply != nil {
		p.reply(rep)
	}
}

// Submit queues env for a worker. It returns false when the queue is full
// or the pool is stopped; the envelope is then dropped.
func (p *Pool) Submit(env *proto.Envelope) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.in <- env:
		return true
	default:
		p.log.Warn().Str("pool", p.name).Str("dest", env.Dest()).Msg("worker queue full, dropping")
		p.metrics.IncDropByReason("worker_queue")
		return false
	}
}

// Stop lets workers drain queued envelopes, then closes them.
func (p *Pool) Stop() error {
	p.stopped.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.in)
		p.mu.Unlock()
		p.err = p.group.Wait()
		p.cancel()
	})
	return p.err
}

// Kill cancels workers without draining.
func (p *Pool) Kill() error {
	p.cancel()
	return p.Stop()
}

func (p *Pool) Len() int {
	return len(p.in)
}
