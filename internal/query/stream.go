package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/crypto"
	"ccbus/internal/metrics"
	"ccbus/internal/proto"
	"ccbus/internal/reactor"
)

var (
	ErrTimeout      = errors.New("query timed out")
	ErrUnknownQuery = errors.New("unknown query id")
)

// Sender writes one multipart message to the transport.
type Sender interface {
	Send(frames [][]byte) error
}

// Callback receives the reply to a query, or nil when its timer fires. It
// returns whether to keep the query and the timeout to arm next (0 arms no
// timer).
type Callback func(msg proto.Message) (keep bool, next time.Duration)

type pending struct {
	env   *proto.Envelope
	cb    Callback
	timer *reactor.Timer
}

// Stream correlates replies with outstanding queries over one transport.
// Every method except Query must run on the loop.
type Stream struct {
	loop    *reactor.Loop
	crypto  *crypto.Context
	out     Sender
	log     zerolog.Logger
	metrics *metrics.Metrics
	seq     uint64
	queries map[string]*pending

	// Fallback receives opened envelopes that are not query replies.
	Fallback func(env *proto.Envelope, msg proto.Message)
}

func NewStream(loop *reactor.Loop, cc *crypto.Context, out Sender, log zerolog.Logger, m *metrics.Metrics) *Stream {
	return &Stream{
		loop:    loop,
		crypto:  cc,
		out:     out,
		log:     log,
		metrics: m,
		queries: make(map[string]*pending),
	}
}

func (s *Stream) nextID() string {
	s.seq++
	return fmt.Sprintf("Q%06d", s.seq)
}

// Pending reports the number of outstanding queries.
func (s *Stream) Pending() int {
	return len(s.queries)
}

// Send seals msg and sends it without waiting for a reply.
func (s *Stream) Send(msg proto.Message, blob []byte) error {
	env, err := s.crypto.Seal(msg, blob)
	if err != nil {
		return err
	}
	return s.write(env)
}

func (s *Stream) write(env *proto.Envelope) error {
	if err := s.out.Send(env.Frames()); err != nil {
		return err
	}
	s.metrics.IncSent(env.Size())
	return nil
}

// QueryAsync sends msg tagged with a fresh query id and registers cb for
// its replies.
func (s *Stream) QueryAsync(msg proto.Message, cb Callback, timeout time.Duration) (string, error) {
	return s.queryAsync(msg, nil, cb, timeout)
}

func (s *Stream) queryAsync(msg proto.Message, blob []byte, cb Callback, timeout time.Duration) (string, error) {
	env, err := s.crypto.Seal(msg, blob)
	if err != nil {
		return "", err
	}
	qid := s.nextID()
	env.SetRoute([][]byte{[]byte(qid)})
	q := &pending{env: env, cb: cb}
	s.queries[qid] = q
	s.metrics.IncQuerySent()
	if err := s.write(env); err != nil {
		s.remove(qid)
		return "", err
	}
	s.arm(qid, q, timeout)
	s.log.Debug().Str("qid", qid).Str("dest", env.Dest()).Msg("query sent")
	return qid, nil
}

// Resend sends the original envelope of qid again and re-arms its timer.
func (s *Stream) Resend(qid string, timeout time.Duration) error {
	q, ok := s.queries[qid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, qid)
	}
	s.metrics.IncQueryRetried()
	if err := s.write(q.env); err != nil {
		return err
	}
	s.arm(qid, q, timeout)
	return nil
}

// Cancel forgets qid and disarms its timer. Unknown ids are ignored.
func (s *Stream) Cancel(qid string) {
	s.remove(qid)
}

func (s *Stream) remove(qid string) {
	q, ok := s.queries[qid]
	if !ok {
		return
	}
	q.timer.Stop()
	delete(s.queries, qid)
	s.metrics.QueryDone()
}

func (s *Stream) arm(qid string, q *pending, timeout time.Duration) {
	q.timer.Stop()
	q.timer = nil
	if timeout <= 0 {
		return
	}
	q.timer = s.loop.AfterFunc(timeout, func() {
		if s.queries[qid] != q {
			return
		}
		s.log.Debug().Str("qid", qid).Msg("query timeout")
		s.metrics.IncQueryTimedOut()
		s.deliver(qid, q, nil)
	})
}

func (s *Stream) deliver(qid string, q *pending, msg proto.Message) {
	keep, next := q.cb(msg)
	if s.queries[qid] != q {
		return
	}
	if !keep {
		s.remove(qid)
		return
	}
	s.arm(qid, q, next)
}

// HandleFrames processes one inbound multipart message.
func (s *Stream) HandleFrames(frames [][]byte) {
	env, err := proto.Parse(frames)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed reply")
		s.metrics.IncDropByReason("malformed")
		return
	}
	s.metrics.IncReceived(env.Size())
	s.HandleEnvelope(env)
}

func (s *Stream) HandleEnvelope(env *proto.Envelope) {
	route := env.Route()
	if len(route) != 1 {
		if s.Fallback == nil {
			s.log.Info().Str("dest", env.Dest()).Int("route", len(route)).Msg("not a query reply, dropping")
			return
		}
		opened, err := s.crypto.Open(env)
		if err != nil {
			return
		}
		s.Fallback(env, opened.Msg)
		return
	}
	qid := string(route[0])
	q, ok := s.queries[qid]
	if !ok {
		s.log.Info().Str("qid", qid).Str("dest", env.Dest()).Msg("reply for unknown query, dropping")
		s.metrics.IncQueryUnknown()
		return
	}
	opened, err := s.crypto.Open(env)
	if err != nil {
		s.metrics.IncDropByReason("crypto")
		return
	}
	s.metrics.IncQueryAnswered()
	s.deliver(qid, q, opened.Msg)
}

// Query sends msg and blocks until the first reply or timeout. It must not
// be called from the loop goroutine.
func (s *Stream) Query(ctx context.Context, msg proto.Message, timeout time.Duration) (proto.Message, error) {
	type result struct {
		msg proto.Message
		err error
	}
	res := make(chan result, 1)
	var qid string
	err := s.loop.PostWait(ctx, func() {
		id, err := s.QueryAsync(msg, func(reply proto.Message) (bool, time.Duration) {
			if reply == nil {
				res <- result{err: ErrTimeout}
			} else {
				res <- result{msg: reply}
			}
			return false, 0
		}, timeout)
		if err != nil {
			res <- result{err: err}
			return
		}
		qid = id
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.msg, r.err
	case <-ctx.Done():
		s.loop.Post(func() {
			if qid != "" {
				s.Cancel(qid)
			}
		})
		return nil, ctx.Err()
	}
}
