package query

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbus/internal/crypto"
	"ccbus/internal/metrics"
	"ccbus/internal/proto"
	"ccbus/internal/reactor"
)

type captureSender struct {
	mu    sync.Mutex
	sent  [][][]byte
	onMsg func(frames [][]byte)
}

func (c *captureSender) Send(frames [][]byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, frames)
	fn := c.onMsg
	c.mu.Unlock()
	if fn != nil {
		fn(frames)
	}
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *captureSender) last() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func newStream(t *testing.T, out Sender) (*Stream, *reactor.Loop, *crypto.Context) {
	t.Helper()
	cc, err := crypto.NewContext(crypto.Config{}, zerolog.New(io.Discard), crypto.WithHostname("client"))
	require.NoError(t, err)
	loop := reactor.New(0)
	return NewStream(loop, cc, out, zerolog.New(io.Discard), metrics.New()), loop, cc
}

func runLoop(t *testing.T, loop *reactor.Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
}

// reply seals msg and addresses it to the route of the request frames.
func reply(t *testing.T, cc *crypto.Context, req [][]byte, msg proto.Message) [][]byte {
	t.Helper()
	reqEnv, err := proto.Parse(req)
	require.NoError(t, err)
	env, err := cc.Seal(msg, nil)
	require.NoError(t, err)
	env.TakeRoute(reqEnv)
	return env.Frames()
}

func echoReq() *proto.EchoRequestMessage {
	return &proto.EchoRequestMessage{Header: proto.Header{Req: "echo.request"}, Target: "x"}
}

func TestQueryIDsAndRoute(t *testing.T) {
	out := &captureSender{}
	s, _, _ := newStream(t, out)

	q1, err := s.QueryAsync(echoReq(), func(proto.Message) (bool, time.Duration) { return false, 0 }, 0)
	require.NoError(t, err)
	q2, err := s.QueryAsync(echoReq(), func(proto.Message) (bool, time.Duration) { return false, 0 }, 0)
	require.NoError(t, err)
	assert.Equal(t, "Q000001", q1)
	assert.Equal(t, "Q000002", q2)
	assert.Equal(t, 2, s.Pending())

	env, err := proto.Parse(out.last())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("Q000002")}, env.Route())
	assert.Equal(t, "echo.request", env.Dest())
}

func TestReplyDeliveredToCallback(t *testing.T) {
	out := &captureSender{}
	s, _, cc := newStream(t, out)

	var got []proto.Message
	qid, err := s.QueryAsync(echoReq(), func(m proto.Message) (bool, time.Duration) {
		got = append(got, m)
		return len(got) < 2, 0
	}, 0)
	require.NoError(t, err)

	resp := &proto.EchoResponseMessage{Header: proto.Header{Req: "echo.response"}, OrigTarget: "x"}
	s.HandleFrames(reply(t, cc, out.last(), resp))
	assert.Equal(t, 1, s.Pending())
	s.HandleFrames(reply(t, cc, out.last(), resp))
	assert.Equal(t, 0, s.Pending())
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].(*proto.EchoResponseMessage).OrigTarget)

	// completed queries stay completed
	s.HandleFrames(reply(t, cc, out.last(), resp))
	assert.Len(t, got, 2)
	s.Cancel(qid)
	s.Cancel(qid)
}

func TestUnknownAndForeignRepliesDropped(t *testing.T) {
	out := &captureSender{}
	s, _, cc := newStream(t, out)

	env, err := cc.Seal(&proto.EchoResponseMessage{Header: proto.Header{Req: "echo.response"}}, nil)
	require.NoError(t, err)
	env.SetRoute([][]byte{[]byte("Q999999")})
	s.HandleFrames(env.Frames())

	var fallback []string
	s.Fallback = func(env *proto.Envelope, msg proto.Message) { fallback = append(fallback, msg.Head().Req) }
	env.SetRoute(nil)
	s.HandleFrames(env.Frames())
	assert.Equal(t, []string{"echo.response"}, fallback)

	s.HandleFrames([][]byte{[]byte("garbage")})
	assert.Equal(t, 0, s.Pending())
}

func TestTimeoutCallsCallbackWithNil(t *testing.T) {
	out := &captureSender{}
	s, loop, _ := newStream(t, out)
	runLoop(t, loop)

	got := make(chan proto.Message, 1)
	loop.Post(func() {
		_, err := s.QueryAsync(echoReq(), func(m proto.Message) (bool, time.Duration) {
			got <- m
			return false, 0
		}, 10*time.Millisecond)
		assert.NoError(t, err)
	})
	select {
	case m := <-got:
		assert.Nil(t, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback not invoked")
	}
}

func TestTimeoutSurvivesFullQueue(t *testing.T) {
	cc, err := crypto.NewContext(crypto.Config{}, zerolog.New(io.Discard))
	require.NoError(t, err)
	loop := reactor.New(4)
	s := NewStream(loop, cc, &captureSender{}, zerolog.New(io.Discard), metrics.New())
	runLoop(t, loop)

	got := make(chan proto.Message, 1)
	release := make(chan struct{})
	loop.Post(func() {
		_, err := s.QueryAsync(echoReq(), func(m proto.Message) (bool, time.Duration) {
			got <- m
			return false, 0
		}, 5*time.Millisecond)
		assert.NoError(t, err)
		<-release
	})
	for loop.Post(func() {}) {
	}
	time.Sleep(30 * time.Millisecond)
	close(release)

	select {
	case m := <-got:
		assert.Nil(t, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout lost while the loop queue was full")
	}
	pending := make(chan int, 1)
	require.NoError(t, loop.PostWait(context.Background(), func() { pending <- s.Pending() }))
	assert.Equal(t, 0, <-pending)
}

func TestCancelDisarmsTimer(t *testing.T) {
	out := &captureSender{}
	s, loop, _ := newStream(t, out)
	runLoop(t, loop)

	called := make(chan struct{}, 1)
	done := make(chan struct{})
	loop.Post(func() {
		qid, err := s.QueryAsync(echoReq(), func(proto.Message) (bool, time.Duration) {
			called <- struct{}{}
			return false, 0
		}, 20*time.Millisecond)
		assert.NoError(t, err)
		s.Cancel(qid)
		close(done)
	})
	<-done
	select {
	case <-called:
		t.Fatal("callback invoked after cancel")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSyncQuery(t *testing.T) {
	out := &captureSender{}
	s, loop, cc := newStream(t, out)
	runLoop(t, loop)
	out.onMsg = func(frames [][]byte) {
		resp := reply(t, cc, frames, &proto.EchoResponseMessage{Header: proto.Header{Req: "echo.response"}, OrigTarget: "pong"})
		go loop.Post(func() { s.HandleFrames(resp) })
	}

	msg, err := s.Query(context.Background(), echoReq(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", msg.(*proto.EchoResponseMessage).OrigTarget)
}

func TestSyncQueryTimeout(t *testing.T) {
	out := &captureSender{}
	s, loop, _ := newStream(t, out)
	runLoop(t, loop)

	_, err := s.Query(context.Background(), echoReq(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestResendUnknown(t *testing.T) {
	s, _, _ := newStream(t, &captureSender{})
	assert.ErrorIs(t, s.Resend("Q000042", 0), ErrUnknownQuery)
}
