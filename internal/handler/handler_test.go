package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbus/internal/config"
	"ccbus/internal/crypto"
	"ccbus/internal/metrics"
	"ccbus/internal/proto"
	"ccbus/internal/reactor"
	"ccbus/internal/router"
)

type captureSender struct {
	mu   sync.Mutex
	sent [][][]byte
	ch   chan [][]byte
}

func newCapture() *captureSender {
	return &captureSender{ch: make(chan [][]byte, 16)}
}

func (c *captureSender) Send(frames [][]byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, frames)
	c.mu.Unlock()
	select {
	case c.ch <- frames:
	default:
	}
	return nil
}

func (c *captureSender) envelopes(t *testing.T) []*proto.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*proto.Envelope, 0, len(c.sent))
	for _, f := range c.sent {
		env, err := proto.Parse(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func testEnv(t *testing.T, sec config.Section) (Env, *captureSender) {
	t.Helper()
	cc, err := crypto.NewContext(crypto.Config{}, zerolog.New(io.Discard), crypto.WithHostname("testhost"))
	require.NoError(t, err)
	out := newCapture()
	return Env{
		Ctx:     context.Background(),
		Name:    "h",
		Config:  sec,
		Local:   out,
		Crypto:  cc,
		Loop:    reactor.New(0),
		Log:     zerolog.New(io.Discard),
		Metrics: metrics.New(),
	}, out
}

func seal(t *testing.T, env Env, msg proto.Message, blob []byte, route ...string) *proto.Envelope {
	t.Helper()
	e, err := env.Crypto.Seal(msg, blob)
	require.NoError(t, err)
	r := make([][]byte, len(route))
	for i, s := range route {
		r[i] = []byte(s)
	}
	e.SetRoute(r)
	return e
}

func open(t *testing.T, env Env, e *proto.Envelope) proto.Message {
	t.Helper()
	o, err := env.Crypto.Open(e)
	require.NoError(t, err)
	return o.Msg
}

type recorder struct {
	got    []string
	panics bool
}

func (r *recorder) Handle(env *proto.Envelope) error {
	r.got = append(r.got, env.Dest())
	if r.panics {
		panic("boom")
	}
	return nil
}

func (r *recorder) Stop() {}

func lookupOnly(name string, h router.Handler) func(string) (router.Handler, error) {
	return func(n string) (router.Handler, error) {
		if n != name {
			return nil, errors.New("no such handler")
		}
		return h, nil
	}
}

func logMsg(level string) *proto.LogMessage {
	return &proto.LogMessage{Header: proto.Header{Req: "log." + level}, Level: level, LogMsg: "hello there"}
}

func TestRegistryTypes(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		"dbhandler", "delay", "disposer", "echo", "filter",
		"infowriter", "locallogger", "proxy", "taskrouter",
	}, r.Types())
}

func TestRegistryBuild(t *testing.T) {
	env, _ := testEnv(t, config.Section{})
	env.Name = "x"
	r := DefaultRegistry()

	h, err := r.Build("disposer", env)
	require.NoError(t, err)
	assert.IsType(t, &Disposer{}, h)

	_, err = r.Build("nope", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "nope"`)

	_, err = r.Build("filter", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler x: forward-to not set")
}

func TestRegistryRoles(t *testing.T) {
	r := DefaultRegistry()
	env, _ := testEnv(t, config.Section{})
	env.Name = "tr"

	env.Role = config.RoleLocal
	_, err := r.Build("taskrouter", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `not allowed in role "local"`)

	env.Role = config.RoleInsecure
	h, err := r.Build("taskrouter", env)
	require.NoError(t, err)
	h.Stop()

	env.Role = config.RoleRemote
	h, err = r.Build("taskrouter", env)
	require.NoError(t, err)
	h.Stop()
}

func TestDisposerCounts(t *testing.T) {
	env, _ := testEnv(t, nil)
	h, err := NewDisposer(env)
	require.NoError(t, err)
	e := seal(t, env, logMsg("info"), nil)
	require.NoError(t, h.Handle(e))
	require.NoError(t, h.Handle(e))
	st := h.(*Disposer).Stats()
	assert.Equal(t, uint64(2), st["disposed_count"])
	assert.Equal(t, uint64(2*e.Size()), st["disposed_bytes"])
}

func TestLocalLoggerWritesMessage(t *testing.T) {
	env, _ := testEnv(t, nil)
	var buf bytes.Buffer
	env.Log = zerolog.New(&buf)
	h, err := NewLocalLogger(env)
	require.NoError(t, err)

	require.NoError(t, h.Handle(seal(t, env, logMsg("warning"), nil)))
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"message":"hello there"`)
	assert.Contains(t, buf.String(), `"remote_host":"testhost"`)

	buf.Reset()
	bad, err := proto.Build("log.info", []byte("not json"), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(bad))
	assert.Empty(t, buf.String())
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logLevel("TRACE"))
	assert.Equal(t, zerolog.WarnLevel, logLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, logLevel("fatal"))
	assert.Equal(t, zerolog.InfoLevel, logLevel("whatever"))
}

func TestEchoAnswersAlongRoute(t *testing.T) {
	env, out := testEnv(t, config.Section{})
	h, err := NewEcho(env)
	require.NoError(t, err)
	defer h.Stop()

	req := &proto.EchoRequestMessage{Header: proto.Header{Req: "echo.request"}, Target: "cc1:10000"}
	require.NoError(t, h.Handle(seal(t, env, req, nil, "peer-1", "Q000007")))

	sent := out.envelopes(t)
	require.Len(t, sent, 1)
	assert.Equal(t, "echo.response", sent[0].Dest())
	assert.Equal(t, [][]byte{[]byte("peer-1"), []byte("Q000007")}, sent[0].Route())
	rep := open(t, env, sent[0]).(*proto.EchoResponseMessage)
	assert.Equal(t, "cc1:10000", rep.OrigTarget)
	assert.Equal(t, "testhost", rep.OrigHostname)
	assert.Equal(t, req.Time, rep.OrigTime)
}

func TestEchoIgnoresOtherDestinations(t *testing.T) {
	env, out := testEnv(t, config.Section{})
	h, err := NewEcho(env)
	require.NoError(t, err)
	require.NoError(t, h.Handle(seal(t, env, logMsg("info"), nil, "peer")))
	assert.Empty(t, out.envelopes(t))
}

func TestEchoProcessResponse(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := &Echo{
		log:    zerolog.New(io.Discard),
		tick:   time.Second,
		echoes: map[string]*EchoState{"cc1": {Target: "cc1", TimePing: now.Add(-time.Second)}},
		now:    func() time.Time { return now },
	}
	h.processResponse(&proto.EchoResponseMessage{OrigTarget: "cc1", OrigTime: proto.UnixSeconds(now.Add(-time.Second))})
	h.processResponse(&proto.EchoResponseMessage{OrigTarget: "unknown"})

	st := h.States()
	assert.Equal(t, 1, st["cc1"].CountPong)
	assert.Equal(t, now, st["cc1"].TimePong)
	assert.NotContains(t, st, "unknown")
}

func TestFilterIncludeExclude(t *testing.T) {
	rec := &recorder{}
	env, _ := testEnv(t, config.Section{
		"forward-to": "sink",
		"include":    []any{"log.*", "pub.infofile"},
		"exclude":    "log.debug",
	})
	env.Lookup = lookupOnly("sink", rec)
	h, err := NewFilter(env)
	require.NoError(t, err)

	for _, dest := range []string{"log.info", "log.debug", "pub.infofile", "task.register"} {
		e, err := proto.Build(dest, []byte(`{}`), nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, h.Handle(e))
	}
	assert.Equal(t, []string{"log.info", "pub.infofile"}, rec.got)
	st := h.(*Filter).Stats()
	assert.Equal(t, uint64(4), st["filter.count"])
	assert.Equal(t, uint64(2), st["filter.count.ok"])
	assert.Equal(t, uint64(2), st["filter.count.dropped"])
}

func TestFilterCountsCrash(t *testing.T) {
	env, _ := testEnv(t, config.Section{"forward-to": "sink"})
	env.Lookup = lookupOnly("sink", &recorder{panics: true})
	h, err := NewFilter(env)
	require.NoError(t, err)
	e, err := proto.Build("log.info", []byte(`{}`), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(e))
	assert.Equal(t, uint64(1), h.(*Filter).Stats()["filter.count.crashed"])
}

func TestFilterUnknownTarget(t *testing.T) {
	env, _ := testEnv(t, config.Section{"forward-to": "missing"})
	env.Lookup = lookupOnly("sink", &recorder{})
	_, err := NewFilter(env)
	require.Error(t, err)
}

func TestDelayForwardsAfterDelay(t *testing.T) {
	rec := &recorder{}
	env, _ := testEnv(t, config.Section{"forward-to": "sink", "delay": 5})
	env.Lookup = lookupOnly("sink", rec)
	h, err := NewDelay(env)
	require.NoError(t, err)
	d := h.(*Delay)
	defer d.Stop()

	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }
	for _, dest := range []string{"a.one", "a.two"} {
		e, err := proto.Build(dest, []byte(`{}`), nil, nil, nil)
		require.NoError(t, err)
		require.NoError(t, d.Handle(e))
	}

	now = now.Add(4 * time.Second)
	d.processQueue()
	assert.Empty(t, rec.got)
	assert.Equal(t, 2, d.Pending())

	now = now.Add(time.Second)
	d.processQueue()
	assert.Equal(t, []string{"a.one", "a.two"}, rec.got)
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, uint64(2), d.Stats()["delay.count.ok"])
}
