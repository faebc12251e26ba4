package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
cc-socket: 127.0.0.1:10000
cc-role: remote
hostname: node1
stats-period: 10s
tls:
  dev: true
crypto:
  cms-keystore: keys
  cms-sign: server
  cms-verify-ca: ca
  cms-time-window: 60
routes:
  "*": disposer
  log: locallog, disposer
  task: tasks
handlers:
  disposer:
    handler: disposer
  locallog:
    handler: locallogger
  tasks:
    handler: taskrouter
    route-lifetime: 3600
    reply-timeout: 5m
    include: [log.*, "task.?"]
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10000", cfg.Socket)
	assert.Equal(t, "node1", cfg.Hostname)
	assert.Equal(t, 10*time.Second, cfg.StatsPeriod)
	assert.Equal(t, defaultHWM, cfg.OutboundHWM)
	assert.True(t, cfg.TLS.Dev)

	routes := cfg.RouteList()
	require.Len(t, routes, 3)
	assert.Equal(t, Route{Prefix: "*", Handlers: []string{"disposer"}}, routes[0])
	assert.Equal(t, Route{Prefix: "log", Handlers: []string{"locallog", "disposer"}}, routes[1])

	cc := cfg.Crypto.CryptoContext("/etc/cc")
	assert.Equal(t, "/etc/cc/keys", cc.Keystore)
	assert.Equal(t, 60*time.Second, cc.TimeWindow)
	assert.Equal(t, "SHA-1", cc.BlobHash)

	tasks := cfg.Handlers["tasks"]
	assert.Equal(t, "taskrouter", tasks.Type())
	d, err := tasks.Duration("route-lifetime", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
	d, err = tasks.Duration("reply-timeout", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
	assert.Equal(t, []string{"log.*", "task.?"}, tasks.List("include"))
}

func TestSocketEnvOverride(t *testing.T) {
	t.Setenv("CC_SOCKET", "127.0.0.1:20000")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:20000", cfg.Socket)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"missing socket":       `routes: {}`,
		"bad socket":           `cc-socket: nope`,
		"bad role":             "cc-socket: 127.0.0.1:1\ncc-role: boss",
		"encrypt no sign":      "cc-socket: 127.0.0.1:1\ncrypto: {cms-encrypt: x}",
		"decrypt no ca":        "cc-socket: 127.0.0.1:1\ncrypto: {cms-decrypt: x}",
		"bad blob hash":        "cc-socket: 127.0.0.1:1\ncrypto: {cms-blob-hash: MD5}",
		"undefined handler":    "cc-socket: 127.0.0.1:1\nroutes: {log: missing}",
		"handler without type": "cc-socket: 127.0.0.1:1\nhandlers: {x: {foo: 1}}",
		"cert without key":     "cc-socket: 127.0.0.1:1\ntls: {cert: a.pem}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.Role)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSectionGetters(t *testing.T) {
	s := Section{"n": 3, "s": "7", "b": "yes", "f": 1.5, "list": "a, b", "bad": []any{1}}
	n, err := s.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.Int("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = s.Int("missing", 9)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	_, err = s.Bool("b", false)
	assert.Error(t, err)
	d, err := s.Duration("f", 0)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)
	assert.Equal(t, []string{"a", "b"}, s.List("list"))
	assert.Equal(t, "fallback", s.String("missing", "fallback"))
}
