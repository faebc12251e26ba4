package infosender

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbus/internal/proto"
)

type published struct {
	msg  *proto.InfofileMessage
	blob []byte
}

type collector struct {
	mu  sync.Mutex
	got []published
}

func (c *collector) Publish(msg proto.Message, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, published{msg: msg.(*proto.InfofileMessage), blob: blob})
	return nil
}

func (c *collector) list() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.got...)
}

func newSender(t *testing.T, opts Options) (*Sender, *collector) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.Log = zerolog.New(io.Discard)
	c := &collector{}
	s, err := New(opts, c)
	require.NoError(t, err)
	return s, c
}

func write(t *testing.T, fn, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(fn, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(fn, mtime, mtime))
}

func TestScanSendsStableFiles(t *testing.T) {
	s, c := newSender(t, Options{Mask: "*.info"})
	mtime := time.Unix(1700000000, 0)
	write(t, filepath.Join(s.opts.Dir, "a.info"), "alpha", mtime)
	write(t, filepath.Join(s.opts.Dir, "skip.txt"), "nope", mtime)

	sent, pending := s.Scan()
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, pending)

	sent, pending = s.Scan()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, pending)

	got := c.list()
	require.Len(t, got, 1)
	assert.Equal(t, "pub.infofile", got[0].msg.Req)
	assert.Equal(t, "a.info", got[0].msg.Filename)
	assert.Equal(t, "none", got[0].msg.Comp)
	assert.Equal(t, proto.UnixSeconds(mtime), got[0].msg.MTime)
	data, err := base64.StdEncoding.DecodeString(got[0].msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Nil(t, got[0].blob)

	sent, _ = s.Scan()
	assert.Equal(t, 0, sent)
	assert.Equal(t, uint64(1), s.Sent())
}

func TestScanResendsAfterChange(t *testing.T) {
	s, c := newSender(t, Options{})
	fn := filepath.Join(s.opts.Dir, "x")
	write(t, fn, "one", time.Unix(1700000000, 0))
	s.Scan()
	s.Scan()

	write(t, fn, "two!", time.Unix(1700000060, 0))
	sent, pending := s.Scan()
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, pending)
	sent, _ = s.Scan()
	assert.Equal(t, 1, sent)
	require.Len(t, c.list(), 2)
}

func TestScanSkipsEmptyFiles(t *testing.T) {
	s, c := newSender(t, Options{})
	write(t, filepath.Join(s.opts.Dir, "empty"), "", time.Unix(1700000000, 0))
	s.Scan()
	s.Scan()
	s.Scan()
	assert.Empty(t, c.list())
}

func TestGzipBlob(t *testing.T) {
	s, c := newSender(t, Options{Compression: "gzip", UseBlob: true})
	write(t, filepath.Join(s.opts.Dir, "g"), "zipped contents", time.Unix(1700000000, 0))
	s.Scan()
	s.Scan()

	got := c.list()
	require.Len(t, got, 1)
	assert.Equal(t, "gzip", got[0].msg.Comp)
	assert.Empty(t, got[0].msg.Data)
	zr, err := gzip.NewReader(bytes.NewReader(got[0].blob))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "zipped contents", string(body))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{}, &collector{})
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Compression: "bzip2"}, &collector{})
	assert.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Mask: "["}, &collector{})
	assert.Error(t, err)
}

func TestRunPublishesNewFile(t *testing.T) {
	s, c := newSender(t, Options{Settle: 20 * time.Millisecond, Interval: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	write(t, filepath.Join(s.opts.Dir, "late"), "arrived", time.Unix(1700000000, 0))
	require.Eventually(t, func() bool { return len(c.list()) == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "late", c.list()[0].msg.Filename)
}
