package handler

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbus/internal/config"
	"ccbus/internal/proto"
)

func newInfoWriter(t *testing.T, sec config.Section) (*InfoWriter, Env, string) {
	t.Helper()
	dir := t.TempDir()
	sec["dstdir"] = dir
	if _, ok := sec["worker-threads"]; !ok {
		sec["worker-threads"] = 1
	}
	env, _ := testEnv(t, sec)
	h, err := NewInfoWriter(env)
	require.NoError(t, err)
	return h.(*InfoWriter), env, dir
}

func infofile(name string, mtime time.Time) *proto.InfofileMessage {
	return &proto.InfofileMessage{
		Header:   proto.Header{Req: "pub.infofile"},
		Filename: name,
		MTime:    proto.UnixSeconds(mtime),
		Mode:     "b",
	}
}

func TestInfoWriterWritesBlob(t *testing.T) {
	h, env, dir := newInfoWriter(t, config.Section{})
	mtime := time.Unix(1700000000, 0)
	require.NoError(t, h.Handle(seal(t, env, infofile("/var/log/app.log", mtime), []byte("line one\n"), "peer")))
	h.Stop()

	fn := filepath.Join(dir, "testhost--app.log")
	data, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(data))
	st, err := os.Stat(fn)
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(mtime))
	assert.Equal(t, uint64(1), h.Stats()["written_files"])
}

func TestInfoWriterBase64AndGzip(t *testing.T) {
	h, env, dir := newInfoWriter(t, config.Section{"host-subdirs": true})
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("compressed body"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	msg := infofile("stats.txt", time.Unix(1700000000, 0))
	msg.Comp = "gzip"
	msg.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
	require.NoError(t, h.Handle(seal(t, env, msg, nil, "peer")))
	h.Stop()

	data, err := os.ReadFile(filepath.Join(dir, "testhost", "stats.txt"))
	require.NoError(t, err)
	assert.Equal(t, "compressed body", string(data))
}

func TestInfoWriterRejectsOversizedPayload(t *testing.T) {
	h, env, dir := newInfoWriter(t, config.Section{"max-file-size": 1024})
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(make([]byte, 1<<20))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	msg := infofile("zeros.bin", time.Unix(1700000000, 0))
	msg.Comp = "gzip"
	require.NoError(t, h.Handle(seal(t, env, msg, buf.Bytes(), "peer")))
	h.Stop()

	_, err = os.Stat(filepath.Join(dir, "testhost--zeros.bin"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, uint64(1), h.Stats()["rejected_files"])
	assert.Zero(t, h.Stats()["written_files"])
}

func TestDecompressLimit(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := decompress(buf.Bytes(), "gzip", 10)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out))
	_, err = decompress(buf.Bytes(), "gzip", 9)
	assert.ErrorIs(t, err, errTooLarge)
	_, err = decompress(buf.Bytes(), "lz4", 10)
	assert.Error(t, err)
}

func TestInfoWriterSkipsOlder(t *testing.T) {
	h, env, dir := newInfoWriter(t, config.Section{"bakext": ".bak"})
	fn := filepath.Join(dir, "testhost--a.txt")
	newer := time.Unix(1700000100, 0)
	require.NoError(t, os.WriteFile(fn, []byte("current"), 0o644))
	require.NoError(t, os.Chtimes(fn, newer, newer))

	require.NoError(t, h.Handle(seal(t, env, infofile("a.txt", newer.Add(-time.Minute)), []byte("old"), "peer")))
	require.NoError(t, h.Handle(seal(t, env, infofile("a.txt", newer), []byte("same"), "peer")))
	require.NoError(t, h.Handle(seal(t, env, infofile("a.txt", newer.Add(time.Minute)), []byte("fresh"), "peer")))
	h.Stop()

	data, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
	bak, err := os.ReadFile(fn + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "current", string(bak))
	assert.Equal(t, uint64(2), h.Stats()["skipped_files"])
}

func TestInfoWriterRejectsEscape(t *testing.T) {
	h, env, dir := newInfoWriter(t, config.Section{"dstmask": "%(filepath)s"})
	require.NoError(t, h.Handle(seal(t, env, infofile("../../etc/passwd", time.Unix(1700000000, 0)), []byte("x"), "peer")))
	h.Stop()

	assert.Equal(t, uint64(1), h.Stats()["rejected_files"])
	_, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dir)), "etc", "passwd"))
	assert.True(t, os.IsNotExist(err))
}

func TestInfoWriterTarget(t *testing.T) {
	p := &infoWriterParams{dstdir: "/data", dstmask: "%(hostname)s/%(filepath)s", compressed: "keep"}
	dst, err := p.target(&proto.InfofileMessage{Header: proto.Header{Hostname: "a/b"}, Filename: `logs\x.log`, Comp: "gzip"})
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/data/a_b/logs/x.log.gz"), dst)

	p.compressed = "yes"
	p.compression = "gzip"
	dst, err = p.target(&proto.InfofileMessage{Header: proto.Header{Hostname: "h"}, Filename: "x.log"})
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/data/h/x.log.gz"), dst)
}

func TestInfoWriterBadConfig(t *testing.T) {
	env, _ := testEnv(t, config.Section{})
	_, err := NewInfoWriter(env)
	assert.Error(t, err)

	env, _ = testEnv(t, config.Section{"dstdir": t.TempDir(), "write-compressed": "yes", "compression": "bzip2"})
	_, err = NewInfoWriter(env)
	assert.Error(t, err)

	env, _ = testEnv(t, config.Section{"dstdir": t.TempDir(), "max-file-size": 0})
	_, err = NewInfoWriter(env)
	assert.Error(t, err)
}
