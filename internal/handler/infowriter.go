package handler

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/proto"
	"ccbus/internal/router"
	"ccbus/internal/workers"
)

const (
	defaultWorkerThreads = 10
	defaultMaxFileSize   = 256 << 20
)

var (
	errUnsafePath = errors.New("file path escapes dstdir")
	errTooLarge   = errors.New("decompressed file exceeds max-file-size")
)

// InfoWriter writes pub.infofile messages below dstdir using a pool of
// writer goroutines.
type InfoWriter struct {
	log  zerolog.Logger
	pool *workers.Pool
	w    *infoWriterParams
}

type infoWriterParams struct {
	env         Env
	dstdir      string
	dstmask     string
	bakext      string
	compressed  string
	compression string
	level       int
	maxSize     int64
	log         zerolog.Logger

	mu    sync.Mutex
	stats counters
}

func NewInfoWriter(env Env) (router.Handler, error) {
	dstdir := env.Config.String("dstdir", "")
	if dstdir == "" {
		return nil, fmt.Errorf("dstdir not set")
	}
	dstdir, err := filepath.Abs(dstdir)
	if err != nil {
		return nil, err
	}
	hostSubdirs, err := env.Config.Bool("host-subdirs", false)
	if err != nil {
		return nil, err
	}
	mask := env.Config.String("dstmask", "")
	if mask == "" {
		mask = "%(hostname)s--%(filename)s"
		if hostSubdirs {
			mask = "%(hostname)s/%(filename)s"
		}
	}
	p := &infoWriterParams{
		env:        env,
		dstdir:     dstdir,
		dstmask:    mask,
		bakext:     env.Config.String("bakext", ""),
		compressed: env.Config.String("write-compressed", "no"),
		log:        env.Log,
		stats:      counters{},
	}
	maxSize, err := env.Config.Int("max-file-size", defaultMaxFileSize)
	if err != nil {
		return nil, err
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("max-file-size must be positive")
	}
	p.maxSize = int64(maxSize)
	switch p.compressed {
	case "", "no", "keep":
	case "yes":
		p.compression = env.Config.String("compression", "gzip")
		if p.compression != "gzip" {
			return nil, fmt.Errorf("unsupported compression %q", p.compression)
		}
		if p.level, err = env.Config.Int("compression-level", gzip.DefaultCompression); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("write-compressed: bad value %q", p.compressed)
	}
	n, err := env.Config.Int("worker-threads", defaultWorkerThreads)
	if err != nil {
		return nil, err
	}
	pool, err := workers.Start(env.Ctx, workers.Options{
		Name:    env.Name,
		Workers: n,
		Log:     env.Log,
		Metrics: env.Metrics,
	}, func(ctx context.Context, id int) (workers.Worker, error) {
		env.Log.Debug().Int("worker", id).Msg("starting writer")
		return &infoFileWorker{p: p}, nil
	})
	if err != nil {
		return nil, err
	}
	return &InfoWriter{log: env.Log, pool: pool, w: p}, nil
}

func (h *InfoWriter) Handle(env *proto.Envelope) error {
	h.w.add("count", 1)
	if !h.pool.Submit(env) {
		h.w.add("dropped", 1)
	}
	return nil
}

func (h *InfoWriter) Stats() map[string]uint64 {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.stats.snapshot()
}

func (h *InfoWriter) Stop() {
	h.log.Info().Msg("stopping")
	if err := h.pool.Stop(); err != nil {
		h.log.Error().Err(err).Msg("stop workers")
	}
}

func (p *infoWriterParams) add(key string, n int) {
	p.mu.Lock()
	p.stats.add(key, n)
	p.mu.Unlock()
}

type infoFileWorker struct {
	p *infoWriterParams
}

func (w *infoFileWorker) Close() error { return nil }

func (w *infoFileWorker) Handle(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	opened, err := w.p.env.Crypto.Open(env)
	if err != nil {
		return nil, nil
	}
	msg, ok := opened.Msg.(*proto.InfofileMessage)
	if !ok {
		return nil, fmt.Errorf("%s: not an infofile message", env.Dest())
	}
	return nil, w.p.write(msg, opened.Blob)
}

func (p *infoWriterParams) target(msg *proto.InfofileMessage) (string, error) {
	host := strings.ReplaceAll(msg.Hostname, "/", "_")
	fn := strings.ReplaceAll(msg.Filename, "\\", "/")
	switch p.compressed {
	case "keep":
		if ext := compExt(msg.Comp); ext != "" {
			fn += ext
		}
	case "yes":
		fn += compExt(p.compression)
	}
	name := strings.NewReplacer(
		"%(hostname)s", host,
		"%(filepath)s", fn,
		"%(filename)s", path.Base(fn),
	).Replace(p.dstmask)
	dst := filepath.Join(p.dstdir, filepath.FromSlash(name))
	rel, err := filepath.Rel(p.dstdir, dst)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, msg.Filename)
	}
	return dst, nil
}

func (p *infoWriterParams) write(msg *proto.InfofileMessage, blob []byte) error {
	if msg.Mode != "" && msg.Mode != "b" {
		p.log.Warn().Str("mode", msg.Mode).Msg("unsupported file mode, ignoring it")
	}
	dst, err := p.target(msg)
	if err != nil {
		p.log.Warn().Err(err).Msg("suspicious file path")
		p.add("rejected_files", 1)
		return nil
	}
	mtime := proto.FromUnixSeconds(msg.MTime)
	if st, err := os.Stat(dst); err == nil {
		cur := st.ModTime().Truncate(time.Millisecond)
		want := mtime.Truncate(time.Millisecond)
		if !cur.Before(want) {
			p.log.Info().Str("file", dst).Msg("mtime not older, skipping")
			p.add("skipped_files", 1)
			return nil
		}
	}
	raw := blob
	if raw == nil {
		if raw, err = base64.StdEncoding.DecodeString(msg.Data); err != nil {
			return fmt.Errorf("%s: data: %w", msg.Filename, err)
		}
	}
	body, err := p.body(raw, msg.Comp)
	if errors.Is(err, errTooLarge) {
		p.log.Warn().Str("file", msg.Filename).Int64("limit", p.maxSize).Msg("file too large")
		p.add("rejected_files", 1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", msg.Filename, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	p.log.Debug().Int("bytes", len(body)).Str("file", dst).Msg("writing")
	if err := writeAtomic(dst, body, p.bakext); err != nil {
		return err
	}
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return err
	}
	p.add("written_bytes", len(body))
	p.add("written_files", 1)
	return nil
}

func (p *infoWriterParams) body(raw []byte, comp string) ([]byte, error) {
	compressed := comp != "" && comp != "none"
	switch p.compressed {
	case "keep":
		return raw, nil
	case "yes":
		if comp == p.compression {
			return raw, nil
		}
		plain := raw
		if compressed {
			var err error
			if plain, err = decompress(raw, comp, p.maxSize); err != nil {
				return nil, err
			}
		}
		return gzipBytes(plain, p.level)
	}
	if !compressed {
		return raw, nil
	}
	return decompress(raw, comp, p.maxSize)
}

func compExt(comp string) string {
	switch comp {
	case "gzip":
		return ".gz"
	case "bzip2":
		return ".bz2"
	}
	return ""
}

// decompress inflates data, failing with errTooLarge once the output would
// exceed limit bytes.
func decompress(data []byte, comp string, limit int64) ([]byte, error) {
	var r io.Reader
	switch comp {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "bzip2":
		r = bzip2.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported compression %q", comp)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errTooLarge
	}
	return out, nil
}

func gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic replaces fn with data via a temp file in the same directory.
// With bakext set the previous file is kept as fn+bakext.
func writeAtomic(fn string, data []byte, bakext string) error {
	f, err := os.CreateTemp(filepath.Dir(fn), "."+filepath.Base(fn)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if bakext != "" {
		if err := os.Rename(fn, fn+bakext); err != nil && !errors.Is(err, os.ErrNotExist) {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, fn)
}
