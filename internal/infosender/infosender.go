package infosender

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ccbus/internal/proto"
)

const (
	defaultMask     = "*"
	defaultInterval = time.Minute
	defaultSettle   = time.Second
)

// Publisher sends one message with an optional blob.
type Publisher interface {
	Publish(msg proto.Message, blob []byte) error
}

type PublisherFunc func(msg proto.Message, blob []byte) error

func (f PublisherFunc) Publish(msg proto.Message, blob []byte) error { return f(msg, blob) }

type Options struct {
	Dir         string
	Mask        string
	Compression string
	Level       int
	UseBlob     bool
	// Interval is the full rescan period. Settle is the wait after a file
	// event before rescanning.
	Interval time.Duration
	Settle   time.Duration
	Log      zerolog.Logger
}

// Sender publishes pub.infofile for files under Dir matching Mask. A file
// is sent once it looked the same on two consecutive scans.
type Sender struct {
	opts   Options
	pub    Publisher
	log    zerolog.Logger
	stamps map[string]*stamp
	sent   uint64
}

type stamp struct {
	mtime    time.Time
	size     int64
	modified bool
}

// ready records fi and reports whether the file is stable and unsent.
func (s *stamp) ready(fi os.FileInfo) bool {
	if !fi.ModTime().Equal(s.mtime) || fi.Size() != s.size || fi.Size() == 0 {
		s.mtime = fi.ModTime()
		s.size = fi.Size()
		s.modified = true
		return false
	}
	return s.modified
}

func New(opts Options, pub Publisher) (*Sender, error) {
	if opts.Dir == "" {
		return nil, errors.New("infosender: dir required")
	}
	if opts.Mask == "" {
		opts.Mask = defaultMask
	}
	if _, err := filepath.Match(opts.Mask, ""); err != nil {
		return nil, fmt.Errorf("infosender: mask %q: %w", opts.Mask, err)
	}
	switch opts.Compression {
	case "", "none":
		opts.Compression = "none"
	case "gzip":
		if opts.Level == 0 {
			opts.Level = gzip.DefaultCompression
		}
	default:
		return nil, fmt.Errorf("infosender: unsupported compression %q", opts.Compression)
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	return &Sender{opts: opts, pub: pub, log: opts.Log, stamps: make(map[string]*stamp)}, nil
}

// Sent is the number of files published so far.
func (s *Sender) Sent() uint64 {
	return s.sent
}

// Scan checks every matching file once. It returns how many files were
// published and how many changed files wait for another scan.
func (s *Sender) Scan() (sent, pending int) {
	names, err := filepath.Glob(filepath.Join(s.opts.Dir, s.opts.Mask))
	if err != nil {
		s.log.Warn().Err(err).Msg("glob")
		return 0, 0
	}
	sort.Strings(names)
	for _, fn := range names {
		fi, err := os.Stat(fn)
		if err != nil {
			s.log.Info().Err(err).Str("file", fn).Msg("stat")
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		st, ok := s.stamps[fn]
		if !ok {
			s.stamps[fn] = &stamp{mtime: fi.ModTime(), size: fi.Size(), modified: true}
			pending++
			continue
		}
		if !st.ready(fi) {
			if st.modified {
				pending++
			}
			continue
		}
		if err := s.send(fn, st); err != nil {
			s.log.Info().Err(err).Str("file", fn).Msg("send failed")
			pending++
			continue
		}
		sent++
	}
	return sent, pending
}

func (s *Sender) send(fn string, st *stamp) error {
	body, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	if int64(len(body)) != st.size {
		st.size = -1
		return fmt.Errorf("file changed while reading")
	}
	data, err := s.compress(body)
	if err != nil {
		return err
	}
	s.log.Debug().Str("file", fn).Int("size", len(body)).Int("compressed", len(data)).Msg("sending")
	msg := &proto.InfofileMessage{
		Header:   proto.Header{Req: "pub.infofile"},
		Filename: filepath.Base(fn),
		MTime:    proto.UnixSeconds(st.mtime),
		Comp:     s.opts.Compression,
		Mode:     "b",
	}
	var blob []byte
	if s.opts.UseBlob {
		blob = data
	} else {
		msg.Data = base64.StdEncoding.EncodeToString(data)
	}
	if err := s.pub.Publish(msg, blob); err != nil {
		return err
	}
	st.modified = false
	s.sent++
	return nil
}

func (s *Sender) compress(body []byte) ([]byte, error) {
	if s.opts.Compression == "none" {
		return body, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, s.opts.Level)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(zw, bytes.NewReader(body)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Run watches Dir until ctx ends. File events schedule a scan after the
// settle delay; a full scan also runs every interval.
func (s *Sender) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.opts.Dir, err)
	}
	s.log.Info().Str("dir", s.opts.Dir).Str("mask", s.opts.Mask).Msg("watching")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	settle := time.NewTimer(s.opts.Settle)
	defer settle.Stop()

	scan := func() {
		sent, pending := s.Scan()
		if sent > 0 {
			s.log.Debug().Int("sent", sent).Msg("scan")
		}
		if pending > 0 {
			settle.Reset(s.opts.Settle)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if ok, _ := filepath.Match(s.opts.Mask, filepath.Base(ev.Name)); ok {
				settle.Reset(s.opts.Settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("watcher error")
		case <-settle.C:
			scan()
		case <-ticker.C:
			scan()
		}
	}
}
