package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const queueSize = 2048

var (
	mu      sync.Mutex
	root    zerolog.Logger
	closer  io.Closer
	dropped atomic.Uint64
	debug   atomic.Bool

	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	debug.Store(os.Getenv("CC_DEBUG") == "1")
	SetOutput(os.Stderr)
}

// SetOutput routes all loggers through a non-blocking diode writer on w.
// Messages are dropped when the writer falls behind.
func SetOutput(w io.Writer) {
	dw := diode.NewWriter(w, queueSize, 10*time.Millisecond, func(missed int) {
		dropped.Add(uint64(missed))
	})
	mu.Lock()
	old := closer
	closer = dw
	root = zerolog.New(dw).With().Timestamp().Logger().Level(level())
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// SetSyncOutput writes directly to w. Tests use it to read output back.
func SetSyncOutput(w io.Writer) {
	mu.Lock()
	old := closer
	closer = nil
	root = zerolog.New(w).With().Timestamp().Logger().Level(level())
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func SetDebug(on bool) {
	debug.Store(on)
	mu.Lock()
	root = root.Level(level())
	mu.Unlock()
}

func Enabled() bool {
	return debug.Load()
}

func Dropped() uint64 {
	return dropped.Load()
}

// Flush closes the current diode so queued lines reach the output.
func Flush() {
	mu.Lock()
	c := closer
	mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func level() zerolog.Level {
	if debug.Load() {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// New returns a logger tagged with component.
func New(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", component).Logger()
}

func Logf(format string, args ...any) {
	l := New("cc")
	l.Info().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	l := New("cc")
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

// RateLimited reports whether key may log now, allowing one line per
// interval.
func RateLimited(key string, interval time.Duration) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}

func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !RateLimited(key, interval) {
		return
	}
	Logf(format, args...)
}
