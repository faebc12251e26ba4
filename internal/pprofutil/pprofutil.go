package pprofutil

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
	boundAddr string
)

// Settings select where the profiling endpoint listens.
type Settings struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

// FromEnv reads CC_PPROF, CC_PPROF_ADDR and CC_PPROF_ALLOW_PUBLIC.
func FromEnv() Settings {
	return Settings{
		Enabled:     strings.TrimSpace(os.Getenv("CC_PPROF")) == "1",
		Addr:        strings.TrimSpace(os.Getenv("CC_PPROF_ADDR")),
		AllowPublic: strings.TrimSpace(os.Getenv("CC_PPROF_ALLOW_PUBLIC")) == "1",
	}
}

// StartFromEnv starts an optional pprof HTTP server when CC_PPROF=1.
func StartFromEnv(log zerolog.Logger) error {
	return Start(FromEnv(), log)
}

// Start serves net/http/pprof once per process. Later calls return the
// first result.
func Start(s Settings, log zerolog.Logger) error {
	if !s.Enabled {
		return nil
	}
	startOnce.Do(func() {
		addr := s.Addr
		if addr == "" {
			addr = defaultAddr
		}
		if !s.AllowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("CC_PPROF_ADDR must be loopback unless CC_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		boundAddr = ln.Addr().String()
		log.Info().Str("url", "http://"+boundAddr+"/debug/pprof/").Msg("pprof enabled")
		srv := &http.Server{
			Addr:              boundAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("pprof server stopped")
			}
		}()
	})
	return startErr
}

// Addr is the bound address once Start succeeded.
func Addr() string {
	return boundAddr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
