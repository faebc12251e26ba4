package handler

import (
	"strings"

	"github.com/rs/zerolog"

	"ccbus/internal/crypto"
	"ccbus/internal/proto"
	"ccbus/internal/router"
)

// LocalLogger writes log.* messages to the local log.
type LocalLogger struct {
	log    zerolog.Logger
	crypto *crypto.Context
}

func NewLocalLogger(env Env) (router.Handler, error) {
	return &LocalLogger{log: env.Log, crypto: env.Crypto}, nil
}

func (h *LocalLogger) Handle(env *proto.Envelope) error {
	opened, err := h.crypto.Open(env)
	if err != nil {
		return nil
	}
	m, ok := opened.Msg.(*proto.LogMessage)
	if !ok {
		h.log.Info().Str("dest", env.Dest()).Msg("not a log message")
		return nil
	}
	ev := h.log.WithLevel(logLevel(m.Level)).
		Str("remote_host", m.Hostname).
		Str("job", m.JobName)
	if m.ServiceType != "" {
		ev = ev.Str("service", m.ServiceType)
	}
	if m.LogPID != 0 {
		ev = ev.Int("pid", m.LogPID)
	}
	if m.LogFunction != "" {
		ev = ev.Str("func", m.LogFunction).Int("line", m.LogLine)
	}
	ev.Msg(m.LogMsg)
	return nil
}

func (h *LocalLogger) Stop() {}

func logLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		// never exit the process on a remote message
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}
