package handler

import (
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"ccbus/internal/proto"
	"ccbus/internal/router"
)

// Filter forwards messages that pass include/exclude glob lists to
// another handler.
type Filter struct {
	log      zerolog.Logger
	fwd      router.Handler
	fwdName  string
	includes []pattern
	excludes []pattern
	stats    counters
}

type pattern struct {
	text string
	wild bool
}

func compilePatterns(list []string) []pattern {
	out := make([]pattern, 0, len(list))
	for _, p := range list {
		out = append(out, pattern{text: p, wild: strings.ContainsAny(p, "*?[")})
	}
	return out
}

func (p pattern) match(dest string) bool {
	if !p.wild {
		return dest == p.text
	}
	ok, err := path.Match(p.text, dest)
	return err == nil && ok
}

func matchAny(list []pattern, dest string) bool {
	for _, p := range list {
		if p.match(dest) {
			return true
		}
	}
	return false
}

func NewFilter(env Env) (router.Handler, error) {
	fwd, name, err := forwardTarget(env)
	if err != nil {
		return nil, err
	}
	return &Filter{
		log:      env.Log,
		fwd:      fwd,
		fwdName:  name,
		includes: compilePatterns(env.Config.List("include")),
		excludes: compilePatterns(env.Config.List("exclude")),
		stats:    counters{},
	}, nil
}

func (h *Filter) Handle(env *proto.Envelope) error {
	dest := env.Dest()
	size := env.Size()
	stat := "ok"
	switch {
	case matchAny(h.excludes, dest):
		stat = "dropped"
	case len(h.includes) > 0 && !matchAny(h.includes, dest):
		stat = "dropped"
	default:
		if err := forward(h.fwd, env); err != nil {
			h.log.Error().Err(err).Str("dest", dest).Str("forward_to", h.fwdName).Msg("crashed, dropping msg")
			stat = "crashed"
		}
	}
	h.stats.add("filter.count", 1)
	h.stats.add("filter.bytes", size)
	h.stats.add("filter.count."+stat, 1)
	h.stats.add("filter.bytes."+stat, size)
	return nil
}

func (h *Filter) Stop() {}

func (h *Filter) Stats() map[string]uint64 {
	return h.stats.snapshot()
}

// forward calls h and turns a panic into an error.
func forward(h router.Handler, env *proto.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return h.Handle(env)
}

type panicError struct{ v any }

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.v)
}
