package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"ccbus/internal/config"
	"ccbus/internal/debuglog"
	"ccbus/internal/handler"
	"ccbus/internal/metrics"
	"ccbus/internal/pprofutil"
	"ccbus/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runServer(args[1:], stdout, stderr)
	case "check":
		return runCheck(args[1:], stdout, stderr)
	case "handlers":
		return runHandlers(stdout)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ccserver <run|check|handlers> [args]")
	fmt.Fprintln(w, "  run      --config <file.yaml> [--debug]")
	fmt.Fprintln(w, "  check    --config <file.yaml>")
	fmt.Fprintln(w, "  handlers")
}

func loadConfig(fs *flag.FlagSet, args []string, stderr io.Writer) (*config.Config, string, bool) {
	path := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return nil, "", false
	}
	if *path == "" && fs.NArg() == 1 {
		*path = fs.Arg(0)
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --config")
		return nil, "", false
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, "", false
	}
	return cfg, filepath.Dir(*path), true
}

func runServer(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "enable debug logging")
	cfg, base, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	if *debug {
		debuglog.SetDebug(true)
	}
	defer debuglog.Flush()
	log := debuglog.New("ccserver")
	if err := pprofutil.StartFromEnv(log); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	s, err := server.New(server.Options{
		Config:  cfg,
		BaseDir: base,
		Log:     log,
		Metrics: metrics.New(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s role=%s\n", s.Addr(), cfg.Role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := s.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, _, ok := loadConfig(fs, args, stderr)
	if !ok {
		return 1
	}
	reg := handler.DefaultRegistry()
	known := make(map[string]bool)
	for _, t := range reg.Types() {
		known[t] = true
	}
	names := make([]string, 0, len(cfg.Handlers))
	for name := range cfg.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	bad := 0
	for _, name := range names {
		if typ := cfg.Handlers[name].Type(); !known[typ] {
			fmt.Fprintf(stderr, "handler %s: unknown type %q\n", name, typ)
			bad++
		}
	}
	if bad > 0 {
		return 1
	}
	fmt.Fprintf(stdout, "socket %s role %s\n", cfg.Socket, cfg.Role)
	for _, r := range cfg.RouteList() {
		fmt.Fprintf(stdout, "route %s -> %s\n", r.Prefix, strings.Join(r.Handlers, ", "))
	}
	return 0
}

func runHandlers(stdout io.Writer) int {
	for _, t := range handler.DefaultRegistry().Types() {
		fmt.Fprintln(stdout, t)
	}
	return 0
}
