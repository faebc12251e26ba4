package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ccbus/internal/config"
	"ccbus/internal/crypto"
	"ccbus/internal/debuglog"
	"ccbus/internal/infosender"
	"ccbus/internal/metrics"
	"ccbus/internal/network"
	"ccbus/internal/proto"
	"ccbus/internal/query"
	"ccbus/internal/reactor"
)

const (
	defaultSocket  = "127.0.0.1:10000"
	defaultTimeout = 10 * time.Second
	linger         = 2 * time.Second
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
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "log":
		return runLog(args[1:], stdout, stderr)
	case "task":
		return runTask(args[1:], stdout, stderr)
	case "infosend":
		return runInfoSend(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ccclient <send|log|task|infosend> [args]")
	fmt.Fprintln(w, "  common   [--config <file.yaml>] [--socket host:port] [--devtls] [--insecure] [--debug]")
	fmt.Fprintln(w, "  send     [--timeout 10s] <dest> [key=value ...]")
	fmt.Fprintln(w, "  log      [--level info] [--job name] <message...>")
	fmt.Fprintln(w, "  task     --host <host> --handler <name> [key=value ...]")
	fmt.Fprintln(w, "  infosend --dir <dir> [--mask '*'] [--compression none|gzip] [--blob]")
}

// connFlags are shared by every subcommand.
type connFlags struct {
	config   *string
	socket   *string
	devTLS   *bool
	insecure *bool
	debug    *bool
}

func addConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		config:   fs.String("config", "", "config file for crypto and tls settings"),
		socket:   fs.String("socket", "", "cc-socket address (default CC_SOCKET or "+defaultSocket+")"),
		devTLS:   fs.Bool("devtls", false, "trust the deterministic dev TLS certificate (unsafe)"),
		insecure: fs.Bool("insecure", false, "skip TLS verification (unsafe)"),
		debug:    fs.Bool("debug", false, "enable debug logging"),
	}
}

// client is a DEALER connection with a query stream on its own loop.
type client struct {
	loop   *reactor.Loop
	dealer *network.DealerSocket
	stream *query.Stream
	cc     *crypto.Context
	log    zerolog.Logger
	stop   context.CancelFunc
	done   chan struct{}
}

func (f connFlags) dial(ctx context.Context, stderr io.Writer) (*client, error) {
	if *f.debug {
		debuglog.SetDebug(true)
	}
	log := debuglog.New("ccclient")
	socket := strings.TrimSpace(os.Getenv("CC_SOCKET"))
	hostname, _ := os.Hostname()
	tlsOpts := network.TLSOptions{Dev: *f.devTLS, Insecure: *f.insecure}
	var cryptoCfg crypto.Config
	if *f.config != "" {
		cfg, err := config.Load(*f.config)
		if err != nil {
			return nil, err
		}
		socket = cfg.Socket
		hostname = cfg.Hostname
		cryptoCfg = cfg.Crypto.CryptoContext(filepath.Dir(*f.config))
		tlsOpts.CA = cfg.TLS.CA
		tlsOpts.Dev = tlsOpts.Dev || cfg.TLS.Dev
		tlsOpts.Insecure = tlsOpts.Insecure || cfg.TLS.Insecure
	}
	if *f.socket != "" {
		socket = *f.socket
	}
	if socket == "" {
		socket = defaultSocket
	}
	if tlsOpts.Dev || tlsOpts.Insecure {
		fmt.Fprintln(stderr, "WARNING: TLS verification relaxed")
	}
	tlsConf, err := network.ClientTLSConfig(tlsOpts)
	if err != nil {
		return nil, err
	}
	cc, err := crypto.NewContext(cryptoCfg, log, crypto.WithHostname(hostname))
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	loopCtx, stop := context.WithCancel(context.Background())
	c := &client{loop: reactor.New(0), cc: cc, log: log, stop: stop, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		_ = c.loop.Run(loopCtx)
	}()
	c.dealer = network.DialDealer(loopCtx, network.DealerOptions{
		Addr:    socket,
		TLS:     tlsConf,
		Log:     log,
		Metrics: m,
		Linger:  linger,
	}, func(frames [][]byte) {
		c.loop.Post(func() { c.stream.HandleFrames(frames) })
	})
	c.stream = query.NewStream(c.loop, cc, c.dealer, log, m)
	wait, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	select {
	case <-c.dealer.Ready():
	case <-wait.Done():
		c.close()
		return nil, fmt.Errorf("connect %s: %w", socket, wait.Err())
	}
	return c, nil
}

func (c *client) send(ctx context.Context, msg proto.Message, blob []byte) error {
	res := make(chan error, 1)
	if err := c.loop.PostWait(ctx, func() { res <- c.stream.Send(msg, blob) }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loop.Done():
		return reactor.ErrStopped
	}
}

func (c *client) close() {
	_ = c.dealer.Close()
	c.stop()
	<-c.done
	debuglog.Flush()
}

func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

// parseFields turns key=value arguments into message fields. Values that
// parse as JSON keep their type.
func parseFields(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad field %q, want key=value", a)
		}
		var js any
		if err := json.Unmarshal([]byte(v), &js); err == nil {
			out[k] = js
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// buildMessage decodes the fields into the message kind owning dest.
func buildMessage(dest string, fields map[string]any) (proto.Message, error) {
	if !proto.ValidDest(dest) {
		return nil, fmt.Errorf("invalid destination %q", dest)
	}
	fields["req"] = dest
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return proto.Decode(data)
}

func printMessage(w io.Writer, msg proto.Message) {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", msg)
		return
	}
	fmt.Fprintln(w, string(data))
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addConnFlags(fs)
	timeout := fs.Duration("timeout", defaultTimeout, "reply timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "missing destination")
		return 1
	}
	fields, err := parseFields(fs.Args()[1:])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	msg, err := buildMessage(fs.Arg(0), fields)
	if err != nil {
		fmt.Fprintf(stderr, "message: %v\n", err)
		return 1
	}
	ctx, cancel := signalContext(*timeout + defaultTimeout)
	defer cancel()
	c, err := cf.dial(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer c.close()
	rep, err := c.stream.Query(ctx, msg, *timeout)
	if err != nil {
		fmt.Fprintf(stderr, "query failed: %v\n", err)
		return 1
	}
	printMessage(stdout, rep)
	return 0
}

func runLog(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addConnFlags(fs)
	level := fs.String("level", "info", "log level")
	job := fs.String("job", "ccclient", "job name")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "missing message")
		return 1
	}
	lvl := strings.ToLower(*level)
	if !proto.ValidDest("log." + lvl) {
		fmt.Fprintf(stderr, "bad level %q\n", *level)
		return 1
	}
	ctx, cancel := signalContext(defaultTimeout)
	defer cancel()
	c, err := cf.dial(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer c.close()
	now := time.Now()
	msg := &proto.LogMessage{
		Header:  proto.Header{Req: "log." + lvl},
		Level:   lvl,
		JobName: *job,
		LogMsg:  strings.Join(fs.Args(), " "),
		LogTime: proto.UnixSeconds(now),
		LogPID:  os.Getpid(),
	}
	if err := c.send(ctx, msg, nil); err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}
	return 0
}

func runTask(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("task", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addConnFlags(fs)
	host := fs.String("host", "", "host that runs the task")
	handlerName := fs.String("handler", "", "task handler on that host")
	retries := fs.Int("retries", query.DefaultRetryCount, "resends after a timeout")
	retryTimeout := fs.Duration("retry-timeout", query.DefaultRetryTimeout, "wait per attempt")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *host == "" || *handlerName == "" {
		fmt.Fprintln(stderr, "missing --host or --handler")
		return 1
	}
	taskArgs := make(map[string]string)
	for _, a := range fs.Args() {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			fmt.Fprintf(stderr, "bad argument %q, want key=value\n", a)
			return 1
		}
		taskArgs[k] = v
	}
	ctx, cancel := signalContext(0)
	defer cancel()
	c, err := cf.dial(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer c.close()
	tm := query.NewTaskManager(c.stream, c.log)
	tm.RetryCount = *retries
	tm.RetryTimeout = *retryTimeout
	task := query.NewTask(*host, *handlerName, taskArgs)
	fmt.Fprintf(stdout, "task %s sent to %s\n", task.TaskID, *host)
	ti, err := tm.SendTask(ctx, task)
	if ti != nil {
		for _, rep := range ti.Replies {
			printMessage(stdout, rep)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "task failed: %v\n", err)
		return 1
	}
	if len(ti.Replies) == 0 {
		return 1
	}
	if last, ok := ti.Replies[len(ti.Replies)-1].(*proto.TaskReplyMessage); !ok || last.Status != proto.TaskStatusFinished {
		return 1
	}
	return 0
}

func runInfoSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("infosend", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addConnFlags(fs)
	dir := fs.String("dir", "", "directory to watch")
	mask := fs.String("mask", "*", "file name glob")
	comp := fs.String("compression", "none", "none or gzip")
	level := fs.Int("compression-level", 0, "gzip level")
	blob := fs.Bool("blob", false, "send file data as blob instead of base64")
	interval := fs.Duration("interval", time.Minute, "full rescan period")
	once := fs.Bool("once", false, "scan twice and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, cancel := signalContext(0)
	defer cancel()
	c, err := cf.dial(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}
	defer c.close()
	s, err := infosender.New(infosender.Options{
		Dir:         *dir,
		Mask:        *mask,
		Compression: *comp,
		Level:       *level,
		UseBlob:     *blob,
		Interval:    *interval,
		Log:         c.log.With().Str("component", "infosender").Logger(),
	}, infosender.PublisherFunc(func(msg proto.Message, b []byte) error {
		return c.send(ctx, msg, b)
	}))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *once {
		s.Scan()
		_, pending := s.Scan()
		fmt.Fprintf(stdout, "sent %d files\n", s.Sent())
		if pending > 0 {
			fmt.Fprintf(stderr, "%d files not sent\n", pending)
			return 1
		}
		return 0
	}
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "infosend: %v\n", err)
		return 1
	}
	return 0
}
