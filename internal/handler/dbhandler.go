package handler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"ccbus/internal/proto"
	"ccbus/internal/router"
	"ccbus/internal/workers"
)

var funcNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// DBCaller runs one stored function. Each worker owns one.
type DBCaller interface {
	Call(ctx context.Context, fn string, params []any) ([]map[string]any, error)
	Close() error
}

// DBConnector opens a caller for the given connection string.
type DBConnector func(ctx context.Context, connstr string) (DBCaller, error)

// PgxConnector connects to PostgreSQL with pgx.
func PgxConnector(ctx context.Context, connstr string) (DBCaller, error) {
	conn, err := pgx.Connect(ctx, connstr)
	if err != nil {
		return nil, err
	}
	return &pgxCaller{conn: conn}, nil
}

type pgxCaller struct {
	conn *pgx.Conn
}

func (c *pgxCaller) Call(ctx context.Context, fn string, params []any) ([]map[string]any, error) {
	ph := make([]string, len(params))
	for i := range params {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("SELECT * FROM %s(%s)", pgx.Identifier(strings.Split(fn, ".")).Sanitize(), strings.Join(ph, ", "))
	rows, err := c.conn.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToMap)
}

func (c *pgxCaller) Close() error {
	return c.conn.Close(context.Background())
}

// DBHandler answers db.<function> requests by calling allow-listed
// database functions from a worker pool. Results go back as db.result.
type DBHandler struct {
	log   zerolog.Logger
	pool  *workers.Pool
	mu    sync.Mutex
	stats counters
}

type dbWorker struct {
	env     Env
	caller  DBCaller
	allowed map[string]bool
	h       *DBHandler
}

func NewDBHandler(env Env) (router.Handler, error) {
	h, err := newDBHandler(env, PgxConnector)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func newDBHandler(env Env, connect DBConnector) (*DBHandler, error) {
	connstr := env.Config.String("db", "")
	if connstr == "" {
		return nil, fmt.Errorf("db not set")
	}
	allowed := make(map[string]bool)
	for _, fn := range env.Config.List("functions") {
		if !funcNameRe.MatchString(fn) {
			return nil, fmt.Errorf("functions: bad name %q", fn)
		}
		allowed[fn] = true
	}
	n, err := env.Config.Int("worker-threads", defaultWorkerThreads)
	if err != nil {
		return nil, err
	}
	h := &DBHandler{log: env.Log, stats: counters{}}
	h.pool, err = workers.Start(env.Ctx, workers.Options{
		Name:    env.Name,
		Workers: n,
		Log:     env.Log,
		Metrics: env.Metrics,
		Reply: func(rep *proto.Envelope) {
			env.Loop.Post(func() {
				if err := sendEnvelope(env, rep); err != nil {
					env.Log.Warn().Err(err).Msg("db reply not sent")
				}
			})
		},
	}, func(ctx context.Context, id int) (workers.Worker, error) {
		c, err := connect(ctx, connstr)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return &dbWorker{env: env, caller: c, allowed: allowed, h: h}, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *DBHandler) Handle(env *proto.Envelope) error {
	if !h.pool.Submit(env) {
		h.add("dropped", 1)
	}
	return nil
}

func (h *DBHandler) add(key string, n int) {
	h.mu.Lock()
	h.stats.add(key, n)
	h.mu.Unlock()
}

func (h *DBHandler) Stats() map[string]uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.snapshot()
}

func (h *DBHandler) Stop() {
	if err := h.pool.Stop(); err != nil {
		h.log.Error().Err(err).Msg("stop workers")
	}
}

func (w *dbWorker) Close() error {
	return w.caller.Close()
}

func (w *dbWorker) Handle(ctx context.Context, env *proto.Envelope) (*proto.Envelope, error) {
	opened, err := w.env.Crypto.Open(env)
	if err != nil {
		return nil, nil
	}
	req, ok := opened.Msg.(*proto.DatabaseRequest)
	if !ok {
		return nil, nil
	}
	fn := req.Function
	if fn == "" {
		fn = strings.TrimPrefix(env.Dest(), "db.")
	}
	res := &proto.DatabaseResult{Header: proto.Header{Req: "db.result"}, Function: fn}
	switch {
	case !funcNameRe.MatchString(fn) || !w.allowed[fn]:
		res.Error = fmt.Sprintf("function not allowed: %s", fn)
		w.h.add("denied", 1)
	default:
		rows, err := w.caller.Call(ctx, fn, req.Params)
		if err != nil {
			w.env.Log.Warn().Err(err).Str("function", fn).Msg("call failed")
			res.Error = err.Error()
			w.h.add("failed", 1)
		} else {
			res.Rows = rows
			w.h.add("calls", 1)
		}
	}
	if res.Rows == nil {
		res.Rows = []map[string]any{}
	}
	out, err := w.env.Crypto.Seal(res, nil)
	if err != nil {
		return nil, err
	}
	out.TakeRoute(env)
	return out, nil
}
