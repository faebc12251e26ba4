package query

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ccbus/internal/proto"
)

const (
	DefaultRetryCount   = 3
	DefaultRetryTimeout = 15 * time.Second
)

// TaskCallback is called for every reply and once more with done set when
// the task is finished, failed or gave up (msg nil).
type TaskCallback func(done bool, msg proto.Message)

// TaskInfo tracks one task sent through a TaskManager.
type TaskInfo struct {
	Task    *proto.TaskSendMessage
	QueryID string
	Replies []proto.Message

	stream       *Stream
	log          zerolog.Logger
	cb           TaskCallback
	retries      int
	retryTimeout time.Duration
}

// ProcessReply implements the retry policy and is used as the query
// callback.
func (ti *TaskInfo) ProcessReply(msg proto.Message) (bool, time.Duration) {
	if msg == nil {
		if ti.retries > 0 {
			ti.retries--
			ti.log.Warn().Str("task_id", ti.Task.TaskID).Int("left", ti.retries).Msg("timeout, resending")
			if err := ti.stream.Resend(ti.QueryID, 0); err != nil {
				ti.log.Error().Err(err).Str("task_id", ti.Task.TaskID).Msg("resend failed")
			}
			return true, ti.retryTimeout
		}
		ti.log.Error().Str("task_id", ti.Task.TaskID).Msg("timeout, task failed")
		ti.cb(true, nil)
		return false, 0
	}

	req := msg.Head().Req
	done := false
	switch {
	case strings.HasPrefix(req, "error."):
		done = true
		ti.log.Error().Str("task_id", ti.Task.TaskID).Str("req", req).Msg("task error")
	case strings.HasPrefix(req, "task.reply."):
		if rep, ok := msg.(*proto.TaskReplyMessage); ok {
			done = rep.Terminal()
		}
		ti.log.Info().Str("task_id", ti.Task.TaskID).Str("req", req).Bool("done", done).Msg("task reply")
	default:
		ti.log.Info().Str("task_id", ti.Task.TaskID).Str("req", req).Msg("unexpected reply")
	}
	ti.Replies = append(ti.Replies, msg)
	ti.cb(done, msg)
	if done {
		return false, 0
	}
	return true, 0
}

// TaskManager sends tasks over a Stream with the default retry policy.
type TaskManager struct {
	stream       *Stream
	log          zerolog.Logger
	RetryCount   int
	RetryTimeout time.Duration
}

func NewTaskManager(s *Stream, log zerolog.Logger) *TaskManager {
	return &TaskManager{
		stream:       s,
		log:          log,
		RetryCount:   DefaultRetryCount,
		RetryTimeout: DefaultRetryTimeout,
	}
}

// NewTask fills a TaskSendMessage with a fresh task id.
func NewTask(host, handler string, args map[string]string) *proto.TaskSendMessage {
	id := uuid.NewString()
	return &proto.TaskSendMessage{
		Header:      proto.Header{Req: "task.send." + id},
		TaskID:      id,
		TaskHost:    host,
		TaskHandler: handler,
		TaskArgs:    args,
	}
}

// SendTaskAsync must run on the loop.
func (tm *TaskManager) SendTaskAsync(task *proto.TaskSendMessage, cb TaskCallback) (*TaskInfo, error) {
	ti := &TaskInfo{
		Task:         task,
		stream:       tm.stream,
		log:          tm.log,
		cb:           cb,
		retries:      tm.RetryCount,
		retryTimeout: tm.RetryTimeout,
	}
	qid, err := tm.stream.QueryAsync(task, ti.ProcessReply, tm.RetryTimeout)
	if err != nil {
		return nil, err
	}
	ti.QueryID = qid
	return ti, nil
}

// SendTask blocks until the task is done. The returned TaskInfo carries
// every reply. It must not be called from the loop goroutine.
func (tm *TaskManager) SendTask(ctx context.Context, task *proto.TaskSendMessage) (*TaskInfo, error) {
	done := make(chan proto.Message, 1)
	var (
		ti      *TaskInfo
		sendErr error
	)
	err := tm.stream.loop.PostWait(ctx, func() {
		ti, sendErr = tm.SendTaskAsync(task, func(isDone bool, msg proto.Message) {
			if isDone {
				done <- msg
			}
		})
		if sendErr != nil {
			close(done)
		}
	})
	if err != nil {
		return nil, err
	}
	select {
	case last, ok := <-done:
		if !ok {
			return nil, sendErr
		}
		if last == nil {
			return ti, ErrTimeout
		}
		return ti, nil
	case <-ctx.Done():
		tm.stream.loop.Post(func() {
			if ti != nil {
				tm.stream.Cancel(ti.QueryID)
			}
		})
		return nil, ctx.Err()
	}
}
