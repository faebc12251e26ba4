package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccbus/internal/config"
	"ccbus/internal/proto"
)

func newTaskRouter(t *testing.T) (*TaskRouter, Env, *captureSender, *time.Time) {
	t.Helper()
	env, out := testEnv(t, config.Section{"maint-period": 0, "route-lifetime": 60, "reply-timeout": 30})
	h, err := NewTaskRouter(env)
	require.NoError(t, err)
	tr := h.(*TaskRouter)
	now := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return now }
	return tr, env, out, &now
}

func TestTaskRouterFlow(t *testing.T) {
	tr, env, out, _ := newTaskRouter(t)

	reg := &proto.TaskRegisterMessage{Header: proto.Header{Req: "task.register"}, Host: "db1"}
	require.NoError(t, tr.Handle(seal(t, env, reg, nil, "runner-peer")))

	task := &proto.TaskSendMessage{
		Header:      proto.Header{Req: "task.send.abc"},
		TaskID:      "abc",
		TaskHost:    "db1",
		TaskHandler: "backup",
	}
	require.NoError(t, tr.Handle(seal(t, env, task, nil, "client-peer", "Q000001")))

	sent := out.envelopes(t)
	require.Len(t, sent, 2)
	assert.Equal(t, "task.send.abc", sent[0].Dest())
	assert.Equal(t, [][]byte{[]byte("runner-peer")}, sent[0].Route())
	assert.Equal(t, "task.reply.abc", sent[1].Dest())
	assert.Equal(t, [][]byte{[]byte("client-peer"), []byte("Q000001")}, sent[1].Route())
	ack := open(t, env, sent[1]).(*proto.TaskReplyMessage)
	assert.Equal(t, proto.TaskStatusForwarded, ack.Status)
	assert.Equal(t, "backup", ack.Handler)
	assert.False(t, ack.Terminal())

	done := &proto.TaskReplyMessage{Header: proto.Header{Req: "task.reply.abc"}, TaskID: "abc", Status: proto.TaskStatusFinished}
	require.NoError(t, tr.Handle(seal(t, env, done, nil, "runner-peer")))
	sent = out.envelopes(t)
	require.Len(t, sent, 3)
	assert.Equal(t, [][]byte{[]byte("client-peer"), []byte("Q000001")}, sent[2].Route())
	assert.True(t, open(t, env, sent[2]).(*proto.TaskReplyMessage).Terminal())

	st := tr.Stats()
	assert.Equal(t, uint64(1), st["task.register"])
	assert.Equal(t, uint64(1), st["task.send"])
	assert.Equal(t, uint64(1), st["task.reply"])
}

func TestTaskRouterUnknownHost(t *testing.T) {
	tr, env, out, _ := newTaskRouter(t)
	task := &proto.TaskSendMessage{Header: proto.Header{Req: "task.send.x1"}, TaskID: "x1", TaskHost: "nowhere"}
	require.NoError(t, tr.Handle(seal(t, env, task, nil, "client-peer")))

	sent := out.envelopes(t)
	require.Len(t, sent, 1)
	assert.Equal(t, "error.task", sent[0].Dest())
	assert.Equal(t, [][]byte{[]byte("client-peer")}, sent[0].Route())
	assert.Equal(t, "cannot route to nowhere", open(t, env, sent[0]).(*proto.ErrorMessage).Msg)
}

func TestTaskRouterUnknownReplyDropped(t *testing.T) {
	tr, env, out, _ := newTaskRouter(t)
	rep := &proto.TaskReplyMessage{Header: proto.Header{Req: "task.reply.zz"}, Status: proto.TaskStatusRunning}
	require.NoError(t, tr.Handle(seal(t, env, rep, nil, "runner-peer")))
	assert.Empty(t, out.envelopes(t))
}

func TestTaskRouterMaintenance(t *testing.T) {
	tr, env, _, now := newTaskRouter(t)
	reg := &proto.TaskRegisterMessage{Header: proto.Header{Req: "task.register"}, Host: "db1"}
	require.NoError(t, tr.Handle(seal(t, env, reg, nil, "runner-peer")))
	task := &proto.TaskSendMessage{Header: proto.Header{Req: "task.send.t1"}, TaskID: "t1", TaskHost: "db1"}
	require.NoError(t, tr.Handle(seal(t, env, task, nil, "client-peer")))

	*now = now.Add(31 * time.Second)
	tr.maintain()
	assert.Len(t, tr.hosts, 1)
	assert.Empty(t, tr.replies)

	*now = now.Add(30 * time.Second)
	tr.maintain()
	assert.Empty(t, tr.hosts)
	st := tr.Stats()
	assert.Equal(t, uint64(1), st["dropped_routes"])
	assert.Equal(t, uint64(1), st["dropped_tasks"])
}
