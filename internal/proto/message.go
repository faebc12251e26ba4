package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNoReq = errors.New("message has no req field")

// Header carries the fields shared by every message kind. Req mirrors the
// envelope destination.
type Header struct {
	Req      string  `json:"req"`
	Time     float64 `json:"time"`
	Hostname string  `json:"hostname"`
	BlobHash string  `json:"blob_hash,omitempty"`
}

func (h *Header) Head() *Header { return h }

func (h *Header) isMessage() {}

// Message is implemented by the message kinds of this package.
type Message interface {
	Head() *Header
	isMessage()
}

// Stamp fills time and hostname when the sender left them empty.
func Stamp(m Message, hostname string, now time.Time) {
	h := m.Head()
	if h.Time == 0 {
		h.Time = UnixSeconds(now)
	}
	if h.Hostname == "" {
		h.Hostname = hostname
	}
}

func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func FromUnixSeconds(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

// log.*
type LogMessage struct {
	Header
	Level       string  `json:"level,omitempty"`
	ServiceType string  `json:"service_type,omitempty"`
	JobName     string  `json:"job_name,omitempty"`
	LogMsg      string  `json:"log_msg"`
	LogTime     float64 `json:"log_time,omitempty"`
	LogPID      int     `json:"log_pid,omitempty"`
	LogLine     int     `json:"log_line,omitempty"`
	LogFunction string  `json:"log_function,omitempty"`
}

// pub.infofile
type InfofileMessage struct {
	Header
	Filename string  `json:"filename"`
	MTime    float64 `json:"mtime"`
	Comp     string  `json:"comp,omitempty"`
	Mode     string  `json:"mode,omitempty"`
	Data     string  `json:"data,omitempty"`
}

// task.register
type TaskRegisterMessage struct {
	Header
	Host string `json:"host"`
}

// task.send.<task_id>
type TaskSendMessage struct {
	Header
	TaskID      string            `json:"task_id"`
	TaskHost    string            `json:"task_host"`
	TaskHandler string            `json:"task_handler"`
	TaskArgs    map[string]string `json:"task_args,omitempty"`
}

// task.reply.<task_id>
type TaskReplyMessage struct {
	Header
	TaskID   string         `json:"task_id"`
	Handler  string         `json:"handler,omitempty"`
	Status   string         `json:"status"`
	Feedback map[string]any `json:"feedback,omitempty"`
}

const (
	TaskStatusForwarded = "forwarded"
	TaskStatusRunning   = "running"
	TaskStatusFinished  = "finished"
	TaskStatusFailed    = "failed"
)

func (m *TaskReplyMessage) Terminal() bool {
	return m.Status == TaskStatusFinished || m.Status == TaskStatusFailed
}

// echo.request
type EchoRequestMessage struct {
	Header
	Target string `json:"target"`
}

// echo.response
type EchoResponseMessage struct {
	Header
	OrigHostname string  `json:"orig_hostname"`
	OrigTarget   string  `json:"orig_target"`
	OrigTime     float64 `json:"orig_time"`
}

// error.*
type ErrorMessage struct {
	Header
	Msg string `json:"msg"`
}

// job.config
type JobConfigRequest struct {
	Header
	JobName string `json:"job_name"`
}

// job.config.reply
type JobConfigReply struct {
	Header
	JobName string         `json:"job_name"`
	Config  map[string]any `json:"config"`
}

// db.<function>
type DatabaseRequest struct {
	Header
	Function string `json:"function"`
	Params   []any  `json:"params,omitempty"`
}

// db.result
type DatabaseResult struct {
	Header
	Function string           `json:"function,omitempty"`
	Rows     []map[string]any `json:"rows"`
	Error    string           `json:"error,omitempty"`
}

// RawMessage holds any destination without a dedicated kind.
type RawMessage struct {
	Header
	Fields map[string]json.RawMessage
}

func (m *RawMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+4)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["req"] = m.Req
	out["time"] = m.Time
	out["hostname"] = m.Hostname
	if m.BlobHash != "" {
		out["blob_hash"] = m.BlobHash
	}
	return json.Marshal(out)
}

func (m *RawMessage) UnmarshalJSON(data []byte) error {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range []string{"req", "time", "hostname", "blob_hash"} {
		delete(fields, k)
	}
	m.Header = h
	m.Fields = fields
	return nil
}

// Field returns a string field, or "" when missing or not a string.
func (m *RawMessage) Field(key string) string {
	raw, ok := m.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

type kind struct {
	pattern string
	new     func() Message
}

var kinds = []kind{
	{"log.*", func() Message { return &LogMessage{} }},
	{"pub.infofile", func() Message { return &InfofileMessage{} }},
	{"task.register", func() Message { return &TaskRegisterMessage{} }},
	{"task.send.*", func() Message { return &TaskSendMessage{} }},
	{"task.reply.*", func() Message { return &TaskReplyMessage{} }},
	{"echo.request", func() Message { return &EchoRequestMessage{} }},
	{"echo.response", func() Message { return &EchoResponseMessage{} }},
	{"error.*", func() Message { return &ErrorMessage{} }},
	{"job.config", func() Message { return &JobConfigRequest{} }},
	{"job.config.reply", func() Message { return &JobConfigReply{} }},
	{"db.*", func() Message { return &DatabaseRequest{} }},
	{"db.result", func() Message { return &DatabaseResult{} }},
}

// NewForDest returns an empty message of the kind that owns dest. The most
// specific pattern wins; exact patterns beat wildcards of equal depth.
func NewForDest(dest string) Message {
	segs := strings.Split(dest, ".")
	best, bestScore := -1, -1
	for i, k := range kinds {
		score := matchScore(k.pattern, segs)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return &RawMessage{}
	}
	return kinds[best].new()
}

func matchScore(pattern string, segs []string) int {
	pat := strings.Split(pattern, ".")
	wild := pat[len(pat)-1] == "*"
	if wild {
		pat = pat[:len(pat)-1]
		if len(segs) <= len(pat) {
			return -1
		}
	} else if len(segs) != len(pat) {
		return -1
	}
	for i, p := range pat {
		if segs[i] != p {
			return -1
		}
	}
	score := 2 * len(pat)
	if !wild {
		score++
	}
	return score
}

func Encode(m Message) ([]byte, error) {
	if m.Head().Req == "" {
		return nil, ErrNoReq
	}
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Req == "" {
		return nil, ErrNoReq
	}
	m := NewForDest(h.Req)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", h.Req, err)
	}
	return m, nil
}
