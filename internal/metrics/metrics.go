package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome of a single handler invocation.
const (
	OutcomeOK      = "ok"
	OutcomeDropped = "dropped"
	OutcomeCrashed = "crashed"
)

// DispatchRecord is kept for the most recent dispatches.
type DispatchRecord struct {
	At       time.Time `json:"at"`
	Dest     string    `json:"dest"`
	Handlers int       `json:"handlers"`
	Size     int       `json:"size"`
}

type Snapshot struct {
	GeneratedAt    time.Time                    `json:"generated_at"`
	Frames         FrameMetrics                 `json:"frames"`
	Queries        QueryMetrics                 `json:"queries"`
	RecvByType     map[string]uint64            `json:"recv_by_type"`
	DropByReason   map[string]uint64            `json:"drop_by_reason"`
	Handlers       map[string]map[string]uint64 `json:"handlers"`
	CurrentConns   int64                        `json:"current_conns"`
	CurrentStreams int64                        `json:"current_streams"`
	Recent         []DispatchRecord             `json:"recent"`
}

type FrameMetrics struct {
	Received      uint64 `json:"received"`
	Sent          uint64 `json:"sent"`
	BytesReceived uint64 `json:"bytes_received"`
	BytesSent     uint64 `json:"bytes_sent"`
	Unrouted      uint64 `json:"unrouted"`
}

type QueryMetrics struct {
	Sent     uint64 `json:"sent"`
	Answered uint64 `json:"answered"`
	Retried  uint64 `json:"retried"`
	TimedOut uint64 `json:"timed_out"`
	Unknown  uint64 `json:"unknown"`
	Pending  int64  `json:"pending"`
}

type Metrics struct {
	framesReceived atomic.Uint64
	framesSent     atomic.Uint64
	bytesReceived  atomic.Uint64
	bytesSent      atomic.Uint64
	unrouted       atomic.Uint64

	querySent     atomic.Uint64
	queryAnswered atomic.Uint64
	queryRetried  atomic.Uint64
	queryTimedOut atomic.Uint64
	queryUnknown  atomic.Uint64
	queryPending  atomic.Int64

	currentConns   atomic.Int64
	currentStreams atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	handlers     map[string]map[string]uint64

	recent *DispatchRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		handlers:     make(map[string]map[string]uint64),
		recent:       NewDispatchRecent(64),
	}
}

func (m *Metrics) Recent() *DispatchRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncReceived(size int) {
	if m == nil {
		return
	}
	m.framesReceived.Add(1)
	m.bytesReceived.Add(uint64(size))
}

func (m *Metrics) IncSent(size int) {
	if m == nil {
		return
	}
	m.framesSent.Add(1)
	m.bytesSent.Add(uint64(size))
}

func (m *Metrics) IncUnrouted() {
	if m == nil {
		return
	}
	m.unrouted.Add(1)
}

func (m *Metrics) IncQuerySent() {
	if m == nil {
		return
	}
	m.querySent.Add(1)
	m.queryPending.Add(1)
}

func (m *Metrics) IncQueryAnswered() {
	if m == nil {
		return
	}
	m.queryAnswered.Add(1)
}

func (m *Metrics) IncQueryRetried() {
	if m == nil {
		return
	}
	m.queryRetried.Add(1)
}

func (m *Metrics) IncQueryTimedOut() {
	if m == nil {
		return
	}
	m.queryTimedOut.Add(1)
}

func (m *Metrics) IncQueryUnknown() {
	if m == nil {
		return
	}
	m.queryUnknown.Add(1)
}

// QueryDone marks one pending query as finished.
func (m *Metrics) QueryDone() {
	if m == nil {
		return
	}
	m.queryPending.Add(-1)
}

func (m *Metrics) IncRecvByType(kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.recvByType[kind]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

// IncHandler counts one invocation of handler with the given outcome.
func (m *Metrics) IncHandler(handler, outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byOutcome := m.handlers[handler]
	if byOutcome == nil {
		byOutcome = make(map[string]uint64)
		m.handlers[handler] = byOutcome
	}
	byOutcome[outcome]++
}

func (m *Metrics) SetCurrentConns(n int) {
	if m == nil {
		return
	}
	m.currentConns.Store(int64(n))
}

func (m *Metrics) AddCurrentConns(delta int) {
	if m == nil {
		return
	}
	m.currentConns.Add(int64(delta))
}

func (m *Metrics) SetCurrentStreams(n int) {
	if m == nil {
		return
	}
	m.currentStreams.Store(int64(n))
}

func (m *Metrics) AddCurrentStreams(delta int) {
	if m == nil {
		return
	}
	m.currentStreams.Add(int64(delta))
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []DispatchRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := copyCounts(m.recvByType)
	drops := copyCounts(m.dropByReason)
	handlers := make(map[string]map[string]uint64, len(m.handlers))
	for name, byOutcome := range m.handlers {
		handlers[name] = copyCounts(byOutcome)
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Frames: FrameMetrics{
			Received:      m.framesReceived.Load(),
			Sent:          m.framesSent.Load(),
			BytesReceived: m.bytesReceived.Load(),
			BytesSent:     m.bytesSent.Load(),
			Unrouted:      m.unrouted.Load(),
		},
		Queries: QueryMetrics{
			Sent:     m.querySent.Load(),
			Answered: m.queryAnswered.Load(),
			Retried:  m.queryRetried.Load(),
			TimedOut: m.queryTimedOut.Load(),
			Unknown:  m.queryUnknown.Load(),
			Pending:  m.queryPending.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drops,
		Handlers:       handlers,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// TopTypes returns up to n receive keys ordered by count.
func (s Snapshot) TopTypes(n int) []string {
	keys := make([]string, 0, len(s.RecvByType))
	for k := range s.RecvByType {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := s.RecvByType[keys[i]], s.RecvByType[keys[j]]
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type DispatchRecent struct {
	mu   sync.Mutex
	cap  int
	list []DispatchRecord
}

func NewDispatchRecent(capacity int) *DispatchRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &DispatchRecent{cap: capacity}
}

func (r *DispatchRecent) Add(rec DispatchRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = rec
		return
	}
	r.list = append(r.list, rec)
}

func (r *DispatchRecent) List() []DispatchRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DispatchRecord, len(r.list))
	copy(out, r.list)
	return out
}
