package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EntryType 记录条目类型
type EntryType string

const (
	EntryCommand  EntryType = "COMMAND"
	EntryResponse EntryType = "RESPONSE"
	EntryEvent    EntryType = "EVENT"
	EntryError    EntryType = "ERROR"
)

// Entry 一条协议往来记录
type Entry struct {
	Seq       int64           `json:"seq"`
	Type      EntryType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	CommandID int64           `json:"command_id,omitempty"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Elapsed   time.Duration   `json:"elapsed,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Stats 记录统计
type Stats struct {
	Duration       time.Duration `json:"duration"`
	Commands       int64         `json:"commands"`
	Responses      int64         `json:"responses"`
	Events         int64         `json:"events"`
	Errors         int64         `json:"errors"`
	BytesRecorded  int64         `json:"bytes_recorded"`
	AverageLatency time.Duration `json:"average_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
}

// Recorder 协议记录器，可挂到 inspector.Session 上
type Recorder struct {
	id         string
	sessionID  string
	startTime  time.Time
	endTime    time.Time
	maxPayload int

	entries []*Entry
	seq     atomic.Int64

	commands  atomic.Int64
	responses atomic.Int64
	events    atomic.Int64
	errors    atomic.Int64
	bytes     atomic.Int64

	latencySum atomic.Int64
	minLatency atomic.Int64
	maxLatency atomic.Int64

	mu       sync.RWMutex
	isActive atomic.Bool
}

// NewRecorder 创建记录器；maxPayload 为单条负载保留的最大字节数，0 表示不截断
func NewRecorder(maxPayload int) *Recorder {
	r := &Recorder{
		id:         uuid.NewString(),
		startTime:  time.Now(),
		maxPayload: maxPayload,
		entries:    make([]*Entry, 0, 64),
	}
	r.isActive.Store(true)
	return r
}

// ID 记录标识
func (r *Recorder) ID() string {
	return r.id
}

// SetSessionID 关联会话标识
func (r *Recorder) SetSessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

// RecordCommand 记录发出的命令
func (r *Recorder) RecordCommand(id int64, method string, params any) {
	if !r.isActive.Load() {
		return
	}
	var payload json.RawMessage
	if params != nil {
		payload, _ = json.Marshal(params)
	}
	r.commands.Add(1)
	r.append(&Entry{Type: EntryCommand, CommandID: id, Method: method, Payload: payload})
}

// RecordResponse 记录命令的结果
func (r *Recorder) RecordResponse(id int64, method string, result json.RawMessage, err error, elapsed time.Duration) {
	if !r.isActive.Load() {
		return
	}
	entry := &Entry{Type: EntryResponse, CommandID: id, Method: method, Payload: result, Elapsed: elapsed}
	if err != nil {
		entry.Type = EntryError
		entry.Error = err.Error()
		r.errors.Add(1)
	} else {
		r.responses.Add(1)
	}
	r.recordLatency(elapsed)
	r.append(entry)
}

// RecordEvent 记录收到的事件
func (r *Recorder) RecordEvent(method string, params json.RawMessage) {
	if !r.isActive.Load() {
		return
	}
	r.events.Add(1)
	r.append(&Entry{Type: EntryEvent, Method: method, Payload: params})
}

func (r *Recorder) append(entry *Entry) {
	if !r.isActive.Load() {
		return
	}
	entry.Timestamp = time.Now()
	if r.maxPayload > 0 && len(entry.Payload) > r.maxPayload {
		entry.Payload = truncated(len(entry.Payload))
	}
	r.bytes.Add(int64(len(entry.Payload)))

	r.mu.Lock()
	entry.Seq = r.seq.Add(1)
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

// truncated 超长负载的占位内容
func truncated(size int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"truncated":true,"size":%d}`, size))
}

// recordLatency 更新延迟统计
func (r *Recorder) recordLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	nano := latency.Nanoseconds()
	r.latencySum.Add(nano)

	for {
		current := r.minLatency.Load()
		if current != 0 && nano >= current {
			break
		}
		if r.minLatency.CompareAndSwap(current, nano) {
			break
		}
	}
	for {
		current := r.maxLatency.Load()
		if nano <= current {
			break
		}
		if r.maxLatency.CompareAndSwap(current, nano) {
			break
		}
	}
}

// Stop 停止记录，之后的往来不再保存
func (r *Recorder) Stop() {
	if !r.isActive.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	r.endTime = time.Now()
	r.mu.Unlock()
}

// Transcript 返回当前记录的快照
func (r *Recorder) Transcript() *Transcript {
	r.mu.RLock()
	defer r.mu.RUnlock()

	end := r.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return &Transcript{
		ID:        r.id,
		SessionID: r.sessionID,
		StartTime: r.startTime,
		EndTime:   end,
		Entries:   append([]*Entry{}, r.entries...),
		Stats:     r.stats(end),
	}
}

// stats 计算统计，调用方持有读锁
func (r *Recorder) stats(end time.Time) *Stats {
	s := &Stats{
		Duration:      end.Sub(r.startTime),
		Commands:      r.commands.Load(),
		Responses:     r.responses.Load(),
		Events:        r.events.Load(),
		Errors:        r.errors.Load(),
		BytesRecorded: r.bytes.Load(),
		MinLatency:    time.Duration(r.minLatency.Load()),
		MaxLatency:    time.Duration(r.maxLatency.Load()),
	}
	if completed := s.Responses + s.Errors; completed > 0 {
		s.AverageLatency = time.Duration(r.latencySum.Load() / completed)
	}
	return s
}
