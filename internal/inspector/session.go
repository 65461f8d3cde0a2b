package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"GoInspectorLens/internal/logger"
	"GoInspectorLens/internal/metrics"
	"GoInspectorLens/internal/protocol"
)

// State 会话连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Recorder 协议往来记录器
type Recorder interface {
	RecordCommand(id int64, method string, params any)
	RecordResponse(id int64, method string, result json.RawMessage, err error, elapsed time.Duration)
	RecordEvent(method string, params json.RawMessage)
}

// Config 会话配置
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	EnableCompression bool
	UserAgent         string
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadLimit:         protocol.MaxMessageSize,
		EnableCompression: false,
		UserAgent:         "GoInspectorLens/1.0",
	}
}

// call 一个等待响应的命令
type call struct {
	method  string
	started time.Time
	done    chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Session 与一个可检测运行时的连接，负责命令与响应的关联以及事件分发
type Session struct {
	id     string
	config *Config
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	logger   *slog.Logger
	recorder Recorder

	nextID  atomic.Int64
	mu      sync.Mutex
	writeMu sync.Mutex
	pending map[int64]*call
	subs    []*subscription

	queue      *eventQueue
	handlerErr error

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	readDone  chan struct{}
	dispDone  chan struct{}
}

// New 创建新的会话
func New(config *Config) *Session {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	id := uuid.NewString()
	s := &Session{
		id:       id,
		config:   config,
		dialer:   &dialer,
		logger:   slog.Default().With("session_id", id),
		pending:  make(map[int64]*call),
		queue:    newEventQueue(),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
		dispDone: make(chan struct{}),
	}
	s.setState(StateDisconnected)
	return s
}

// SetLogger 设置日志器，需在 Connect 之前调用
func (s *Session) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetRecorder 设置协议记录器，需在 Connect 之前调用
func (s *Session) SetRecorder(r Recorder) {
	s.recorder = r
}

// ID 会话标识
func (s *Session) ID() string {
	return s.id
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect 建立通道并启动读取和分发协程
func (s *Session) Connect(ctx context.Context) error {
	if !s.compareAndSwapState(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	headers := http.Header{
		"User-Agent": []string{s.config.UserAgent},
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.setState(StateDisconnected)
		return &ConnectionError{URL: s.config.URL, Err: err}
	}
	if s.config.ReadLimit > 0 {
		conn.SetReadLimit(s.config.ReadLimit)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateConnected)
	metrics.ActiveSessions.Inc()
	s.logger.Debug("inspector session connected", "url", s.config.URL)

	go s.readLoop()
	go s.dispatchLoop()
	return nil
}

// Send 发送命令并等待其结果
// 结果为以下之一：响应负载；目标内异常（TargetExecutionError）；
// 协议错误（CommandError）；通道关闭（ChannelClosedError）；ctx 结束
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.State() != StateConnected {
		if s.State() == StateClosed {
			return nil, &ChannelClosedError{Method: method, Err: s.closeCause()}
		}
		return nil, ErrNotConnected
	}

	id := s.nextID.Add(1)
	frame, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c := &call{method: method, started: time.Now(), done: make(chan outcome, 1)}
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return nil, &ChannelClosedError{Method: method, Err: s.closeErr}
	}
	s.pending[id] = c
	conn := s.conn
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordCommand(id, method, params)
	}

	if err := s.write(conn, frame); err != nil {
		s.forget(id)
		s.shutdown(err)
		metrics.ObserveCommand(protocol.Domain(method), c.started, err)
		return nil, &ChannelClosedError{Method: method, Err: err}
	}

	select {
	case out := <-c.done:
		metrics.ObserveCommand(protocol.Domain(method), c.started, out.err)
		if s.recorder != nil {
			s.recorder.RecordResponse(id, method, out.result, out.err, time.Since(c.started))
		}
		return out.result, out.err
	case <-ctx.Done():
		s.forget(id)
		metrics.ObserveCommand(protocol.Domain(method), c.started, ctx.Err())
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Call 发送命令并将结果解码到 out（out 可为 nil）
func (s *Session) Call(ctx context.Context, method string, params, out any) error {
	result, err := s.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Subscribe 订阅某类事件，直到会话结束；返回取消订阅函数
func (s *Session) Subscribe(kind protocol.EventKind, handler Handler) func() {
	return s.subscribe(&subscription{kind: kind, handler: handler})
}

// Once 订阅某类事件的第一次出现
func (s *Session) Once(kind protocol.EventKind, handler Handler) func() {
	return s.subscribe(&subscription{kind: kind, handler: handler, once: true})
}

func (s *Session) subscribe(sub *subscription) func() {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, existing := range s.subs {
			if existing == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Sync 等待调用前已收到的事件全部分发完毕，返回第一个处理器错误
func (s *Session) Sync(ctx context.Context) error {
	barrier := make(chan error, 1)
	if !s.queue.push(queued{barrier: barrier}) {
		return &ChannelClosedError{Method: "sync", Err: s.closeCause()}
	}
	select {
	case err := <-barrier:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlerErr 返回第一个处理器错误
func (s *Session) HandlerErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlerErr
}

// Disconnect 释放通道；可重复调用
// 返回前，断开前已收到的事件都已分发完毕
func (s *Session) Disconnect() error {
	if s.compareAndSwapState(StateDisconnected, StateClosed) {
		s.closeOnce.Do(func() { close(s.closed) })
		close(s.readDone)
		close(s.dispDone)
		s.queue.close()
		return nil
	}
	if s.State() == StateConnecting {
		return ErrNotConnected
	}

	s.shutdown(nil)
	<-s.readDone
	<-s.dispDone
	return nil
}

// Done 通道关闭后关闭的 channel
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// shutdown 关闭连接并让所有等待中的命令失败，仅执行一次
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = cause
		s.setState(StateClosed)
		conn := s.conn
		pending := s.pending
		s.pending = make(map[int64]*call)
		s.mu.Unlock()

		close(s.closed)
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}

		for _, c := range pending {
			c.done <- outcome{err: &ChannelClosedError{Method: c.method, Err: cause}}
		}

		metrics.ActiveSessions.Dec()
		if cause != nil {
			s.logger.Warn("inspector session closed", "error", cause)
		} else {
			s.logger.Debug("inspector session closed")
		}
	})
}

// write 发送一帧文本消息
func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	if conn == nil {
		return errors.New("connection is nil")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// closeCause 通道关闭的原因，主动断开时为 nil
func (s *Session) closeCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// forget 移除等待中的命令
func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop 消息读取循环
func (s *Session) readLoop() {
	defer close(s.readDone)
	defer s.queue.close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				// 主动断开
			default:
				s.shutdown(err)
			}
			return
		}

		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		if msg.IsResponse() {
			s.resolve(msg)
			continue
		}
		s.handleEvent(msg)
	}
}

// resolve 将响应交给对应的等待者
func (s *Session) resolve(msg *protocol.Message) {
	id := *msg.ID
	s.mu.Lock()
	c, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("response without pending command", "id", id)
		return
	}

	switch {
	case msg.Error != nil:
		c.done <- outcome{err: &CommandError{
			Method:  c.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}}
	default:
		if desc, ok := protocol.ExceptionDescription(msg.Result); ok {
			c.done <- outcome{result: msg.Result, err: &TargetExecutionError{Method: c.method, Description: desc}}
			return
		}
		c.done <- outcome{result: msg.Result}
	}
}

// handleEvent 解码事件并放入分发队列
func (s *Session) handleEvent(msg *protocol.Message) {
	if s.recorder != nil {
		s.recorder.RecordEvent(msg.Method, msg.Params)
	}
	metrics.EventsTotal.WithLabelValues(msg.Method).Inc()

	ev, err := protocol.DecodeEvent(msg.Method, msg.Params)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			return
		}
		s.logger.Warn("dropping invalid event", "method", msg.Method, "error", err)
		return
	}
	s.queue.push(queued{event: ev})
}

// dispatchLoop 按到达顺序分发事件
func (s *Session) dispatchLoop() {
	defer close(s.dispDone)

	for {
		items, ok := s.queue.take()
		if !ok {
			return
		}
		for _, item := range items {
			if item.barrier != nil {
				item.barrier <- s.HandlerErr()
				continue
			}
			s.dispatch(item.event)
		}
	}
}

// dispatch 调用订阅了该事件的处理器
func (s *Session) dispatch(ev protocol.Event) {
	s.mu.Lock()
	var targets []*subscription
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.kind == ev.Kind() && !sub.fired {
			targets = append(targets, sub)
			if sub.once {
				sub.fired = true
				continue
			}
		}
		kept = append(kept, sub)
	}
	s.subs = kept
	s.mu.Unlock()

	for _, sub := range targets {
		s.invoke(sub, ev)
	}
}

// invoke 调用处理器并捕获 panic
func (s *Session) invoke(sub *subscription, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			herr := &HandlerError{Kind: sub.kind, Value: r}
			s.logger.Error("event handler panicked", "kind", sub.kind, "error", herr)
			s.mu.Lock()
			if s.handlerErr == nil {
				s.handlerErr = herr
			}
			s.mu.Unlock()
		}
	}()
	sub.handler(ev)
}

// setState 设置状态
func (s *Session) setState(newState State) {
	s.state.Store(int32(newState))
}

// compareAndSwapState 原子性状态切换
func (s *Session) compareAndSwapState(oldState, newState State) bool {
	return s.state.CompareAndSwap(int32(oldState), int32(newState))
}

// Stats 会话统计信息
func (s *Session) Stats() map[string]interface{} {
	s.mu.Lock()
	pending := len(s.pending)
	subs := len(s.subs)
	s.mu.Unlock()

	return map[string]interface{}{
		"id":            s.id,
		"state":         s.State().String(),
		"commands_sent": s.nextID.Load(),
		"pending":       pending,
		"subscriptions": subs,
	}
}

// WithSession 在 context 的日志器上附加会话标识
func WithSession(ctx context.Context, s *Session) context.Context {
	return logger.WithLogger(ctx, logger.FromContext(ctx).With("session_id", s.ID()))
}
