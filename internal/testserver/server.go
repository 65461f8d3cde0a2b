package testserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoInspectorLens/internal/protocol"
)

// ServerConfig 模拟运行时配置
type ServerConfig struct {
	Addr            string
	TargetID        string
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	ReplyDelay      time.Duration // 每个应答前的延迟
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		TargetID:        "9a0c52f4-7d2b-4a8e-b1d6-1b2f3c4d5e6f",
		MaxConnections:  16,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Request 模拟运行时收到的命令
type Request struct {
	ID     int64
	Method string
	Params json.RawMessage
}

// Decode 将参数解码到 v
func (r Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// Reply 命令应答
type Reply struct {
	Result    any
	Error     *protocol.ResponseError
	Exception string // 非空时以 exceptionDetails 形式应答
	Drop      bool   // 不应答并断开连接
	Silent    bool   // 不应答
}

// Responder 为某个方法生成应答；可以通过 conn 在应答之前推送事件
type Responder func(req Request, conn *Connection) Reply

// Connection 一个被检测端连接
type Connection struct {
	ID   string
	Conn *websocket.Conn

	server    *Server
	writeMu   sync.Mutex
	stopChan  chan struct{}
	closeOnce sync.Once
}

// Emit 推送一个事件
func (c *Connection) Emit(method string, params any) error {
	frame, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}
	return c.writeFrame(frame)
}

// EmitRaw 推送一帧原始文本
func (c *Connection) EmitRaw(frame []byte) error {
	return c.writeFrame(frame)
}

// Close 断开连接
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.Conn.Close()
	})
}

// Done 连接关闭后关闭的 channel
func (c *Connection) Done() <-chan struct{} {
	return c.stopChan
}

func (c *Connection) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := c.Conn.WriteMessage(websocket.TextMessage, frame)
	if err == nil {
		c.server.totalSent.Add(1)
	}
	return err
}

// reply 写回应答
func (c *Connection) reply(req Request, r Reply) {
	if r.Silent {
		return
	}
	if r.Drop {
		c.server.logger.Debug("dropping connection on request", "method", req.Method)
		c.Close()
		return
	}

	msg := map[string]any{"id": req.ID}
	switch {
	case r.Error != nil:
		msg["error"] = r.Error
	case r.Exception != "":
		msg["result"] = exceptionResult(r.Exception)
	default:
		result := r.Result
		if result == nil {
			result = struct{}{}
		}
		msg["result"] = result
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("marshal reply failed", "method", req.Method, "error", err)
		return
	}
	if err := c.writeFrame(frame); err != nil {
		c.server.logger.Debug("write reply failed", "method", req.Method, "error", err)
	}
}

// exceptionResult 以运行时的形式构造一个带异常的结果
func exceptionResult(description string) map[string]any {
	return map[string]any{
		"result": map[string]any{"type": "object", "subtype": "error", "description": description},
		"exceptionDetails": protocol.ExceptionDetails{
			ExceptionID: 1,
			Text:        "Uncaught",
			Exception: &protocol.RemoteObject{
				Type:        "object",
				Subtype:     "error",
				ClassName:   "Error",
				Description: description,
			},
		},
	}
}

// Server 模拟的可检测运行时：在 /json/list 公布调试目标，在 /devtools/page/<id> 接受会话
type Server struct {
	config   *ServerConfig
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.RWMutex
	responders map[string]Responder
	fallback   Responder
	received   []Request

	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	isRunning        atomic.Bool
	totalConnections atomic.Uint64
	totalReceived    atomic.Uint64
	totalSent        atomic.Uint64
	startTime        time.Time
}

// New 创建新的模拟运行时
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig("127.0.0.1:0")
	}

	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:     slog.Default().With("component", "testserver"),
		responders: make(map[string]Responder),
		startTime:  time.Now(),
	}
	s.fallback = s.defaultResponder

	mux := http.NewServeMux()
	mux.HandleFunc("/devtools/page/", s.handleWebSocket)
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/json", s.handleList)
	mux.HandleFunc("/json/version", s.handleVersion)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{Handler: mux}
	return s
}

// Handle 注册某个方法的应答器
func (s *Server) Handle(method string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[method] = r
}

// HandleResult 注册固定结果的应答器
func (s *Server) HandleResult(method string, result any) {
	s.Handle(method, func(Request, *Connection) Reply { return Reply{Result: result} })
}

// SetLogger 设置日志器
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	s.logger.Debug("starting fake inspector runtime", "addr", listener.Addr().String())

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.ForceDisconnectAll()
	s.connWg.Wait()
	return s.server.Shutdown(ctx)
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// WebSocketURL 调试目标的 WebSocket 地址
func (s *Server) WebSocketURL() string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", s.Addr(), s.config.TargetID)
}

// HTTPURL 发现端点的根地址
func (s *Server) HTTPURL() string {
	return "http://" + s.Addr()
}

// Methods 按到达顺序返回收到的命令名
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	methods := make([]string, len(s.received))
	for i, req := range s.received {
		methods[i] = req.Method
	}
	return methods
}

// Requests 按到达顺序返回收到的命令
func (s *Server) Requests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Request(nil), s.received...)
}

// LastRequest 返回某个方法最近一次的命令
func (s *Server) LastRequest(method string) (Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.received) - 1; i >= 0; i-- {
		if s.received[i].Method == method {
			return s.received[i], true
		}
	}
	return Request{}, false
}

// ForceDisconnectAll 强制断开所有连接
func (s *Server) ForceDisconnectAll() {
	s.connections.Range(func(key, value interface{}) bool {
		value.(*Connection).Close()
		return true
	})
}

// handleWebSocket 处理会话连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &Connection{
		ID:       fmt.Sprintf("conn_%d", s.totalConnections.Add(1)),
		Conn:     wsConn,
		server:   s,
		stopChan: make(chan struct{}),
	}
	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	s.connWg.Add(1)

	defer func() {
		conn.Close()
		s.connections.Delete(conn.ID)
		s.connCount.Add(-1)
		s.connWg.Done()
	}()

	s.readLoop(conn)
}

// readLoop 读取命令，每个命令由独立协程应答，因此应答器可以等待后续命令
func (s *Server) readLoop(conn *Connection) {
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		_, raw, err := conn.Conn.ReadMessage()
		if err != nil {
			return
		}
		s.totalReceived.Add(1)

		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Warn("undecodable command", "error", err)
			continue
		}

		request := Request{ID: req.ID, Method: req.Method, Params: req.Params}
		s.mu.Lock()
		s.received = append(s.received, request)
		responder, ok := s.responders[req.Method]
		if !ok {
			responder = s.fallback
		}
		s.mu.Unlock()

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			if s.config.ReplyDelay > 0 {
				time.Sleep(s.config.ReplyDelay)
			}
			conn.reply(request, responder(request, conn))
		}()
	}
}

// defaultResponder 域开关命令返回空结果，其余命令按未知方法拒绝
func (s *Server) defaultResponder(req Request, _ *Connection) Reply {
	switch req.Method {
	case protocol.MethodRuntimeEnable, protocol.MethodRuntimeDisable,
		protocol.MethodProfilerEnable, protocol.MethodProfilerDisable,
		protocol.MethodDebuggerDisable, protocol.MethodDebuggerResume,
		protocol.MethodCollectGarbage:
		return Reply{}
	case protocol.MethodDebuggerEnable:
		return Reply{Result: map[string]string{"debuggerId": "fake-debugger"}}
	}
	return Reply{Error: &protocol.ResponseError{
		Code:    -32601,
		Message: fmt.Sprintf("'%s' wasn't found", req.Method),
	}}
}

// handleList 公布调试目标
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	targets := []map[string]string{{
		"id":                   s.config.TargetID,
		"type":                 "node",
		"title":                "fake inspector runtime",
		"url":                  "file://",
		"webSocketDebuggerUrl": s.WebSocketURL(),
	}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(targets)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":          "node.js/fake",
		"Protocol-Version": "1.1",
	})
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"commands_received":   s.totalReceived.Load(),
		"frames_sent":         s.totalSent.Load(),
	}
}
