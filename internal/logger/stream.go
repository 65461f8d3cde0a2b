package logger

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 推送给日志查看者的消息结构
type LogMessage struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stream WebSocket日志广播器
type Stream struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStream 创建新的日志广播器
func NewStream() *Stream {
	return &Stream{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run 启动广播循环，直到 ctx 结束
func (s *Stream) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()

		case client := <-s.unregister:
			s.drop(client)

		case message := <-s.broadcast:
			var failed []*websocket.Conn
			s.mu.RLock()
			for client := range s.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					failed = append(failed, client)
				}
			}
			s.mu.RUnlock()
			for _, client := range failed {
				s.drop(client)
			}
		}
	}
}

// drop 移除并关闭客户端
func (s *Stream) drop(client *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		client.Close()
	}
}

// Clients 当前连接数
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Publish 投递一条消息，通道满时丢弃，避免阻塞调用方
func (s *Stream) Publish(msg LogMessage) {
	select {
	case s.broadcast <- msg:
	default:
	}
}

// HandleWebSocket 处理日志查看者的WebSocket连接
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		FromContext(r.Context()).Warn("log stream upgrade failed", "error", err)
		return
	}

	select {
	case s.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}
	defer func() {
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
	}()

	// 只读，用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Handler 返回一个同时写入 next 并广播到日志流的 slog.Handler
func (s *Stream) Handler(next slog.Handler) slog.Handler {
	return &streamHandler{next: next, stream: s}
}

// streamHandler 将日志记录转发到 Stream
type streamHandler struct {
	next   slog.Handler
	stream *Stream
	attrs  []slog.Attr
}

func (h *streamHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *streamHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := LogMessage{
		Level:     r.Level.String(),
		Message:   r.Message,
		Timestamp: r.Time,
		Attrs:     make(map[string]any),
	}
	collect := func(a slog.Attr) bool {
		if a.Key == "request_id" {
			msg.RequestID = a.Value.String()
			return true
		}
		v := a.Value.Resolve().Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		msg.Attrs[a.Key] = v
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)
	if len(msg.Attrs) == 0 {
		msg.Attrs = nil
	}
	h.stream.Publish(msg)

	return h.next.Handle(ctx, r)
}

func (h *streamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &streamHandler{next: h.next.WithAttrs(attrs), stream: h.stream, attrs: merged}
}

func (h *streamHandler) WithGroup(name string) slog.Handler {
	return &streamHandler{next: h.next.WithGroup(name), stream: h.stream, attrs: h.attrs}
}
