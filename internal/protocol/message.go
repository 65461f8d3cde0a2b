package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

const (
	// MaxMessageSize 单条消息最大长度（覆盖率结果可能较大）
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	ErrEmptyMessage    = errors.New("empty message")
	ErrMessageTooLarge = errors.New("message too large")
	ErrInvalidMessage  = errors.New("invalid message format")
)

// Request 发往运行时的命令帧
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ResponseError 协议层错误（未知方法、参数错误等）
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Message 从运行时收到的帧：带 id 的是响应，不带 id 的是事件
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// IsResponse 是否为命令响应
func (m *Message) IsResponse() bool {
	return m.ID != nil
}

// IsEvent 是否为事件通知
func (m *Message) IsEvent() bool {
	return m.ID == nil && m.Method != ""
}

// EncodeRequest 将命令编码为文本帧
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: empty method", ErrInvalidMessage)
	}
	return json.Marshal(Request{ID: id, Method: method, Params: params})
}

// DecodeMessage 解码运行时发来的一帧
func DecodeMessage(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(raw) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !msg.IsResponse() && !msg.IsEvent() {
		return nil, fmt.Errorf("%w: neither response nor event", ErrInvalidMessage)
	}
	return &msg, nil
}

// ExceptionDescription 若结果中带有 exceptionDetails，返回异常描述
// 优先使用 exception.description，其次 text
func ExceptionDescription(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	details := gjson.GetBytes(result, "exceptionDetails")
	if !details.Exists() {
		return "", false
	}
	if desc := details.Get("exception.description"); desc.Exists() && desc.String() != "" {
		return desc.String(), true
	}
	if text := details.Get("text"); text.Exists() && text.String() != "" {
		return text.String(), true
	}
	return "Uncaught", true
}
