package inspector

import (
	"errors"
	"fmt"

	"GoInspectorLens/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrAlreadyConnected = errors.New("session is not in disconnected state")
)

// ConnectionError 无法建立到运行时的通道
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TargetExecutionError 被检测代码自身在命令执行中抛出异常
type TargetExecutionError struct {
	Method      string
	Description string
}

func (e *TargetExecutionError) Error() string {
	return e.Description
}

// ChannelClosedError 命令完成前通道已关闭
type ChannelClosedError struct {
	Method string
	Err    error
}

func (e *ChannelClosedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: channel closed: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("%s: channel closed", e.Method)
}

func (e *ChannelClosedError) Unwrap() error { return e.Err }

// CommandError 运行时在协议层拒绝了命令（未知方法、参数错误等）
type CommandError struct {
	Method  string
	Code    int
	Message string
	Data    string
}

func (e *CommandError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s: %s (%d): %s", e.Method, e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// HandlerError 事件处理器发生 panic
type HandlerError struct {
	Kind  protocol.EventKind
	Value any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler failed: %v", e.Kind, e.Value)
}

// IsTargetExecution 判断错误链中是否有目标内异常
func IsTargetExecution(err error) bool {
	var target *TargetExecutionError
	return errors.As(err, &target)
}

// IsChannelClosed 判断错误链中是否有通道关闭
func IsChannelClosed(err error) bool {
	var closed *ChannelClosedError
	return errors.As(err, &closed)
}
