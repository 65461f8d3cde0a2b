package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidEvent = errors.New("invalid event")
)

// Event 运行时主动推送的通知
type Event interface {
	Kind() EventKind
}

// ConsoleAPICalled 控制台日志事件
type ConsoleAPICalled struct {
	Type      string         `json:"type"`
	Args      []RemoteObject `json:"args"`
	Timestamp float64        `json:"timestamp"`
}

// Kind 实现 Event 接口
func (e *ConsoleAPICalled) Kind() EventKind { return EventConsoleAPICalled }

// FirstArg 返回第一个参数的文本表示：原始值、描述、类型，依次回退
func (e *ConsoleAPICalled) FirstArg() string {
	if len(e.Args) == 0 {
		return ""
	}
	return e.Args[0].Text()
}

// Paused 执行暂停事件
type Paused struct {
	CallFrames []CallFrame `json:"callFrames"`
	Reason     string      `json:"reason"`
}

// Kind 实现 Event 接口
func (e *Paused) Kind() EventKind { return EventPaused }

// TopFrameID 返回栈顶调用帧标识，没有调用帧时为空
func (e *Paused) TopFrameID() string {
	if len(e.CallFrames) == 0 {
		return ""
	}
	return e.CallFrames[0].CallFrameID
}

// DecodeEvent 将通知解码为带类型的事件，并校验必需字段
func DecodeEvent(method string, params json.RawMessage) (Event, error) {
	switch EventKind(method) {
	case EventConsoleAPICalled:
		var ev ConsoleAPICalled
		if err := json.Unmarshal(params, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, method, err)
		}
		if ev.Type == "" {
			return nil, fmt.Errorf("%w: %s: missing type", ErrInvalidEvent, method)
		}
		return &ev, nil

	case EventPaused:
		var ev Paused
		if err := json.Unmarshal(params, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, method, err)
		}
		// 没有调用帧的暂停也要交给订阅者，否则没人恢复执行
		for _, frame := range ev.CallFrames {
			if frame.CallFrameID == "" {
				return nil, fmt.Errorf("%w: %s: call frame without id", ErrInvalidEvent, method)
			}
		}
		return &ev, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, method)
	}
}

// Text 返回值的可读文本
func (o RemoteObject) Text() string {
	if len(o.Value) > 0 {
		v := gjson.ParseBytes(o.Value)
		switch v.Type {
		case gjson.String:
			return v.String()
		case gjson.Number:
			return strconv.FormatFloat(v.Float(), 'f', -1, 64)
		default:
			return v.Raw
		}
	}
	if o.Description != "" {
		return o.Description
	}
	return o.Type
}
