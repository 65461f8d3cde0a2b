package testserver

import (
	"encoding/json"
	"time"

	"GoInspectorLens/internal/protocol"
)

// ConsoleCall 运行脚本时产生的一次控制台调用
type ConsoleCall struct {
	Type string
	Args []protocol.RemoteObject
}

// Log 构造一次以字符串为首个参数的 console 调用
func Log(kind, text string) ConsoleCall {
	return ConsoleCall{Type: kind, Args: []protocol.RemoteObject{StringValue(text)}}
}

// StringValue 构造一个字符串镜像
func StringValue(text string) protocol.RemoteObject {
	raw, _ := json.Marshal(text)
	return protocol.RemoteObject{Type: "string", Value: raw}
}

// Evaluator 暂停时对表达式求值
type Evaluator func(params protocol.EvaluateOnCallFrameParams) Reply

// Script 模拟运行时对一个被检测脚本的行为
type Script struct {
	ScriptID         string
	CompileException string // 非空时 compileScript 以该异常失败
	RunException     string // 非空时 runScript 以该异常失败
	Console          []ConsoleCall
	Coverage         []protocol.ScriptCoverage
	TypeProfile      []protocol.ScriptTypeProfile

	// 为 true 时 runScript 先推送 Debugger.paused，直到收到 Debugger.resume 才继续
	PauseOnRun  bool
	ExtraPauses int  // 第一次暂停恢复后再暂停的次数
	Frameless   bool // 第一次暂停不带调用帧
	CallFrameID string
	Evaluate    Evaluator
}

// pauses runScript 期间推送的暂停次数
func (sc *Script) pauses() int {
	if !sc.PauseOnRun {
		return 0
	}
	return 1 + sc.ExtraPauses
}

// pausedParams 第 n 次暂停的事件参数
func (sc *Script) pausedParams(n int) map[string]any {
	frames := []map[string]any{}
	if n > 0 || !sc.Frameless {
		frames = append(frames, map[string]any{
			"callFrameId":  sc.CallFrameID,
			"functionName": "",
			"location":     map[string]any{"scriptId": sc.ScriptID, "lineNumber": n, "columnNumber": 0},
		})
	}
	return map[string]any{"reason": "other", "callFrames": frames}
}

// Install 在服务器上安装模拟一个脚本生命周期的应答器
func (sc *Script) Install(s *Server) {
	if sc.ScriptID == "" {
		sc.ScriptID = "42"
	}
	if sc.CallFrameID == "" {
		sc.CallFrameID = "{\"ordinal\":0,\"injectedScriptId\":1}"
	}

	resumed := make(chan struct{}, 1)

	s.Handle(protocol.MethodCompileScript, func(req Request, _ *Connection) Reply {
		if sc.CompileException != "" {
			return Reply{Exception: sc.CompileException}
		}
		return Reply{Result: protocol.CompileScriptResult{ScriptID: sc.ScriptID}}
	})

	s.Handle(protocol.MethodRunScript, func(req Request, conn *Connection) Reply {
		for _, call := range sc.Console {
			conn.Emit(string(protocol.EventConsoleAPICalled), map[string]any{
				"type":               call.Type,
				"args":               call.Args,
				"executionContextId": 1,
				"timestamp":          float64(time.Now().UnixMilli()),
			})
		}
		for n := 0; n < sc.pauses(); n++ {
			conn.Emit(string(protocol.EventPaused), sc.pausedParams(n))
			select {
			case <-resumed:
			case <-conn.Done():
				return Reply{Silent: true}
			}
		}
		if sc.RunException != "" {
			return Reply{Exception: sc.RunException}
		}
		return Reply{Result: map[string]any{"result": map[string]string{"type": "undefined"}}}
	})

	s.Handle(protocol.MethodDebuggerResume, func(Request, *Connection) Reply {
		select {
		case resumed <- struct{}{}:
		default:
		}
		return Reply{}
	})

	s.Handle(protocol.MethodEvaluateOnCallFrame, func(req Request, _ *Connection) Reply {
		var params protocol.EvaluateOnCallFrameParams
		if err := req.Decode(&params); err != nil {
			return Reply{Error: &protocol.ResponseError{Code: -32602, Message: "Invalid parameters"}}
		}
		if params.CallFrameID != sc.CallFrameID {
			return Reply{Error: &protocol.ResponseError{Code: -32000, Message: "Invalid call frame id"}}
		}
		if sc.Evaluate == nil {
			return Reply{Result: map[string]any{"result": map[string]string{"type": "undefined"}}}
		}
		return sc.Evaluate(params)
	})

	s.Handle(protocol.MethodStartPreciseCoverage, func(Request, *Connection) Reply {
		return Reply{Result: map[string]float64{"timestamp": 1}}
	})
	s.Handle(protocol.MethodTakePreciseCoverage, func(Request, *Connection) Reply {
		return Reply{Result: protocol.TakePreciseCoverageResult{Result: orEmpty(sc.Coverage), Timestamp: 2}}
	})
	s.HandleResult(protocol.MethodStopPreciseCoverage, struct{}{})

	s.HandleResult(protocol.MethodStartTypeProfile, struct{}{})
	s.Handle(protocol.MethodTakeTypeProfile, func(Request, *Connection) Reply {
		result := sc.TypeProfile
		if result == nil {
			result = []protocol.ScriptTypeProfile{}
		}
		return Reply{Result: protocol.TakeTypeProfileResult{Result: result}}
	})
	s.HandleResult(protocol.MethodStopTypeProfile, struct{}{})
}

// Value 构造 evaluateOnCallFrame 的正常结果
func Value(obj protocol.RemoteObject) Reply {
	return Reply{Result: protocol.EvaluateResult{Result: obj}}
}

func orEmpty(c []protocol.ScriptCoverage) []protocol.ScriptCoverage {
	if c == nil {
		return []protocol.ScriptCoverage{}
	}
	return c
}
