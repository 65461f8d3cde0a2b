package httpserver

import (
	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/collector"
)

// undefinedValue 没有发生暂停、因而没有求值结果时显示的值
const undefinedValue = "undefined"

// Rendered 一次收集渲染后的标注与日志，均已转义
type Rendered struct {
	Result  string `json:"result"`
	Console string `json:"console"`
}

// Render 将收集结果渲染为标注源码和日志区内容
// 失败时结果区为空，错误消息追加在已捕获的日志之后
func Render(req *collector.Request, res *collector.Result, err error, opts annotate.Options) Rendered {
	var out Rendered
	if res != nil {
		out.Console = annotate.FormatConsole(res.Logs)
	}
	if err != nil {
		msg := annotate.Escape(collector.Message(err))
		if out.Console != "" {
			msg = out.Console + "<br/>" + msg
		}
		out.Console = msg
		return out
	}

	switch req.Mode {
	case collector.ModeCoverage:
		if req.CallCount {
			opts.ShowCount = true
		}
		out.Result = annotate.Annotate(req.Source, annotate.FlattenCoverage(res.Coverage), opts)
	case collector.ModeTypeProfile:
		out.Result = annotate.AnnotateTypes(req.Source, annotate.FlattenTypeProfile(res.TypeProfile))
	case collector.ModeEvaluate:
		value := undefinedValue
		if res.Evaluation != nil {
			value = res.Evaluation.Value
		}
		out.Result = annotate.Escape(value)
	}
	return out
}
