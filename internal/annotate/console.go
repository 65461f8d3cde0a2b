package annotate

import (
	"strings"

	"GoInspectorLens/internal/protocol"
)

// ExceptionSentinel 求值本身抛出异常时显示的结果
const ExceptionSentinel = "[exception]"

// ConsoleLine 单条日志的文本形式
func ConsoleLine(ev *protocol.ConsoleAPICalled) string {
	return "console." + ev.Type + ": " + ev.FirstArg()
}

// FormatConsole 将日志事件格式化为转义后的多行文本
func FormatConsole(events []*protocol.ConsoleAPICalled) string {
	lines := make([]string, len(events))
	for i, ev := range events {
		lines[i] = Escape(ConsoleLine(ev))
	}
	return strings.Join(lines, "<br/>")
}
