package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// key context 中存放 logger 的键
type key struct{}

var loggerKey = key{}

// New 创建日志器，format 取 "json" 或 "text"
// 统一将 "error" 键改为 "err"
func New(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(NewHandler(w, level, format))
}

// NewHandler 创建底层 slog.Handler
func NewHandler(w io.Writer, level, format string) slog.Handler {
	return NewLeveledHandler(w, ParseLevel(level), format)
}

// NewLeveledHandler 与 NewHandler 相同，但级别可以是 *slog.LevelVar，便于运行时调整
func NewLeveledHandler(w io.Writer, level slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NewNop 返回丢弃所有输出的日志器
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithLogger 将日志器放入 context
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext 从 context 取出日志器，没有则返回全局默认日志器
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}
