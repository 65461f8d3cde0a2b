package collector

import (
	"context"
	"errors"
)

// Target 一个可连接的调试目标，用完必须释放
type Target interface {
	WebSocketURL() string
	Release() error
}

// Runtime 可检测运行时的来源
type Runtime interface {
	Acquire(ctx context.Context) (Target, error)
}

// FixedRuntime 总是返回同一个调试地址，释放为空操作
type FixedRuntime struct {
	URL string
}

// Acquire 实现 Runtime 接口
func (f FixedRuntime) Acquire(ctx context.Context) (Target, error) {
	if f.URL == "" {
		return nil, errors.New("fixed runtime has no url")
	}
	return fixedTarget(f.URL), nil
}

type fixedTarget string

func (t fixedTarget) WebSocketURL() string { return string(t) }

func (t fixedTarget) Release() error { return nil }
