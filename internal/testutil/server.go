package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GoInspectorLens/internal/testserver"
)

// TestRuntime 模拟运行时包装器，测试结束时自动关闭
type TestRuntime struct {
	*testserver.Server
	t *testing.T
}

// NewTestRuntime 创建并启动模拟运行时；script 可为 nil
func NewTestRuntime(t *testing.T, script *testserver.Script) *TestRuntime {
	return NewTestRuntimeWithConfig(t, script, nil)
}

// NewTestRuntimeWithConfig 使用自定义配置创建模拟运行时
func NewTestRuntimeWithConfig(t *testing.T, script *testserver.Script, customizer func(*testserver.ServerConfig)) *TestRuntime {
	t.Helper()

	serverConfig := testserver.DefaultServerConfig("127.0.0.1:0")
	if customizer != nil {
		customizer(serverConfig)
	}

	server := testserver.New(serverConfig)
	if script != nil {
		script.Install(server)
	}
	require.NoError(t, server.Start(), "Failed to start fake runtime")

	tr := &TestRuntime{Server: server, t: t}
	t.Cleanup(tr.Stop)
	return tr
}

// Stop 停止模拟运行时
func (tr *TestRuntime) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr.Server.Shutdown(ctx)
}
