package launcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoInspectorLens/internal/inspector"
	"GoInspectorLens/internal/protocol"
	"GoInspectorLens/internal/testserver"
	"GoInspectorLens/internal/testutil"
)

// fakeNodeEnv 设置后测试二进制扮演 node 进程
const fakeNodeEnv = "INSPECTORLENS_FAKE_NODE"

func TestMain(m *testing.M) {
	switch os.Getenv(fakeNodeEnv) {
	case "serve":
		os.Exit(fakeNode(os.Args[1:]))
	case "exit":
		fmt.Fprintln(os.Stderr, "node: bad option: --inspect")
		os.Exit(9)
	}
	os.Exit(m.Run())
}

// fakeNode 在 --inspect 指定的地址上提供模拟运行时，直到收到信号
func fakeNode(args []string) int {
	var addr string
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--inspect="); ok {
			addr = v
		}
	}
	if addr == "" {
		return 2
	}

	server := testserver.New(testserver.DefaultServerConfig(addr))
	if err := server.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Debugger listening on %s\n", server.WebSocketURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return 0
}

func freePortRange(t *testing.T) (int, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, port + 4
}

func fakeNodeConfig(t *testing.T, mode string) *Config {
	start, end := freePortRange(t)
	config := DefaultConfig()
	config.NodePath = os.Args[0]
	config.Env = []string{fakeNodeEnv + "=" + mode}
	config.PortStart = start
	config.PortEnd = end
	config.StartTimeout = 5 * time.Second
	config.Discovery.InitialInterval = 10 * time.Millisecond
	config.Discovery.MaxInterval = 100 * time.Millisecond
	return config
}

func TestNodeLauncherLaunchesAndReleases(t *testing.T) {
	l := NewNodeLauncher(fakeNodeConfig(t, "serve"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	target, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Ports().InUse())
	assert.True(t, strings.HasPrefix(target.WebSocketURL(), "ws://127.0.0.1:"), target.WebSocketURL())

	sess := inspector.New(inspector.DefaultConfig(target.WebSocketURL()))
	require.NoError(t, sess.Connect(ctx))
	_, err = sess.Send(ctx, protocol.MethodRuntimeEnable, nil)
	require.NoError(t, err)
	require.NoError(t, sess.Disconnect())

	require.NoError(t, target.Release())
	require.NoError(t, target.Release())
	assert.Zero(t, l.Ports().InUse())

	p := target.(*process)
	select {
	case <-p.exited:
	default:
		t.Fatal("process still running after release")
	}
}

func TestNodeLauncherReportsEarlyExit(t *testing.T) {
	l := NewNodeLauncher(fakeNodeConfig(t, "exit"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := l.Acquire(ctx)
	require.ErrorIs(t, err, ErrExited)
	assert.Contains(t, err.Error(), "bad option")
	assert.Zero(t, l.Ports().InUse())
}

func TestNodeLauncherMissingBinary(t *testing.T) {
	config := fakeNodeConfig(t, "serve")
	config.NodePath = "/nonexistent/node"
	l := NewNodeLauncher(config)

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.Zero(t, l.Ports().InUse())
}

func TestAttachRuntimeDiscoversTarget(t *testing.T) {
	rt := testutil.NewTestRuntime(t, nil)
	config := DefaultConfig()
	config.Mode = ModeAttach
	config.Endpoint = rt.HTTPURL()

	runtime, err := New(config)
	require.NoError(t, err)
	require.IsType(t, &AttachRuntime{}, runtime)

	target, err := runtime.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rt.WebSocketURL(), target.WebSocketURL())
	assert.NoError(t, target.Release())
}

func TestDiscoverRetriesUntilTargetAppears(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/list", r.URL.Path)
		switch calls.Add(1) {
		case 1:
			http.Error(w, "starting", http.StatusServiceUnavailable)
		case 2:
			fmt.Fprint(w, `[]`)
		default:
			fmt.Fprint(w, `[{"id":"abc","type":"node","webSocketDebuggerUrl":"ws://127.0.0.1:1/abc"}]`)
		}
	}))
	defer server.Close()

	policy := BackoffPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxElapsedTime: 5 * time.Second}
	info, err := Discover(context.Background(), server.Client(), server.URL+"/", policy)
	require.NoError(t, err)
	assert.Equal(t, "abc", info.ID)
	assert.Equal(t, "ws://127.0.0.1:1/abc", info.WebSocketDebuggerURL)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDiscoverGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	policy := BackoffPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, MaxElapsedTime: 100 * time.Millisecond}
	_, err := Discover(context.Background(), server.Client(), server.URL, policy)
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestDiscoverStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Discover(ctx, nil, "http://127.0.0.1:1", DefaultBackoffPolicy())
	assert.Error(t, err)
}

func TestPortManagerRotatesAndReleases(t *testing.T) {
	start, end := freePortRange(t)
	pm := NewPortManager("127.0.0.1", start, end)

	first, err := pm.Allocate()
	require.NoError(t, err)
	second, err := pm.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, pm.InUse())

	pm.Release(first)
	third, err := pm.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, first, third, "allocation continues after the last port")
	assert.Equal(t, 2, pm.InUse())
}

func TestPortManagerSkipsBusyPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	pm := NewPortManager("127.0.0.1", busy, busy)
	_, err = pm.Allocate()
	assert.ErrorIs(t, err, ErrNoFreePort)
	assert.ErrorContains(t, err, strconv.Itoa(busy))
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	config.PortStart, config.PortEnd = 9400, 9300
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Mode = ModeAttach
	assert.Error(t, config.Validate())

	config.Mode = "docker"
	assert.ErrorIs(t, config.Validate(), ErrUnknownMode)
}
