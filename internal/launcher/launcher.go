// Package launcher 获取可检测的运行时：每次请求启动一个新的 node 进程，或连接到已配置的调试端点
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"GoInspectorLens/internal/collector"
	"GoInspectorLens/internal/logger"
	"GoInspectorLens/internal/metrics"
)

// Mode 运行时获取方式
type Mode string

const (
	ModeLaunch Mode = "launch"
	ModeAttach Mode = "attach"
)

// keepAliveScript 让进程在没有用户脚本时保持运行
const keepAliveScript = "setInterval(() => {}, 1 << 30)"

var (
	ErrUnknownMode = errors.New("unknown runtime mode")
	ErrExited      = errors.New("runtime exited")
)

// Config 启动器配置
type Config struct {
	Mode         Mode          `yaml:"mode" mapstructure:"mode"`
	NodePath     string        `yaml:"node_path" mapstructure:"node_path"`
	NodeArgs     []string      `yaml:"node_args" mapstructure:"node_args"`
	Env          []string      `yaml:"env" mapstructure:"env"`
	Host         string        `yaml:"host" mapstructure:"host"`
	PortStart    int           `yaml:"port_start" mapstructure:"port_start"`
	PortEnd      int           `yaml:"port_end" mapstructure:"port_end"`
	Endpoint     string        `yaml:"endpoint" mapstructure:"endpoint"` // attach 模式下的 http://host:port
	StartTimeout time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`
	Discovery    BackoffPolicy `yaml:"discovery" mapstructure:"discovery"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode:         ModeLaunch,
		NodePath:     "node",
		Host:         "127.0.0.1",
		PortStart:    9300,
		PortEnd:      9399,
		StartTimeout: 10 * time.Second,
		Discovery:    DefaultBackoffPolicy(),
	}
}

// Validate 检查配置
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLaunch:
		if c.NodePath == "" {
			return errors.New("node_path is required in launch mode")
		}
		if c.PortStart <= 0 || c.PortEnd > 65535 || c.PortStart > c.PortEnd {
			return fmt.Errorf("invalid port range: %d-%d", c.PortStart, c.PortEnd)
		}
		if c.StartTimeout <= 0 {
			return fmt.Errorf("invalid start timeout: %v", c.StartTimeout)
		}
	case ModeAttach:
		if c.Endpoint == "" {
			return errors.New("endpoint is required in attach mode")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	return nil
}

// New 按模式创建运行时来源
func New(config *Config) (collector.Runtime, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Mode == ModeAttach {
		return NewAttachRuntime(config), nil
	}
	return NewNodeLauncher(config), nil
}

// NodeLauncher 每次 Acquire 启动一个带 --inspect 的 node 进程
type NodeLauncher struct {
	config *Config
	ports  *PortManager
	client *http.Client
}

// NewNodeLauncher 创建进程启动器
func NewNodeLauncher(config *Config) *NodeLauncher {
	return &NodeLauncher{
		config: config,
		ports:  NewPortManager(config.Host, config.PortStart, config.PortEnd),
		client: &http.Client{Timeout: time.Second},
	}
}

// Ports 端口分配器
func (l *NodeLauncher) Ports() *PortManager {
	return l.ports
}

// Acquire 实现 collector.Runtime 接口
func (l *NodeLauncher) Acquire(ctx context.Context) (target collector.Target, err error) {
	defer func() {
		metrics.RuntimeLaunches.WithLabelValues(metrics.Result(err)).Inc()
	}()

	port, err := l.ports.Allocate()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(l.config.Host, strconv.Itoa(port))
	log := logger.FromContext(ctx).With("runtime_addr", addr)

	args := append([]string{"--inspect=" + addr}, l.config.NodeArgs...)
	args = append(args, "-e", keepAliveScript)

	cmd := exec.Command(l.config.NodePath, args...)
	cmd.Env = append(os.Environ(), l.config.Env...)
	output := &lineLogger{log: log}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		l.ports.Release(port)
		return nil, fmt.Errorf("start %s: %w", l.config.NodePath, err)
	}

	p := &process{cmd: cmd, port: port, ports: l.ports, log: log, exited: make(chan struct{})}
	go p.wait()

	discoverCtx, cancel := context.WithTimeout(ctx, l.config.StartTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.exited:
			cancel()
		case <-discoverCtx.Done():
		}
	}()

	info, err := Discover(discoverCtx, l.client, "http://"+addr, l.config.Discovery)
	if err != nil {
		p.Release()
		select {
		case <-p.exited:
			if !p.killed {
				return nil, fmt.Errorf("%w: %v (last output: %q)", ErrExited, p.waitErr, output.Last())
			}
		default:
		}
		return nil, err
	}

	p.url = info.WebSocketDebuggerURL
	log.Debug("runtime launched", "pid", cmd.Process.Pid, "target", info.ID)
	return p, nil
}

// process 一个已启动的 node 进程
type process struct {
	cmd   *exec.Cmd
	url   string
	port  int
	ports *PortManager
	log   *slog.Logger

	exited  chan struct{}
	waitErr error

	once   sync.Once
	killed bool
}

func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

// WebSocketURL 实现 collector.Target 接口
func (p *process) WebSocketURL() string {
	return p.url
}

// Release 结束进程并归还端口，可重复调用
func (p *process) Release() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.exited:
		default:
			p.killed = true
			if kerr := p.cmd.Process.Kill(); kerr != nil {
				err = kerr
			}
			<-p.exited
		}
		p.ports.Release(p.port)
		p.log.Debug("runtime released")
	})
	return err
}

// AttachRuntime 连接已配置的调试端点，释放时不结束对方进程
type AttachRuntime struct {
	endpoint string
	policy   BackoffPolicy
	client   *http.Client
}

// NewAttachRuntime 创建 attach 模式的运行时来源
func NewAttachRuntime(config *Config) *AttachRuntime {
	return &AttachRuntime{
		endpoint: config.Endpoint,
		policy:   config.Discovery,
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Acquire 实现 collector.Runtime 接口
func (a *AttachRuntime) Acquire(ctx context.Context) (collector.Target, error) {
	info, err := Discover(ctx, a.client, a.endpoint, a.policy)
	if err != nil {
		return nil, err
	}
	return collector.FixedRuntime{URL: info.WebSocketDebuggerURL}.Acquire(ctx)
}

// lineLogger 将子进程输出按行写入日志
type lineLogger struct {
	mu   sync.Mutex
	log  *slog.Logger
	buf  bytes.Buffer
	last string
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// 不完整的行放回缓冲区
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			w.last = line
			w.log.Debug("runtime output", "line", line)
		}
	}
	return len(p), nil
}

// Last 最后一行非空输出
func (w *lineLogger) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == "" {
		return strings.TrimSpace(w.buf.String())
	}
	return w.last
}
