package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 持有当前配置，监控配置文件并热更新
type Manager struct {
	mu        sync.RWMutex
	reloadMu  sync.Mutex
	config    *Config
	viper     *viper.Viper
	path      string
	file      string
	watch     bool
	logger    *slog.Logger
	listeners []func(old, current *Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watch = enabled
	}
}

// WithLogger 设置日志器
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager 创建配置管理器并加载配置
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}

	m.viper = newViper(m.path)
	if err := readConfig(m.viper, m.path); err != nil {
		return nil, err
	}

	config, err := decode(m.viper)
	if err != nil {
		return nil, err
	}
	m.config = config
	m.file = m.viper.ConfigFileUsed()

	if m.watch && m.file != "" {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			m.log().Info("config file changed", "file", e.Name, "op", e.Op.String())
			if err := m.Reload(); err != nil {
				m.log().Warn("config reload rejected", "error", err)
			}
		})
		m.viper.WatchConfig()
	}
	return m, nil
}

// log 未设置日志器时使用调用时的全局默认日志器
func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// Config 返回当前配置
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// File 实际使用的配置文件，没有时为空
func (m *Manager) File() string {
	return m.file
}

// OnChange 注册配置变化回调
func (m *Manager) OnChange(fn func(old, current *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Reload 重新读取配置；新配置无效时保留旧配置
func (m *Manager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	if m.file != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	config, err := decode(m.viper)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.config
	m.config = config
	listeners := append([]func(old, current *Config){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(old, config)
	}
	m.log().Info("configuration reloaded", "file", m.file)
	return nil
}

// Summary 配置摘要
func (m *Manager) Summary() map[string]interface{} {
	config := m.Config()
	return map[string]interface{}{
		"config_file":    m.File(),
		"server_addr":    config.Server.Addr,
		"runtime_mode":   string(config.Runtime.Mode),
		"max_concurrent": config.MaxConcurrent(),
		"tie_break":      config.Render.TieBreak,
		"log_level":      config.Logging.Level,
	}
}
