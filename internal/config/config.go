// Package config 加载服务配置：文件、环境变量与默认值
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/collector"
	"GoInspectorLens/internal/inspector"
	"GoInspectorLens/internal/launcher"
)

const (
	// ConfigName 配置文件名（不含扩展名）
	ConfigName = "inspectorlens"
	// EnvPrefix 环境变量前缀，例如 LENS_SERVER_ADDR
	EnvPrefix = "LENS"
)

// Config 完整配置
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Runtime   launcher.Config `yaml:"runtime" mapstructure:"runtime"`
	Inspector InspectorConfig `yaml:"inspector" mapstructure:"inspector"`
	Render    RenderConfig    `yaml:"render" mapstructure:"render"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxConcurrent  int64         `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	Transcript     bool          `yaml:"transcript" mapstructure:"transcript"`
}

// InspectorConfig 调试会话配置
type InspectorConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ReadLimit         int64         `yaml:"read_limit" mapstructure:"read_limit"`
	EnableCompression bool          `yaml:"enable_compression" mapstructure:"enable_compression"`
	MaxPayload        int           `yaml:"max_payload" mapstructure:"max_payload"`
}

// RenderConfig 标注渲染的默认选项，可热更新
type RenderConfig struct {
	TieBreak              string `yaml:"tie_break" mapstructure:"tie_break"`
	CollapseClosingBraces bool   `yaml:"collapse_closing_braces" mapstructure:"collapse_closing_braces"`
	ShowCount             bool   `yaml:"show_count" mapstructure:"show_count"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load 加载配置；path 为空时在 ./configs 和当前目录中查找 inspectorlens.yaml
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readConfig(v, path); err != nil {
		return nil, err
	}
	return decode(v)
}

// readConfig 读取配置文件；未指定路径且找不到文件时只使用默认值和环境变量
func readConfig(v *viper.Viper, path string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// newViper 创建带默认值与环境变量绑定的 viper 实例
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

// decode 解析并校验
func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// setDefaultValues 设置默认配置值
// 每个键都需要默认值，AutomaticEnv 只覆盖 viper 已知的键
func setDefaultValues(v *viper.Viper) {
	runtime := launcher.DefaultConfig()
	session := inspector.DefaultConfig("")
	pipeline := collector.DefaultConfig()

	// Server
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.max_concurrent", pipeline.MaxConcurrent)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.transcript", false)

	// Runtime
	v.SetDefault("runtime.mode", string(runtime.Mode))
	v.SetDefault("runtime.node_path", runtime.NodePath)
	v.SetDefault("runtime.node_args", []string{})
	v.SetDefault("runtime.env", []string{})
	v.SetDefault("runtime.host", runtime.Host)
	v.SetDefault("runtime.port_start", runtime.PortStart)
	v.SetDefault("runtime.port_end", runtime.PortEnd)
	v.SetDefault("runtime.endpoint", "")
	v.SetDefault("runtime.start_timeout", runtime.StartTimeout)
	v.SetDefault("runtime.discovery.initial_interval", runtime.Discovery.InitialInterval)
	v.SetDefault("runtime.discovery.max_interval", runtime.Discovery.MaxInterval)
	v.SetDefault("runtime.discovery.max_elapsed_time", runtime.Discovery.MaxElapsedTime)

	// Inspector
	v.SetDefault("inspector.handshake_timeout", session.HandshakeTimeout)
	v.SetDefault("inspector.write_timeout", session.WriteTimeout)
	v.SetDefault("inspector.read_limit", session.ReadLimit)
	v.SetDefault("inspector.enable_compression", session.EnableCompression)
	v.SetDefault("inspector.max_payload", pipeline.MaxPayload)

	// Render
	v.SetDefault("render.tie_break", annotate.WiderFirst.String())
	v.SetDefault("render.collapse_closing_braces", true)
	v.SetDefault("render.show_count", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if config.Server.RequestTimeout <= 0 {
		return fmt.Errorf("invalid server request timeout: %v", config.Server.RequestTimeout)
	}
	if config.Server.MaxConcurrent < 1 {
		return fmt.Errorf("invalid max concurrent collections: %d", config.Server.MaxConcurrent)
	}

	if err := config.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	if config.Inspector.HandshakeTimeout <= 0 {
		return fmt.Errorf("invalid inspector handshake timeout: %v", config.Inspector.HandshakeTimeout)
	}
	if config.Inspector.ReadLimit <= 0 {
		return fmt.Errorf("invalid inspector read limit: %d", config.Inspector.ReadLimit)
	}

	if _, err := annotate.ParseTieBreak(config.Render.TieBreak); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	switch strings.ToLower(config.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %q", config.Logging.Format)
	}
	return nil
}

// SessionConfig 转换为会话配置
func (c *Config) SessionConfig() *inspector.Config {
	session := inspector.DefaultConfig("")
	session.HandshakeTimeout = c.Inspector.HandshakeTimeout
	session.WriteTimeout = c.Inspector.WriteTimeout
	session.ReadLimit = c.Inspector.ReadLimit
	session.EnableCompression = c.Inspector.EnableCompression
	return session
}

// CollectorConfig 转换为收集器配置
func (c *Config) CollectorConfig() *collector.Config {
	return &collector.Config{
		Inspector:     c.SessionConfig(),
		MaxConcurrent: c.MaxConcurrent(),
		Transcript:    c.Server.Transcript,
		MaxPayload:    c.Inspector.MaxPayload,
	}
}

// MaxConcurrent 实际允许的并发收集数；attach 模式下所有会话共享同一个 isolate，
// 覆盖率、类型采集和断点都是 isolate 级别的，只能串行
func (c *Config) MaxConcurrent() int64 {
	if c.Runtime.Mode == launcher.ModeAttach {
		return 1
	}
	return c.Server.MaxConcurrent
}

// RenderOptions 转换为标注选项
func (c *Config) RenderOptions() annotate.Options {
	// 校验已保证可解析
	tie, _ := annotate.ParseTieBreak(c.Render.TieBreak)
	return annotate.Options{
		TieBreak:              tie,
		ShowCount:             c.Render.ShowCount,
		CollapseClosingBraces: c.Render.CollapseClosingBraces,
	}
}

// YAML 以 YAML 形式导出
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
