// Package cli 提供 inspectorlens 命令行：serve、run、config、version
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"GoInspectorLens/internal/config"
)

// Version 构建时通过 -ldflags "-X GoInspectorLens/internal/cli.Version=..." 注入
var Version = "dev"

// rootOptions 所有子命令共享的参数
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "inspectorlens",
		Short: "Run scripts under the V8 inspector and annotate what happened",
		Long: `inspectorlens executes JavaScript inside an instrumented node runtime,
collects precise coverage, type profiles or pause-time evaluations over the
inspector protocol, and renders the results as annotated source.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./configs/inspectorlens.yaml or ./inspectorlens.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute 运行根命令，出错时以非零状态退出
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig 加载配置并应用命令行覆盖
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	return cfg, nil
}

func (o *rootOptions) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}
