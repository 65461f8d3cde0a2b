package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/collector"
	"GoInspectorLens/internal/config"
	"GoInspectorLens/internal/httpserver"
	"GoInspectorLens/internal/launcher"
	"GoInspectorLens/internal/logger"
)

// 收到退出信号后等待进行中请求的时间
const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr  string
	watch bool
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	serve := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with the coverage, type profile and evaluate pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, serve)
		},
	}
	cmd.Flags().StringVar(&serve.addr, "addr", "", "override server.addr")
	cmd.Flags().BoolVar(&serve.watch, "watch", true, "reload render and logging settings when the config file changes")
	return cmd
}

// runServe 启动服务直到 ctx 结束
func runServe(ctx context.Context, opts *rootOptions, serve *serveOptions) error {
	m, err := config.NewManager(
		config.WithConfigPath(opts.configPath),
		config.WithWatchEnabled(serve.watch),
	)
	if err != nil {
		return err
	}
	cfg := *m.Config()
	opts.apply(&cfg)
	if serve.addr != "" {
		cfg.Server.Addr = serve.addr
	}

	var level slog.LevelVar
	level.Set(logger.ParseLevel(cfg.Logging.Level))
	stream := logger.NewStream()
	log := slog.New(stream.Handler(logger.NewLeveledHandler(os.Stderr, &level, cfg.Logging.Format)))
	slog.SetDefault(log)

	runtime, err := launcher.New(&cfg.Runtime)
	if err != nil {
		return err
	}
	coll := collector.New(runtime, cfg.CollectorConfig())

	var render atomic.Pointer[annotate.Options]
	initial := cfg.RenderOptions()
	render.Store(&initial)

	// 只有渲染选项和日志级别支持热更新，其余设置需要重启
	m.OnChange(func(old, current *config.Config) {
		next := current.RenderOptions()
		render.Store(&next)
		if opts.logLevel == "" {
			level.Set(logger.ParseLevel(current.Logging.Level))
		}
		log.Info("render options updated",
			"tie_break", current.Render.TieBreak,
			"collapse_closing_braces", current.Render.CollapseClosingBraces,
			"show_count", current.Render.ShowCount,
		)
	})

	srv := httpserver.New(coll, httpserver.Options{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Render:         func() annotate.Options { return *render.Load() },
		Stream:         stream,
		Logger:         log,
		Version:        Version,
	})

	log.Info("inspectorlens starting", "version", Version, "addr", cfg.Server.Addr, "config", m.Summary())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stream.Run(gctx)
		return nil
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("inspectorlens stopped")
	return err
}
