package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/collector"
	"GoInspectorLens/internal/httpserver"
	"GoInspectorLens/internal/launcher"
	"GoInspectorLens/internal/logger"
)

// ErrUnknownOutput 未知的输出格式
var ErrUnknownOutput = errors.New("unknown output format")

type runOptions struct {
	mode            string
	file            string
	callCount       bool
	detailed        bool
	expression      string
	allowSideEffect bool
	output          string
	transcript      bool
}

// runOutput --output json 的输出结构
type runOutput struct {
	*collector.Result
	Rendered httpserver.Rendered `json:"rendered"`
	Error    string              `json:"error,omitempty"`
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	run := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect from a single script and print the annotated result",
		Example: `  inspectorlens run --file fib.js --count
  inspectorlens run --mode typeprofile --file shapes.js --output json
  inspectorlens run --mode evaluate --file visit.js --expr 'visits++' --allow-side-effect`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), opts, run, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&run.mode, "mode", "m", string(collector.ModeCoverage), "collection mode: coverage, typeprofile or evaluate")
	f.StringVarP(&run.file, "file", "f", "", `script to run, "-" reads stdin`)
	f.BoolVar(&run.callCount, "count", false, "coverage: report call counts")
	f.BoolVar(&run.detailed, "detailed", false, "coverage: block-level ranges")
	f.StringVar(&run.expression, "expr", "", "evaluate: expression evaluated at the first pause")
	f.BoolVar(&run.allowSideEffect, "allow-side-effect", false, "evaluate: allow the expression to have side effects")
	f.StringVarP(&run.output, "output", "o", "html", "output format: html or json")
	f.BoolVar(&run.transcript, "transcript", false, "print a per-domain summary of the protocol exchange to stderr")
	cmd.MarkFlagRequired("file")
	return cmd
}

// runCollect 执行一次收集并输出结果；收集失败时仍输出已捕获的日志，并返回错误
func runCollect(ctx context.Context, opts *rootOptions, run *runOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	if run.output != "html" && run.output != "json" {
		return fmt.Errorf("%w: %q", ErrUnknownOutput, run.output)
	}
	mode, err := collector.ParseMode(run.mode)
	if err != nil {
		return err
	}
	source, err := readSource(stdin, run.file)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(stderr, cfg.Logging.Level, cfg.Logging.Format)

	runtime, err := launcher.New(&cfg.Runtime)
	if err != nil {
		return err
	}
	cc := cfg.CollectorConfig()
	cc.Transcript = cc.Transcript || run.transcript
	coll := collector.New(runtime, cc)

	req := &collector.Request{
		Source:          source,
		Mode:            mode,
		CallCount:       run.callCount,
		Detailed:        run.detailed,
		Expression:      run.expression,
		AllowSideEffect: run.allowSideEffect,
	}

	ctx, cancel := context.WithTimeout(logger.WithLogger(ctx, log), cfg.Server.RequestTimeout)
	defer cancel()
	res, collectErr := coll.Collect(ctx, req)
	rendered := httpserver.Render(req, res, collectErr, cfg.RenderOptions())

	if run.output == "json" {
		out := runOutput{Result: res, Rendered: rendered}
		if collectErr != nil {
			out.Error = collector.Message(collectErr)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		if rendered.Result != "" {
			fmt.Fprintln(stdout, rendered.Result)
		}
		if res != nil {
			for _, ev := range res.Logs {
				fmt.Fprintln(stderr, annotate.ConsoleLine(ev))
			}
		}
	}

	if run.transcript && res != nil && res.Transcript != nil {
		for _, s := range res.Transcript.Summarize() {
			fmt.Fprintf(stderr, "%-14s commands=%d failures=%d total=%s slowest=%s\n",
				s.Domain, s.Commands, s.Failures, s.Total, s.Slowest)
		}
	}
	return collectErr
}

// readSource 读取脚本，"-" 表示标准输入
func readSource(stdin io.Reader, file string) (string, error) {
	if file == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(data), nil
}
