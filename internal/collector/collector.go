// Package collector 驱动一次完整的收集：获取运行时、按模式执行固定的协议序列、返回原始数据
package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/inspector"
	"GoInspectorLens/internal/logger"
	"GoInspectorLens/internal/metrics"
	"GoInspectorLens/internal/protocol"
	"GoInspectorLens/internal/session"
)

// 编译脚本时使用的来源名
const scriptURL = "test"

// Config 收集器配置
type Config struct {
	Inspector     *inspector.Config // URL 字段由运行时目标覆盖
	MaxConcurrent int64
	Transcript    bool // 为每次收集附带协议记录
	MaxPayload    int  // 协议记录中单条负载的最大字节数
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Inspector:     inspector.DefaultConfig(""),
		MaxConcurrent: 4,
		MaxPayload:    64 * 1024,
	}
}

// Evaluation 暂停时的求值结果
type Evaluation struct {
	Expression string                 `json:"expression"`
	Value      string                 `json:"value"`
	Exception  bool                   `json:"exception"`
	Object     *protocol.RemoteObject `json:"object,omitempty"`
}

// Result 一次收集的原始结果；失败时仍带有已捕获的日志
type Result struct {
	Mode        Mode                         `json:"mode"`
	ScriptID    string                       `json:"script_id,omitempty"`
	Coverage    []protocol.FunctionCoverage  `json:"coverage,omitempty"`
	TypeProfile []protocol.TypeProfileEntry  `json:"type_profile,omitempty"`
	Logs        []*protocol.ConsoleAPICalled `json:"logs"`
	Evaluation  *Evaluation                  `json:"evaluation,omitempty"`
	Transcript  *session.Transcript          `json:"transcript,omitempty"`
	Duration    time.Duration                `json:"duration"`
}

// Collector 收集流程协调者，可被多个请求并发使用，每个请求独占一个会话
type Collector struct {
	runtime Runtime
	config  *Config
	sem     *semaphore.Weighted
}

// New 创建收集器
func New(runtime Runtime, config *Config) *Collector {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Inspector == nil {
		config.Inspector = inspector.DefaultConfig("")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Collector{
		runtime: runtime,
		config:  config,
		sem:     semaphore.NewWeighted(config.MaxConcurrent),
	}
}

// Collect 执行一次收集
// 无论成功与否，会话都会断开，运行时目标都会释放
func (c *Collector) Collect(ctx context.Context, req *Request) (res *Result, err error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	log := logger.FromContext(ctx).With("mode", string(req.Mode))
	defer func() {
		metrics.ObserveCollection(string(req.Mode), started, err)
		if res != nil {
			res.Duration = time.Since(started)
		}
		if err != nil {
			log.Warn("collection failed", "error", err, "duration", time.Since(started))
		} else {
			log.Info("collection finished", "logs", len(res.Logs), "duration", time.Since(started))
		}
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, &CollectionError{Step: StepAcquire, Mode: req.Mode, Err: err}
	}
	defer c.sem.Release(1)

	target, err := c.runtime.Acquire(ctx)
	if err != nil {
		return nil, &CollectionError{Step: StepAcquire, Mode: req.Mode, Err: err}
	}
	defer func() {
		if rerr := target.Release(); rerr != nil {
			log.Warn("release runtime failed", "error", rerr)
		}
	}()

	config := *c.config.Inspector
	config.URL = target.WebSocketURL()
	sess := inspector.New(&config)
	ctx = inspector.WithSession(logger.WithLogger(ctx, log), sess)
	log = logger.FromContext(ctx)
	sess.SetLogger(log)

	var recorder *session.Recorder
	if c.config.Transcript {
		recorder = session.NewRecorder(c.config.MaxPayload)
		recorder.SetSessionID(sess.ID())
		sess.SetRecorder(recorder)
	}

	res = &Result{Mode: req.Mode, Logs: []*protocol.ConsoleAPICalled{}}
	if err := sess.Connect(ctx); err != nil {
		return res, &CollectionError{Step: StepConnect, Mode: req.Mode, Err: err}
	}

	r := &run{sess: sess, req: req, res: res, log: log}
	err = r.execute(ctx)
	if err == nil {
		if serr := sess.Sync(ctx); serr != nil {
			err = &CollectionError{Step: StepDispatch, Mode: req.Mode, Err: serr}
		}
	}

	log.Debug("inspector session finished", "stats", sess.Stats())
	// Disconnect 返回前已收到的事件都已分发，此后读取日志是完整的
	sess.Disconnect()
	res.Logs = r.logs()
	if recorder != nil {
		recorder.Stop()
		res.Transcript = recorder.Transcript()
	}
	return res, err
}

// run 一次收集的执行状态
type run struct {
	sess *inspector.Session
	req  *Request
	res  *Result
	log  *slog.Logger

	mu         sync.Mutex
	messages   []*protocol.ConsoleAPICalled
	handlerErr error

	// 只在分发协程中读写
	evaluated bool
}

// execute 按模式执行协议序列，任何一步失败都会中止其余步骤
func (r *run) execute(ctx context.Context) error {
	switch r.req.Mode {
	case ModeCoverage:
		return r.coverage(ctx)
	case ModeTypeProfile:
		return r.typeProfile(ctx)
	case ModeEvaluate:
		return r.evaluate(ctx)
	}
	return ErrUnknownMode
}

func (r *run) coverage(ctx context.Context) error {
	if err := r.enable(ctx, protocol.MethodProfilerEnable); err != nil {
		return err
	}
	// 必须在编译之前开始收集
	if err := r.step(ctx, protocol.MethodStartPreciseCoverage, protocol.StartPreciseCoverageParams{
		CallCount: r.req.CallCount,
		Detailed:  r.req.Detailed,
	}, nil); err != nil {
		return err
	}
	if err := r.compileAndRun(ctx); err != nil {
		return err
	}

	var taken protocol.TakePreciseCoverageResult
	if err := r.step(ctx, protocol.MethodTakePreciseCoverage, nil, &taken); err != nil {
		return err
	}
	for _, script := range taken.Result {
		if script.ScriptID == r.res.ScriptID {
			r.res.Coverage = append(r.res.Coverage, script.Functions...)
		}
	}

	return r.steps(ctx,
		protocol.MethodStopPreciseCoverage,
		protocol.MethodProfilerDisable,
		protocol.MethodRuntimeDisable,
	)
}

func (r *run) typeProfile(ctx context.Context) error {
	if err := r.enable(ctx, protocol.MethodProfilerEnable); err != nil {
		return err
	}
	if err := r.step(ctx, protocol.MethodStartTypeProfile, nil, nil); err != nil {
		return err
	}
	if err := r.compileAndRun(ctx); err != nil {
		return err
	}

	var taken protocol.TakeTypeProfileResult
	if err := r.step(ctx, protocol.MethodTakeTypeProfile, nil, &taken); err != nil {
		return err
	}
	for _, script := range taken.Result {
		if script.ScriptID == r.res.ScriptID {
			r.res.TypeProfile = append(r.res.TypeProfile, script.Entries...)
		}
	}

	return r.steps(ctx,
		protocol.MethodStopTypeProfile,
		protocol.MethodProfilerDisable,
		protocol.MethodRuntimeDisable,
	)
}

func (r *run) evaluate(ctx context.Context) error {
	if err := r.enable(ctx, protocol.MethodDebuggerEnable); err != nil {
		return err
	}
	if err := r.compile(ctx); err != nil {
		return err
	}

	// 只在第一个带调用帧的暂停上求值，其余暂停一律恢复，否则 runScript 永远不返回
	r.sess.Subscribe(protocol.EventPaused, func(ev protocol.Event) {
		paused := ev.(*protocol.Paused)
		if !r.evaluated && paused.TopFrameID() != "" {
			r.evaluated = true
			r.evaluateOnPause(ctx, paused)
		}
		r.resume(ctx)
	})
	r.subscribeConsole()

	if err := r.step(ctx, protocol.MethodRunScript, protocol.RunScriptParams{ScriptID: r.res.ScriptID}, nil); err != nil {
		return err
	}
	if err := r.sess.Sync(ctx); err != nil {
		return &CollectionError{Step: StepDispatch, Mode: r.req.Mode, Err: err}
	}
	if err := r.failure(); err != nil {
		return err
	}

	return r.steps(ctx,
		protocol.MethodDebuggerDisable,
		protocol.MethodRuntimeDisable,
	)
}

// evaluateOnPause 在栈顶帧上求值
func (r *run) evaluateOnPause(ctx context.Context, paused *protocol.Paused) {
	eval := &Evaluation{Expression: r.req.Expression}

	var out protocol.EvaluateResult
	err := r.sess.Call(ctx, protocol.MethodEvaluateOnCallFrame, protocol.EvaluateOnCallFrameParams{
		CallFrameID:       paused.TopFrameID(),
		Expression:        r.req.Expression,
		ThrowOnSideEffect: !r.req.AllowSideEffect,
	}, &out)
	switch {
	case err == nil:
		eval.Value = out.Result.Text()
		eval.Object = &out.Result
	case inspector.IsTargetExecution(err):
		eval.Value = annotate.ExceptionSentinel
		eval.Exception = true
		r.log.Debug("evaluation raised", "error", err)
	default:
		r.fail(&CollectionError{Step: protocol.MethodEvaluateOnCallFrame, Mode: r.req.Mode, Err: err})
	}
	if err == nil || eval.Exception {
		r.mu.Lock()
		r.res.Evaluation = eval
		r.mu.Unlock()
	}
}

func (r *run) resume(ctx context.Context) {
	if _, err := r.sess.Send(ctx, protocol.MethodDebuggerResume, nil); err != nil {
		r.fail(&CollectionError{Step: protocol.MethodDebuggerResume, Mode: r.req.Mode, Err: err})
	}
}

// enable 开启 Runtime 以及模式所需的域
func (r *run) enable(ctx context.Context, domain string) error {
	return r.steps(ctx, protocol.MethodRuntimeEnable, domain)
}

// compileAndRun 编译、订阅日志、运行、强制垃圾回收
func (r *run) compileAndRun(ctx context.Context) error {
	if err := r.compile(ctx); err != nil {
		return err
	}
	r.subscribeConsole()
	if err := r.step(ctx, protocol.MethodRunScript, protocol.RunScriptParams{ScriptID: r.res.ScriptID}, nil); err != nil {
		return err
	}
	// 未完成的计数记账会低估结果
	return r.step(ctx, protocol.MethodCollectGarbage, nil, nil)
}

func (r *run) compile(ctx context.Context) error {
	var compiled protocol.CompileScriptResult
	if err := r.step(ctx, protocol.MethodCompileScript, protocol.CompileScriptParams{
		Expression:    r.req.Source,
		SourceURL:     scriptURL,
		PersistScript: true,
	}, &compiled); err != nil {
		return err
	}
	if compiled.ScriptID == "" {
		return &CollectionError{Step: protocol.MethodCompileScript, Mode: r.req.Mode, Err: errors.New("runtime returned no script id")}
	}
	r.res.ScriptID = compiled.ScriptID
	return nil
}

func (r *run) subscribeConsole() {
	r.sess.Subscribe(protocol.EventConsoleAPICalled, func(ev protocol.Event) {
		r.mu.Lock()
		r.messages = append(r.messages, ev.(*protocol.ConsoleAPICalled))
		r.mu.Unlock()
	})
}

// step 执行一条命令，失败时包装为 CollectionError
func (r *run) step(ctx context.Context, method string, params, out any) error {
	if err := r.sess.Call(ctx, method, params, out); err != nil {
		return &CollectionError{Step: method, Mode: r.req.Mode, Err: err}
	}
	return nil
}

// steps 依次执行无参数的命令
func (r *run) steps(ctx context.Context, methods ...string) error {
	for _, method := range methods {
		if err := r.step(ctx, method, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// fail 记录处理器中发生的第一个错误
func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlerErr == nil {
		r.handlerErr = err
	}
}

func (r *run) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlerErr
}

func (r *run) logs() []*protocol.ConsoleAPICalled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.ConsoleAPICalled{}, r.messages...)
}
