package collector

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"GoInspectorLens/internal/annotate"
	"GoInspectorLens/internal/inspector"
	"GoInspectorLens/internal/protocol"
	"GoInspectorLens/internal/testserver"
	"GoInspectorLens/internal/testutil"
)

// countingRuntime 统计获取和释放次数
type countingRuntime struct {
	Runtime
	acquired atomic.Int32
	released atomic.Int32
}

func (c *countingRuntime) Acquire(ctx context.Context) (Target, error) {
	c.acquired.Add(1)
	target, err := c.Runtime.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &countingTarget{Target: target, released: &c.released}, nil
}

type countingTarget struct {
	Target
	released *atomic.Int32
}

func (t *countingTarget) Release() error {
	t.released.Add(1)
	return t.Target.Release()
}

func newCollector(t *testing.T, script *testserver.Script) (*Collector, *countingRuntime, *testutil.TestRuntime) {
	t.Helper()
	rt := testutil.NewTestRuntime(t, script)
	runtime := &countingRuntime{Runtime: FixedRuntime{URL: rt.WebSocketURL()}}
	return New(runtime, DefaultConfig()), runtime, rt
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fn(name string, ranges ...protocol.CoverageRange) protocol.FunctionCoverage {
	return protocol.FunctionCoverage{FunctionName: name, Ranges: ranges, IsBlockCoverage: true}
}

func TestCoverageSequenceAndScriptFiltering(t *testing.T) {
	mine := []protocol.FunctionCoverage{
		fn("", protocol.CoverageRange{StartOffset: 0, EndOffset: 30, Count: 1}),
		fn("f", protocol.CoverageRange{StartOffset: 13, EndOffset: 24, Count: 1}),
	}
	c, runtime, rt := newCollector(t, &testserver.Script{
		ScriptID: "42",
		Console:  []testserver.ConsoleCall{testserver.Log("log", "success")},
		Coverage: []protocol.ScriptCoverage{
			{ScriptID: "7", URL: "node:internal/main", Functions: []protocol.FunctionCoverage{
				fn("bootstrap", protocol.CoverageRange{StartOffset: 0, EndOffset: 900, Count: 1}),
			}},
			{ScriptID: "42", URL: "test", Functions: mine},
		},
	})

	res, err := c.Collect(testContext(t), &Request{
		Source:    "function f(x){return x;}\nf(1);",
		Mode:      ModeCoverage,
		CallCount: true,
		Detailed:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, "42", res.ScriptID)
	if diff := cmp.Diff(mine, res.Coverage); diff != "" {
		t.Errorf("coverage mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "console.log: success", annotate.ConsoleLine(res.Logs[0]))

	assert.Equal(t, []string{
		protocol.MethodRuntimeEnable,
		protocol.MethodProfilerEnable,
		protocol.MethodStartPreciseCoverage,
		protocol.MethodCompileScript,
		protocol.MethodRunScript,
		protocol.MethodCollectGarbage,
		protocol.MethodTakePreciseCoverage,
		protocol.MethodStopPreciseCoverage,
		protocol.MethodProfilerDisable,
		protocol.MethodRuntimeDisable,
	}, rt.Methods())

	start, ok := rt.LastRequest(protocol.MethodStartPreciseCoverage)
	require.True(t, ok)
	assert.JSONEq(t, `{"callCount":true,"detailed":true}`, string(start.Params))

	compile, ok := rt.LastRequest(protocol.MethodCompileScript)
	require.True(t, ok)
	var params protocol.CompileScriptParams
	require.NoError(t, compile.Decode(&params))
	assert.Equal(t, "test", params.SourceURL)
	assert.True(t, params.PersistScript)

	assert.Equal(t, int32(1), runtime.released.Load())
}

func TestCompileErrorIsCollectionError(t *testing.T) {
	c, runtime, rt := newCollector(t, &testserver.Script{
		CompileException: "SyntaxError: Unexpected token '}'",
		Console:          []testserver.ConsoleCall{testserver.Log("log", "never")},
	})

	res, err := c.Collect(testContext(t), &Request{Source: "function (", Mode: ModeCoverage})
	require.Error(t, err)

	var collErr *CollectionError
	require.ErrorAs(t, err, &collErr)
	assert.Equal(t, protocol.MethodCompileScript, collErr.Step)
	assert.Equal(t, ModeCoverage, collErr.Mode)
	assert.True(t, inspector.IsTargetExecution(err))
	assert.Equal(t, "SyntaxError: Unexpected token '}'", Message(err))

	require.NotNil(t, res)
	assert.Empty(t, res.Logs)
	testutil.NewTestAssertions(t).AssertMethodAbsent(rt.Methods(), protocol.MethodRunScript)
	assert.Equal(t, int32(1), runtime.released.Load())
}

func TestRunFailureKeepsCapturedLogs(t *testing.T) {
	c, runtime, rt := newCollector(t, &testserver.Script{
		RunException: "ReferenceError: unreachable is not defined",
		Console: []testserver.ConsoleCall{
			testserver.Log("log", "before"),
			testserver.Log("warn", "still before"),
		},
	})

	res, err := c.Collect(testContext(t), &Request{Source: "console.log('before'); unreachable;", Mode: ModeCoverage})

	var collErr *CollectionError
	require.ErrorAs(t, err, &collErr)
	assert.Equal(t, protocol.MethodRunScript, collErr.Step)
	require.Len(t, res.Logs, 2)
	assert.Equal(t, "before", res.Logs[0].FirstArg())
	assert.Equal(t, "warn", res.Logs[1].Type)

	testutil.NewTestAssertions(t).AssertMethodAbsent(rt.Methods(), protocol.MethodTakePreciseCoverage)
	assert.Equal(t, int32(1), runtime.released.Load())
}

func TestTypeProfileSequenceAndFiltering(t *testing.T) {
	entries := []protocol.TypeProfileEntry{
		{Offset: 13, Types: []protocol.TypeObject{{Name: "number"}}},
		{Offset: 40, Types: []protocol.TypeObject{{Name: "string"}, {Name: "Potato"}}},
	}
	c, _, rt := newCollector(t, &testserver.Script{
		ScriptID: "5",
		TypeProfile: []protocol.ScriptTypeProfile{
			{ScriptID: "5", URL: "test", Entries: entries},
			{ScriptID: "6", URL: "other", Entries: []protocol.TypeProfileEntry{{Offset: 1, Types: []protocol.TypeObject{{Name: "Other"}}}}},
		},
	})

	res, err := c.Collect(testContext(t), &Request{Source: "function add(a, b) { return a + b; }", Mode: ModeTypeProfile})
	require.NoError(t, err)

	if diff := cmp.Diff(entries, res.TypeProfile); diff != "" {
		t.Errorf("type profile mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, res.Coverage)
	assert.Equal(t, []string{
		protocol.MethodRuntimeEnable,
		protocol.MethodProfilerEnable,
		protocol.MethodStartTypeProfile,
		protocol.MethodCompileScript,
		protocol.MethodRunScript,
		protocol.MethodCollectGarbage,
		protocol.MethodTakeTypeProfile,
		protocol.MethodStopTypeProfile,
		protocol.MethodProfilerDisable,
		protocol.MethodRuntimeDisable,
	}, rt.Methods())
}

// sideEffectEvaluator 禁止副作用时拒绝求值，否则返回 1
func sideEffectEvaluator(params protocol.EvaluateOnCallFrameParams) testserver.Reply {
	if params.ThrowOnSideEffect {
		return testserver.Reply{Exception: "EvalError: Possible side-effect in debug-evaluate"}
	}
	return testserver.Value(protocol.RemoteObject{Type: "number", Value: json.RawMessage("1"), Description: "1"})
}

func TestEvaluateRejectsSideEffects(t *testing.T) {
	c, _, rt := newCollector(t, &testserver.Script{
		PauseOnRun: true,
		Evaluate:   sideEffectEvaluator,
		Console:    []testserver.ConsoleCall{testserver.Log("log", "paused soon")},
	})

	res, err := c.Collect(testContext(t), &Request{
		Source:     "var x = 0; debugger;",
		Mode:       ModeEvaluate,
		Expression: "x++",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Evaluation)
	assert.Equal(t, annotate.ExceptionSentinel, res.Evaluation.Value)
	assert.True(t, res.Evaluation.Exception)
	assert.Equal(t, "x++", res.Evaluation.Expression)
	assert.Len(t, res.Logs, 1)

	eval, ok := rt.LastRequest(protocol.MethodEvaluateOnCallFrame)
	require.True(t, ok)
	var params protocol.EvaluateOnCallFrameParams
	require.NoError(t, eval.Decode(&params))
	assert.True(t, params.ThrowOnSideEffect)
	assert.Equal(t, "x++", params.Expression)

	assert.Equal(t, []string{
		protocol.MethodRuntimeEnable,
		protocol.MethodDebuggerEnable,
		protocol.MethodCompileScript,
		protocol.MethodRunScript,
		protocol.MethodEvaluateOnCallFrame,
		protocol.MethodDebuggerResume,
		protocol.MethodDebuggerDisable,
		protocol.MethodRuntimeDisable,
	}, rt.Methods())
}

func TestEvaluateAllowsSideEffects(t *testing.T) {
	c, _, _ := newCollector(t, &testserver.Script{PauseOnRun: true, Evaluate: sideEffectEvaluator})

	res, err := c.Collect(testContext(t), &Request{
		Source:          "var x = 0; debugger;",
		Mode:            ModeEvaluate,
		Expression:      "x++",
		AllowSideEffect: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, "1", res.Evaluation.Value)
	assert.False(t, res.Evaluation.Exception)
	require.NotNil(t, res.Evaluation.Object)
	assert.Equal(t, "number", res.Evaluation.Object.Type)
}

func TestEvaluateResumesEveryPause(t *testing.T) {
	var evaluations atomic.Int32
	c, _, rt := newCollector(t, &testserver.Script{
		PauseOnRun:  true,
		ExtraPauses: 2,
		Evaluate: func(params protocol.EvaluateOnCallFrameParams) testserver.Reply {
			evaluations.Add(1)
			return testserver.Value(testserver.StringValue("first"))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := c.Collect(ctx, &Request{
		Source:     "for (let i = 0; i < 3; i++) { debugger; }",
		Mode:       ModeEvaluate,
		Expression: "i",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, "first", res.Evaluation.Value)
	assert.Equal(t, int32(1), evaluations.Load())

	assert.Equal(t, []string{
		protocol.MethodRuntimeEnable,
		protocol.MethodDebuggerEnable,
		protocol.MethodCompileScript,
		protocol.MethodRunScript,
		protocol.MethodEvaluateOnCallFrame,
		protocol.MethodDebuggerResume,
		protocol.MethodDebuggerResume,
		protocol.MethodDebuggerResume,
		protocol.MethodDebuggerDisable,
		protocol.MethodRuntimeDisable,
	}, rt.Methods())
}

func TestEvaluateSkipsPauseWithoutCallFrames(t *testing.T) {
	c, _, rt := newCollector(t, &testserver.Script{
		PauseOnRun:  true,
		Frameless:   true,
		ExtraPauses: 1,
		Evaluate:    sideEffectEvaluator,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := c.Collect(ctx, &Request{
		Source:          "debugger; debugger;",
		Mode:            ModeEvaluate,
		Expression:      "x++",
		AllowSideEffect: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, "1", res.Evaluation.Value)

	testutil.NewTestAssertions(t).AssertMethodOrder(rt.Methods(),
		protocol.MethodRunScript,
		protocol.MethodDebuggerResume,
		protocol.MethodEvaluateOnCallFrame,
		protocol.MethodDebuggerResume,
		protocol.MethodDebuggerDisable,
	)
}

func TestEvaluateWithoutPauseHasNoEvaluation(t *testing.T) {
	c, _, rt := newCollector(t, &testserver.Script{})

	res, err := c.Collect(testContext(t), &Request{Source: "1 + 1", Mode: ModeEvaluate, Expression: "x"})
	require.NoError(t, err)
	assert.Nil(t, res.Evaluation)
	testutil.NewTestAssertions(t).AssertMethodAbsent(rt.Methods(), protocol.MethodEvaluateOnCallFrame)
}

func TestChannelDropIsReported(t *testing.T) {
	c, runtime, rt := newCollector(t, &testserver.Script{})
	rt.Handle(protocol.MethodRunScript, func(_ testserver.Request, conn *testserver.Connection) testserver.Reply {
		conn.Emit(string(protocol.EventConsoleAPICalled), map[string]any{
			"type": "log",
			"args": []protocol.RemoteObject{testserver.StringValue("last words")},
		})
		return testserver.Reply{Drop: true}
	})

	res, err := c.Collect(testContext(t), &Request{Source: "process.exit()", Mode: ModeCoverage})
	assert.True(t, inspector.IsChannelClosed(err), "got %v", err)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "last words", res.Logs[0].FirstArg())
	assert.Equal(t, int32(1), runtime.released.Load())
}

func TestConnectFailureReleasesTarget(t *testing.T) {
	rt := testutil.NewTestRuntime(t, nil)
	url := rt.WebSocketURL()
	rt.Stop()

	runtime := &countingRuntime{Runtime: FixedRuntime{URL: url}}
	config := DefaultConfig()
	config.Inspector.HandshakeTimeout = time.Second
	c := New(runtime, config)

	_, err := c.Collect(testContext(t), &Request{Source: "1", Mode: ModeCoverage})

	var collErr *CollectionError
	require.ErrorAs(t, err, &collErr)
	assert.Equal(t, StepConnect, collErr.Step)
	var connErr *inspector.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, int32(1), runtime.released.Load())
}

func TestAcquireFailure(t *testing.T) {
	c := New(FixedRuntime{}, nil)
	_, err := c.Collect(testContext(t), &Request{Source: "1", Mode: ModeCoverage})

	var collErr *CollectionError
	require.ErrorAs(t, err, &collErr)
	assert.Equal(t, StepAcquire, collErr.Step)
}

func TestInvalidRequestsDoNotAcquireRuntime(t *testing.T) {
	runtime := &countingRuntime{Runtime: FixedRuntime{URL: "ws://127.0.0.1:1/unused"}}
	c := New(runtime, nil)
	ctx := testContext(t)

	_, err := c.Collect(ctx, &Request{Source: "  ", Mode: ModeCoverage})
	assert.ErrorIs(t, err, ErrEmptySource)

	_, err = c.Collect(ctx, &Request{Source: "1", Mode: "heap"})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = c.Collect(ctx, &Request{Source: "1", Mode: ModeEvaluate})
	assert.ErrorIs(t, err, ErrMissingExpression)

	assert.Zero(t, runtime.acquired.Load())
}

func TestTranscriptIsAttached(t *testing.T) {
	rt := testutil.NewTestRuntime(t, &testserver.Script{Console: []testserver.ConsoleCall{testserver.Log("log", "hi")}})
	config := DefaultConfig()
	config.Transcript = true
	c := New(FixedRuntime{URL: rt.WebSocketURL()}, config)

	res, err := c.Collect(testContext(t), &Request{Source: "console.log('hi')", Mode: ModeCoverage})
	require.NoError(t, err)
	require.NotNil(t, res.Transcript)
	assert.Equal(t, int64(10), res.Transcript.Stats.Commands)
	assert.Equal(t, int64(1), res.Transcript.Stats.Events)
	assert.NotEmpty(t, res.Transcript.SessionID)
}

func TestConcurrentCollectionsAreIndependent(t *testing.T) {
	rt := testutil.NewTestRuntime(t, &testserver.Script{
		Console: []testserver.ConsoleCall{testserver.Log("log", "a"), testserver.Log("log", "b")},
	})
	config := DefaultConfig()
	config.MaxConcurrent = 2
	c := New(FixedRuntime{URL: rt.WebSocketURL()}, config)

	g, ctx := errgroup.WithContext(testContext(t))
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			res, err := c.Collect(ctx, &Request{Source: "1", Mode: ModeCoverage})
			if err != nil {
				return err
			}
			if len(res.Logs) != 2 {
				return errors.New("logs leaked between sessions")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"coverage":     ModeCoverage,
		" TypeProfile": ModeTypeProfile,
		"type-profile": ModeTypeProfile,
		"evaluate":     ModeEvaluate,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("heap")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
