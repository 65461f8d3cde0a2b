package protocol

// 命令名定义 - 发往被检测运行时的命令
const (
	// Runtime 域
	MethodRuntimeEnable  = "Runtime.enable"
	MethodRuntimeDisable = "Runtime.disable"
	MethodCompileScript  = "Runtime.compileScript"
	MethodRunScript      = "Runtime.runScript"

	// Profiler 域
	MethodProfilerEnable       = "Profiler.enable"
	MethodProfilerDisable      = "Profiler.disable"
	MethodStartPreciseCoverage = "Profiler.startPreciseCoverage"
	MethodStopPreciseCoverage  = "Profiler.stopPreciseCoverage"
	MethodTakePreciseCoverage  = "Profiler.takePreciseCoverage"
	MethodStartTypeProfile     = "Profiler.startTypeProfile"
	MethodStopTypeProfile      = "Profiler.stopTypeProfile"
	MethodTakeTypeProfile      = "Profiler.takeTypeProfile"

	// Debugger 域
	MethodDebuggerEnable      = "Debugger.enable"
	MethodDebuggerDisable     = "Debugger.disable"
	MethodDebuggerResume      = "Debugger.resume"
	MethodEvaluateOnCallFrame = "Debugger.evaluateOnCallFrame"

	// HeapProfiler 域
	MethodCollectGarbage = "HeapProfiler.collectGarbage"
)

// EventKind 事件类型（即事件的方法名）
type EventKind string

// 事件类型定义
const (
	EventConsoleAPICalled EventKind = "Runtime.consoleAPICalled"
	EventPaused           EventKind = "Debugger.paused"
)

// String 实现字符串接口
func (k EventKind) String() string {
	return string(k)
}

// Domain 返回方法名所属的域，例如 "Profiler.enable" -> "Profiler"
func Domain(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '.' {
			return method[:i]
		}
	}
	return method
}
