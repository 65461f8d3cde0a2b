package protocol

import (
	"encoding/json"
)

// StartPreciseCoverageParams 开始精确覆盖率收集的参数
type StartPreciseCoverageParams struct {
	CallCount bool `json:"callCount"`
	Detailed  bool `json:"detailed"`
}

// CompileScriptParams 编译脚本参数
type CompileScriptParams struct {
	Expression    string `json:"expression"`
	SourceURL     string `json:"sourceURL"`
	PersistScript bool   `json:"persistScript"`
}

// CompileScriptResult 编译结果
type CompileScriptResult struct {
	ScriptID string `json:"scriptId"`
}

// RunScriptParams 运行脚本参数
type RunScriptParams struct {
	ScriptID string `json:"scriptId"`
}

// EvaluateOnCallFrameParams 在暂停的调用帧上求值
type EvaluateOnCallFrameParams struct {
	CallFrameID       string `json:"callFrameId"`
	Expression        string `json:"expression"`
	ThrowOnSideEffect bool   `json:"throwOnSideEffect"`
}

// RemoteObject 运行时中的值的镜像
type RemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	ClassName   string          `json:"className,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ExceptionDetails 目标内异常详情
type ExceptionDetails struct {
	ExceptionID  int           `json:"exceptionId"`
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber"`
	ScriptID     string        `json:"scriptId,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// EvaluateResult 求值结果
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// CoverageRange 一段源码区间及其执行次数
type CoverageRange struct {
	StartOffset int   `json:"startOffset"`
	EndOffset   int   `json:"endOffset"`
	Count       int64 `json:"count"`
}

// FunctionCoverage 单个函数的覆盖率
type FunctionCoverage struct {
	FunctionName    string          `json:"functionName"`
	Ranges          []CoverageRange `json:"ranges"`
	IsBlockCoverage bool            `json:"isBlockCoverage"`
}

// ScriptCoverage 单个脚本的覆盖率
type ScriptCoverage struct {
	ScriptID  string             `json:"scriptId"`
	URL       string             `json:"url"`
	Functions []FunctionCoverage `json:"functions"`
}

// TakePreciseCoverageResult takePreciseCoverage 的结果
type TakePreciseCoverageResult struct {
	Result    []ScriptCoverage `json:"result"`
	Timestamp float64          `json:"timestamp,omitempty"`
}

// TypeObject 观测到的类型
type TypeObject struct {
	Name string `json:"name"`
}

// TypeProfileEntry 某个源码位置观测到的类型集合
type TypeProfileEntry struct {
	Offset int          `json:"offset"`
	Types  []TypeObject `json:"types"`
}

// ScriptTypeProfile 单个脚本的类型画像
type ScriptTypeProfile struct {
	ScriptID string             `json:"scriptId"`
	URL      string             `json:"url"`
	Entries  []TypeProfileEntry `json:"entries"`
}

// TakeTypeProfileResult takeTypeProfile 的结果
type TakeTypeProfileResult struct {
	Result []ScriptTypeProfile `json:"result"`
}

// CallFrame 暂停时的调用帧
type CallFrame struct {
	CallFrameID  string `json:"callFrameId"`
	FunctionName string `json:"functionName"`
	Location     struct {
		ScriptID     string `json:"scriptId"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
	} `json:"location"`
}
