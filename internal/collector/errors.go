package collector

import (
	"errors"
	"fmt"

	"GoInspectorLens/internal/inspector"
)

// 协议命令之外的步骤名
const (
	StepAcquire  = "acquire runtime"
	StepConnect  = "connect"
	StepDispatch = "dispatch events"
)

// CollectionError 收集流程中某一步失败
type CollectionError struct {
	Step string
	Mode Mode
	Err  error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("%s collection failed at %s: %v", e.Mode, e.Step, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Message 返回面向用户的错误文本：目标内异常显示其描述，其余显示完整错误
func Message(err error) string {
	var execErr *inspector.TargetExecutionError
	if errors.As(err, &execErr) {
		return execErr.Description
	}
	return err.Error()
}
