package collector

import (
	"errors"
	"fmt"
	"strings"
)

// Mode 收集模式
type Mode string

const (
	ModeCoverage    Mode = "coverage"
	ModeTypeProfile Mode = "typeprofile"
	ModeEvaluate    Mode = "evaluate"
)

var (
	ErrEmptySource       = errors.New("source is empty")
	ErrUnknownMode       = errors.New("unknown collection mode")
	ErrMissingExpression = errors.New("evaluate mode requires an expression")
)

// Modes 全部支持的模式
func Modes() []Mode {
	return []Mode{ModeCoverage, ModeTypeProfile, ModeEvaluate}
}

// ParseMode 解析模式名
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeCoverage, ModeTypeProfile, ModeEvaluate:
		return m, nil
	case "type-profile", "type_profile":
		return ModeTypeProfile, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Request 一次收集请求
type Request struct {
	Source          string `json:"source"`
	Mode            Mode   `json:"mode"`
	CallCount       bool   `json:"call_count,omitempty"`
	Detailed        bool   `json:"detailed,omitempty"`
	Expression      string `json:"expression,omitempty"`
	AllowSideEffect bool   `json:"allow_side_effect,omitempty"`
}

// Validate 在获取运行时之前校验请求
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return ErrEmptySource
	}
	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return err
	}
	r.Mode = mode
	if mode == ModeEvaluate && strings.TrimSpace(r.Expression) == "" {
		return ErrMissingExpression
	}
	return nil
}
