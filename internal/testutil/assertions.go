package testutil

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var spanTag = regexp.MustCompile(`<span[^>]*>|</span>`)

// TestAssertions 测试断言助手
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertMethodOrder 断言 expected 按顺序出现在 methods 中（允许中间夹杂其它方法）
func (ta *TestAssertions) AssertMethodOrder(methods []string, expected ...string) {
	ta.t.Helper()
	next := 0
	for _, m := range methods {
		if next < len(expected) && m == expected[next] {
			next++
		}
	}
	assert.Equal(ta.t, len(expected), next,
		"methods %v do not contain %v in order (stopped at %d)", methods, expected, next)
}

// AssertMethodAbsent 断言方法未被调用
func (ta *TestAssertions) AssertMethodAbsent(methods []string, method string) {
	ta.t.Helper()
	assert.NotContains(ta.t, methods, method)
}

// AssertWellFormedSpans 断言 span 标签正确嵌套，并返回最大嵌套深度
func (ta *TestAssertions) AssertWellFormedSpans(html string) int {
	ta.t.Helper()
	depth, maxDepth := 0, 0
	for _, tag := range spanTag.FindAllString(html, -1) {
		if strings.HasPrefix(tag, "</") {
			depth--
			require.GreaterOrEqual(ta.t, depth, 0, "unbalanced closing span in %q", html)
			continue
		}
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	require.Equal(ta.t, 0, depth, "unclosed span in %q", html)
	return maxDepth
}

// StripTags 去掉全部标签，用于还原文本
func StripTags(html string) string {
	return regexp.MustCompile(`<[^>]+>`).ReplaceAllStringFunc(html, func(tag string) string {
		if tag == "<br/>" {
			return tag
		}
		return ""
	})
}
