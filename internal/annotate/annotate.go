// Package annotate 将覆盖率区间和类型画像渲染为带嵌套标注的源码
package annotate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"

	"GoInspectorLens/internal/protocol"
)

// TieBreak 起点相同时的排序规则
type TieBreak int

const (
	// WiderFirst 终点降序，较宽的区间在外层
	WiderFirst TieBreak = iota
	// NarrowerFirst 终点升序，较宽的区间从较窄区间结束处开始
	NarrowerFirst
)

var ErrUnknownTieBreak = errors.New("unknown tie break")

// String 实现字符串接口
func (t TieBreak) String() string {
	switch t {
	case WiderFirst:
		return "wider_first"
	case NarrowerFirst:
		return "narrower_first"
	default:
		return fmt.Sprintf("TieBreak(%d)", int(t))
	}
}

// ParseTieBreak 解析配置中的排序规则
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wider_first", "wider":
		return WiderFirst, nil
	case "narrower_first", "narrower":
		return NarrowerFirst, nil
	default:
		return WiderFirst, fmt.Errorf("%w: %q", ErrUnknownTieBreak, s)
	}
}

// Options 渲染选项
type Options struct {
	TieBreak              TieBreak
	ShowCount             bool // 附加 title="count: N"
	CollapseClosingBraces bool // 去掉只包住右花括号的零计数区间
}

// DefaultOptions 返回默认渲染选项
func DefaultOptions() Options {
	return Options{TieBreak: WiderFirst}
}

// Range 源码上的一段区间，偏移以 UTF-16 码元计
type Range struct {
	Start int
	End   int
	Count int64
}

// FlattenCoverage 合并所有函数的区间
func FlattenCoverage(functions []protocol.FunctionCoverage) []Range {
	var ranges []Range
	for _, fn := range functions {
		for _, r := range fn.Ranges {
			ranges = append(ranges, Range{Start: r.StartOffset, End: r.EndOffset, Count: r.Count})
		}
	}
	return ranges
}

// node 标注树节点：文本叶子或 span
type node struct {
	text     []uint16
	span     bool
	count    int64
	children []*node
}

// frame 扫描栈中一个打开的区间
type frame struct {
	node *node
	end  int
}

// Annotate 将区间渲染为正确嵌套的 span 标注
func Annotate(source string, ranges []Range, opts Options) string {
	units := utf16.Encode([]rune(source))
	root := build(units, sortRanges(clamp(ranges, units), opts.TieBreak))
	if opts.CollapseClosingBraces {
		collapse(root)
	}

	var b strings.Builder
	for _, child := range root.children {
		render(&b, child, opts)
	}
	return b.String()
}

// clamp 将偏移限制在 [0, len(units)]，终点不小于起点，且不落在代理对中间
func clamp(ranges []Range, units []uint16) []Range {
	out := make([]Range, len(ranges))
	for i, r := range ranges {
		r.Start = align(units, min(max(r.Start, 0), len(units)))
		r.End = align(units, min(max(r.End, r.Start), len(units)))
		out[i] = r
	}
	return out
}

// align 若偏移切开了一个代理对，则后移到该字符之后
func align(units []uint16, off int) int {
	if off > 0 && off < len(units) &&
		units[off-1] >= 0xD800 && units[off-1] < 0xDC00 &&
		units[off] >= 0xDC00 && units[off] < 0xE000 {
		return off + 1
	}
	return off
}

// sortRanges 按起点升序；起点相同时零宽区间在前，其余按 tie 排序
func sortRanges(ranges []Range, tie TieBreak) []Range {
	sort.SliceStable(ranges, func(i, j int) bool {
		a, b := ranges[i], ranges[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		aZero, bZero := a.End == a.Start, b.End == b.Start
		if aZero != bZero {
			return aZero
		}
		if tie == NarrowerFirst {
			return a.End < b.End
		}
		return a.End > b.End
	})
	return ranges
}

// build 栈式扫描，生成标注树
func build(units []uint16, ranges []Range) *node {
	root := &node{span: true}
	stack := []frame{{node: root, end: len(units)}}
	cursor := 0

	emit := func(upTo int) {
		if upTo <= cursor {
			return
		}
		top := stack[len(stack)-1].node
		top.children = append(top.children, &node{text: units[cursor:upTo]})
		cursor = upTo
	}
	closeTop := func() {
		emit(stack[len(stack)-1].end)
		stack = stack[:len(stack)-1]
	}

	for _, r := range ranges {
		// 栈顶在当前区间开始前结束，或当前区间越过栈顶的终点
		for len(stack) > 1 {
			top := stack[len(stack)-1]
			if top.end > r.Start && r.End <= top.end {
				break
			}
			closeTop()
		}
		emit(r.Start)

		n := &node{span: true, count: r.Count}
		parent := stack[len(stack)-1].node
		parent.children = append(parent.children, n)
		stack = append(stack, frame{node: n, end: r.End})
	}
	for len(stack) > 1 {
		closeTop()
	}
	emit(len(units))
	return root
}

// render 输出节点
func render(b *strings.Builder, n *node, opts Options) {
	if !n.span {
		b.WriteString(Escape(string(utf16.Decode(n.text))))
		return
	}
	b.WriteString(`<span style="background-color: `)
	b.WriteString(Color(n.count))
	b.WriteString(`"`)
	if opts.ShowCount {
		fmt.Fprintf(b, ` title="count: %d"`, n.count)
	}
	b.WriteString(">")
	for _, child := range n.children {
		render(b, child, opts)
	}
	b.WriteString("</span>")
}
