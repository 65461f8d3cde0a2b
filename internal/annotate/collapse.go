package annotate

import (
	"regexp"
	"unicode/utf16"
)

var closingBrace = regexp.MustCompile(`^(?: |\r?\n)*\}(?: |\r?\n)*$`)

// collapse 展开只包住一个右花括号（及其前后空白）的零计数 span，文本保持不变
func collapse(n *node) {
	if !n.span {
		return
	}
	var children []*node
	for _, child := range n.children {
		collapse(child)
		if isClosingBrace(child) {
			children = append(children, child.children...)
			continue
		}
		children = append(children, child)
	}
	n.children = children
}

// isClosingBrace 判断节点是否为可展开的零计数 span
func isClosingBrace(n *node) bool {
	if !n.span || n.count != 0 || len(n.children) == 0 {
		return false
	}
	var text []uint16
	for _, child := range n.children {
		if child.span {
			return false
		}
		text = append(text, child.text...)
	}
	return closingBrace.MatchString(string(utf16.Decode(text)))
}
