package annotate

import "strings"

// 替换顺序与反向顺序，& 必须最先转义、最后还原
var (
	escaper = strings.NewReplacer(
		"&", "&amp;",
		" ", "&nbsp;",
		"<", "&lt;",
		">", "&gt;",
		"\r\n", "<br/>",
		"\n", "<br/>",
		`"`, "&quot;",
	)
	unescaper = strings.NewReplacer(
		"&nbsp;", " ",
		"&lt;", "<",
		"&gt;", ">",
		"<br/>", "\n",
		"&quot;", `"`,
		"&amp;", "&",
	)
)

// Escape 将源码文本转为可直接嵌入页面的形式
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape Escape 的逆变换；"\r\n" 还原为 "\n"
func Unescape(s string) string {
	return unescaper.Replace(s)
}
