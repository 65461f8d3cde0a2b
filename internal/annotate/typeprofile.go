package annotate

import (
	"sort"
	"strings"
	"unicode/utf16"

	"GoInspectorLens/internal/protocol"
)

const typeMarkerOpen = `<span class="type" style="background-color: rgb(255, 0, 0); color: white">`

// TypeEntry 某个偏移处观测到的类型名
type TypeEntry struct {
	Offset int
	Types  []string
}

// FlattenTypeProfile 将类型画像条目转为 TypeEntry
func FlattenTypeProfile(entries []protocol.TypeProfileEntry) []TypeEntry {
	out := make([]TypeEntry, 0, len(entries))
	for _, e := range entries {
		names := make([]string, len(e.Types))
		for i, t := range e.Types {
			names[i] = t.Name
		}
		out = append(out, TypeEntry{Offset: e.Offset, Types: names})
	}
	return out
}

// AnnotateTypes 在每个偏移之前插入类型标签，不包裹源码
func AnnotateTypes(source string, entries []TypeEntry) string {
	units := utf16.Encode([]rune(source))
	sorted := append([]TypeEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var b strings.Builder
	cursor := 0
	copyUpTo := func(upTo int) {
		upTo = align(units, min(max(upTo, cursor), len(units)))
		b.WriteString(Escape(string(utf16.Decode(units[cursor:upTo]))))
		cursor = upTo
	}
	for _, entry := range sorted {
		copyUpTo(entry.Offset)
		for _, name := range entry.Types {
			b.WriteString(TypeMarker(name))
		}
	}
	copyUpTo(len(units))
	return b.String()
}

// TypeMarker 单个类型名的标签
func TypeMarker(name string) string {
	return typeMarkerOpen + Escape(name) + "</span>&nbsp;"
}
