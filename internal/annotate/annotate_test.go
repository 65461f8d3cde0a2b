package annotate

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoInspectorLens/internal/protocol"
	"GoInspectorLens/internal/testutil"
)

func span(count int64) string {
	return `<span style="background-color: ` + Color(count) + `">`
}

func roundTrip(html string) string {
	return Unescape(testutil.StripTags(html))
}

func TestEscapeTable(t *testing.T) {
	in := "a & b <c> \"d\"\r\ne\n"
	out := Escape(in)
	assert.Equal(t, "a&nbsp;&amp;&nbsp;b&nbsp;&lt;c&gt;&nbsp;&quot;d&quot;<br/>e<br/>", out)
	assert.Equal(t, "a & b <c> \"d\"\ne\n", Unescape(out))
}

func TestUnescapeDoesNotDoubleDecode(t *testing.T) {
	src := "x &lt; y &amp;&amp; <br/>"
	assert.Equal(t, src, Unescape(Escape(src)))
}

func TestAnnotateNestedScenario(t *testing.T) {
	src := "function f(x){return x;}\nf(1);"
	require.Equal(t, 30, len(src))

	out := Annotate(src, []Range{
		{Start: 0, End: 30, Count: 1},
		{Start: 13, End: 24, Count: 1},
	}, Options{CollapseClosingBraces: true})

	want := span(1) + "function&nbsp;f(x)" + span(1) + "{return&nbsp;x;}</span><br/>f(1);</span>"
	assert.Equal(t, want, out)
	assert.Equal(t, 2, strings.Count(out, "<span"))
	assert.Equal(t, src, roundTrip(out))
}

func TestAnnotateShowCount(t *testing.T) {
	out := Annotate("abc", []Range{{Start: 0, End: 3, Count: 7}}, Options{ShowCount: true})
	assert.Equal(t, `<span style="background-color: rgb(255, 209, 209)" title="count: 7">abc</span>`, out)
}

func TestAnnotateRangesNeedNotBeSorted(t *testing.T) {
	src := "0123456789"
	ranges := []Range{
		{Start: 6, End: 8, Count: 3},
		{Start: 0, End: 10, Count: 1},
		{Start: 2, End: 4, Count: 2},
	}
	out := Annotate(src, ranges, DefaultOptions())
	assert.Equal(t, span(1)+"01"+span(2)+"23</span>45"+span(3)+"67</span>89</span>", out)
}

func TestAnnotateTieBreak(t *testing.T) {
	src := "abcdefghij"
	ranges := []Range{
		{Start: 0, End: 5, Count: 2},
		{Start: 0, End: 10, Count: 1},
	}

	wider := Annotate(src, ranges, Options{TieBreak: WiderFirst})
	assert.Equal(t, span(1)+span(2)+"abcde</span>fghij</span>", wider)

	narrower := Annotate(src, ranges, Options{TieBreak: NarrowerFirst})
	assert.Equal(t, span(2)+"abcde</span>"+span(1)+"fghij</span>", narrower)

	ta := testutil.NewTestAssertions(t)
	for _, out := range []string{wider, narrower} {
		ta.AssertWellFormedSpans(out)
		assert.Equal(t, src, roundTrip(out))
	}
}

func TestSortRangesZeroWidthFirst(t *testing.T) {
	for _, tie := range []TieBreak{WiderFirst, NarrowerFirst} {
		got := sortRanges([]Range{
			{Start: 3, End: 8},
			{Start: 3, End: 3},
			{Start: 3, End: 5},
			{Start: 0, End: 9},
		}, tie)

		want := []Range{{Start: 0, End: 9}, {Start: 3, End: 3}, {Start: 3, End: 8}, {Start: 3, End: 5}}
		if tie == NarrowerFirst {
			want = []Range{{Start: 0, End: 9}, {Start: 3, End: 3}, {Start: 3, End: 5}, {Start: 3, End: 8}}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s order mismatch (-want +got):\n%s", tie, diff)
		}
	}
}

func TestAnnotateZeroWidthRanges(t *testing.T) {
	src := "0123456789"
	out := Annotate(src, []Range{
		{Start: 0, End: 10, Count: 2},
		{Start: 3, End: 8, Count: 1},
		{Start: 3, End: 3, Count: 0},
		{Start: 10, End: 10, Count: 0},
	}, DefaultOptions())

	assert.Equal(t, span(2)+"012"+span(0)+"</span>"+span(1)+"34567</span>89</span>"+span(0)+"</span>", out)
	testutil.NewTestAssertions(t).AssertWellFormedSpans(out)
	assert.Equal(t, src, roundTrip(out))
}

func TestAnnotateClampsOffsets(t *testing.T) {
	src := "abc"
	out := Annotate(src, []Range{
		{Start: -4, End: 2, Count: 1},
		{Start: 1, End: 99, Count: 1},
		{Start: 5, End: 2, Count: 1},
	}, DefaultOptions())

	testutil.NewTestAssertions(t).AssertWellFormedSpans(out)
	assert.Equal(t, src, roundTrip(out))
}

func TestAnnotateDoesNotSplitSurrogatePairs(t *testing.T) {
	src := "a😀b"
	out := Annotate(src, []Range{{Start: 2, End: 4, Count: 1}}, DefaultOptions())
	assert.Equal(t, "a😀"+span(1)+"b</span>", out)
}

func TestAnnotateUTF16Offsets(t *testing.T) {
	src := "é😀ab"
	// 😀 占两个 UTF-16 码元
	out := Annotate(src, []Range{{Start: 1, End: 3, Count: 1}}, DefaultOptions())
	assert.Equal(t, "é"+span(1)+"😀</span>ab", out)
	assert.Equal(t, src, roundTrip(out))
}

func TestCollapseClosingBraces(t *testing.T) {
	src := "if (a) {\n  b();\n} else {\n  c();\n}\n"
	elseStart := strings.Index(src, " else")
	lastBrace := strings.LastIndex(src, "\n}")
	ranges := []Range{
		{Start: 0, End: len(src), Count: 1},
		{Start: elseStart, End: len(src), Count: 0},
		{Start: lastBrace, End: len(src) - 1, Count: 0},
	}

	plain := Annotate(src, ranges, DefaultOptions())
	assert.Equal(t, 2, strings.Count(plain, span(0)))

	collapsed := Annotate(src, ranges, Options{CollapseClosingBraces: true})
	assert.Equal(t, 1, strings.Count(collapsed, span(0)), "only the brace-only span is unwrapped")
	assert.Equal(t, src, roundTrip(collapsed))
	testutil.NewTestAssertions(t).AssertWellFormedSpans(collapsed)
}

func TestCollapseOnlyMarkupWhitespace(t *testing.T) {
	opts := Options{CollapseClosingBraces: true}
	cases := map[string]bool{
		"x\r\n}\r\n": true,
		"x \n} ":     true,
		"x\r}":       false,
		"x\t}":       false,
		"x}\r":       false,
	}
	for src, unwrapped := range cases {
		out := Annotate(src, []Range{{Start: 1, End: len(src), Count: 0}}, opts)
		assert.Equal(t, !unwrapped, strings.Contains(out, span(0)), "%q", src)
		assert.Equal(t, strings.ReplaceAll(src, "\r\n", "\n"), roundTrip(out), "%q", src)
	}
}

func TestCollapseKeepsCountedAndNestedSpans(t *testing.T) {
	src := "{\n}"
	counted := Annotate(src, []Range{{Start: 1, End: 3, Count: 4}}, Options{CollapseClosingBraces: true})
	assert.Contains(t, counted, span(4))

	nested := Annotate(src, []Range{
		{Start: 0, End: 3, Count: 0},
		{Start: 0, End: 1, Count: 2},
	}, Options{CollapseClosingBraces: true})
	assert.Equal(t, 2, strings.Count(nested, "<span"))
}

func TestCountMonotonicity(t *testing.T) {
	assert.Equal(t, 0, Intensity(0))
	assert.Equal(t, "rgb(255, 255, 255)", Color(0))

	prev := Intensity(0)
	for count := int64(1); count < 500; count++ {
		cur := Intensity(count)
		assert.GreaterOrEqual(t, cur, prev, "count %d", count)
		assert.LessOrEqual(t, cur, maxIntensity)
		prev = cur
	}
	assert.Equal(t, maxIntensity, Intensity(1<<62))
}

// randomNested 生成正确嵌套的区间
func randomNested(r *rand.Rand, start, end, depth int, out *[]Range) {
	if depth == 0 || end-start < 2 {
		return
	}
	pos := start
	for pos < end && r.IntN(3) > 0 {
		s := pos + r.IntN(end-pos)
		e := s + r.IntN(end-s+1)
		*out = append(*out, Range{Start: s, End: e, Count: int64(r.IntN(6))})
		randomNested(r, s, e, depth-1, out)
		pos = e + 1
	}
}

func TestAnnotatePropertiesOnRandomInput(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 42))
	alphabet := []rune("ab {}<>&\"\n\tλ😀")
	ta := testutil.NewTestAssertions(t)

	for i := 0; i < 300; i++ {
		var sb strings.Builder
		for n := r.IntN(40); n > 0; n-- {
			sb.WriteRune(alphabet[r.IntN(len(alphabet))])
		}
		src := sb.String()
		length := len([]rune(src)) + strings.Count(src, "😀")

		var nested []Range
		randomNested(r, 0, length, 4, &nested)
		r.Shuffle(len(nested), func(a, b int) { nested[a], nested[b] = nested[b], nested[a] })

		// 任意区间（包括部分重叠）也必须得到正确嵌套的输出
		arbitrary := make([]Range, r.IntN(6))
		for j := range arbitrary {
			arbitrary[j] = Range{Start: r.IntN(length + 2), End: r.IntN(length + 2), Count: int64(r.IntN(3))}
		}

		for _, ranges := range [][]Range{nested, arbitrary} {
			for _, opts := range []Options{
				{TieBreak: WiderFirst},
				{TieBreak: NarrowerFirst, CollapseClosingBraces: true},
			} {
				out := Annotate(src, ranges, opts)
				ta.AssertWellFormedSpans(out)
				require.Equal(t, src, roundTrip(out), "ranges %v opts %+v", ranges, opts)
			}
		}
	}
}

func TestFlattenCoverage(t *testing.T) {
	functions := []protocol.FunctionCoverage{
		{FunctionName: "", Ranges: []protocol.CoverageRange{{StartOffset: 0, EndOffset: 30, Count: 1}}},
		{FunctionName: "f", Ranges: []protocol.CoverageRange{
			{StartOffset: 10, EndOffset: 24, Count: 1},
			{StartOffset: 15, EndOffset: 20, Count: 0},
		}},
	}
	want := []Range{{0, 30, 1}, {10, 24, 1}, {15, 20, 0}}
	if diff := cmp.Diff(want, FlattenCoverage(functions)); diff != "" {
		t.Errorf("FlattenCoverage mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTieBreak(t *testing.T) {
	tie, err := ParseTieBreak("narrower_first")
	require.NoError(t, err)
	assert.Equal(t, NarrowerFirst, tie)

	tie, err = ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, WiderFirst, tie)

	_, err = ParseTieBreak("sideways")
	assert.ErrorIs(t, err, ErrUnknownTieBreak)
}
