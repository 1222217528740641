package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usageTable() *Table {
	return &Table{
		Headers: []string{"Date", "Calls", "Cost"},
		Rows: [][]string{
			{"2025-03-01", "7", "$0.0042"},
			{"2025-03-02", "112", "$1.25"},
		},
		Numeric: []int{1, 2},
	}
}

func TestTable_ColumnWidths(t *testing.T) {
	assert.Equal(t, []int{10, 5, 7}, usageTable().ColumnWidths())

	capped := &Table{
		Headers:  []string{"Note", "Last error"},
		Rows:     [][]string{{"n-1", "entity extraction: context deadline exceeded"}},
		MaxWidth: 12,
	}
	assert.Equal(t, []int{4, 12}, capped.ColumnWidths())

	wide := &Table{Headers: []string{"Title"}, Rows: [][]string{{"会議メモ"}}}
	assert.Equal(t, []int{8}, wide.ColumnWidths())
}

func TestTable_Render(t *testing.T) {
	out := usageTable().Render()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], "Date")
	assert.Contains(t, lines[1], "─")
	assert.Contains(t, lines[2], "2025-03-01")
	// Numeric columns are right-aligned.
	assert.Contains(t, lines[2], "    7")
	assert.Contains(t, lines[3], "  112")
	assert.Contains(t, lines[2], "$0.0042")
	assert.Contains(t, lines[3], "  $1.25")
}

func TestTable_Render_Edges(t *testing.T) {
	assert.Empty(t, (&Table{}).Render())

	short := &Table{
		Headers: []string{"Note", "Owner", "Status"},
		Rows:    [][]string{{"n-1", "u1"}},
	}
	out := short.Render()
	assert.Contains(t, out, "u1")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	truncated := &Table{
		Headers:  []string{"Title"},
		Rows:     [][]string{{"Quarterly planning with Acme"}},
		MaxWidth: 10,
	}
	assert.Contains(t, truncated.Render(), "…")
}

func TestPadding(t *testing.T) {
	assert.Equal(t, "abc  ", padRight("abc", 5))
	assert.Equal(t, "longer", padRight("longer", 3))
	assert.Equal(t, "日本 ", padRight("日本", 5))
	assert.Equal(t, "  abc", padLeft("abc", 5))
	assert.Equal(t, "   ", padLeft("", 3))
}

func TestTruncateID(t *testing.T) {
	tests := map[string]string{
		"n-1b4e28ba-2fa1-11d2-883f-0016d3cca427": "n-1b4e28ba",
		"p-9c2d41aa-0b1e":                        "p-9c2d41aa",
		"abcdef123456":                           "abcdef12",
		"short":                                  "short",
		"":                                       "",
	}
	for in, want := range tests {
		assert.Equal(t, want, TruncateID(in), in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 5))
	assert.Equal(t, "hell…", Truncate("hello world", 5))
	assert.Equal(t, "…", Truncate("hello", 1))
	assert.Equal(t, "hello", Truncate("hello", 0))
	assert.Equal(t, "日…", Truncate("日本語", 4))
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "Met Jane at the…", Snippet("Met  Jane\nat the   office", 16))
}
