package ui

import (
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders report rows as aligned terminal columns. Widths are in
// terminal cells so CJK titles line up.
type Table struct {
	Headers  []string
	Rows     [][]string
	MaxWidth int   // per-column cap; 0 means no cap
	Numeric  []int // column indexes aligned right (counts, tokens, cost)
}

// ColumnWidths returns the rendered width of every column.
func (t *Table) ColumnWidths() []int {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}
	if t.MaxWidth > 0 {
		for i := range widths {
			widths[i] = min(widths[i], t.MaxWidth)
		}
	}
	return widths
}

func (t *Table) Render() string {
	if len(t.Headers) == 0 {
		return ""
	}
	widths := t.ColumnWidths()

	header := lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
	cell := lipgloss.NewStyle().Foreground(ColorText)
	rule := lipgloss.NewStyle().Foreground(ColorSecondary)

	var sb strings.Builder
	line := func(values []string, style lipgloss.Style) {
		cells := make([]string, len(widths))
		for i, w := range widths {
			v := ""
			if i < len(values) {
				v = Truncate(values[i], w)
			}
			cells[i] = style.Render(t.pad(i, v, w))
		}
		sb.WriteString(" " + strings.Join(cells, "  ") + "\n")
	}

	line(t.Headers, header)
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = rule.Render(strings.Repeat("─", w))
	}
	sb.WriteString(" " + strings.Join(parts, "──") + "\n")
	for _, row := range t.Rows {
		line(row, cell)
	}
	return sb.String()
}

func (t *Table) pad(col int, s string, width int) string {
	if slices.Contains(t.Numeric, col) {
		return padLeft(s, width)
	}
	return padRight(s, width)
}

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func padLeft(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return strings.Repeat(" ", width-w) + s
	}
	return s
}

// TruncateID shortens a prefixed id ("n-1b4e28ba-...") to its prefix plus
// eight characters.
func TruncateID(id string) string {
	keep := 8
	if i := strings.IndexByte(id, '-'); i > 0 && i <= 3 {
		keep += i + 1
	}
	if len(id) > keep {
		return id[:keep]
	}
	return id
}
