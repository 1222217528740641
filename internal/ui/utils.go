package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const defaultTerminalWidth = 100

// IsInteractive checks if stdout is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the width of stdout, or a default when stdout is
// not a terminal.
func TerminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultTerminalWidth
	}
	return w
}

// RenderPanel renders content in a rounded box with a bold title.
func RenderPanel(title, content string, border lipgloss.Color) string {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1)
	if title != "" {
		content = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary).Render(title) + "\n" + content
	}
	return style.Render(content)
}

// Truncate shortens s to at most maxWidth terminal cells, ending in an
// ellipsis when anything was cut.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 0 || lipgloss.Width(s) <= maxWidth {
		return s
	}
	if maxWidth == 1 {
		return "…"
	}
	var sb strings.Builder
	used := 0
	for _, r := range s {
		rw := lipgloss.Width(string(r))
		if used+rw > maxWidth-1 {
			break
		}
		sb.WriteRune(r)
		used += rw
	}
	return sb.String() + "…"
}

// Snippet collapses whitespace in s and truncates it to maxWidth.
func Snippet(s string, maxWidth int) string {
	return Truncate(strings.Join(strings.Fields(s), " "), maxWidth)
}
