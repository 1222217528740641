package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/usage"
)

// RenderSearchResults formats a search response as a ranked table.
func RenderSearchResults(resp *knowledge.Response, width int) string {
	var sb strings.Builder
	for _, w := range resp.Warnings {
		sb.WriteString(Icon("!", StyleWarning) + " " + StyleWarning.Render(w) + "\n")
	}
	if len(resp.Hits) == 0 {
		sb.WriteString(StyleSubtle.Render(fmt.Sprintf("No notes match %q.", resp.Query)) + "\n")
		return sb.String()
	}

	rows := make([][]string, len(resp.Hits))
	for i, h := range resp.Hits {
		rows[i] = []string{
			strconv.Itoa(i + 1),
			TruncateID(h.Note.ID),
			h.Note.Title,
			matchBadge(h.MatchType),
			fmt.Sprintf("%.4f", h.Score),
			Snippet(h.Note.Snippet, 60),
		}
	}
	table := &Table{
		Headers:  []string{"#", "ID", "Title", "Match", "Score", "Snippet"},
		Rows:     rows,
		MaxWidth: columnBudget(width, 6),
	}
	sb.WriteString(table.Render())
	sb.WriteString(StyleSubtle.Render(fmt.Sprintf("Showing %d of %d matches", len(resp.Hits), resp.Total)) + "\n")
	return sb.String()
}

func matchBadge(m knowledge.MatchType) string {
	switch m {
	case knowledge.MatchBoth:
		return StyleMatchBoth.Render(string(m))
	case knowledge.MatchSemantic:
		return StyleMatchSemantic.Render(string(m))
	default:
		return StyleMatchKeyword.Render(string(m))
	}
}

// RenderQueueHealth formats queue counts and embedding coverage. stats may
// be nil.
func RenderQueueHealth(h *memory.QueueHealth, stats *memory.EmbeddingStats) string {
	var lines []string
	for _, s := range []memory.QueueStatus{memory.QueuePending, memory.QueueProcessing, memory.QueueCompleted, memory.QueueFailed} {
		lines = append(lines, fmt.Sprintf("%-11s %d", s, h.Counts[s]))
	}
	lines = append(lines, fmt.Sprintf("%-11s %s", "oldest", formatAge(h.OldestPendingAge)))
	if stats != nil {
		lines = append(lines, "",
			fmt.Sprintf("embedded    %d/%d notes", stats.NotesWithEmbeddings, stats.TotalNotes))
		if stats.EmbeddingDimension > 0 {
			lines = append(lines, fmt.Sprintf("dimension   %d", stats.EmbeddingDimension))
		}
		if stats.MixedDimensions {
			lines = append(lines, StyleWarning.Render("mixed embedding dimensions, run backfill to re-embed"))
		}
	}

	border, title := ColorSuccess, "Queue healthy"
	if h.Unhealthy {
		border, title = ColorError, "Queue unhealthy"
	}
	return RenderPanel(title, strings.Join(lines, "\n"), border)
}

func formatAge(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

// RenderUsage formats a usage summary with per-model and per-operation
// breakdowns.
func RenderUsage(s *usage.Summary) string {
	var sb strings.Builder
	header := fmt.Sprintf("Usage (%s)", s.Period)
	if s.Owner != "" {
		header += " for " + s.Owner
	}
	sb.WriteString(StyleTitle.Render(header) + "\n")
	sb.WriteString(fmt.Sprintf("%d calls, %d input / %d output tokens, %s\n\n",
		s.Totals.Calls, s.Totals.InputTokens, s.Totals.OutputTokens, FormatCost(s.Totals.Cost)))

	for _, section := range []struct {
		title string
		rows  []memory.UsageBreakdown
	}{
		{"By model", s.ByModel},
		{"By operation", s.ByOperation},
	} {
		if len(section.rows) == 0 {
			continue
		}
		sb.WriteString(StyleSectionTitle.Render(section.title) + "\n")
		sb.WriteString(breakdownTable(section.rows).Render() + "\n")
	}
	return sb.String()
}

func breakdownTable(rows []memory.UsageBreakdown) *Table {
	t := &Table{Headers: []string{"Key", "Calls", "Input", "Output", "Cost"}, Numeric: []int{1, 2, 3, 4}}
	for _, r := range rows {
		t.Rows = append(t.Rows, []string{
			r.Key,
			strconv.Itoa(r.Calls),
			strconv.Itoa(r.InputTokens),
			strconv.Itoa(r.OutputTokens),
			FormatCost(r.Cost),
		})
	}
	return t
}

// FormatCost renders a USD amount. Sub-cent totals keep four decimals.
func FormatCost(c float64) string {
	if c > 0 && c < 0.01 {
		return fmt.Sprintf("$%.4f", c)
	}
	return fmt.Sprintf("$%.2f", c)
}

// columnBudget caps any single column at half of the width left after
// gutters.
func columnBudget(width, columns int) int {
	if width <= 0 {
		return 0
	}
	return max((width-2*columns)/2, 8)
}
