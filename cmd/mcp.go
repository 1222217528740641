/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/ui"
	"github.com/josephgoksu/NoteWing/internal/usage"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server exposing note search and reports",
	Long: `Start a Model Context Protocol (MCP) server over stdio so AI assistants can
search an owner's notes and read queue and usage reports.

Tools:
  search_notes   hybrid keyword + semantic search
  queue_health   enrichment queue counts and embedding coverage
  usage_summary  token usage and estimated cost

The server runs until the client disconnects.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// SearchNotesParams are the arguments of the search_notes tool.
type SearchNotesParams struct {
	Query    string `json:"query"`
	Owner    string `json:"owner"`
	Limit    int    `json:"limit,omitempty"`
	Category string `json:"category,omitempty"`
	Type     string `json:"type,omitempty"`
}

// QueueHealthParams are the arguments of the queue_health tool.
type QueueHealthParams struct {
	Owner string `json:"owner,omitempty"` // Limits queue counts and embedding coverage
}

// UsageSummaryParams are the arguments of the usage_summary tool.
type UsageSummaryParams struct {
	Owner  string `json:"owner,omitempty"`
	Period string `json:"period,omitempty"` // day, week, month, all
}

type mcpSearcher interface {
	Search(ctx context.Context, req knowledge.Request) (*knowledge.Response, error)
}

type mcpQueueReader interface {
	QueueHealth(ctx context.Context, owner string, now time.Time) (*memory.QueueHealth, error)
	EmbeddingStats(ctx context.Context, owner string) (*memory.EmbeddingStats, error)
}

type mcpUsageReader interface {
	Summary(ctx context.Context, owner string, period usage.Period) (*usage.Summary, error)
}

// mcpMarkdownResponse wraps Markdown content in an MCP tool result.
func mcpMarkdownResponse(markdown string) (*mcpsdk.CallToolResultFor[any], error) {
	return &mcpsdk.CallToolResultFor[any]{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: markdown}},
	}, nil
}

// mcpErrorResponse returns a tool error in the result so the client model can
// see it and correct its call.
func mcpErrorResponse(err error) (*mcpsdk.CallToolResultFor[any], error) {
	return &mcpsdk.CallToolResultFor[any]{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}, nil
}

func searchNotesHandler(searcher mcpSearcher) func(context.Context, *mcpsdk.ServerSession, *mcpsdk.CallToolParamsFor[SearchNotesParams]) (*mcpsdk.CallToolResultFor[any], error) {
	return func(ctx context.Context, _ *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[SearchNotesParams]) (*mcpsdk.CallToolResultFor[any], error) {
		args := params.Arguments
		if strings.TrimSpace(args.Query) == "" {
			return mcpErrorResponse(errors.New("query is required"))
		}
		if strings.TrimSpace(args.Owner) == "" {
			return mcpErrorResponse(errors.New("owner is required"))
		}
		resp, err := searcher.Search(ctx, knowledge.Request{
			Query:    args.Query,
			Owner:    strings.TrimSpace(args.Owner),
			Limit:    args.Limit,
			Category: args.Category,
			Type:     args.Type,
		})
		if err != nil {
			return mcpErrorResponse(err)
		}
		return mcpMarkdownResponse(formatSearchMarkdown(resp))
	}
}

func formatSearchMarkdown(resp *knowledge.Response) string {
	var sb strings.Builder
	for _, w := range resp.Warnings {
		fmt.Fprintf(&sb, "> Warning: %s\n\n", w)
	}
	if len(resp.Hits) == 0 {
		fmt.Fprintf(&sb, "No notes match %q.\n", resp.Query)
		return sb.String()
	}
	fmt.Fprintf(&sb, "## %d of %d notes for %q\n\n", len(resp.Hits), resp.Total, resp.Query)
	for i, h := range resp.Hits {
		fmt.Fprintf(&sb, "%d. **%s** (`%s`) %s match, score %.4f\n", i+1, h.Note.Title, h.Note.ID, h.MatchType, h.Score)
		if snippet := ui.Snippet(h.Note.Snippet, 200); snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", snippet)
		}
	}
	return sb.String()
}

func queueHealthHandler(store mcpQueueReader, failedThreshold int) func(context.Context, *mcpsdk.ServerSession, *mcpsdk.CallToolParamsFor[QueueHealthParams]) (*mcpsdk.CallToolResultFor[any], error) {
	return func(ctx context.Context, _ *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[QueueHealthParams]) (*mcpsdk.CallToolResultFor[any], error) {
		health, err := store.QueueHealth(ctx, params.Arguments.Owner, time.Now())
		if err != nil {
			return mcpErrorResponse(err)
		}
		health.Evaluate(failedThreshold)
		stats, err := store.EmbeddingStats(ctx, params.Arguments.Owner)
		if err != nil {
			return mcpErrorResponse(err)
		}

		var sb strings.Builder
		state := "healthy"
		if health.Unhealthy {
			state = "unhealthy"
		}
		fmt.Fprintf(&sb, "## Enrichment queue: %s\n\n", state)
		for _, s := range []memory.QueueStatus{memory.QueuePending, memory.QueueProcessing, memory.QueueCompleted, memory.QueueFailed} {
			fmt.Fprintf(&sb, "- %s: %d\n", s, health.Counts[s])
		}
		if health.OldestPendingAge > 0 {
			fmt.Fprintf(&sb, "- oldest pending: %s\n", health.OldestPendingAge.Round(time.Second))
		}
		fmt.Fprintf(&sb, "\nEmbeddings: %d of %d notes", stats.NotesWithEmbeddings, stats.TotalNotes)
		if stats.MixedDimensions {
			sb.WriteString(" (mixed dimensions; vectors from another model are skipped by semantic search)")
		}
		sb.WriteString("\n")
		return mcpMarkdownResponse(sb.String())
	}
}

func usageSummaryHandler(ledger mcpUsageReader) func(context.Context, *mcpsdk.ServerSession, *mcpsdk.CallToolParamsFor[UsageSummaryParams]) (*mcpsdk.CallToolResultFor[any], error) {
	return func(ctx context.Context, _ *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[UsageSummaryParams]) (*mcpsdk.CallToolResultFor[any], error) {
		period, err := usage.ParsePeriod(params.Arguments.Period)
		if err != nil {
			return mcpErrorResponse(err)
		}
		s, err := ledger.Summary(ctx, params.Arguments.Owner, period)
		if err != nil {
			return mcpErrorResponse(err)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## Usage (%s)\n\n", s.Period)
		fmt.Fprintf(&sb, "%d calls, %d input / %d output tokens, %s\n",
			s.Totals.Calls, s.Totals.InputTokens, s.Totals.OutputTokens, ui.FormatCost(s.Totals.Cost))
		if len(s.ByOperation) > 0 {
			sb.WriteString("\n| Operation | Calls | Tokens | Cost |\n|---|---|---|---|\n")
			for _, b := range s.ByOperation {
				fmt.Fprintf(&sb, "| %s | %d | %d | %s |\n", b.Key, b.Calls, b.InputTokens+b.OutputTokens, ui.FormatCost(b.Cost))
			}
		}
		return mcpMarkdownResponse(sb.String())
	}
}

func runMCPServer(ctx context.Context) error {
	// stdout carries JSON-RPC; status output goes to stderr only.
	fmt.Fprintln(os.Stderr, "NoteWing MCP Server starting...")

	app, err := newApplication(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Close()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "notewing-mcp",
		Version: version,
	}, &mcpsdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, session *mcpsdk.ServerSession, params *mcpsdk.InitializedParams) {
			fmt.Fprintln(os.Stderr, "MCP connection established")
			if viper.GetBool("verbose") {
				fmt.Fprintln(os.Stderr, "[DEBUG] Client initialized")
			}
		},
	})

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "search_notes",
		Description: `Search one owner's notes by keyword and meaning. Arguments: {"query": "...", "owner": "...", "limit": 10, "category": "", "type": ""}. Falls back to keyword-only results when embeddings are unavailable.`,
	}, searchNotesHandler(app.engine))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "queue_health",
		Description: `Report enrichment queue counts, the oldest pending entry and embedding coverage. Optional {"owner": "..."} limits coverage to one owner.`,
	}, queueHealthHandler(app.store, app.settings.Pipeline.FailedThreshold))

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "usage_summary",
		Description: `Summarize LLM token usage and estimated cost. Optional {"owner": "...", "period": "day|week|month|all"}.`,
	}, usageSummaryHandler(app.ledger))

	if err := server.Run(ctx, mcpsdk.NewStdioTransport()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
