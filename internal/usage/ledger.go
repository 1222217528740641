// Package usage records LLM token usage and cost and aggregates it for reports.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/josephgoksu/NoteWing/internal/llm"
	"github.com/josephgoksu/NoteWing/internal/memory"
)

// Operations recorded by the enrichment pipeline.
const (
	OpEmbed         = "embed"
	OpExtract       = "extract"
	OpReextract     = "reextract"
	OpSearchEmbed   = "search_embed"
	OpClarifyEmbed  = "clarify_embed"
	OpBackfillEmbed = "backfill_embed"
)

// Period selects the window of a usage summary.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// ParsePeriod validates a period name. Empty means all time.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodAll:
		return p, nil
	case "":
		return PeriodAll, nil
	default:
		return "", fmt.Errorf("unknown period %q (day, week, month, all)", s)
	}
}

// Start returns the beginning of the period containing now, in UTC.
// Weeks start on Monday. PeriodAll returns the zero time.
func (p Period) Start(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDay:
		return day
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Store is the persistence the ledger needs.
type Store interface {
	InsertUsage(ctx context.Context, r *memory.UsageRecord) error
	UsageTotals(ctx context.Context, f memory.UsageFilter) (memory.UsageTotals, error)
	UsageBy(ctx context.Context, f memory.UsageFilter, dimension string) ([]memory.UsageBreakdown, error)
	UsageDaily(ctx context.Context, f memory.UsageFilter) ([]memory.DailyUsage, error)
}

// Call describes one provider call to record.
type Call struct {
	Model        string
	Operation    string
	InputTokens  int
	OutputTokens int
	NoteID       string
	Owner        string
	Embedding    bool // price with the embedding table
	Metadata     map[string]any
}

// Summary is the aggregate for one owner and period.
type Summary struct {
	Owner       string                  `json:"owner,omitempty"`
	Period      Period                  `json:"period"`
	Since       time.Time               `json:"since,omitzero"`
	Totals      memory.UsageTotals      `json:"totals"`
	ByModel     []memory.UsageBreakdown `json:"byModel"`
	ByOperation []memory.UsageBreakdown `json:"byOperation"`
}

// Ledger is the append-only usage log.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger returns a ledger backed by store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record prices a call and appends it.
func (l *Ledger) Record(ctx context.Context, call Call) (*memory.UsageRecord, error) {
	cost := llm.CalculateCost(call.Model, call.InputTokens, call.OutputTokens)
	if call.Embedding {
		cost = llm.CalculateEmbeddingCost(call.Model, call.InputTokens)
	}
	rec := &memory.UsageRecord{
		Model:        call.Model,
		Operation:    call.Operation,
		InputTokens:  call.InputTokens,
		OutputTokens: call.OutputTokens,
		Cost:         cost,
		NoteID:       call.NoteID,
		Owner:        call.Owner,
		Metadata:     call.Metadata,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.store.InsertUsage(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Summary aggregates an owner's usage over period. An empty owner covers everyone.
func (l *Ledger) Summary(ctx context.Context, owner string, period Period) (*Summary, error) {
	since := period.Start(l.now())
	return l.summarize(ctx, memory.UsageFilter{Owner: owner, Since: since}, Summary{Owner: owner, Period: period, Since: since})
}

// ForNote aggregates all usage attributed to one note.
func (l *Ledger) ForNote(ctx context.Context, noteID string) (*Summary, error) {
	return l.summarize(ctx, memory.UsageFilter{NoteID: noteID}, Summary{Period: PeriodAll})
}

func (l *Ledger) summarize(ctx context.Context, f memory.UsageFilter, s Summary) (*Summary, error) {
	var err error
	if s.Totals, err = l.store.UsageTotals(ctx, f); err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	if s.ByModel, err = l.store.UsageBy(ctx, f, "model"); err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	if s.ByOperation, err = l.store.UsageBy(ctx, f, "operation"); err != nil {
		return nil, fmt.Errorf("usage by operation: %w", err)
	}
	return &s, nil
}

// Daily returns one row per day with usage over the last days days, oldest first.
func (l *Ledger) Daily(ctx context.Context, owner string, days int) ([]memory.DailyUsage, error) {
	if days <= 0 {
		days = 30
	}
	since := PeriodDay.Start(l.now()).AddDate(0, 0, -(days - 1))
	return l.store.UsageDaily(ctx, memory.UsageFilter{Owner: owner, Since: since})
}
