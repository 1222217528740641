package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertUsage appends a usage record. Records are never updated.
func (s *SQLiteStore) InsertUsage(ctx context.Context, r *UsageRecord) error {
	if r.ID == "" {
		r.ID = "u-" + uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var metadata any
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal usage metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, model, operation, input_tokens, output_tokens, cost, note_id, owner, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Model, r.Operation, r.InputTokens, r.OutputTokens, r.Cost,
		nullString(r.NoteID), nullString(r.Owner), metadata, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func usageFilterClause(f UsageFilter) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if f.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.NoteID != "" {
		clauses = append(clauses, "note_id = ?")
		args = append(args, f.NoteID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	return strings.Join(clauses, " AND "), args
}

// UsageTotals sums the records matching the filter.
func (s *SQLiteStore) UsageTotals(ctx context.Context, f UsageFilter) (UsageTotals, error) {
	where, args := usageFilterClause(f)
	var t UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records WHERE `+where, args...).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.Cost)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("sum usage: %w", err)
	}
	return t, nil
}

// UsageBy groups matching records by "model" or "operation", highest cost first.
func (s *SQLiteStore) UsageBy(ctx context.Context, f UsageFilter, dimension string) ([]UsageBreakdown, error) {
	if dimension != "model" && dimension != "operation" {
		return nil, fmt.Errorf("unsupported usage dimension: %s", dimension)
	}
	where, args := usageFilterClause(f)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dimension+`, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		FROM usage_records WHERE `+where+`
		GROUP BY `+dimension+`
		ORDER BY SUM(cost) DESC, `+dimension, args...)
	if err != nil {
		return nil, fmt.Errorf("group usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageBreakdown
	for rows.Next() {
		var b UsageBreakdown
		if err := rows.Scan(&b.Key, &b.Calls, &b.InputTokens, &b.OutputTokens, &b.Cost); err != nil {
			return nil, fmt.Errorf("scan usage breakdown: %w", err)
		}
		out = append(out, b)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}

// UsageDaily groups matching records by UTC calendar day, oldest first.
func (s *SQLiteStore) UsageDaily(ctx context.Context, f UsageFilter) ([]DailyUsage, error) {
	where, args := usageFilterClause(f)
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(created_at, 1, 10) AS day, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		FROM usage_records WHERE `+where+`
		GROUP BY day
		ORDER BY day`, args...)
	if err != nil {
		return nil, fmt.Errorf("daily usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Date, &d.Calls, &d.InputTokens, &d.OutputTokens, &d.Cost); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}
