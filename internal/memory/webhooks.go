package memory

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// CreateWebhook registers a delivery target. An empty Events list subscribes to every event.
func (s *SQLiteStore) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.ID == "" {
		w.ID = "w-" + uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	active := 0
	if w.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner, url, secret, events, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Owner, w.URL, nullString(w.Secret), encodeStrings(w.Events), active, formatTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

// ListWebhooksForEvent returns the owner's active webhooks subscribed to event.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, owner, event string) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, url, secret, events, created_at
		FROM webhooks
		WHERE owner = ? AND active = 1
		ORDER BY created_at
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Webhook
	for rows.Next() {
		var w Webhook
		var secret sql.NullString
		var events, createdAt string
		if err := rows.Scan(&w.ID, &w.Owner, &w.URL, &secret, &events, &createdAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.Secret = secret.String
		w.Events = decodeStrings(events)
		w.Active = true
		w.CreatedAt = parseTime(createdAt)
		if len(w.Events) == 0 || slices.Contains(w.Events, event) {
			out = append(out, w)
		}
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}
