package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queueColumns = `id, note_id, owner, status, priority, attempts, max_attempts, last_error, requeue,
	created_at, available_at, started_at, completed_at`

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	var status, createdAt, availableAt string
	var lastError, startedAt, completedAt sql.NullString
	var requeue int
	err := row.Scan(&e.ID, &e.NoteID, &e.Owner, &status, &e.Priority, &e.Attempts, &e.MaxAttempts,
		&lastError, &requeue, &createdAt, &availableAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.Status = QueueStatus(status)
	e.LastError = lastError.String
	e.Requeue = requeue == 1
	e.CreatedAt = parseTime(createdAt)
	e.AvailableAt = parseTime(availableAt)
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	return &e, nil
}

// Enqueue schedules a note for enrichment. A note has at most one entry:
// an existing entry is reset to pending, or flagged for requeue when a
// worker currently holds it so the newer content is not lost.
func (s *SQLiteStore) Enqueue(ctx context.Context, noteID, owner string, priority, maxAttempts int) (*QueueEntry, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_queue (note_id, owner, status, priority, attempts, max_attempts, requeue, created_at, available_at)
		VALUES (?, ?, 'pending', ?, 0, ?, 0, ?, ?)
		ON CONFLICT(note_id) DO UPDATE SET
			requeue      = CASE WHEN enrichment_queue.status = 'processing' THEN 1 ELSE 0 END,
			priority     = MAX(enrichment_queue.priority, excluded.priority),
			max_attempts = excluded.max_attempts,
			attempts     = CASE WHEN enrichment_queue.status = 'processing' THEN enrichment_queue.attempts ELSE 0 END,
			last_error   = CASE WHEN enrichment_queue.status = 'processing' THEN enrichment_queue.last_error ELSE NULL END,
			created_at   = CASE WHEN enrichment_queue.status = 'processing' THEN enrichment_queue.created_at ELSE excluded.created_at END,
			available_at = CASE WHEN enrichment_queue.status = 'processing' THEN enrichment_queue.available_at ELSE excluded.available_at END,
			completed_at = CASE WHEN enrichment_queue.status = 'processing' THEN enrichment_queue.completed_at ELSE NULL END,
			status       = CASE WHEN enrichment_queue.status = 'processing' THEN 'processing' ELSE 'pending' END
	`, noteID, owner, priority, maxAttempts, now, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue note %s: %w", noteID, err)
	}
	return s.GetQueueEntry(ctx, noteID)
}

// GetQueueEntry returns the queue entry for a note.
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, noteID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM enrichment_queue WHERE note_id = ?`, noteID)
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue entry for note %s: %w", noteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

// ClaimNext atomically moves the highest-priority, oldest available pending
// entry to processing and returns it. It returns (nil, nil) when nothing is
// claimable, including when another worker won the race.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*QueueEntry, error) {
	ts := formatTime(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE enrichment_queue
		SET status = 'processing', started_at = ?, completed_at = NULL
		WHERE id = (
			SELECT id FROM enrichment_queue
			WHERE status = 'pending' AND available_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+queueColumns, ts, ts)

	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return e, nil
}

// claimStamp returns the started_at a claim was issued with. A claim that
// was recovered and reclaimed by another worker no longer matches it.
func claimStamp(claim *QueueEntry) (string, error) {
	if claim == nil || claim.StartedAt == nil {
		return "", errors.New("queue entry was not claimed")
	}
	return formatTime(*claim.StartedAt), nil
}

// Complete finishes the entry held by claim. If the note changed while it
// was processing, the entry goes back to pending instead.
func (s *SQLiteStore) Complete(ctx context.Context, claim *QueueEntry) (QueueStatus, error) {
	started, err := claimStamp(claim)
	if err != nil {
		return "", err
	}
	now := formatTime(time.Now())
	var status string
	err = s.db.QueryRowContext(ctx, `
		UPDATE enrichment_queue
		SET status       = CASE WHEN requeue = 1 THEN 'pending' ELSE 'completed' END,
			completed_at = CASE WHEN requeue = 1 THEN NULL ELSE ? END,
			available_at = ?,
			last_error   = NULL,
			requeue      = 0
		WHERE id = ? AND status = 'processing' AND started_at = ?
		RETURNING status
	`, now, now, claim.ID, started).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", s.lostClaimError(ctx, claim.ID, started)
	}
	if err != nil {
		return "", fmt.Errorf("complete queue entry: %w", err)
	}
	return QueueStatus(status), nil
}

// Fail records a processing failure for the entry held by claim. The entry
// returns to pending (available again after backoff) while attempts remain,
// otherwise it becomes terminally failed. The resulting status is returned.
func (s *SQLiteStore) Fail(ctx context.Context, claim *QueueEntry, cause string, backoff time.Duration) (QueueStatus, error) {
	started, err := claimStamp(claim)
	if err != nil {
		return "", err
	}
	now := time.Now()
	var status string
	err = s.db.QueryRowContext(ctx, `
		UPDATE enrichment_queue
		SET status       = CASE WHEN requeue = 1 THEN 'pending'
		                        WHEN attempts + 1 >= max_attempts THEN 'failed'
		                        ELSE 'pending' END,
			completed_at = CASE WHEN requeue = 0 AND attempts + 1 >= max_attempts THEN ? ELSE NULL END,
			attempts     = CASE WHEN requeue = 1 THEN 0 ELSE attempts + 1 END,
			last_error   = ?,
			available_at = ?,
			requeue      = 0
		WHERE id = ? AND status = 'processing' AND started_at = ?
		RETURNING status
	`, formatTime(now), cause, formatTime(now.Add(backoff)), claim.ID, started).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", s.lostClaimError(ctx, claim.ID, started)
	}
	if err != nil {
		return "", fmt.Errorf("fail queue entry: %w", err)
	}
	return QueueStatus(status), nil
}

func (s *SQLiteStore) lostClaimError(ctx context.Context, id int64, started string) error {
	var current string
	var currentStart sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT status, started_at FROM enrichment_queue WHERE id = ?`, id).Scan(&current, &currentStart)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read queue entry status: %w", err)
	}
	if current == string(QueueProcessing) && currentStart.String != started {
		return fmt.Errorf("queue entry %d: %w", id, ErrClaimLost)
	}
	return fmt.Errorf("queue entry %d is %s, not processing", id, current)
}

// RetryFailed returns a terminally failed entry to pending with a fresh attempt budget.
func (s *SQLiteStore) RetryFailed(ctx context.Context, noteID string) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_queue
		SET status = 'pending', attempts = 0, last_error = NULL, completed_at = NULL, available_at = ?
		WHERE note_id = ? AND status = 'failed'
	`, now, noteID)
	if err != nil {
		return fmt.Errorf("retry queue entry: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("no failed queue entry for note %s: %w", noteID, ErrNotFound)
	}
	return nil
}

// RecoverStale releases entries whose worker claimed them before cutoff and
// never finished. The abandoned claim counts as an attempt.
func (s *SQLiteStore) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE enrichment_queue
		SET status       = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE NULL END,
			attempts     = attempts + 1,
			last_error   = 'claim expired before completion',
			available_at = ?,
			started_at   = NULL,
			requeue      = 0
		WHERE status = 'processing' AND started_at < ?
	`, now, now, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}

// QueueHealth returns counts per status and the age of the oldest pending
// entry for owner's notes. An empty owner covers the whole queue.
func (s *SQLiteStore) QueueHealth(ctx context.Context, owner string, now time.Time) (*QueueHealth, error) {
	health := &QueueHealth{Counts: map[QueueStatus]int{
		QueuePending:    0,
		QueueProcessing: 0,
		QueueCompleted:  0,
		QueueFailed:     0,
	}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM enrichment_queue
		WHERE ? = '' OR owner = ?
		GROUP BY status
	`, owner, owner)
	if err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		health.Counts[QueueStatus(status)] = count
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}

	var oldest sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM enrichment_queue
		WHERE status = 'pending' AND (? = '' OR owner = ?)
	`, owner, owner).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("oldest pending entry: %w", err)
	}
	if t := parseNullTime(oldest); t != nil {
		health.OldestPendingAge = now.Sub(*t)
	}
	return health, nil
}

// ListQueue returns entries with the given status, newest first.
func (s *SQLiteStore) ListQueue(ctx context.Context, status QueueStatus, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM enrichment_queue
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, *e)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}
