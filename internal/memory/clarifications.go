package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const clarificationColumns = `id, note_id, owner, question, message_id, status, answer, created_at, answered_at, applied_at`

func scanClarification(row rowScanner) (*Clarification, error) {
	var c Clarification
	var status, createdAt string
	var messageID, answer, answeredAt, appliedAt sql.NullString
	err := row.Scan(&c.ID, &c.NoteID, &c.Owner, &c.Question, &messageID, &status, &answer,
		&createdAt, &answeredAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	c.MessageID = messageID.String
	c.Status = ClarificationStatus(status)
	c.Answer = answer.String
	c.CreatedAt = parseTime(createdAt)
	c.AnsweredAt = parseNullTime(answeredAt)
	c.AppliedAt = parseNullTime(appliedAt)
	return &c, nil
}

func (s *SQLiteStore) getClarification(ctx context.Context, where string, args ...any) (*Clarification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clarificationColumns+` FROM clarifications WHERE `+where, args...)
	c, err := scanClarification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clarification: %w", err)
	}
	return c, nil
}

// CreateClarification persists a new pending clarification. It returns
// ErrClarificationPending if the note already has one outstanding.
func (s *SQLiteStore) CreateClarification(ctx context.Context, c *Clarification) error {
	if c.ID == "" {
		c.ID = "q-" + uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = ClarificationPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clarifications (id, note_id, owner, question, message_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.NoteID, c.Owner, c.Question, nullString(c.MessageID), string(c.Status), formatTime(c.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("note %s: %w", c.NoteID, ErrClarificationPending)
		}
		return fmt.Errorf("insert clarification: %w", err)
	}
	return nil
}

// GetClarification returns a clarification by id.
func (s *SQLiteStore) GetClarification(ctx context.Context, id string) (*Clarification, error) {
	return s.getClarification(ctx, `id = ?`, id)
}

// GetPendingClarification returns the note's outstanding clarification.
func (s *SQLiteStore) GetPendingClarification(ctx context.Context, noteID string) (*Clarification, error) {
	return s.getClarification(ctx, `note_id = ? AND status = 'pending'`, noteID)
}

// GetClarificationByMessageID returns the clarification asked by an outbound message.
func (s *SQLiteStore) GetClarificationByMessageID(ctx context.Context, messageID string) (*Clarification, error) {
	if messageID == "" {
		return nil, ErrNotFound
	}
	return s.getClarification(ctx, `message_id = ? ORDER BY created_at DESC LIMIT 1`, messageID)
}

// LatestPendingClarification returns the owner's most recently opened pending clarification.
func (s *SQLiteStore) LatestPendingClarification(ctx context.Context, owner string) (*Clarification, error) {
	return s.getClarification(ctx, `owner = ? AND status = 'pending' ORDER BY created_at DESC, rowid DESC LIMIT 1`, owner)
}

// MarkClarificationAnswered moves a pending clarification to answered.
// It reports false when the clarification was no longer pending.
func (s *SQLiteStore) MarkClarificationAnswered(ctx context.Context, id, answer string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clarifications SET status = 'answered', answer = ?, answered_at = ?
		WHERE id = ? AND status = 'pending'
	`, answer, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark clarification answered: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows == 1, nil
}

// MarkClarificationApplied moves an answered clarification to applied.
// It reports false when the clarification was not in the answered state.
func (s *SQLiteStore) MarkClarificationApplied(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clarifications SET status = 'applied', applied_at = ?
		WHERE id = ? AND status = 'answered'
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark clarification applied: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows == 1, nil
}

// AppliedContext returns the answers of a note's applied clarifications, oldest first.
func (s *SQLiteStore) AppliedContext(ctx context.Context, noteID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT answer FROM clarifications
		WHERE note_id = ? AND status = 'applied' AND answer IS NOT NULL AND answer != ''
		ORDER BY created_at
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("query applied context: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var answers []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return answers, nil
}

// ListClarifications returns a note's clarifications, newest first.
func (s *SQLiteStore) ListClarifications(ctx context.Context, noteID string) ([]Clarification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clarificationColumns+` FROM clarifications
		WHERE note_id = ?
		ORDER BY created_at DESC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list clarifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Clarification
	for rows.Next() {
		c, err := scanClarification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clarification: %w", err)
		}
		out = append(out, *c)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}
