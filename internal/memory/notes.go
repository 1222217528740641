package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const noteColumns = `id, owner, title, content, category, type, tags, properties, priority,
	project_id, embedding, created_at, updated_at, original_created_at, original_updated_at, enriched_at, embedded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*Note, error) {
	var n Note
	var tags, properties, createdAt, updatedAt string
	var projectID, origCreated, origUpdated, enrichedAt, embeddedAt sql.NullString
	var embeddingBytes []byte

	err := row.Scan(&n.ID, &n.Owner, &n.Title, &n.Content, &n.Category, &n.Type, &tags, &properties,
		&n.Priority, &projectID, &embeddingBytes, &createdAt, &updatedAt, &origCreated, &origUpdated, &enrichedAt, &embeddedAt)
	if err != nil {
		return nil, err
	}

	n.Tags = decodeStrings(tags)
	n.Properties = decodeStrings(properties)
	n.ProjectID = projectID.String
	n.Embedding = bytesToFloat32Slice(embeddingBytes)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	n.OriginalCreatedAt = parseNullTime(origCreated)
	n.OriginalUpdatedAt = parseNullTime(origUpdated)
	n.EnrichedAt = parseNullTime(enrichedAt)
	n.EmbeddedAt = parseNullTime(embeddedAt)
	return &n, nil
}

// CreateNote inserts a new note. ID, timestamps and type are filled in when empty.
func (s *SQLiteStore) CreateNote(ctx context.Context, n *Note) error {
	if n.Owner == "" {
		return fmt.Errorf("note owner is required")
	}
	if n.ID == "" {
		n.ID = "n-" + uuid.New().String()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.Type == "" {
		n.Type = DefaultNoteType
	}
	n.Tags, _ = mergeUnique(nil, n.Tags)

	var embedding []byte
	if len(n.Embedding) > 0 {
		embedding = float32SliceToBytes(n.Embedding)
		if n.EmbeddedAt == nil {
			n.EmbeddedAt = &now
		}
	} else {
		n.EmbeddedAt = nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Owner, n.Title, n.Content, n.Category, n.Type, encodeStrings(n.Tags), encodeStrings(n.Properties),
		n.Priority, nullString(n.ProjectID), embedding, formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
		nullTime(n.OriginalCreatedAt), nullTime(n.OriginalUpdatedAt), nullTime(n.EnrichedAt), nullTime(n.EmbeddedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert note %s: %w", n.ID, ErrConflict)
		}
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// UpdateNote replaces the user-editable fields of a note owned by n.Owner.
// Embedding, properties and enrichment markers are left untouched.
func (s *SQLiteStore) UpdateNote(ctx context.Context, n *Note) error {
	if n.Type == "" {
		n.Type = DefaultNoteType
	}
	n.Tags, _ = mergeUnique(nil, n.Tags)
	n.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE notes
		SET title = ?, content = ?, category = ?, type = ?, tags = ?, priority = ?, project_id = ?, updated_at = ?
		WHERE id = ? AND owner = ?
	`, n.Title, n.Content, n.Category, n.Type, encodeStrings(n.Tags), n.Priority, nullString(n.ProjectID),
		formatTime(n.UpdatedAt), n.ID, n.Owner)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("note %s: %w", n.ID, ErrNotFound)
	}
	return nil
}

// GetNote returns a note by id.
func (s *SQLiteStore) GetNote(ctx context.Context, id string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	return n, nil
}

// DeleteNote removes a note and, through cascades, its links, queue entry and clarifications.
func (s *SQLiteStore) DeleteNote(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListNotes returns an owner's notes, most recently updated first.
// A limit <= 0 returns every matching note.
func (s *SQLiteStore) ListNotes(ctx context.Context, owner string, filter NoteFilter, limit int) ([]Note, error) {
	where, args := noteFilterClause("", owner, filter)
	query := `SELECT ` + noteColumns + ` FROM notes WHERE ` + where + ` ORDER BY updated_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryNotes(ctx, query, args...)
}

// ListNotesMissingEmbedding returns notes that have no stored vector.
// An empty owner lists across every owner.
func (s *SQLiteStore) ListNotesMissingEmbedding(ctx context.Context, owner string) ([]Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes WHERE embedding IS NULL`
	var args []any
	if owner != "" {
		query += ` AND owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at`
	return s.queryNotes(ctx, query, args...)
}

func (s *SQLiteStore) queryNotes(ctx context.Context, query string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, *n)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return notes, nil
}

// noteFilterClause builds the owner + filter predicate. alias is the table
// alias including its trailing dot, or "" for none.
func noteFilterClause(alias, owner string, filter NoteFilter) (string, []any) {
	clauses := []string{alias + "owner = ?"}
	args := []any{owner}
	if filter.Category != "" {
		clauses = append(clauses, alias+"category = ?")
		args = append(args, filter.Category)
	}
	if filter.Type != "" {
		clauses = append(clauses, alias+"type = ?")
		args = append(args, filter.Type)
	}
	return strings.Join(clauses, " AND "), args
}

// UpdateNoteEmbedding stores a note's vector. Last write wins.
func (s *SQLiteStore) UpdateNoteEmbedding(ctx context.Context, id string, embedding []float32) error {
	var blob []byte
	var embeddedAt any
	if len(embedding) > 0 {
		blob = float32SliceToBytes(embedding)
		embeddedAt = formatTime(time.Now())
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notes SET embedding = ?, embedded_at = ? WHERE id = ?`, blob, embeddedAt, id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return nil
}

// MergeNoteTags adds tags not already on the note (case-insensitive) and
// returns the resulting tag list.
func (s *SQLiteStore) MergeNoteTags(ctx context.Context, id string, tags []string) ([]string, error) {
	return s.mergeNoteList(ctx, id, "tags", tags)
}

// MergeNoteProperties adds extracted properties not already on the note.
func (s *SQLiteStore) MergeNoteProperties(ctx context.Context, id string, properties []string) ([]string, error) {
	return s.mergeNoteList(ctx, id, "properties", properties)
}

// mergeNoteList runs read-merge-write in one transaction so concurrent merges
// cannot drop each other's values. column is always a package constant.
func (s *SQLiteStore) mergeNoteList(ctx context.Context, id, column string, values []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT `+column+` FROM notes WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", column, err)
	}

	merged, changed := mergeUnique(decodeStrings(raw), values)
	if !changed {
		return merged, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE notes SET `+column+` = ? WHERE id = ?`, encodeStrings(merged), id); err != nil {
		return nil, fmt.Errorf("write %s: %w", column, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return merged, nil
}

// MarkNoteEnriched stamps the note's enriched_at marker.
func (s *SQLiteStore) MarkNoteEnriched(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE notes SET enriched_at = ? WHERE id = ?`, formatTime(at), id); err != nil {
		return fmt.Errorf("mark enriched: %w", err)
	}
	return nil
}
