package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const entityColumns = `id, owner, kind, name, normalized_name, type, created_at`

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var kind, createdAt string
	if err := row.Scan(&e.ID, &e.Owner, &kind, &e.Name, &e.NormalizedName, &e.Type, &createdAt); err != nil {
		return nil, err
	}
	e.Kind = EntityKind(kind)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// FindEntity looks up an entity by its normalized name within an owner's kind.
func (s *SQLiteStore) FindEntity(ctx context.Context, owner string, kind EntityKind, normalized string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE owner = ? AND kind = ? AND normalized_name = ?
	`, owner, string(kind), normalized)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %q: %w", kind, normalized, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find entity: %w", err)
	}
	return e, nil
}

// CreateEntity inserts a new entity. A concurrent insert of the same
// (owner, kind, normalized name) returns ErrConflict.
func (s *SQLiteStore) CreateEntity(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = entityIDPrefix(e.Kind) + uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Owner, string(e.Kind), e.Name, e.NormalizedName, e.Type, formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert %s %q: %w", e.Kind, e.NormalizedName, ErrConflict)
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func entityIDPrefix(kind EntityKind) string {
	switch kind {
	case EntityPerson:
		return "p-"
	case EntityCompany:
		return "c-"
	case EntityProject:
		return "j-"
	default:
		return "e-"
	}
}

// GetEntity returns an entity by id.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns an owner's entities of one kind, alphabetically.
func (s *SQLiteStore) ListEntities(ctx context.Context, owner string, kind EntityKind) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE owner = ? AND kind = ?
		ORDER BY normalized_name
	`, owner, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}

// LinkEntity associates a note with an entity of the same owner.
// Linking an already-linked pair is a no-op and reports created=false.
func (s *SQLiteStore) LinkEntity(ctx context.Context, noteID, entityID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var noteOwner string
	err = tx.QueryRowContext(ctx, `SELECT owner FROM notes WHERE id = ?`, noteID).Scan(&noteOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("note %s: %w", noteID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read note owner: %w", err)
	}

	var entityOwner, kind string
	err = tx.QueryRowContext(ctx, `SELECT owner, kind FROM entities WHERE id = ?`, entityID).Scan(&entityOwner, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read entity owner: %w", err)
	}

	if noteOwner != entityOwner {
		return false, fmt.Errorf("link %s to %s: %w", noteID, entityID, ErrOwnerMismatch)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO note_entities (note_id, entity_id, kind, created_at)
		VALUES (?, ?, ?, ?)
	`, noteID, entityID, kind, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("insert link: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return rows == 1, nil
}

// LinkedEntities returns every entity linked to a note, grouped by kind.
func (s *SQLiteStore) LinkedEntities(ctx context.Context, noteID string) (LinkSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.owner, e.kind, e.name, e.normalized_name, e.type, e.created_at
		FROM note_entities ne
		JOIN entities e ON e.id = ne.entity_id
		WHERE ne.note_id = ?
		ORDER BY e.kind, e.normalized_name
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := make(LinkSet)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked entity: %w", err)
		}
		set[e.Kind] = append(set[e.Kind], *e)
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return set, nil
}

// CountLinks returns the number of junction rows for a note.
func (s *SQLiteStore) CountLinks(ctx context.Context, noteID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM note_entities WHERE note_id = ?`, noteID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count links: %w", err)
	}
	return n, nil
}
