package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/josephgoksu/NoteWing/internal/utils"
)

// snippetLength bounds the content excerpt carried by search summaries.
const snippetLength = 200

// ftsStopWords are dropped from keyword queries; they match nearly every note.
var ftsStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"what": true, "which": true, "who": true, "whom": true, "this": true,
	"that": true, "these": true, "those": true, "it": true, "its": true,
	"of": true, "for": true, "with": true, "about": true, "into": true,
	"to": true, "from": true, "in": true, "on": true, "at": true, "by": true,
	"and": true, "or": true, "my": true, "me": true, "i": true,
	"how": true, "why": true, "when": true, "where": true,
}

// SanitizeFTSQuery turns free text into a safe FTS5 expression: lowercased,
// FTS operators and punctuation removed, stop words dropped, each remaining
// word quoted and joined with OR for recall.
func SanitizeFTSQuery(query string) string {
	if query == "" {
		return ""
	}

	replacer := strings.NewReplacer(
		`"`, " ", `'`, " ", `^`, " ", `:`, " ", `(`, " ", `)`, " ",
		`{`, " ", `}`, " ", `[`, " ", `]`, " ", `-`, " ", `+`, " ",
		`?`, " ", `!`, " ", `.`, " ", `,`, " ", `;`, " ", `*`, " ",
	)
	sanitized := replacer.Replace(strings.ToLower(query))

	var quoted []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(sanitized) {
		if len([]rune(word)) < 2 || ftsStopWords[word] || seen[word] {
			continue
		}
		switch strings.ToUpper(word) {
		case "OR", "AND", "NOT", "NEAR":
			continue
		}
		seen[word] = true
		quoted = append(quoted, `"`+word+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func summarize(id, title, content, category, noteType, tags, updatedAt string) NoteSummary {
	return NoteSummary{
		ID:        id,
		Title:     title,
		Snippet:   utils.Truncate(utils.CollapseWhitespace(content), snippetLength),
		Category:  category,
		Type:      noteType,
		Tags:      decodeStrings(tags),
		UpdatedAt: parseTime(updatedAt),
	}
}

// SearchNotesFTS ranks an owner's notes against a keyword query with bm25
// (title weighted above content). Results are ordered best first; limit <= 0
// returns every match. An empty sanitized query returns no results.
func (s *SQLiteStore) SearchNotesFTS(ctx context.Context, owner, query string, filter NoteFilter, limit int) ([]FTSResult, error) {
	match := SanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	where, args := noteFilterClause("n.", owner, filter)
	args = append([]any{match}, args...)
	q := `
		SELECT n.id, n.title, n.content, n.category, n.type, n.tags, n.updated_at,
		       bm25(notes_fts, 0.0, 2.0, 1.0) AS rank
		FROM notes_fts
		JOIN notes n ON n.rowid = notes_fts.rowid
		WHERE notes_fts MATCH ? AND ` + where + `
		ORDER BY rank, n.updated_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("FTS search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []FTSResult
	for rows.Next() {
		var id, title, content, category, noteType, tags, updatedAt string
		var rank float64
		if err := rows.Scan(&id, &title, &content, &category, &noteType, &tags, &updatedAt, &rank); err != nil {
			return nil, fmt.Errorf("scan FTS result: %w", err)
		}
		results = append(results, FTSResult{
			Note: summarize(id, title, content, category, noteType, tags, updatedAt),
			Rank: rank,
		})
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return results, nil
}

// ListNoteEmbeddings returns every embedded note of an owner matching filter.
func (s *SQLiteStore) ListNoteEmbeddings(ctx context.Context, owner string, filter NoteFilter) ([]NoteEmbedding, error) {
	where, args := noteFilterClause("", owner, filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, category, type, tags, updated_at, embedding
		FROM notes
		WHERE embedding IS NOT NULL AND `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []NoteEmbedding
	for rows.Next() {
		var id, title, content, category, noteType, tags, updatedAt string
		var blob []byte
		if err := rows.Scan(&id, &title, &content, &category, &noteType, &tags, &updatedAt, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		vec := bytesToFloat32Slice(blob)
		if len(vec) == 0 {
			continue
		}
		out = append(out, NoteEmbedding{
			Note:      summarize(id, title, content, category, noteType, tags, updatedAt),
			Embedding: vec,
		})
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbeddingStats reports embedding coverage and dimension consistency.
// An empty owner covers every owner.
func (s *SQLiteStore) EmbeddingStats(ctx context.Context, owner string) (*EmbeddingStats, error) {
	where := "1 = 1"
	var args []any
	if owner != "" {
		where = "owner = ?"
		args = append(args, owner)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT length(embedding) FROM notes WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("embedding stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &EmbeddingStats{}
	for rows.Next() {
		var size *int64
		if err := rows.Scan(&size); err != nil {
			return nil, fmt.Errorf("scan embedding size: %w", err)
		}
		stats.TotalNotes++
		if size == nil || *size == 0 {
			stats.NotesWithoutEmbedding++
			continue
		}
		stats.NotesWithEmbeddings++
		dim := int(*size / 4)
		if stats.EmbeddingDimension == 0 {
			stats.EmbeddingDimension = dim
		} else if dim != stats.EmbeddingDimension {
			stats.MixedDimensions = true
		}
	}
	if err := checkRowsErr(rows); err != nil {
		return nil, err
	}
	return stats, nil
}
