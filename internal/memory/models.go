package memory

import (
	"errors"
	"time"
)

// Sentinel errors returned by Store methods. Callers match them with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("unique constraint conflict")
	ErrClarificationPending = errors.New("clarification already pending for note")
	ErrOwnerMismatch        = errors.New("owner mismatch")
	ErrClaimLost            = errors.New("queue claim expired and was taken by another worker")
)

// DefaultNoteType is assigned to notes created without an explicit type.
const DefaultNoteType = "note"

// Note is a free-text knowledge entry owned by a single user.
type Note struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	Title             string     `json:"title"`
	Content           string     `json:"content"`
	Category          string     `json:"category,omitempty"`
	Type              string     `json:"type"`
	Tags              []string   `json:"tags"`
	Properties        []string   `json:"properties,omitempty"` // Extracted free-form properties
	Priority          int        `json:"priority"`
	ProjectID         string     `json:"projectId,omitempty"`
	Embedding         []float32  `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	OriginalCreatedAt *time.Time `json:"originalCreatedAt,omitempty"` // Preserved from an import source
	OriginalUpdatedAt *time.Time `json:"originalUpdatedAt,omitempty"`
	EnrichedAt        *time.Time `json:"enrichedAt,omitempty"`
	EmbeddedAt        *time.Time `json:"embeddedAt,omitempty"` // When the current vector was stored
}

// HasEmbedding reports whether the note carries a stored vector.
func (n *Note) HasEmbedding() bool {
	return len(n.Embedding) > 0
}

// NoteSummary is the lightweight view returned by search.
type NoteSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	Category  string    `json:"category,omitempty"`
	Type      string    `json:"type"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NoteFilter restricts note listings and searches.
type NoteFilter struct {
	Category string
	Type     string
}

// NoteEmbedding pairs a note summary with its stored vector.
type NoteEmbedding struct {
	Note      NoteSummary
	Embedding []float32
}

// FTSResult is a keyword search hit with its bm25 rank (lower is better).
type FTSResult struct {
	Note NoteSummary
	Rank float64
}

// EntityKind identifies the kind of a resolved entity.
type EntityKind string

const (
	EntityPerson  EntityKind = "person"
	EntityCompany EntityKind = "company"
	EntityProject EntityKind = "project"
)

// EntityKinds lists every supported kind in presentation order.
var EntityKinds = []EntityKind{EntityPerson, EntityCompany, EntityProject}

// Entity is a person, company or project owned by a user.
type Entity struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Kind           EntityKind `json:"kind"`
	Name           string     `json:"name"`
	NormalizedName string     `json:"-"`
	Type           string     `json:"type,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// LinkSet is the full set of entities linked to a note, grouped by kind.
type LinkSet map[EntityKind][]Entity

// Count returns the total number of linked entities.
func (l LinkSet) Count() int {
	n := 0
	for _, es := range l {
		n += len(es)
	}
	return n
}

// QueueStatus is the lifecycle state of an enrichment queue entry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueEntry is the single enrichment work item for a note.
type QueueEntry struct {
	ID          int64       `json:"id"`
	NoteID      string      `json:"noteId"`
	Owner       string      `json:"owner"`
	Status      QueueStatus `json:"status"`
	Priority    int         `json:"priority"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	LastError   string      `json:"lastError,omitempty"`
	Requeue     bool        `json:"requeue,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	AvailableAt time.Time   `json:"availableAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// QueueHealth summarizes queue state for monitoring.
type QueueHealth struct {
	Counts           map[QueueStatus]int `json:"counts"`
	OldestPendingAge time.Duration       `json:"oldestPendingAge"`
	Unhealthy        bool                `json:"unhealthy"`
}

// Evaluate flags the queue unhealthy once terminal failures exceed threshold.
func (h *QueueHealth) Evaluate(failedThreshold int) {
	h.Unhealthy = h.Counts[QueueFailed] > failedThreshold
}

// ClarificationStatus is the lifecycle state of a clarification question.
type ClarificationStatus string

const (
	ClarificationPending  ClarificationStatus = "pending"
	ClarificationAnswered ClarificationStatus = "answered"
	ClarificationApplied  ClarificationStatus = "applied"
)

// Clarification is a disambiguation question asked about a note.
type Clarification struct {
	ID         string              `json:"id"`
	NoteID     string              `json:"noteId"`
	Owner      string              `json:"owner"`
	Question   string              `json:"question"`
	MessageID  string              `json:"messageId,omitempty"` // Outbound message used for reply matching
	Status     ClarificationStatus `json:"status"`
	Answer     string              `json:"answer,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	AnsweredAt *time.Time          `json:"answeredAt,omitempty"`
	AppliedAt  *time.Time          `json:"appliedAt,omitempty"`
}

// UsageRecord is one append-only token/cost entry.
type UsageRecord struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	Operation    string         `json:"operation"`
	InputTokens  int            `json:"inputTokens"`
	OutputTokens int            `json:"outputTokens"`
	Cost         float64        `json:"cost"`
	NoteID       string         `json:"noteId,omitempty"`
	Owner        string         `json:"owner,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// UsageFilter scopes usage aggregation. Zero values mean "any".
type UsageFilter struct {
	Owner  string
	NoteID string
	Since  time.Time
}

// UsageTotals aggregates usage records.
type UsageTotals struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// UsageBreakdown is a total keyed by model or operation.
type UsageBreakdown struct {
	Key string `json:"key"`
	UsageTotals
}

// DailyUsage is one day of aggregated usage (date is YYYY-MM-DD, UTC).
type DailyUsage struct {
	Date string `json:"date"`
	UsageTotals
}

// Webhook is a registered delivery target for pipeline events.
type Webhook struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// EmbeddingStats reports embedding coverage for a corpus.
type EmbeddingStats struct {
	TotalNotes            int  `json:"totalNotes"`
	NotesWithEmbeddings   int  `json:"notesWithEmbeddings"`
	NotesWithoutEmbedding int  `json:"notesWithoutEmbedding"`
	EmbeddingDimension    int  `json:"embeddingDimension"`
	MixedDimensions       bool `json:"mixedDimensions"`
}
