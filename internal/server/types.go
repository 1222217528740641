package server

import (
	"time"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/usage"
)

// NoteRequest is the payload for POST /api/notes and PUT /api/notes/{id}.
type NoteRequest struct {
	Title    string   `json:"title" validate:"max=500"`
	Content  string   `json:"content" validate:"required,max=100000"`
	Category string   `json:"category" validate:"max=100"`
	Type     string   `json:"type" validate:"max=50"`
	Tags     []string `json:"tags" validate:"max=50,dive,max=64"`
	Priority int      `json:"priority" validate:"min=0,max=100"`
}

func (r NoteRequest) apply(n *memory.Note) {
	n.Title = r.Title
	n.Content = r.Content
	n.Category = r.Category
	n.Type = r.Type
	n.Tags = r.Tags
	n.Priority = r.Priority
}

// NoteResponse is a note with its links and queue state.
type NoteResponse struct {
	Note     *memory.Note       `json:"note"`
	Entities memory.LinkSet     `json:"entities,omitempty"`
	Queue    *memory.QueueEntry `json:"queue,omitempty"`
}

// SearchRequest is the payload for /api/search.
type SearchRequest struct {
	Query    string `json:"query" validate:"required,max=1000"`
	Limit    int    `json:"limit" validate:"min=0,max=200"`
	Category string `json:"category"`
	Type     string `json:"type"`
}

// QueueHealthResponse is the response for /api/queue/health.
type QueueHealthResponse struct {
	Queue      *memory.QueueHealth    `json:"queue"`
	Embeddings *memory.EmbeddingStats `json:"embeddings,omitempty"`
	CheckedAt  time.Time              `json:"checkedAt"`
}

// UsageResponse is the response for /api/usage.
type UsageResponse struct {
	Summary *usage.Summary      `json:"summary"`
	Daily   []memory.DailyUsage `json:"daily,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
