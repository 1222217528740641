/*
Package enrich runs the note enrichment pipeline: embedding, entity
extraction, entity linking and usage accounting, driven by a queue of
workers.
*/
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/josephgoksu/NoteWing/internal/llm"
	"github.com/josephgoksu/NoteWing/internal/utils"
)

// Status tags the outcome of a provider call.
type Status string

const (
	StatusOK           Status = "ok"
	StatusUnavailable  Status = "unavailable"
	StatusParseFailure Status = "parse_failure"
)

// DefaultMaxInputChars bounds text sent to providers.
const DefaultMaxInputChars = 8000

// EmbeddingResult is the outcome of one Embed call. Vector is set only when
// Status is StatusOK.
type EmbeddingResult struct {
	Status      Status
	Vector      []float32
	InputTokens int
	Err         error
}

// OK reports whether a vector was produced.
func (r EmbeddingResult) OK() bool { return r.Status == StatusOK }

// EmbeddingClient turns text into a vector with a hard timeout. It never
// retries; a failed call is reported as StatusUnavailable.
type EmbeddingClient struct {
	embedder embedding.Embedder
	model    string
	timeout  time.Duration
	maxChars int
}

// NewEmbeddingClient wraps embedder. A nil embedder yields a client whose
// calls are always unavailable.
func NewEmbeddingClient(embedder embedding.Embedder, model string, timeout time.Duration, maxChars int) *EmbeddingClient {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	return &EmbeddingClient{embedder: embedder, model: model, timeout: timeout, maxChars: maxChars}
}

// Model returns the embedding model id used for usage accounting.
func (c *EmbeddingClient) Model() string { return c.model }

// BuildEmbeddingText joins title, content and applied clarification answers
// into the text a note's embedding is derived from.
func BuildEmbeddingText(title, content string, context []string) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n\n")
	sb.WriteString(content)
	for _, c := range context {
		if c = strings.TrimSpace(c); c != "" {
			sb.WriteString("\n\nClarification: ")
			sb.WriteString(c)
		}
	}
	return sb.String()
}

// Embed returns the vector for text. Newlines become spaces and the input is
// cut to the configured rune limit before submission.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) EmbeddingResult {
	if c == nil || c.embedder == nil {
		return EmbeddingResult{Status: StatusUnavailable, Err: errors.New("no embedding provider configured")}
	}

	input := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	input = utils.TruncateRunes(strings.TrimSpace(input), c.maxChars)
	result := EmbeddingResult{InputTokens: llm.EstimateTokens(input)}
	if input == "" {
		result.Status = StatusUnavailable
		result.Err = errors.New("empty embedding input")
		return result
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	vectors, err := c.embedder.EmbedStrings(ctx, []string{input})
	switch {
	case err != nil:
		result.Status = StatusUnavailable
		result.Err = fmt.Errorf("generate embedding: %w", err)
		return result
	case len(vectors) == 0 || len(vectors[0]) == 0:
		result.Status = StatusUnavailable
		result.Err = errors.New("no embedding returned")
		return result
	}

	vec := make([]float32, len(vectors[0]))
	for i, v := range vectors[0] {
		vec[i] = float32(v)
	}
	result.Status = StatusOK
	result.Vector = vec
	return result
}
