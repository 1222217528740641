// Package clarify asks owners to disambiguate notes and applies their answers.
//
// A clarification moves pending -> answered -> applied. Replies are matched
// to a question by the outbound message id they reply to. When a reply
// carries no usable reference, it is attributed to the owner's most recently
// opened pending question. That fallback is an approximation: with several
// questions outstanding, an unthreaded reply can land on the wrong note.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/josephgoksu/NoteWing/internal/enrich"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/messaging"
	"github.com/josephgoksu/NoteWing/internal/telemetry"
	"github.com/josephgoksu/NoteWing/internal/webhook"
)

var validate = validator.New()

var (
	// ErrNoMatch means a reply could not be attributed to any question.
	ErrNoMatch = errors.New("no matching clarification")
	// ErrNotAnswered means Apply was called before an answer was stored.
	ErrNotAnswered = errors.New("clarification has no answer yet")
	// ErrDegraded means reprocessing ran without a provider; the
	// clarification stays answered so a later delivery can apply it.
	ErrDegraded = errors.New("reprocessing degraded")
)

// MatchMethod records how a reply was attributed.
type MatchMethod string

const (
	MatchReplyTo       MatchMethod = "reply_to"
	MatchLatestPending MatchMethod = "latest_pending"
)

// Store is the clarification persistence the workflow needs.
type Store interface {
	CreateClarification(ctx context.Context, c *memory.Clarification) error
	GetClarification(ctx context.Context, id string) (*memory.Clarification, error)
	GetPendingClarification(ctx context.Context, noteID string) (*memory.Clarification, error)
	GetClarificationByMessageID(ctx context.Context, messageID string) (*memory.Clarification, error)
	LatestPendingClarification(ctx context.Context, owner string) (*memory.Clarification, error)
	MarkClarificationAnswered(ctx context.Context, id, answer string, at time.Time) (bool, error)
	MarkClarificationApplied(ctx context.Context, id string, at time.Time) (bool, error)
}

// Reprocessor re-runs enrichment with an answer as added context.
type Reprocessor interface {
	Reprocess(ctx context.Context, noteID, answer string) (*enrich.Result, error)
}

// Publisher emits webhook events.
type Publisher interface {
	Publish(ctx context.Context, owner, event string, data any)
}

// Tracker records anonymous telemetry events.
type Tracker interface {
	Track(event string, properties map[string]any)
}

// Outcome describes what HandleReply did with a message.
type Outcome struct {
	Matched       bool                  `json:"matched"`
	Method        MatchMethod           `json:"method,omitempty"`
	Duplicate     bool                  `json:"duplicate,omitempty"`
	Clarification *memory.Clarification `json:"clarification,omitempty"`
	Result        *enrich.Result        `json:"result,omitempty"`
}

// Workflow opens questions and applies replies.
type Workflow struct {
	store     Store
	sender    messaging.Sender
	reprocess Reprocessor
	publisher Publisher
	tracker   Tracker
	now       func() time.Time
}

// NewWorkflow returns a workflow. publisher may be nil.
func NewWorkflow(store Store, sender messaging.Sender, reprocess Reprocessor, publisher Publisher) *Workflow {
	return &Workflow{
		store:     store,
		sender:    sender,
		reprocess: reprocess,
		publisher: publisher,
		now:       time.Now,
	}
}

// SetTracker sends a telemetry event for every applied clarification.
func (w *Workflow) SetTracker(t Tracker) { w.tracker = t }

// Open sends question about note to its owner and records it as pending.
// It returns memory.ErrClarificationPending if the note already has an
// outstanding question.
func (w *Workflow) Open(ctx context.Context, note *memory.Note, question string) (*memory.Clarification, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("empty clarification question")
	}

	_, err := w.store.GetPendingClarification(ctx, note.ID)
	switch {
	case err == nil:
		return nil, memory.ErrClarificationPending
	case !errors.Is(err, memory.ErrNotFound):
		return nil, fmt.Errorf("check pending clarification: %w", err)
	}

	messageID, err := w.sender.SendQuestion(ctx, note.Owner, formatQuestion(note, question))
	if err != nil {
		return nil, fmt.Errorf("send question: %w", err)
	}

	c := &memory.Clarification{
		NoteID:    note.ID,
		Owner:     note.Owner,
		Question:  question,
		MessageID: messageID,
		CreatedAt: w.now().UTC(),
	}
	if err := w.store.CreateClarification(ctx, c); err != nil {
		return nil, err
	}

	slog.Info("clarification opened", "note", note.ID, "clarification", c.ID, "message", messageID)
	w.publish(ctx, note.Owner, webhook.EventClarificationOpened, c)
	return c, nil
}

func formatQuestion(note *memory.Note, question string) string {
	if note.Title == "" {
		return question
	}
	return fmt.Sprintf("About your note %q: %s", note.Title, question)
}

// Match attributes an inbound message to a clarification. A reply-to id wins
// when it names a question owned by the sender; otherwise the sender's most
// recently opened pending question is used.
func (w *Workflow) Match(ctx context.Context, msg messaging.InboundMessage) (*memory.Clarification, MatchMethod, error) {
	if msg.ReplyTo != "" {
		c, err := w.store.GetClarificationByMessageID(ctx, msg.ReplyTo)
		switch {
		case err == nil && c.Owner == msg.Sender:
			return c, MatchReplyTo, nil
		case err == nil:
			// Never fall back for a reply that names another owner's question.
			slog.Warn("reply references another owner's clarification", "sender", msg.Sender, "reply_to", msg.ReplyTo)
			return nil, "", ErrNoMatch
		case !errors.Is(err, memory.ErrNotFound):
			return nil, "", fmt.Errorf("match by reply id: %w", err)
		}
	}

	c, err := w.store.LatestPendingClarification(ctx, msg.Sender)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, "", ErrNoMatch
	}
	if err != nil {
		return nil, "", fmt.Errorf("match latest pending: %w", err)
	}
	return c, MatchLatestPending, nil
}

// HandleReply matches msg, stores its text as the answer and applies it.
// Unmatched replies are logged and dropped; a reply to an already applied
// clarification changes nothing.
func (w *Workflow) HandleReply(ctx context.Context, msg messaging.InboundMessage) (*Outcome, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("invalid inbound message: %w", err)
	}

	c, method, err := w.Match(ctx, msg)
	if errors.Is(err, ErrNoMatch) {
		slog.Info("unmatched reply dropped", "sender", msg.Sender, "reply_to", msg.ReplyTo)
		return &Outcome{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := &Outcome{Matched: true, Method: method, Clarification: c}

	if c.Status == memory.ClarificationPending {
		ok, err := w.store.MarkClarificationAnswered(ctx, c.ID, msg.Text, w.now().UTC())
		if err != nil {
			return nil, fmt.Errorf("mark answered: %w", err)
		}
		if !ok {
			slog.Debug("clarification answered concurrently", "clarification", c.ID)
		}
		if c, err = w.store.GetClarification(ctx, c.ID); err != nil {
			return nil, fmt.Errorf("reload clarification: %w", err)
		}
		out.Clarification = c
	}

	if c.Status == memory.ClarificationApplied {
		slog.Debug("duplicate reply ignored", "clarification", c.ID)
		out.Duplicate = true
		return out, nil
	}

	res, err := w.Apply(ctx, c.ID)
	out.Result = res
	if err != nil {
		return out, err
	}
	if out.Clarification, err = w.store.GetClarification(ctx, c.ID); err != nil {
		return out, fmt.Errorf("reload clarification: %w", err)
	}
	return out, nil
}

// Apply re-runs extraction and embedding for an answered clarification and
// marks it applied. Applying an applied clarification is a no-op returning a
// nil result. If reprocessing is degraded the clarification stays answered
// and ErrDegraded is returned.
func (w *Workflow) Apply(ctx context.Context, id string) (*enrich.Result, error) {
	c, err := w.store.GetClarification(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load clarification: %w", err)
	}
	switch c.Status {
	case memory.ClarificationApplied:
		return nil, nil
	case memory.ClarificationPending:
		return nil, ErrNotAnswered
	}

	res, err := w.reprocess.Reprocess(ctx, c.NoteID, c.Answer)
	if err != nil {
		return nil, fmt.Errorf("reprocess note: %w", err)
	}
	if res.Degraded() {
		slog.Warn("clarification reprocessing degraded", "clarification", c.ID, "warnings", res.Warnings)
		return res, ErrDegraded
	}

	ok, err := w.store.MarkClarificationApplied(ctx, c.ID, w.now().UTC())
	if err != nil {
		return res, fmt.Errorf("mark applied: %w", err)
	}
	if !ok {
		// A concurrent delivery applied it first; the reprocess was additive.
		return res, nil
	}

	slog.Info("clarification applied", "note", c.NoteID, "clarification", c.ID, "new_links", res.NewLinks)
	w.publish(ctx, c.Owner, webhook.EventClarificationApplied, map[string]any{
		"clarificationId": c.ID,
		"noteId":          c.NoteID,
		"links":           res.Links,
		"tags":            res.Tags,
	})
	if w.tracker != nil {
		w.tracker.Track(telemetry.EventClarificationApplied, map[string]any{"new_links": res.NewLinks})
	}
	return res, nil
}

func (w *Workflow) publish(ctx context.Context, owner, event string, data any) {
	if w.publisher != nil {
		w.publisher.Publish(ctx, owner, event, data)
	}
}
