// Package webhook delivers signed, best-effort event notifications to the
// URLs an owner has registered.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/workerpool"
)

// Event names published by the API and the pipeline.
const (
	EventNoteCreated          = "note.created"
	EventNoteUpdated          = "note.updated"
	EventNoteDeleted          = "note.deleted"
	EventNoteEnriched         = "note.enriched"
	EventEnrichmentFailed     = "note.enrichment_failed"
	EventEntityCreated        = "entity.created"
	EventEntityLinked         = "entity.linked"
	EventClarificationOpened  = "clarification.opened"
	EventClarificationApplied = "clarification.applied"
)

// Events lists every event name, in the order a note's lifecycle emits them.
var Events = []string{
	EventNoteCreated,
	EventNoteUpdated,
	EventNoteDeleted,
	EventNoteEnriched,
	EventEnrichmentFailed,
	EventEntityCreated,
	EventEntityLinked,
	EventClarificationOpened,
	EventClarificationApplied,
}

// KnownEvent reports whether name is a published event.
func KnownEvent(name string) bool {
	return slices.Contains(Events, name)
}

// SignatureHeader carries "sha256=<hex hmac>" of the body when the hook has a secret.
const SignatureHeader = "X-NoteWing-Signature"

// Store lists the hooks subscribed to an event.
type Store interface {
	ListWebhooksForEvent(ctx context.Context, owner, event string) ([]memory.Webhook, error)
}

// Payload is the JSON body of every delivery.
type Payload struct {
	Event     string    `json:"event"`
	Owner     string    `json:"owner"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatcher fans events out to hooks on a bounded pool. Deliveries are
// at-most-once: failures are logged and never retried.
type Dispatcher struct {
	store  Store
	pool   *workerpool.Pool
	client *http.Client
}

// NewDispatcher returns a dispatcher with workers goroutines, a queue of
// queueSize deliveries and a per-request timeout.
func NewDispatcher(store Store, workers, queueSize int, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:  store,
		pool:   workerpool.New("webhook", workers, queueSize),
		client: &http.Client{Timeout: timeout},
	}
}

// Publish queues one delivery per subscribed hook. It never blocks on the
// network; a full queue drops the delivery with a warning.
func (d *Dispatcher) Publish(ctx context.Context, owner, event string, data any) {
	hooks, err := d.store.ListWebhooksForEvent(ctx, owner, event)
	if err != nil {
		slog.Warn("list webhooks failed", "owner", owner, "event", event, "error", err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	body, err := json.Marshal(Payload{Event: event, Owner: owner, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		slog.Warn("marshal webhook payload failed", "event", event, "error", err)
		return
	}

	for _, hook := range hooks {
		if err := d.pool.Submit(func(ctx context.Context) error {
			return d.deliver(ctx, hook, event, body)
		}); err != nil {
			slog.Warn("webhook dropped", "hook", hook.ID, "event", event, "error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook memory.Webhook, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: create request: %w", hook.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-NoteWing-Event", event)
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign([]byte(hook.Secret), body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", hook.ID, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", hook.ID, resp.StatusCode)
	}
	slog.Debug("webhook delivered", "hook", hook.ID, "event", event)
	return nil
}

// Close waits for queued deliveries until ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.pool.Close(ctx)
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature ("sha256=<hex>" or bare hex) matches body.
func Verify(secret, body []byte, signature string) bool {
	if len(signature) > 7 && signature[:7] == "sha256=" {
		signature = signature[7:]
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
