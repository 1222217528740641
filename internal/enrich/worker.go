package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/josephgoksu/NoteWing/internal/logger"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/telemetry"
	"github.com/josephgoksu/NoteWing/internal/webhook"
)

const maxRetryBackoff = time.Hour

// Queue is the durable work queue the workers drain.
type Queue interface {
	ClaimNext(ctx context.Context, now time.Time) (*memory.QueueEntry, error)
	Complete(ctx context.Context, claim *memory.QueueEntry) (memory.QueueStatus, error)
	Fail(ctx context.Context, claim *memory.QueueEntry, cause string, backoff time.Duration) (memory.QueueStatus, error)
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// Processor enriches a single note.
type Processor interface {
	Enrich(ctx context.Context, noteID string) (*Result, error)
}

// WorkerConfig sizes and paces a WorkerPool.
type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	RetryBackoff time.Duration
	StaleAfter   time.Duration
}

// WorkerPool polls the queue with a fixed number of workers. Wake lets the
// write path skip the poll delay.
type WorkerPool struct {
	queue     Queue
	proc      Processor
	cfg       WorkerConfig
	wake      chan struct{}
	publisher Publisher
	tracker   Tracker
	now       func() time.Time
}

// NewWorkerPool returns a pool; call Run to start it.
func NewWorkerPool(queue Queue, proc Processor, cfg WorkerConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &WorkerPool{
		queue: queue,
		proc:  proc,
		cfg:   cfg,
		wake:  make(chan struct{}, cfg.Workers),
		now:   time.Now,
	}
}

// SetPublisher emits an event when an entry fails terminally.
func (w *WorkerPool) SetPublisher(p Publisher) { w.publisher = p }

// SetTracker records terminal failures as telemetry.
func (w *WorkerPool) SetTracker(t Tracker) { w.tracker = t }

// Wake nudges an idle worker. It never blocks.
func (w *WorkerPool) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run recovers stale claims, then processes the queue until ctx is done.
func (w *WorkerPool) Run(ctx context.Context) error {
	w.recoverStale(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Workers {
		g.Go(func() error {
			w.loop(gctx, i)
			return nil
		})
	}
	if w.cfg.StaleAfter > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(w.cfg.StaleAfter / 2)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					w.recoverStale(gctx)
				}
			}
		})
	}

	slog.Info("enrichment workers started", "workers", w.cfg.Workers, "poll_interval", w.cfg.PollInterval)
	err := g.Wait()
	slog.Info("enrichment workers stopped")
	return err
}

func (w *WorkerPool) loop(ctx context.Context, id int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-timer.C:
		}

		// Drain before sleeping again.
		for ctx.Err() == nil {
			processed, err := w.ProcessOne(ctx)
			if err != nil {
				slog.Warn("queue poll failed", "worker", id, "error", err)
				break
			}
			if !processed {
				break
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.cfg.PollInterval)
	}
}

// ProcessOne claims and processes a single entry. It reports false when the
// queue had nothing claimable.
func (w *WorkerPool) ProcessOne(ctx context.Context) (bool, error) {
	entry, err := w.queue.ClaimNext(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("claim entry: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	res, procErr := w.process(ctx, entry)

	// Settle even if shutdown started mid-enrichment.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(procErr, memory.ErrNotFound):
		slog.Info("note deleted before enrichment, dropping entry", "note", entry.NoteID)
		w.complete(settleCtx, entry)
	case procErr != nil:
		w.fail(settleCtx, entry, procErr.Error())
	case res.Degraded():
		w.fail(settleCtx, entry, strings.Join(res.Warnings, "; "))
	default:
		w.complete(settleCtx, entry)
	}
	return true, nil
}

func (w *WorkerPool) process(ctx context.Context, entry *memory.QueueEntry) (res *Result, err error) {
	defer logger.Recover(&err, "enrichment worker", entry.NoteID)
	return w.proc.Enrich(ctx, entry.NoteID)
}

func (w *WorkerPool) complete(ctx context.Context, entry *memory.QueueEntry) {
	status, err := w.queue.Complete(ctx, entry)
	if errors.Is(err, memory.ErrClaimLost) {
		slog.Warn("claim expired before completion, result dropped", "note", entry.NoteID)
		return
	}
	if err != nil {
		slog.Error("complete queue entry failed", "note", entry.NoteID, "error", err)
		return
	}
	if status == memory.QueuePending {
		slog.Debug("note changed while processing, requeued", "note", entry.NoteID)
		w.Wake()
	}
}

func (w *WorkerPool) fail(ctx context.Context, entry *memory.QueueEntry, cause string) {
	backoff := w.backoff(entry.Attempts)
	status, err := w.queue.Fail(ctx, entry, cause, backoff)
	if errors.Is(err, memory.ErrClaimLost) {
		slog.Warn("claim expired before failure was recorded", "note", entry.NoteID, "cause", cause)
		return
	}
	if err != nil {
		slog.Error("fail queue entry failed", "note", entry.NoteID, "error", err)
		return
	}
	if status != memory.QueueFailed {
		slog.Warn("enrichment attempt failed, will retry",
			"note", entry.NoteID, "attempt", entry.Attempts+1, "backoff", backoff, "cause", cause)
		return
	}

	slog.Error("enrichment failed permanently", "note", entry.NoteID, "attempts", entry.Attempts+1, "cause", cause)
	if w.publisher != nil {
		w.publisher.Publish(ctx, entry.Owner, webhook.EventEnrichmentFailed, map[string]any{
			"noteId":   entry.NoteID,
			"attempts": entry.Attempts + 1,
			"error":    cause,
		})
	}
	if w.tracker != nil {
		w.tracker.Track(telemetry.EventEnrichmentFailed, map[string]any{"attempts": entry.Attempts + 1})
	}
}

// backoff doubles the base delay per prior attempt, capped at an hour.
func (w *WorkerPool) backoff(attempts int) time.Duration {
	d := w.cfg.RetryBackoff
	for range attempts {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}

func (w *WorkerPool) recoverStale(ctx context.Context) {
	if w.cfg.StaleAfter <= 0 {
		return
	}
	n, err := w.queue.RecoverStale(ctx, w.now().Add(-w.cfg.StaleAfter))
	if err != nil {
		slog.Warn("recover stale entries failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("recovered stale queue entries", "count", n)
		w.Wake()
	}
}
