// Package server exposes notes, search, inbound replies and reporting over
// HTTP. Every route except inbound messages is scoped to the owner named in
// the X-Owner-ID header.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/josephgoksu/NoteWing/internal/clarify"
	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/messaging"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/josephgoksu/NoteWing/internal/workerpool"
)

// NoteStore is the persistence the handlers need.
type NoteStore interface {
	CreateNote(ctx context.Context, n *memory.Note) error
	UpdateNote(ctx context.Context, n *memory.Note) error
	GetNote(ctx context.Context, id string) (*memory.Note, error)
	DeleteNote(ctx context.Context, id, owner string) error
	GetEntity(ctx context.Context, id string) (*memory.Entity, error)
	LinkedEntities(ctx context.Context, noteID string) (memory.LinkSet, error)
	ListClarifications(ctx context.Context, noteID string) ([]memory.Clarification, error)
	Enqueue(ctx context.Context, noteID, owner string, priority, maxAttempts int) (*memory.QueueEntry, error)
	GetQueueEntry(ctx context.Context, noteID string) (*memory.QueueEntry, error)
	QueueHealth(ctx context.Context, owner string, now time.Time) (*memory.QueueHealth, error)
	EmbeddingStats(ctx context.Context, owner string) (*memory.EmbeddingStats, error)
}

// Searcher runs hybrid search.
type Searcher interface {
	Search(ctx context.Context, req knowledge.Request) (*knowledge.Response, error)
}

// ReplyHandler applies an inbound chat reply.
type ReplyHandler interface {
	HandleReply(ctx context.Context, msg messaging.InboundMessage) (*clarify.Outcome, error)
}

// UsageReporter aggregates the usage ledger.
type UsageReporter interface {
	Summary(ctx context.Context, owner string, period usage.Period) (*usage.Summary, error)
	ForNote(ctx context.Context, noteID string) (*usage.Summary, error)
	Daily(ctx context.Context, owner string, days int) ([]memory.DailyUsage, error)
}

// Waker nudges idle enrichment workers after a write.
type Waker interface {
	Wake()
}

// Publisher emits webhook events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, owner, event string, data any)
}

// Deps are the collaborators a Server serves. Waker, Publisher, Limiter and
// Cache are optional.
type Deps struct {
	Store     NoteStore
	Search    Searcher
	Replies   ReplyHandler
	Usage     UsageReporter
	Waker     Waker
	Publisher Publisher
	Limiter   RateLimiter
	Cache     SearchCache
}

// Options are the server's tunables.
type Options struct {
	Port            int
	AllowedOrigins  []string
	MaxAttempts     int
	FailedThreshold int
	Version         string
	InboundWorkers  int
	InboundQueue    int
	// InboundSecret signs chat bridge deliveries. Empty rejects every
	// inbound reply.
	InboundSecret string
}

type Server struct {
	store     NoteStore
	search    Searcher
	replies   ReplyHandler
	usage     UsageReporter
	waker     Waker
	publisher Publisher
	limiter   RateLimiter
	cache     SearchCache
	inbound   *workerpool.Pool
	secret    []byte

	origins         map[string]struct{}
	maxAttempts     int
	failedThreshold int
	version         string
	now             func() time.Time

	server *http.Server
}

// New builds a server. Store, Search, Replies and Usage are required.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Store == nil || deps.Search == nil || deps.Replies == nil || deps.Usage == nil {
		return nil, errors.New("server: store, search, replies and usage are required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InboundWorkers <= 0 {
		opts.InboundWorkers = 2
	}
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = 100
	}

	s := &Server{
		store:           deps.Store,
		search:          deps.Search,
		replies:         deps.Replies,
		usage:           deps.Usage,
		waker:           deps.Waker,
		publisher:       deps.Publisher,
		limiter:         deps.Limiter,
		cache:           deps.Cache,
		inbound:         workerpool.New("inbound", opts.InboundWorkers, opts.InboundQueue),
		secret:          []byte(opts.InboundSecret),
		origins:         make(map[string]struct{}, len(opts.AllowedOrigins)),
		maxAttempts:     opts.MaxAttempts,
		failedThreshold: opts.FailedThreshold,
		version:         opts.Version,
		now:             time.Now,
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	if len(s.secret) == 0 {
		slog.Warn("inbound replies disabled: no messaging.inboundSecret configured")
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.registerRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(wg *sync.WaitGroup, errChan chan<- error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("api server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()
}

// Shutdown stops accepting requests, then drains queued inbound replies.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if cerr := s.inbound.Close(ctx); cerr != nil && err == nil {
		err = fmt.Errorf("drain inbound replies: %w", cerr)
	}
	return err
}
