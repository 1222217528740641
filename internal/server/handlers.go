package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/josephgoksu/NoteWing/internal/knowledge"
	"github.com/josephgoksu/NoteWing/internal/memory"
	"github.com/josephgoksu/NoteWing/internal/messaging"
	"github.com/josephgoksu/NoteWing/internal/usage"
	"github.com/josephgoksu/NoteWing/internal/webhook"
	"github.com/josephgoksu/NoteWing/internal/workerpool"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	note := &memory.Note{Owner: ownerFrom(r.Context())}
	req.apply(note)
	if err := s.store.CreateNote(r.Context(), note); err != nil {
		writeStoreError(w, err)
		return
	}
	entry, err := s.enqueue(r, note)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(r.Context(), note.Owner, webhook.EventNoteCreated, note)
	writeJSON(w, http.StatusCreated, NoteResponse{Note: note, Queue: entry})
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	note, ok := s.ownedNote(w, r)
	if !ok {
		return
	}

	req.apply(note)
	if err := s.store.UpdateNote(r.Context(), note); err != nil {
		writeStoreError(w, err)
		return
	}
	entry, err := s.enqueue(r, note)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.publish(r.Context(), note.Owner, webhook.EventNoteUpdated, note)
	writeJSON(w, http.StatusOK, NoteResponse{Note: note, Queue: entry})
}

// enqueue schedules note for enrichment, wakes the workers and drops the
// owner's cached searches.
func (s *Server) enqueue(r *http.Request, note *memory.Note) (*memory.QueueEntry, error) {
	entry, err := s.store.Enqueue(r.Context(), note.ID, note.Owner, note.Priority, s.maxAttempts)
	if err != nil {
		return nil, err
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	if s.cache != nil {
		s.cache.InvalidateOwner(note.Owner)
	}
	return entry, nil
}

func (s *Server) publish(ctx context.Context, owner, event string, data any) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, owner, event, data)
	}
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	note, ok := s.ownedNote(w, r)
	if !ok {
		return
	}
	links, err := s.store.LinkedEntities(r.Context(), note.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	entry, err := s.store.GetQueueEntry(r.Context(), note.ID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NoteResponse{Note: note, Entities: links, Queue: entry})
}

// handleDeleteNote removes a note with its links, queue entry and
// clarifications.
func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	id := r.PathValue("id")
	if err := s.store.DeleteNote(r.Context(), id, owner); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.cache != nil {
		s.cache.InvalidateOwner(owner)
	}
	s.publish(r.Context(), owner, webhook.EventNoteDeleted, map[string]string{"noteId": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.store.GetEntity(r.Context(), r.PathValue("id"))
	if err == nil && entity.Owner != ownerFrom(r.Context()) {
		err = memory.ErrNotFound
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleListClarifications(w http.ResponseWriter, r *http.Request) {
	note, ok := s.ownedNote(w, r)
	if !ok {
		return
	}
	clarifications, err := s.store.ListClarifications(r.Context(), note.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clarifications)
}

// ownedNote loads the note named in the path. Notes of other owners are
// reported as missing.
func (s *Server) ownedNote(w http.ResponseWriter, r *http.Request) (*memory.Note, bool) {
	note, err := s.store.GetNote(r.Context(), r.PathValue("id"))
	if err == nil && note.Owner != ownerFrom(r.Context()) {
		err = memory.ErrNotFound
	}
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	return note, true
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body SearchRequest
	if !decodeRequest(w, r, &body) {
		return
	}
	req := knowledge.Request{
		Query:    strings.TrimSpace(body.Query),
		Owner:    ownerFrom(r.Context()),
		Limit:    body.Limit,
		Category: body.Category,
		Type:     body.Type,
	}

	key := searchCacheKey(req)
	if s.cache != nil {
		if resp, ok := s.cache.Get(key); ok {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	resp, err := s.search.Search(r.Context(), req)
	if err != nil {
		slog.Error("search failed", "owner", req.Owner, "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	// Degraded responses are not cached so recovery shows up immediately.
	if s.cache != nil && !resp.Degraded {
		s.cache.Add(key, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleInbound accepts a chat reply signed by the bridge and applies it in
// the background.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if len(s.secret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "inbound replies are not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !webhook.Verify(s.secret, body, r.Header.Get(webhook.SignatureHeader)) {
		slog.Warn("rejected unsigned inbound reply", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid or missing "+webhook.SignatureHeader+" header")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var msg messaging.InboundMessage
	if !decodeRequest(w, r, &msg) {
		return
	}

	err = s.inbound.Submit(func(ctx context.Context) error {
		out, err := s.replies.HandleReply(ctx, msg)
		if err != nil {
			return fmt.Errorf("handle reply from %s: %w", msg.Sender, err)
		}
		if out.Matched && !out.Duplicate {
			if s.waker != nil {
				s.waker.Wake()
			}
			if s.cache != nil {
				s.cache.InvalidateOwner(msg.Sender)
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrClosed):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "reply queue unavailable")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	owner := ownerFrom(r.Context())
	health, err := s.store.QueueHealth(r.Context(), owner, now)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	health.Evaluate(s.failedThreshold)

	stats, err := s.store.EmbeddingStats(r.Context(), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueHealthResponse{Queue: health, Embeddings: stats, CheckedAt: now.UTC()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	period, err := usage.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		if days, err = strconv.Atoi(v); err != nil || days < 0 || days > 366 {
			writeError(w, http.StatusBadRequest, "days must be between 0 and 366")
			return
		}
	}

	summary, err := s.usage.Summary(r.Context(), owner, period)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := UsageResponse{Summary: summary}
	if days > 0 {
		if resp.Daily, err = s.usage.Daily(r.Context(), owner, days); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNoteUsage(w http.ResponseWriter, r *http.Request) {
	note, ok := s.ownedNote(w, r)
	if !ok {
		return
	}
	summary, err := s.usage.ForNote(r.Context(), note.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Summary: summary})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// decodeRequest reads a JSON body into dst and validates it, writing a 400
// on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, memory.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	slog.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
