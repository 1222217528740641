package server

import "net/http"

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() http.Handler {
	owned := http.NewServeMux()
	owned.HandleFunc("POST /api/notes", s.handleCreateNote)
	owned.HandleFunc("PUT /api/notes/{id}", s.handleUpdateNote)
	owned.HandleFunc("GET /api/notes/{id}", s.handleGetNote)
	owned.HandleFunc("DELETE /api/notes/{id}", s.handleDeleteNote)
	owned.HandleFunc("GET /api/notes/{id}/clarifications", s.handleListClarifications)
	owned.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)
	owned.HandleFunc("POST /api/search", s.handleSearch)
	owned.HandleFunc("GET /api/queue/health", s.handleQueueHealth)
	owned.HandleFunc("GET /api/usage", s.handleUsage)
	owned.HandleFunc("GET /api/usage/notes/{id}", s.handleNoteUsage)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages/inbound", s.handleInbound)
	mux.HandleFunc("GET /api/info", s.handleInfo)
	mux.Handle("/api/", s.requireOwner(s.rateLimit(owned)))

	return s.logRequests(s.corsMiddleware(mux))
}
