package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopmono/livechat/internal/auth"
	"github.com/shopmono/livechat/internal/domain"
	"github.com/shopmono/livechat/internal/hooks"
	"github.com/shopmono/livechat/internal/store"
	"github.com/shopmono/livechat/internal/version"
)

// registerRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("POST /api/sessions", s.requireToken(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.requireStaff(s.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.requireToken(s.handleListMessages))
	mux.HandleFunc("POST /api/sessions/{id}/read", s.requireStaff(s.handleMarkRead))
	mux.HandleFunc("POST /api/sessions/{id}/end", s.requireToken(s.handleEndSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.requireStaff(s.handleDeleteSession))

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeMs int64  `json:"uptimeMs"`
	Conns    int    `json:"connections"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:   "ok",
		Version:  version.Version,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Conns:    s.registry.Count(),
	})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// authedHandler is an HTTP handler with the caller's verified identity.
type authedHandler func(w http.ResponseWriter, r *http.Request, id auth.Identity)

// requireToken verifies the bearer token on an /api/ request.
func (s *Server) requireToken(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.issuer.Verify(token)
		if err != nil {
			s.authLimiter.recordFailure(r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, id)
	}
}

// requireStaff is requireToken plus a staff role check.
func (s *Server) requireStaff(next authedHandler) http.HandlerFunc {
	return s.requireToken(func(w http.ResponseWriter, r *http.Request, id auth.Identity) {
		if id.Role != domain.RoleStaff {
			writeError(w, http.StatusForbidden, "staff role required")
			return
		}
		next(w, r, id)
	})
}

// handleCreateSession opens a chat session for a customer. Session creation
// is idempotent per participant: if the caller already has an ACTIVE
// session it is returned instead of opening a second one.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if id.Role != domain.RoleCustomer {
		writeError(w, http.StatusForbidden, "only customers open sessions")
		return
	}

	if existing, err := s.store.ActiveSessionFor(id.ID); err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}

	sess, err := s.store.CreateSession(id.ID, id.DisplayName)
	if err != nil {
		s.log.Error().Err(err).Str("participant", id.ID).Msg("session create failed")
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	s.presence.SetSession(id.ID, sess.ID)
	if s.hooks != nil {
		s.hooks.EmitAsync(context.Background(), hooks.EventSessionCreated, map[string]any{
			"sessionId":     sess.ID,
			"participantId": sess.ParticipantID,
		})
	}

	s.log.Info().Str("sessionId", sess.ID).Str("participant", id.ID).Msg("session created")
	writeJSON(w, http.StatusCreated, sess)
}

// handleListSessions returns every ACTIVE session, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sessions, err := s.store.ListActiveSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleListMessages returns the full history of one session. Customers
// may only read their own session.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, ok := s.fetchSession(w, r)
	if !ok {
		return
	}
	if id.Role == domain.RoleCustomer && sess.ParticipantID != id.ID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	messages, err := s.store.ListMessages(sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleMarkRead resets the session's unread counter.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, ok := s.fetchSession(w, r)
	if !ok {
		return
	}
	if err := s.store.MarkSessionRead(sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not mark session read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEndSession closes a session. The row survives for history; further
// messages are rejected by the store.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, ok := s.fetchSession(w, r)
	if !ok {
		return
	}
	if id.Role == domain.RoleCustomer && sess.ParticipantID != id.ID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	if err := s.store.EndSession(sess.ID); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		writeError(w, http.StatusInternalServerError, "could not end session")
		return
	}
	if s.hooks != nil {
		s.hooks.EmitAsync(context.Background(), hooks.EventSessionEnded, map[string]any{
			"sessionId": sess.ID,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSession removes a session and its messages, then tells every
// connected client so open transcripts can be cleared.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	sess, ok := s.fetchSession(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSession(sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete session")
		return
	}

	s.router.BroadcastSessionDeleted(sess.ID)
	if s.hooks != nil {
		s.hooks.EmitAsync(context.Background(), hooks.EventSessionDeleted, map[string]any{
			"sessionId": sess.ID,
		})
	}

	s.log.Info().Str("sessionId", sess.ID).Str("deletedBy", id.ID).Msg("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

// fetchSession resolves the {id} path parameter, writing a 404 on miss.
func (s *Server) fetchSession(w http.ResponseWriter, r *http.Request) (*domain.ChatSession, bool) {
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "could not load session")
		}
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
