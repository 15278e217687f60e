package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsagent-dev/opsagent/internal/metrics"
	agenterrors "github.com/opsagent-dev/opsagent/pkg/agent/errors"
	"github.com/opsagent-dev/opsagent/pkg/agent/models"
	"github.com/opsagent-dev/opsagent/pkg/agent/orchestrator"
	"github.com/opsagent-dev/opsagent/pkg/agent/session"
)

// defaultChatTimeout bounds one conversation turn end to end. A turn can
// span multiple model calls and tool batches.
const defaultChatTimeout = 2 * time.Minute

// TokenValidator verifies the bearer token on session management routes.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*models.IdentityClaims, error)
}

// Conversations runs one conversation turn end to end.
type Conversations interface {
	Handle(ctx context.Context, req *orchestrator.Request) (*orchestrator.Response, error)
}

// Server exposes the conversation API over HTTP.
type Server struct {
	orch        Conversations
	store       session.Service
	validator   TokenValidator
	log         logr.Logger
	chatTimeout time.Duration
}

// NewServer creates the API server.
func NewServer(orch Conversations, store session.Service, validator TokenValidator, log logr.Logger) *Server {
	return &Server{
		orch:        orch,
		store:       store,
		validator:   validator,
		log:         log,
		chatTimeout: defaultChatTimeout,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.instrument)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/v1/chat", s.handleChat).Methods("POST")
	router.HandleFunc("/api/v1/sessions/{id}", s.handleGetSession).Methods("GET")
	router.HandleFunc("/api/v1/sessions/{id}", s.handleDeleteSession).Methods("DELETE")

	return router
}

// HTTPServer wraps the router in an http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		// Chat turns can run multiple tool batches, so the write timeout
		// must exceed the chat deadline.
		WriteTimeout: s.chatTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, &agenterrors.AuthError{Reason: agenterrors.AuthMalformed, Err: errors.New("missing bearer token")})
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeStatus(w, http.StatusBadRequest, "BAD_REQUEST", "message is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatTimeout)
	defer cancel()

	resp, err := s.orch.Handle(ctx, &orchestrator.Request{
		SessionID: req.SessionID,
		RawToken:  token,
		Message:   req.Message,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess.Subject != claims.Subject {
		s.writeStatus(w, http.StatusForbidden, "FORBIDDEN", "session belongs to a different subject")
		return
	}

	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess.Subject != claims.Subject {
		s.writeStatus(w, http.StatusForbidden, "FORBIDDEN", "session belongs to a different subject")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*models.IdentityClaims, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeError(w, &agenterrors.AuthError{Reason: agenterrors.AuthMalformed, Err: errors.New("missing bearer token")})
		return nil, false
	}
	claims, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return claims, true
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeStatus(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	case errors.Is(err, orchestrator.ErrForeignSession):
		s.writeStatus(w, http.StatusForbidden, "FORBIDDEN", "session belongs to a different subject")
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeStatus(w, http.StatusGatewayTimeout, "TIMEOUT", "request deadline exceeded")
		return
	}

	status := agenterrors.HTTPStatus(err)
	code := agenterrors.Code(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail stays in the logs.
		s.log.Error(err, "request failed")
		message = "internal error"
	}
	s.writeStatus(w, status, code, message)
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error(err, "failed to encode response")
	}
}

// instrument records request count and latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
