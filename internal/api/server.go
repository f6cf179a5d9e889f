// Package api exposes the engine over HTTP for the chat front end and
// operator tooling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fetchq/fetchq/internal/engine"
	"github.com/fetchq/fetchq/internal/logger"
	"github.com/fetchq/fetchq/internal/quota"
	"github.com/fetchq/fetchq/internal/request"
	"github.com/fetchq/fetchq/internal/task"
)

// Server is the HTTP front of the engine.
type Server struct {
	addr   string
	engine *engine.Engine
	http   *http.Server
}

// NewServer builds the HTTP server on addr.
func NewServer(addr string, eng *engine.Engine) *Server {
	s := &Server{addr: addr, engine: eng}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("GET /api/tasks/{id}", s.handlePoll)
	mux.HandleFunc("GET /api/tasks/{id}/wait", s.handleWait)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/usage/{user}", s.handleUsage)
	mux.HandleFunc("POST /api/takedown", s.handleTakedown)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.Info("api listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type submitPayload struct {
	UserID  string            `json:"user_id"`
	Locator string            `json:"locator"`
	Options map[string]string `json:"options,omitempty"`
	Tier    string            `json:"tier,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if payload.Tier == "" {
		payload.Tier = string(request.TierFree)
	}

	id, err := s.engine.Submit(r.Context(), request.DownloadRequest{
		UserID:  payload.UserID,
		Locator: payload.Locator,
		Options: payload.Options,
		Tier:    request.Tier(payload.Tier),
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	views := s.engine.Tasks()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(views),
		"tasks": views,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Poll(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleWait blocks until the task reaches a terminal state, then returns
// its final status. Long-poll counterpart of handlePoll.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	ch, err := s.engine.Subscribe(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	select {
	case view := <-ch:
		writeJSON(w, http.StatusOK, view)
	case <-r.Context().Done():
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tier := request.Tier(r.URL.Query().Get("tier"))
	if tier == "" {
		tier = request.TierFree
	}
	consumed, limit := s.engine.Usage(r.PathValue("user"), tier)
	writeJSON(w, http.StatusOK, map[string]int64{
		"consumed_bytes": consumed,
		"limit_bytes":    limit,
	})
}

type takedownPayload struct {
	Locator string            `json:"locator"`
	Options map[string]string `json:"options,omitempty"`
}

func (s *Server) handleTakedown(w http.ResponseWriter, r *http.Request) {
	var payload takedownPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if payload.Locator == "" {
		writeError(w, http.StatusBadRequest, errors.New("locator required"))
		return
	}
	if err := s.engine.Takedown(r.Context(), payload.Locator, payload.Options); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, request.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
