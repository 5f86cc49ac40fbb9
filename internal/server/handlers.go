package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/turn"
)

const defaultLogLimit = 100

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) registerRoutes(r chi.Router) {
	r.Get("/state", s.handleState)
	r.Get("/logs", s.handleLogs)

	r.Group(func(r chi.Router) {
		r.Use(s.origins.Middleware)
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/messages", s.handleSend)
		r.Post("/messages/{index}/speak", s.handleReplay)
		r.Post("/listen", s.handleListen)
		r.Delete("/listen", s.handleStopListening)
		r.Delete("/speech", s.handleStopSpeaking)
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.companion.Snapshot())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.companion.Send(r.Context(), req.Text); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.companion.Snapshot())
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	if err := s.companion.Replay(r.Context(), index); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if err := s.companion.Listen(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.companion.Snapshot())
}

func (s *Server) handleStopListening(w http.ResponseWriter, r *http.Request) {
	if err := s.companion.StopListening(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopSpeaking(w http.ResponseWriter, r *http.Request) {
	if err := s.companion.StopSpeaking(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, s.logs.History(limit))
}

// fail maps controller errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, turn.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, turn.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, turn.ErrNoSuchMessage):
		return http.StatusNotFound
	case errors.Is(err, turn.ErrNotAssistant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, capture.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, turn.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
