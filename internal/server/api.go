package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jacklau/fwstats/internal/dispatch"
	"github.com/jacklau/fwstats/internal/queue"
	"github.com/jacklau/fwstats/internal/store"
)

// statsResponse is the body of GET /api/frameworks/users.
type statsResponse struct {
	Username    string         `json:"username"`
	Frameworks  map[string]int `json:"frameworks"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// submitRequest is the body of POST /api/frameworks/jobs. The credential
// may instead be sent as a bearer token.
type submitRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	Credential string `json:"credential,omitempty"`
}

type submitResponse struct {
	Username  string `json:"username"`
	Published bool   `json:"published"`
	Reason    string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	usage, err := s.opts.Dispatcher.GetStats(r.Context(), username)
	switch {
	case errors.Is(err, dispatch.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no framework stats computed yet")
		return
	case err != nil:
		s.opts.Logger.Error("reading stats failed", "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	frameworks := usage.Frameworks
	if frameworks == nil {
		frameworks = map[string]int{}
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Username:    username,
		Frameworks:  frameworks,
		LastUpdated: usage.LastUpdated,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Credential == "" {
		req.Credential = bearerToken(r)
	}

	job := queue.Job{Username: req.Username, Email: req.Email, Credential: req.Credential}
	published, err := s.opts.Dispatcher.Submit(r.Context(), job)
	switch {
	case errors.Is(err, queue.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatch.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		s.opts.Logger.Error("submitting job failed", "user", req.Username, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not queue job")
		return
	}

	resp := submitResponse{Username: strings.TrimSpace(req.Username), Published: published}
	status := http.StatusAccepted
	if !published {
		resp.Reason = "stats are fresh"
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
