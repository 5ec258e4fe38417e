package registry

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nestwatch/nestwatch/pkg/log"
	"github.com/nestwatch/nestwatch/pkg/storage"
)

// Router returns the enrollment HTTP API. Worker-facing endpoints are
// open (rate limited internally); admin endpoints require the shared
// registration token when one is configured.
func (r *Registry) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(log.RequestIDMiddleware)

	mux.Post("/api/v1/workers/register", r.handleRegister)
	mux.Get("/api/v1/workers/{workerID}/status", r.handleStatus)

	mux.Group(func(admin chi.Router) {
		admin.Use(r.requireToken)
		admin.Get("/api/v1/workers/pending", r.handleListPending)
		admin.Post("/api/v1/workers/{workerID}/approve", r.handleApprove)
		admin.Post("/api/v1/workers/{workerID}/revoke", r.handleRevoke)
	})
	return mux
}

func (r *Registry) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.Token == "" || req.Header.Get("X-Registration-Token") != r.cfg.Token {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	// The shared registration token guards the register call itself
	// when one is configured; admin routes always require it
	if r.cfg.Token != "" && req.Header.Get("X-Registration-Token") != r.cfg.Token {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := r.Register(req.Context(), &body, clientIP(req))
	switch {
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "registration failed")
	default:
		writeJSON(w, http.StatusCreated, resp)
	}
}

func (r *Registry) handleStatus(w http.ResponseWriter, req *http.Request) {
	resp, err := r.Status(req.Context(), chi.URLParam(req, "workerID"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown worker")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "status lookup failed")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (r *Registry) handleListPending(w http.ResponseWriter, req *http.Request) {
	pending, err := r.ListPending(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	// Registration records carry credentials after approval; pending
	// ones never do, so the list is safe to return whole
	writeJSON(w, http.StatusOK, pending)
}

func (r *Registry) handleApprove(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Region     string `json:"region"`
		ApprovedBy string `json:"approvedBy"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}

	rec, err := r.Approve(req.Context(), chi.URLParam(req, "workerID"), body.ApprovedBy, body.Region)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown worker")
	case errors.Is(err, ErrRevoked):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "approval failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"workerId": rec.WorkerID,
			"status":   "approved",
			"region":   rec.Region,
		})
	}
}

func (r *Registry) handleRevoke(w http.ResponseWriter, req *http.Request) {
	var body struct {
		RevokedBy string `json:"revokedBy"`
	}
	if req.Body != nil {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}

	err := r.Revoke(req.Context(), chi.URLParam(req, "workerID"), body.RevokedBy)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown worker")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "revocation failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
