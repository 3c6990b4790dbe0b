// Package api exposes the scheduler over HTTP/JSON.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"resource-allocator/allocator"
	"resource-allocator/metrics"

	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

type Server struct {
	sched *allocator.Scheduler
	now   func() time.Time
}

func NewServer(sched *allocator.Scheduler) *Server {
	return &Server{sched: sched, now: time.Now}
}

// Register installs the /v1 routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/resources", s.handleResourceList)
	mux.HandleFunc("POST /v1/resources", s.handleResourceCreate)
	mux.HandleFunc("PUT /v1/resources/{id}", s.handleResourcePut)
	mux.HandleFunc("DELETE /v1/resources/{id}", s.handleResourceDelete)
	mux.HandleFunc("GET /v1/resources/{id}/status", s.handleResourceStatus)

	mux.HandleFunc("POST /v1/allocations", s.handleSubmit)
	mux.HandleFunc("GET /v1/allocations", s.handleAllocationList)
	mux.HandleFunc("DELETE /v1/allocations/{id}", s.handleCancel)
	mux.HandleFunc("POST /v1/allocations/reset", s.handleReset)

	mux.HandleFunc("GET /v1/reports/usage", s.handleUsageReport)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
}

// WithCORS allows browser clients on other origins to call the API.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleResourceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.ListResources())
}

func (s *Server) handleResourceCreate(w http.ResponseWriter, r *http.Request) {
	var res allocator.Resource
	if !decode(w, r, &res) {
		return
	}
	saved, err := s.sched.CreateResource(r.Context(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleResourcePut(w http.ResponseWriter, r *http.Request) {
	var res allocator.Resource
	if !decode(w, r, &res) {
		return
	}
	res.ID = r.PathValue("id")
	saved, err := s.sched.PutResource(r.Context(), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleResourceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RemoveResource(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResourceStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sched.ResourceStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req allocator.Request
	if !decode(w, r, &req) {
		return
	}
	start := time.Now()
	res := s.sched.Submit(r.Context(), req)
	metrics.ObserveResult(res, time.Since(start))

	code := http.StatusCreated
	if !res.Success {
		code = statusFor(res.Cause)
	}
	writeJSON(w, code, res)
}

func (s *Server) handleAllocationList(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	if resourceID != "" {
		if _, err := s.sched.Registry().Get(resourceID); err != nil {
			writeError(w, err)
			return
		}
	}
	reqs := s.sched.Requests(resourceID)
	if reqs == nil {
		reqs = []allocator.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.sched.Cancel(r.Context(), r.PathValue("id"))
	metrics.ObserveCancel(err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	released := s.sched.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

// handleUsageReport reports over [from, to); both default to the current calendar month in UTC.
func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	var err error
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, allocator.Errorf(allocator.ErrValidation, "from: %v", err))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, allocator.Errorf(allocator.ErrValidation, "to: %v", err))
			return
		}
	}
	if !from.Before(to) {
		writeError(w, allocator.Errorf(allocator.ErrValidation, "from must be before to"))
		return
	}
	report := s.sched.UsageReport(from, to)
	if report == nil {
		report = []allocator.UsageReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"from": from, "to": to, "resources": report})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, allocator.Errorf(allocator.ErrValidation, "invalid request body: %v", err))
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, allocator.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, allocator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, allocator.ErrResourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, allocator.ErrConflict), errors.Is(err, allocator.ErrDuplicateID):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("api: internal error")
	}
	writeJSON(w, code, errorBody{Error: allocator.Message(err), Reason: allocator.Reason(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("api: failed to write response")
	}
}
