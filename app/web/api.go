package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobq/app/store"
)

// StatusResponse is the JSON response for /api/v1/status
type StatusResponse struct {
	Jobs      []store.Job `json:"jobs"`
	Stats     Stats       `json:"stats"`
	Timestamp time.Time   `json:"timestamp"`
}

// Stats represents aggregated queue counters
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// SubmitResponse is the JSON response for POST /api/v1/jobs
type SubmitResponse struct {
	ID int `json:"id"`
}

// handleStatus returns JSON with the full queue and per-status counters,
// designed for CLI/jq consumption
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.Load(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to load queue: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load queue")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}

	stats := Stats{Total: len(jobs)}
	for _, job := range jobs {
		switch job.Status {
		case store.StatusPending:
			stats.Pending++
		case store.StatusInProgress:
			stats.InProgress++
		case store.StatusDone:
			stats.Done++
		case store.StatusFailed:
			stats.Failed++
		}
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{Jobs: jobs, Stats: stats, Timestamp: time.Now()})
}

// handleGetJob returns a single job by id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("[ERROR] failed to get job %d: %v", id, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

// handleSubmitJob appends a new pending job and returns its assigned id
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.Submit(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to submit job: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	log.Printf("[INFO] job %d submitted via api", id)
	s.writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
