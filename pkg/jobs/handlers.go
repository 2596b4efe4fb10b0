package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/pagination"
)

// GetJobHandler handles GET /api/v1/jobs/{jobId}
func GetJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		job, err := store.Get(r.Context(), jobID)
		if err != nil {
			slog.Error("failed to get job", "jobID", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %q not found", jobID))
			return
		}

		writeJSON(w, http.StatusOK, JobToResponse(job))
	}
}

// ListJobsHandler handles GET /api/v1/jobs
// Query params: batchId, state, requestedBy, pageSize, pageToken
func ListJobsHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := JobListFilter{
			BatchID:     q.Get("batchId"),
			State:       q.Get("state"),
			RequestedBy: q.Get("requestedBy"),
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			if errors.Is(err, pagination.ErrInvalidToken) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			slog.Error("failed to list jobs", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list jobs")
			return
		}

		jobs := make([]JobResponse, len(records))
		for i := range records {
			jobs[i] = JobToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":          jobs,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// CancelJobHandler handles POST /api/v1/jobs/{jobId}:cancel
func CancelJobHandler(store *JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobId")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "missing job ID")
			return
		}

		if err := store.Cancel(r.Context(), jobID); err != nil {
			switch {
			case errors.Is(err, ErrJobNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, ErrNotCancelable):
				writeError(w, http.StatusConflict, err.Error())
			default:
				slog.Error("failed to cancel job", "jobID", jobID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to cancel job")
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status": "canceled",
			"jobId":  jobID,
		})
	}
}

// JobResponse is the API representation of a finalize job.
type JobResponse struct {
	ID           string `json:"id"`
	BatchID      string `json:"batch_id"`
	RequestedBy  string `json:"requested_by"`
	RequestedAt  string `json:"requested_at"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
	MerkleRoot   string `json:"merkle_root,omitempty"`
	ContentID    string `json:"content_id,omitempty"`
	LeafCount    int    `json:"leaf_count,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

// JobToResponse converts a job row to its API representation.
func JobToResponse(job *FinalizeJob) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		BatchID:      job.BatchID,
		RequestedBy:  job.RequestedBy,
		RequestedAt:  job.RequestedAt.Format(time.RFC3339),
		State:        string(job.State),
		Message:      job.Message,
		AttemptCount: job.AttemptCount,
		LastError:    job.LastError,
		MerkleRoot:   job.MerkleRoot,
		ContentID:    job.ContentID,
		LeafCount:    job.LeafCount,
		DurationMs:   job.DurationMs,
	}
	if job.StartedAt != nil {
		resp.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
