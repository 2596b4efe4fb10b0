package integrity

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/digest"
	"github.com/spinachchain/spinachchain/pkg/jobs"
	"github.com/spinachchain/spinachchain/pkg/merkle"
	"github.com/spinachchain/spinachchain/pkg/publisher"
)

// Error codes specific to the integrity pipeline.
const (
	CodeNoReadings    = "NO_READINGS"
	CodePublishFailed = "PUBLISH_FAILED"
	CodeLeafNotFound  = "LEAF_NOT_FOUND"
	CodeInvalidDigest = "INVALID_DIGEST"
)

// Handlers serves the integrity endpoints below /batches/{batchId}.
type Handlers struct {
	orch   *Orchestrator
	jobs   *jobs.JobStore
	logger *slog.Logger
}

// NewHandlers creates Handlers. jobStore may be nil, in which case
// asynchronous finalize is unavailable.
func NewHandlers(orch *Orchestrator, jobStore *jobs.JobStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{orch: orch, jobs: jobStore, logger: logger}
}

// Routes registers the endpoints on a /{batchId} subrouter.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/readings", h.IngestReading())
	r.Get("/readings", h.ListReadings())
	r.Post("/finalize", h.Finalize())
	r.Get("/proof", h.Proof())
	r.Get("/anchor", h.GetAnchor())
	r.Post("/anchor", h.RecordAnchor())
}

// IngestReading handles POST /api/v1/batches/{batchId}/readings
func (h *Handlers) IngestReading() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ReadingInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		reading, err := h.orch.Ingest(r.Context(), chi.URLParam(r, "batchId"), in)
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"message":   "sensor data stored",
			"batch_id":  reading.BatchID,
			"data_hash": reading.DataHash,
			"reading":   reading,
		})
	}
}

// ListReadings handles GET /api/v1/batches/{batchId}/readings
func (h *Handlers) ListReadings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")
		readings, err := h.orch.Readings(r.Context(), batchID)
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch_id":        batchID,
			"sensor_readings": readings,
		})
	}
}

// Finalize handles POST /api/v1/batches/{batchId}/finalize
// Query params: async
func (h *Handlers) Finalize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			h.enqueueFinalize(w, r, batchID)
			return
		}

		res, err := h.orch.Finalize(r.Context(), batchID)
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":        "batch finalized, ready for anchoring",
			"batch_id":       res.BatchID,
			"merkle_root":    res.MerkleRoot,
			"content_id":     res.ContentID,
			"payload_digest": res.PayloadDigest,
			"leaf_count":     res.LeafCount,
			"batch":          res.Batch,
		})
	}
}

func (h *Handlers) enqueueFinalize(w http.ResponseWriter, r *http.Request, batchID string) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "asynchronous finalize is disabled")
		return
	}
	// Fail fast on unknown batches instead of queuing a job that cannot succeed.
	if _, err := h.orch.store.Get(r.Context(), batchID); err != nil {
		h.writePipelineError(w, err)
		return
	}
	id, _ := authz.IdentityFromContext(r.Context())
	job, err := h.jobs.EnqueueFinalize(r.Context(), batchID, id.User)
	if err != nil {
		h.logger.Error("failed to enqueue finalize", "batchID", batchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue finalize")
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "finalize queued",
		"job":     jobs.JobToResponse(job),
	})
}

// Proof handles GET /api/v1/batches/{batchId}/proof?hash=
func (h *Handlers) Proof() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := r.URL.Query().Get("hash")
		if hash == "" {
			writeError(w, http.StatusBadRequest, "hash query parameter is required")
			return
		}
		res, err := h.orch.Proof(r.Context(), chi.URLParam(r, "batchId"), hash)
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GetAnchor handles GET /api/v1/batches/{batchId}/anchor
func (h *Handlers) GetAnchor() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := h.orch.AnchorPayload(r.Context(), chi.URLParam(r, "batchId"))
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

type recordAnchorRequest struct {
	TxHash string `json:"tx_hash"`
}

// RecordAnchor handles POST /api/v1/batches/{batchId}/anchor
func (h *Handlers) RecordAnchor() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req recordAnchorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id, _ := authz.IdentityFromContext(r.Context())
		b, err := h.orch.RecordAnchor(r.Context(), chi.URLParam(r, "batchId"), id.User, req.TxHash)
		if err != nil {
			h.writePipelineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "anchor recorded",
			"batch":   b,
		})
	}
}

// ErrorStatus maps pipeline errors to an HTTP status and code, deferring
// to batch.ErrorStatus for store errors.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNoReadings):
		return http.StatusBadRequest, CodeNoReadings
	case errors.Is(err, publisher.ErrPublishFailed):
		return http.StatusBadGateway, CodePublishFailed
	case errors.Is(err, merkle.ErrLeafNotFound):
		return http.StatusNotFound, CodeLeafNotFound
	case errors.Is(err, batch.ErrValidation):
		return http.StatusBadRequest, batch.CodeValidation
	case errors.Is(err, digest.ErrInvalidDigestLength), errors.Is(err, digest.ErrSerialization):
		return http.StatusBadRequest, CodeInvalidDigest
	}
	return batch.ErrorStatus(err)
}

func (h *Handlers) writePipelineError(w http.ResponseWriter, err error) {
	status, code := ErrorStatus(err)
	if code == batch.CodeInternal {
		h.logger.Error("integrity request failed", "error", err)
		writeJSON(w, status, map[string]any{"error": "internal error", "code": code})
		return
	}
	body := map[string]any{"error": err.Error(), "code": code}
	if errors.Is(err, publisher.ErrPublishFailed) {
		body["retryable"] = true
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
