package analytics

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/batch"
)

// CodeNoReadings is returned when analysis is requested for an empty batch.
const CodeNoReadings = "NO_READINGS"

// Handlers serves the analysis endpoint below /batches/{batchId}.
type Handlers struct {
	svc *Service
}

// NewHandlers creates Handlers.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// Routes registers the endpoints on a /{batchId} subrouter.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/analysis", h.Analyze())
}

// Analyze handles POST /api/v1/batches/{batchId}/analysis
func (h *Handlers) Analyze() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")
		res, b, err := h.svc.Analyze(r.Context(), batchID)
		if err != nil {
			status, code := ErrorStatus(err)
			msg := err.Error()
			if code == batch.CodeInternal {
				h.svc.logger.Error("analysis failed", "batchID", batchID, "error", err)
				msg = "internal error"
			}
			writeJSON(w, status, map[string]string{"error": msg, "code": code})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch_id":  batchID,
			"analytics": res,
			"batch":     b,
		})
	}
}

// ErrorStatus maps analysis errors to an HTTP status and code.
func ErrorStatus(err error) (int, string) {
	if errors.Is(err, ErrNoReadings) {
		return http.StatusNotFound, CodeNoReadings
	}
	return batch.ErrorStatus(err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
