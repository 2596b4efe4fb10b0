package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spinachchain/spinachchain/pkg/audit"
	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/metrics"
)

// Handlers serves the batch and farm HTTP API.
type Handlers struct {
	store    *Store
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandlers creates Handlers. recorder and m may be nil.
func NewHandlers(store *Store, recorder *audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, recorder: recorder, metrics: m, logger: logger}
}

type createBatchRequest struct {
	BatchID       string `json:"batch_id"`
	FarmerAddress string `json:"farmer_address"`
	FarmID        string `json:"farm_id"`
}

// CreateBatch handles POST /api/v1/batches
func (h *Handlers) CreateBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id, _ := authz.IdentityFromContext(r.Context())
		farmer := strings.TrimSpace(req.FarmerAddress)
		switch {
		case farmer == "":
			farmer = id.User
		case farmer != id.User && !id.HasRole(authz.RoleAdmin):
			writeError(w, http.StatusForbidden, "farmer_address must match the authenticated user")
			return
		}

		b, err := h.store.Create(r.Context(), CreateInput{
			BatchID:       req.BatchID,
			FarmerAddress: farmer,
			FarmID:        req.FarmID,
		})
		if err != nil {
			h.writeStoreError(w, err)
			return
		}

		h.metrics.BatchCreated()
		h.recorder.Record(r.Context(), &audit.Event{
			BatchID:   b.BatchID,
			EventType: audit.EventBatchCreated,
			NewValue: audit.JSONAny{
				"state":          string(b.State),
				"farmer_address": b.FarmerAddress,
				"current_owner":  b.CurrentOwner,
			},
		})
		h.logger.Info("batch created", "batchID", b.BatchID, "farmer", b.FarmerAddress)

		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "batch created",
			"batch":   b,
		})
	}
}

// GetBatch handles GET /api/v1/batches/{batchId}
func (h *Handlers) GetBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := h.store.Get(r.Context(), chi.URLParam(r, "batchId"))
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch":               b,
			"allowed_transitions": h.store.Machine().AllowedTransitions(b.State),
		})
	}
}

// ListBatches handles GET /api/v1/batches
// Query params: state, owner, farmer, pageSize, pageToken
func (h *Handlers) ListBatches() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := ListFilter{
			Owner:  q.Get("owner"),
			Farmer: q.Get("farmer"),
		}
		if raw := q.Get("state"); raw != "" {
			s, ok := ParseState(raw)
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
				return
			}
			filter.State = s
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		batches, nextToken, total, err := h.store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batches":       batches,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// DeleteBatch handles DELETE /api/v1/batches/{batchId}
func (h *Handlers) DeleteBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")
		id, _ := authz.IdentityFromContext(r.Context())

		if err := h.store.Delete(r.Context(), batchID, id.User); err != nil {
			h.writeStoreError(w, err)
			return
		}

		h.recorder.Record(r.Context(), &audit.Event{
			BatchID:   batchID,
			EventType: audit.EventBatchDeleted,
		})
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "deleted",
			"batch_id": batchID,
		})
	}
}

type transferRequest struct {
	NewOwner    string `json:"new_owner"`
	TargetState string `json:"target_state"`
	// State is accepted as an alias of TargetState.
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// TransferBatch handles POST /api/v1/batches/{batchId}/transfer
func (h *Handlers) TransferBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		raw := req.TargetState
		if raw == "" {
			raw = req.State
		}
		if strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusBadRequest, "target_state is required")
			return
		}
		target, ok := ParseState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
			return
		}
		h.transition(w, r, target, req.NewOwner, req.Reason)
	}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectBatch handles POST /api/v1/batches/{batchId}/reject
func (h *Handlers) RejectBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rejectRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		h.transition(w, r, StateRejected, "", req.Reason)
	}
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, target State, newOwner, reason string) {
	batchID := chi.URLParam(r, "batchId")
	id, _ := authz.IdentityFromContext(r.Context())

	res, err := h.store.Transition(r.Context(), TransitionRequest{
		BatchID:   batchID,
		Requester: id.User,
		Target:    target,
		NewOwner:  newOwner,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotOwner):
			h.metrics.Transition(string(target), "denied")
		case isTransitionError(err):
			h.metrics.Transition(string(target), "rejected")
		}
		h.writeStoreError(w, err)
		return
	}
	h.metrics.Transition(string(target), "ok")

	eventType := audit.EventCustodyTransferred
	if target == StateRejected {
		eventType = audit.EventBatchRejected
	}
	h.recorder.Record(r.Context(), &audit.Event{
		BatchID:   batchID,
		EventType: eventType,
		Reason:    reason,
		OldValue: audit.JSONAny{
			"state": string(res.FromState),
			"owner": res.PreviousOwner,
		},
		NewValue: audit.JSONAny{
			"state": string(res.Batch.State),
			"owner": res.Batch.CurrentOwner,
		},
	})
	h.logger.Info("batch transitioned",
		"batchID", batchID,
		"from", res.FromState,
		"to", res.Batch.State,
		"owner", res.Batch.CurrentOwner)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "custody updated",
		"previous_state": res.FromState,
		"previous_owner": res.PreviousOwner,
		"batch":          res.Batch,
	})
}

type createFarmRequest struct {
	FarmName         string `json:"farm_name"`
	Location         string `json:"location"`
	OrganicCertified bool   `json:"organic_certified"`
}

// CreateFarm handles POST /api/v1/farms
func (h *Handlers) CreateFarm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createFarmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id, _ := authz.IdentityFromContext(r.Context())

		farm, err := h.store.CreateFarm(r.Context(), &Farm{
			Farmer:           id.User,
			FarmName:         req.FarmName,
			Location:         req.Location,
			OrganicCertified: req.OrganicCertified,
		})
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		h.recorder.Record(r.Context(), &audit.Event{
			EventType:    audit.EventFarmCreated,
			ResourceType: "farms",
			ResourceIDs:  audit.JSONStringSlice{farm.ID},
		})
		writeJSON(w, http.StatusCreated, farm)
	}
}

// ListFarms handles GET /api/v1/farms
// Query params: farmer
func (h *Handlers) ListFarms() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farms, err := h.store.ListFarms(r.Context(), r.URL.Query().Get("farmer"))
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"farms": farms})
	}
}

func isTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// Error codes returned alongside the message in error bodies.
const (
	CodeValidation   = "VALIDATION_FAILED"
	CodeNotFound     = "NOT_FOUND"
	CodeNotOwner     = "NOT_OWNER"
	CodeConflict     = "CONFLICT"
	CodeNotFinalized = "NOT_FINALIZED"
	CodeInternal     = "INTERNAL"
)

// ErrorStatus maps store and lifecycle errors to an HTTP status and code.
func ErrorStatus(err error) (int, string) {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		return http.StatusConflict, te.Code
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden, CodeNotOwner
	case errors.Is(err, ErrNotFinalized):
		return http.StatusConflict, CodeNotFinalized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, CodeConflict
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeStoreError writes err with its mapped status. Internal errors are
// logged and replaced with a generic message.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	status, code := ErrorStatus(err)
	if code == CodeInternal {
		h.logger.Error("batch request failed", "error", err)
		writeJSON(w, status, map[string]any{"error": "internal error", "code": code})
		return
	}
	body := map[string]any{"error": err.Error(), "code": code}
	var te *TransitionError
	if errors.As(err, &te) {
		body["from"] = te.From
		body["to"] = te.To
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
