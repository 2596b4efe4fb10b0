package audit

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

// HistoryHandler handles GET /api/v1/batches/{batchId}/history
// Query params: pageSize, pageToken
func HistoryHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchId")
		if batchID == "" {
			writeError(w, http.StatusBadRequest, "missing batch ID")
			return
		}

		records, nextToken, total, err := store.ListByBatch(r.Context(), batchID, pageSizeParam(r), r.URL.Query().Get("pageToken"))
		if err != nil {
			writeListError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"batchId":       batchID,
			"events":        toResponses(records),
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// ListEventsHandler handles GET /api/v1/audit/events
// Query params: batchId, actor, eventType, outcome, pageSize, pageToken
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ListFilter{
			BatchID:   r.URL.Query().Get("batchId"),
			Actor:     r.URL.Query().Get("actor"),
			EventType: r.URL.Query().Get("eventType"),
			Outcome:   r.URL.Query().Get("outcome"),
		}

		records, nextToken, total, err := store.ListFiltered(r.Context(), filter, pageSizeParam(r), r.URL.Query().Get("pageToken"))
		if err != nil {
			writeListError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events":        toResponses(records),
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// GetEventHandler handles GET /api/v1/audit/events/{eventId}
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventId")
		if eventID == "" {
			writeError(w, http.StatusBadRequest, "missing event ID")
			return
		}

		record, err := store.GetByID(r.Context(), eventID)
		if err != nil {
			slog.Error("failed to get audit event", "eventID", eventID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to get audit event")
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("audit event %q not found", eventID))
			return
		}

		writeJSON(w, http.StatusOK, recordToResponse(*record))
	}
}

func pageSizeParam(r *http.Request) int {
	pageSize := 20
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = v
		}
	}
	return pageSize
}

// eventResponse is the API response for an audit event.
type eventResponse struct {
	ID           string         `json:"id"`
	BatchID      string         `json:"batchId,omitempty"`
	EventType    string         `json:"eventType"`
	Actor        string         `json:"actor"`
	RequestID    string         `json:"requestId,omitempty"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceIDs  []string       `json:"resourceIds,omitempty"`
	Action       string         `json:"action,omitempty"`
	Outcome      string         `json:"outcome"`
	StatusCode   int            `json:"statusCode,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	OldValue     map[string]any `json:"oldValue,omitempty"`
	NewValue     map[string]any `json:"newValue,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"createdAt"`
}

func toResponses(records []Event) []eventResponse {
	events := make([]eventResponse, len(records))
	for i, rec := range records {
		events[i] = recordToResponse(rec)
	}
	return events
}

func recordToResponse(rec Event) eventResponse {
	return eventResponse{
		ID:           rec.ID,
		BatchID:      rec.BatchID,
		EventType:    rec.EventType,
		Actor:        rec.Actor,
		RequestID:    rec.RequestID,
		ResourceType: rec.ResourceType,
		ResourceIDs:  []string(rec.ResourceIDs),
		Action:       rec.Action,
		Outcome:      rec.Outcome,
		StatusCode:   rec.StatusCode,
		Reason:       rec.Reason,
		OldValue:     map[string]any(rec.OldValue),
		NewValue:     map[string]any(rec.NewValue),
		Metadata:     map[string]any(rec.EventMetadata),
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeListError maps a bad page token to 400 and logs anything else.
func writeListError(w http.ResponseWriter, err error) {
	if errors.Is(err, pagination.ErrInvalidToken) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("failed to list audit events", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to list audit events")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
