package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

// Recorder writes domain audit events on a best-effort basis: a failed
// write is logged and never fails the caller. A nil *Recorder is a no-op.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil store yields a disabled recorder.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record fills ID, actor, request id and timestamp when unset and appends e.
func (r *Recorder) Record(ctx context.Context, e *Event) {
	if r == nil || r.store == nil || e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Actor == "" {
		e.Actor = "anonymous"
		if id, ok := authz.IdentityFromContext(ctx); ok && id.User != "" {
			e.Actor = id.User
		}
	}
	if e.RequestID == "" {
		e.RequestID = middleware.GetReqID(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Append(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Error("failed to write audit event",
			"error", err,
			"eventType", e.EventType,
			"batchID", e.BatchID,
			"requestID", e.RequestID)
	}
}
