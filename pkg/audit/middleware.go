package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Middleware records one "request" event per mutating API call, including
// denied and failed attempts, so a batch's history shows who tried what.
func Middleware(store *Store, cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg == nil || !cfg.Enabled || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !isAuditedRequest(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			startTime := time.Now().UTC()
			capture := &responseCapture{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(capture, r)

			statusCode := capture.statusCode
			outcome := outcomeFromStatus(statusCode)
			if outcome == OutcomeDenied && !cfg.LogDenied {
				return
			}

			ctx := r.Context()
			actor := "anonymous"
			var roles []string
			if id, ok := authz.IdentityFromContext(ctx); ok && id.User != "" {
				actor = id.User
				roles = id.Roles
			}
			requestID := middleware.GetReqID(ctx)

			event := &Event{
				ID:           uuid.NewString(),
				BatchID:      extractBatchID(r.URL.Path),
				EventType:    EventRequest,
				Actor:        actor,
				Outcome:      outcome,
				RequestID:    requestID,
				ResourceType: extractResourceType(r.URL.Path),
				ResourceIDs:  JSONStringSlice(extractResourceIDs(r.URL.Path)),
				Action:       extractActionVerb(r.Method, r.URL.Path),
				StatusCode:   statusCode,
				CreatedAt:    startTime,
				EventMetadata: JSONAny{
					"method":   r.Method,
					"path":     r.URL.Path,
					"duration": time.Since(startTime).String(),
					"roles":    roles,
				},
			}

			// Best-effort write: don't fail the request if audit write fails.
			if err := store.Append(context.WithoutCancel(ctx), event); err != nil {
				logger.Error("failed to write audit event", "error", err, "requestID", requestID)
			}
		})
	}
}
