package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinachchain/spinachchain/pkg/authz"
)

func TestRecorder_FillsDefaults(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, nil)

	var ctx context.Context
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx = r.Context()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	ctx = authz.WithIdentity(ctx, authz.Identity{User: "0xalice"})

	rec.Record(ctx, &Event{BatchID: "B1", EventType: EventBatchCreated})

	events, _, total, err := s.ListByBatch(context.Background(), "B1", 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "0xalice", e.Actor)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.NotEmpty(t, e.RequestID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestRecorder_KeepsExplicitFields(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, nil)

	rec.Record(context.Background(), &Event{
		ID:        "fixed",
		BatchID:   "B1",
		EventType: EventColdChainViolated,
		Actor:     "sensor-gateway",
		Outcome:   OutcomeFailure,
	})

	got, err := s.GetByID(context.Background(), "fixed")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sensor-gateway", got.Actor)
	assert.Equal(t, OutcomeFailure, got.Outcome)
}

func TestRecorder_AnonymousActor(t *testing.T) {
	s := newTestStore(t)
	NewRecorder(s, nil).Record(context.Background(), &Event{ID: "e", BatchID: "B1", EventType: EventRequest})

	got, err := s.GetByID(context.Background(), "e")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "anonymous", got.Actor)
}

func TestRecorder_NilSafe(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), &Event{EventType: EventRequest})
	})
	assert.NotPanics(t, func() {
		NewRecorder(nil, nil).Record(context.Background(), &Event{EventType: EventRequest})
	})
}

func TestRecorder_CancelledContextStillWrites(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	NewRecorder(s, nil).Record(ctx, &Event{ID: "late", BatchID: "B1", EventType: EventBatchDeleted})

	got, err := s.GetByID(context.Background(), "late")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
