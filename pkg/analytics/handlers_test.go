package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spinachchain/spinachchain/pkg/audit"
	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/batch"
)

type testAPI struct {
	store  *batch.Store
	audit  *audit.Store
	router chi.Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := batch.NewStore(db, nil)
	require.NoError(t, store.AutoMigrate())
	auditStore := audit.NewStore(db)
	require.NoError(t, auditStore.AutoMigrate())

	svc := NewService(store, nil, audit.NewRecorder(auditStore, nil), nil)
	r := chi.NewRouter()
	r.Use(authz.HeaderIdentityMiddleware())
	r.Mount("/batches", batch.Router(batch.NewHandlers(store, nil, nil, nil), NewHandlers(svc).Routes))
	return &testAPI{store: store, audit: auditStore, router: r}
}

func (a *testAPI) addReading(t *testing.T, batchID string, temp, humidity, moisture float64) {
	t.Helper()
	r := &batch.SensorReading{
		Temperature:  temp,
		Humidity:     humidity,
		SoilMoisture: moisture,
		Nitrogen:     10,
		Phosphorus:   5,
		Potassium:    8,
		DataHash:     uuid.NewString(),
	}
	_, err := a.store.AppendReading(context.Background(), batchID, r, false)
	require.NoError(t, err)
}

func (a *testAPI) analyze(t *testing.T, batchID string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/batches/"+batchID+"/analysis", nil)
	req.Header.Set("X-Remote-User", "inspector1")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestAnalyzeHandler(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	_, err := api.store.Create(ctx, batch.CreateInput{BatchID: "B1", FarmerAddress: "alice"})
	require.NoError(t, err)

	rec, body := api.analyze(t, "B1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNoReadings, body["code"])

	api.addReading(t, "B1", 33, 75, 40)
	rec, body = api.analyze(t, "B1")
	require.Equal(t, http.StatusOK, rec.Code)
	res := body["analytics"].(map[string]any)
	assert.InDelta(t, 0.75, res["disease_probability"], 1e-9)
	assert.InDelta(t, 25, res["health_score"], 1e-9)

	got, err := api.store.Get(ctx, "B1")
	require.NoError(t, err)
	require.NotNil(t, got.HealthScore)
	assert.InDelta(t, 25, *got.HealthScore, 1e-9)
	assert.NotNil(t, got.AnalyzedAt)

	api.addReading(t, "B1", 45, 75, 40)
	_, body = api.analyze(t, "B1")
	assert.Equal(t, true, body["analytics"].(map[string]any)["anomaly_detected"], "re-analysis overwrites")

	events, _, _, err := api.audit.ListFiltered(ctx, audit.ListFilter{EventType: audit.EventAnalysisCompleted}, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "inspector1", events[0].Actor)

	rec, body = api.analyze(t, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, batch.CodeNotFound, body["code"])
}
