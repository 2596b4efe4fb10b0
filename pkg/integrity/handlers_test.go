package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spinachchain/spinachchain/pkg/authz"
	"github.com/spinachchain/spinachchain/pkg/batch"
	"github.com/spinachchain/spinachchain/pkg/digest"
	"github.com/spinachchain/spinachchain/pkg/jobs"
	"github.com/spinachchain/spinachchain/pkg/merkle"
	"github.com/spinachchain/spinachchain/pkg/publisher"
)

type testAPI struct {
	*fixture
	jobs   *jobs.JobStore
	router chi.Router
}

func newTestAPI(t *testing.T, pub publisher.Publisher) *testAPI {
	t.Helper()
	f := newFixture(t, pub)
	jobStore := jobs.NewJobStore(f.db)
	require.NoError(t, jobStore.AutoMigrate())

	bh := batch.NewHandlers(f.store, nil, nil, nil)
	ih := NewHandlers(f.orch, jobStore, nil)
	r := chi.NewRouter()
	r.Use(authz.HeaderIdentityMiddleware())
	r.Mount("/batches", batch.Router(bh, ih.Routes))
	return &testAPI{fixture: f, jobs: jobStore, router: r}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func readingBody(temp float64) map[string]any {
	return map[string]any{
		"temperature":   temp,
		"humidity":      60,
		"soil_moisture": 40,
		"nitrogen":      10,
		"phosphorus":    5,
		"potassium":     8,
	}
}

func TestIngestReadingHandler(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createBatch(t, "B1", "alice")

	rec := api.do(t, http.MethodPost, "/batches/B1/readings", "alice", readingBody(20))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decodeBody(t, rec)["data_hash"], digest.Size)

	missing := readingBody(20)
	delete(missing, "humidity")
	rec = api.do(t, http.MethodPost, "/batches/B1/readings", "alice", missing)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, batch.CodeValidation, decodeBody(t, rec)["code"])

	rec = api.do(t, http.MethodPost, "/batches/none/readings", "alice", readingBody(20))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/batches/B1/readings", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["sensor_readings"], 1)
}

func TestFinalizeHandler(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createBatch(t, "B1", "alice")

	rec := api.do(t, http.MethodPost, "/batches/B1/finalize", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeNoReadings, decodeBody(t, rec)["code"])

	for _, temp := range []float64{20, 25, 30} {
		api.do(t, http.MethodPost, "/batches/B1/readings", "alice", readingBody(temp))
	}
	rec = api.do(t, http.MethodPost, "/batches/B1/finalize", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Len(t, body["merkle_root"], digest.Size)
	assert.NotEmpty(t, body["content_id"])
	assert.EqualValues(t, 3, body["leaf_count"])

	rec = api.do(t, http.MethodPost, "/batches/none/finalize", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinalizeHandler_PublishFailureIsRetryable(t *testing.T) {
	api := newTestAPI(t, failingPublisher{cause: errors.New("503 from gateway")})
	api.createBatch(t, "B1", "alice")
	api.do(t, http.MethodPost, "/batches/B1/readings", "alice", readingBody(20))

	rec := api.do(t, http.MethodPost, "/batches/B1/finalize", "alice", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, CodePublishFailed, body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestFinalizeHandler_Async(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createBatch(t, "B1", "alice")
	api.do(t, http.MethodPost, "/batches/B1/readings", "alice", readingBody(20))

	rec := api.do(t, http.MethodPost, "/batches/B1/finalize?async=true", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decodeBody(t, rec)["job"].(map[string]any)
	jobID := job["id"].(string)
	assert.Equal(t, "/api/v1/jobs/"+jobID, rec.Header().Get("Location"))
	assert.Equal(t, "queued", job["state"])

	rec = api.do(t, http.MethodPost, "/batches/B1/finalize?async=true", "alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, jobID, decodeBody(t, rec)["job"].(map[string]any)["id"], "pending job is reused")

	rec = api.do(t, http.MethodPost, "/batches/none/finalize?async=true", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg := jobs.DefaultJobConfig()
	cfg.PollInterval = 10 * time.Millisecond
	pool := jobs.NewWorkerPool(api.jobs, api.orch, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		got, err := api.jobs.Get(context.Background(), jobID)
		return err == nil && got != nil && got.State == jobs.JobStateSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	b, err := api.store.Get(context.Background(), "B1")
	require.NoError(t, err)
	assert.True(t, b.Finalized())
}

func TestProofHandler(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createBatch(t, "B1", "alice")
	var hashes []string
	for _, temp := range []float64{20, 25, 30} {
		rec := api.do(t, http.MethodPost, "/batches/B1/readings", "alice", readingBody(temp))
		hashes = append(hashes, decodeBody(t, rec)["data_hash"].(string))
	}

	rec := api.do(t, http.MethodGet, "/batches/B1/proof?hash="+hashes[1], "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, batch.CodeNotFinalized, decodeBody(t, rec)["code"])

	api.do(t, http.MethodPost, "/batches/B1/finalize", "alice", nil)

	rec = api.do(t, http.MethodGet, "/batches/B1/proof?hash="+hashes[1], "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ProofResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.LeafIndex)
	assert.True(t, res.Verified)
	assert.True(t, merkle.Verify(hashes[1], res.Proof, res.Root))

	rec = api.do(t, http.MethodGet, "/batches/B1/proof?hash="+digestOf(t, "absent"), "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeLeafNotFound, decodeBody(t, rec)["code"])

	rec = api.do(t, http.MethodGet, "/batches/B1/proof?hash=xyz", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/batches/B1/proof", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnchorHandlers(t *testing.T) {
	api := newTestAPI(t, nil)
	api.createBatch(t, "B1", "alice")
	api.do(t, http.MethodPost, "/batches/B1/readings", "alice", readingBody(20))

	rec := api.do(t, http.MethodGet, "/batches/B1/anchor", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	api.do(t, http.MethodPost, "/batches/B1/finalize", "alice", nil)

	rec = api.do(t, http.MethodGet, "/batches/B1/anchor", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	root := decodeBody(t, rec)["merkle_root"].(string)
	assert.Len(t, root, digest.Size+2)

	tx := map[string]string{"tx_hash": digestOf(t, "tx")}
	rec = api.do(t, http.MethodPost, "/batches/B1/anchor", "bob", tx)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPost, "/batches/B1/anchor", "alice", map[string]string{"tx_hash": "0x12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/batches/B1/anchor", "alice", tx)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b := decodeBody(t, rec)["batch"].(map[string]any)
	assert.Equal(t, "0x"+tx["tx_hash"], b["anchor_tx_hash"])
}

func TestHandlers_InternalErrorsHideCause(t *testing.T) {
	api := newTestAPI(t, nil)
	sqlDB, err := api.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	rec := api.do(t, http.MethodPost, "/batches/B1/finalize", "alice", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, batch.CodeInternal, body["code"])
	assert.Equal(t, "internal error", body["error"])
	assert.NotContains(t, rec.Body.String(), "sql")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{ErrNoReadings, http.StatusBadRequest, CodeNoReadings},
		{publisher.ErrPublishFailed, http.StatusBadGateway, CodePublishFailed},
		{merkle.ErrLeafNotFound, http.StatusNotFound, CodeLeafNotFound},
		{digest.ErrInvalidDigestLength, http.StatusBadRequest, CodeInvalidDigest},
		{digest.ErrSerialization, http.StatusBadRequest, CodeInvalidDigest},
		{ErrNotFinalized, http.StatusConflict, batch.CodeNotFinalized},
		{batch.ErrNotFound, http.StatusNotFound, batch.CodeNotFound},
		{batch.ErrConflict, http.StatusConflict, batch.CodeConflict},
	}
	for _, tt := range tests {
		status, code := ErrorStatus(tt.err)
		assert.Equal(t, tt.wantStatus, status, tt.err.Error())
		assert.Equal(t, tt.wantCode, code, tt.err.Error())
	}
}

func digestOf(t *testing.T, s string) string {
	t.Helper()
	h, err := digest.HashRecord(map[string]any{"v": s})
	require.NoError(t, err)
	return h
}
