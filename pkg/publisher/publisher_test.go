package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinata_Publish(t *testing.T) {
	var got struct {
		PinataContent  map[string]any `json:"pinataContent"`
		PinataMetadata struct {
			Name string `json:"name"`
		} `json:"pinataMetadata"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("pinata_api_key"))
		assert.Equal(t, "secret", r.Header.Get("pinata_secret_api_key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"IpfsHash":"QmTest","PinSize":42,"Timestamp":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	p, err := NewPinata(PinataConfig{URL: srv.URL, APIKey: "key", SecretKey: "secret"}, srv.Client())
	require.NoError(t, err)

	cid, err := p.Publish(context.Background(), "batch-B1", []byte(`{"batch_id":"B1"}`))
	require.NoError(t, err)
	assert.Equal(t, "QmTest", cid)
	assert.Equal(t, "B1", got.PinataContent["batch_id"])
	assert.Equal(t, "batch-B1", got.PinataMetadata.Name)
}

func TestPinata_JWTAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("pinata_api_key"))
		_, _ = w.Write([]byte(`{"IpfsHash":"QmJWT"}`))
	}))
	defer srv.Close()

	p, err := NewPinata(PinataConfig{URL: srv.URL, JWT: "tok"}, srv.Client())
	require.NoError(t, err)
	cid, err := p.Publish(context.Background(), "", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "QmJWT", cid)
}

func TestPinata_RequiresCredentials(t *testing.T) {
	_, err := NewPinata(PinataConfig{APIKey: "only-key"}, nil)
	require.Error(t, err)
}

func TestPinata_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"server error", http.StatusBadGateway, false},
		{"rate limited", http.StatusTooManyRequests, false},
		{"unauthorized", http.StatusUnauthorized, true},
		{"bad request", http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p, err := NewPinata(PinataConfig{URL: srv.URL, JWT: "tok"}, srv.Client())
			require.NoError(t, err)
			_, err = p.Publish(context.Background(), "", []byte(`{}`))
			require.Error(t, err)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}
}

func TestPinata_MissingHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p, err := NewPinata(PinataConfig{URL: srv.URL, JWT: "tok"}, srv.Client())
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IpfsHash")
}

func TestPinata_RejectsInvalidJSON(t *testing.T) {
	p, err := NewPinata(PinataConfig{URL: "http://127.0.0.1:1", JWT: "tok"}, nil)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), "", []byte(`{not json`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestMemory_StableCID(t *testing.T) {
	m := NewMemory()
	c1, err := m.Publish(context.Background(), "a", []byte(`{"x":1}`))
	require.NoError(t, err)
	c2, err := m.Publish(context.Background(), "b", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.True(t, strings.HasPrefix(c1, "mem:"))
	assert.Equal(t, 2, m.Calls())

	body, ok := m.Get(c1)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(body))

	_, ok = m.Get("mem:missing")
	assert.False(t, ok)
}

func TestS3_Publish(t *testing.T) {
	var (
		mu   sync.Mutex
		puts = map[string][]byte{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts[r.URL.Path] = body
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewS3(context.Background(), S3Config{
		Bucket:          "payloads",
		Endpoint:        srv.URL,
		Prefix:          "/batches/",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	})
	require.NoError(t, err)

	content := []byte(`{"batch_id":"B1"}`)
	cid, err := p.Publish(context.Background(), "batch-B1", content)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(cid, "sha256:"))

	key := "/payloads/batches/" + strings.TrimPrefix(cid, "sha256:") + ".json"
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, puts, key)
}

func TestS3_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
	}))
	defer srv.Close()

	p, err := NewS3(context.Background(), S3Config{
		Bucket:          "payloads",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "batch-B1", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err), err.Error())

	calls.Store(0)
	_, err = NewRetrying(p, fastRetry(4), nil).Publish(context.Background(), "batch-B1", []byte(`{}`))
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.EqualValues(t, 1, calls.Load(), "access denied is not retried")
}

type statusCodeError int

func (e statusCodeError) Error() string       { return http.StatusText(int(e)) }
func (e statusCodeError) HTTPStatusCode() int { return int(e) }

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("connection reset"), false},
		{"pinata 401", &StatusError{Backend: "pinata", StatusCode: 401}, true},
		{"pinata 502", &StatusError{Backend: "pinata", StatusCode: 502}, false},
		{"sdk 404", fmt.Errorf("put: %w", statusCodeError(404)), true},
		{"sdk 429", fmt.Errorf("put: %w", statusCodeError(429)), false},
		{"sdk 503", fmt.Errorf("put: %w", statusCodeError(503)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}

func TestS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
}

type scriptedPublisher struct {
	calls atomic.Int32
	errs  []error
	cid   string
}

func (s *scriptedPublisher) Publish(ctx context.Context, _ string, _ []byte) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return "", s.errs[n]
	}
	return s.cid, nil
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		AttemptTimeout:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	inner := &scriptedPublisher{
		errs: []error{errors.New("connection reset"), &StatusError{Backend: "pinata", StatusCode: 503}},
		cid:  "QmOK",
	}
	var observed []error
	r := NewRetrying(inner, fastRetry(3), nil).WithObserver("pinata", func(backend string, err error) {
		assert.Equal(t, "pinata", backend)
		observed = append(observed, err)
	})

	cid, err := r.Publish(context.Background(), "", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "QmOK", cid)
	assert.Equal(t, int32(3), inner.calls.Load())
	require.Len(t, observed, 3)
	assert.Error(t, observed[0])
	assert.NoError(t, observed[2])
}

func TestRetrying_ExhaustsAttempts(t *testing.T) {
	cause := errors.New("connection refused")
	inner := &scriptedPublisher{errs: []error{cause, cause, cause, cause}}
	r := NewRetrying(inner, fastRetry(3), nil)

	_, err := r.Publish(context.Background(), "", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetrying_StopsOnPermanentError(t *testing.T) {
	inner := &scriptedPublisher{errs: []error{&StatusError{Backend: "pinata", StatusCode: 401}}}
	r := NewRetrying(inner, fastRetry(5), nil)

	_, err := r.Publish(context.Background(), "", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)
	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetrying_ContextCanceled(t *testing.T) {
	inner := &scriptedPublisher{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	r := NewRetrying(inner, RetryConfig{MaxAttempts: 3, InitialInterval: time.Hour, MaxInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Publish(ctx, "", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestNew_Backends(t *testing.T) {
	var backends []string
	observe := func(backend string, _ error) { backends = append(backends, backend) }
	p, err := New(context.Background(), Config{Observe: observe}, nil)
	require.NoError(t, err)
	cid, err := p.Publish(context.Background(), "", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cid, "mem:"))
	assert.Equal(t, []string{"memory"}, backends)

	_, err = New(context.Background(), Config{Backend: BackendPinata}, nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{Backend: "ftp"}, nil)
	require.Error(t, err)
}
