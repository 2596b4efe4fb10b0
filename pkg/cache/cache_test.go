package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spinachchain/spinachchain/pkg/metrics"
)

func newTestCache(size int, ttl time.Duration) *ResponseCache {
	return New(&Config{Enabled: true, TTL: ttl, MaxSize: size}, metrics.New())
}

func TestResponseCache(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{"SetAndGet", testSetAndGet},
		{"GetMiss", testGetMiss},
		{"GetExpired", testGetExpired},
		{"SetOverMaxSizeEvictsLeastRecent", testEvictsLeastRecent},
		{"InvalidateBatch", testInvalidateBatch},
		{"Purge", testPurge},
		{"SetIfCurrentSkipsAfterInvalidate", testSetIfCurrent},
		{"ConcurrentAccess", testConcurrentAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testSetIfCurrent(t *testing.T) {
	c := newTestCache(10, time.Minute)
	key := "/api/v1/batches/B1/anchor"

	gen := c.Generation("B1")
	c.InvalidateBatch("B1")
	if c.SetIfCurrent("B1", key, []byte("stale"), gen) {
		t.Error("expected body rendered before invalidation to be dropped")
	}
	if _, ok := c.Get(key); ok {
		t.Error("expected no entry for stale body")
	}

	gen = c.Generation("B1")
	c.InvalidateBatch("B2")
	if !c.SetIfCurrent("B1", key, []byte("fresh"), gen) {
		t.Error("expected store when only another batch changed")
	}

	gen = c.Generation("B1")
	c.Purge()
	if c.SetIfCurrent("B1", key, []byte("stale"), gen) {
		t.Error("expected body rendered before purge to be dropped")
	}
}

func testSetAndGet(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Set("B1", "/api/v1/batches/B1/anchor", []byte("value1"))

	got, ok := c.Get("/api/v1/batches/B1/anchor")
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != "value1" {
		t.Fatalf("expected %q, got %q", "value1", string(got))
	}
}

func testGetMiss(t *testing.T) {
	c := newTestCache(10, time.Minute)

	got, ok := c.Get("nonexistent")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if got != nil {
		t.Fatalf("expected nil value on miss, got %q", string(got))
	}
}

func testGetExpired(t *testing.T) {
	c := newTestCache(10, 50*time.Millisecond)
	c.Set("B1", "/api/v1/batches/B1/anchor", []byte("value1"))

	if _, ok := c.Get("/api/v1/batches/B1/anchor"); !ok {
		t.Fatal("expected cache hit before expiry")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := c.Get("/api/v1/batches/B1/anchor"); ok {
		t.Fatal("expected cache miss after expiry, got hit")
	}
}

func testEvictsLeastRecent(t *testing.T) {
	c := newTestCache(2, time.Minute)
	c.Set("A", "/batches/A/anchor", []byte("a"))
	c.Set("B", "/batches/B/anchor", []byte("b"))
	// Touch A so B is least recently used.
	c.Get("/batches/A/anchor")
	c.Set("C", "/batches/C/anchor", []byte("c"))

	if _, ok := c.Get("/batches/B/anchor"); ok {
		t.Fatal("expected B to be evicted")
	}
	if _, ok := c.Get("/batches/A/anchor"); !ok {
		t.Fatal("expected A to survive")
	}
	if c.Len() != 2 {
		t.Fatalf("expected size 2, got %d", c.Len())
	}

	c.mu.Lock()
	_, tracked := c.byBatch["B"]
	c.mu.Unlock()
	if tracked {
		t.Fatal("evicted batch still indexed")
	}
}

func testInvalidateBatch(t *testing.T) {
	c := newTestCache(10, time.Minute)
	c.Set("B1", "/batches/B1/proof?hash=aa", []byte("p1"))
	c.Set("B1", "/batches/B1/proof?hash=bb", []byte("p2"))
	c.Set("B2", "/batches/B2/proof?hash=aa", []byte("p3"))

	c.InvalidateBatch("B1")

	if _, ok := c.Get("/batches/B1/proof?hash=aa"); ok {
		t.Fatal("expected B1 entries to be invalidated")
	}
	if _, ok := c.Get("/batches/B1/proof?hash=bb"); ok {
		t.Fatal("expected B1 entries to be invalidated")
	}
	if _, ok := c.Get("/batches/B2/proof?hash=aa"); !ok {
		t.Fatal("expected B2 entry to survive")
	}
}

func testPurge(t *testing.T) {
	c := newTestCache(10, time.Minute)
	for i := 0; i < 5; i++ {
		c.Set("B", fmt.Sprintf("/batches/B/proof?hash=%d", i), []byte("v"))
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected size 0 after purge, got %d", c.Len())
	}
}

func testConcurrentAccess(t *testing.T) {
	c := newTestCache(100, time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("B%d", n%5)
			key := fmt.Sprintf("/batches/%s/proof?hash=%d", id, n)
			c.Set(id, key, []byte("v"))
			c.Get(key)
			if n%7 == 0 {
				c.InvalidateBatch(id)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 100 {
		t.Fatalf("expected size <= 100, got %d", c.Len())
	}
}

func TestNilCacheIsNoop(t *testing.T) {
	c := New(&Config{Enabled: false}, nil)
	if c != nil {
		t.Fatal("expected nil cache when disabled")
	}
	c.Set("B1", "k", []byte("v"))
	if _, ok := c.Get("k"); ok {
		t.Fatal("nil cache must miss")
	}
	c.InvalidateBatch("B1")
	if c.Len() != 0 {
		t.Fatal("nil cache must be empty")
	}
}

func TestBatchFromKey(t *testing.T) {
	tests := map[string]string{
		"/api/v1/batches/B1/proof?hash=ab": "B1",
		"/api/v1/batches/B1":               "B1",
		"/api/v1/batches/B1/":              "B1",
		"/api/v1/batches":                  "",
		"/api/v1/jobs/J1":                  "",
	}
	for key, want := range tests {
		if got := batchFromKey(key); got != want {
			t.Errorf("batchFromKey(%q) = %q, want %q", key, got, want)
		}
	}
}
