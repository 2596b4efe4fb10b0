package cache

import (
	"bytes"
	"net/http"
	"strings"
)

// cacheResponseWriter wraps http.ResponseWriter to capture the response body
// and status code so they can be stored in the cache.
type cacheResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *cacheResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware caches GET responses for the per-batch endpoints whose last
// path segment is in cacheable, and invalidates a batch's entries after
// any successful non-GET request below it. Mount it on the /batches tree
// after authorization so cached bodies are only served to permitted callers.
//
//   - On hit the body is written with status 200 and X-Cache: HIT.
//   - On miss the handler runs and a 200 response is stored, X-Cache: MISS.
//   - Non-200 responses are never cached.
func (c *ResponseCache) Middleware(cacheable ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			batchID := batchFromKey(r.URL.Path)
			if batchID == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method != http.MethodGet {
				crw := &cacheResponseWriter{ResponseWriter: w}
				next.ServeHTTP(crw, r)
				if crw.statusCode >= 200 && crw.statusCode < 300 {
					c.InvalidateBatch(batchID)
				}
				return
			}

			if !isCacheable(r.URL.Path, cacheable) {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			if cached, ok := c.Get(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				return
			}

			gen := c.Generation(batchID)
			crw := &cacheResponseWriter{ResponseWriter: w}
			crw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(crw, r)

			if crw.statusCode == http.StatusOK {
				c.SetIfCurrent(batchID, key, bytes.Clone(crw.body.Bytes()), gen)
			}
		})
	}
}

func isCacheable(path string, cacheable []string) bool {
	path = strings.TrimRight(path, "/")
	last := path[strings.LastIndexByte(path, '/')+1:]
	for _, seg := range cacheable {
		if last == seg {
			return true
		}
	}
	return false
}
