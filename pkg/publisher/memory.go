package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Memory keeps published documents in process. Used in development and
// tests; the CID is content-derived so repeated publishes are stable.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	calls   int
}

// NewMemory creates an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Publish stores content and returns "mem:<sha256>".
func (m *Memory) Publish(ctx context.Context, _ string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	cid := "mem:" + hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.objects[cid] = append([]byte(nil), content...)
	return cid, nil
}

// Get returns a copy of the document stored under cid.
func (m *Memory) Get(cid string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[cid]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Calls returns how many times Publish stored a document.
func (m *Memory) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
