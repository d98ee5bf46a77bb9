package repository

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryIdempotencyRepo stores responses keyed by idempotency key.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	responses map[string]cachedResponse
	now       func() time.Time
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo() *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{responses: make(map[string]cachedResponse), now: time.Now}
}

// GetResponse retrieves a cached response that has not expired.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	if !ok || (!value.expiresAt.IsZero() && m.now().After(value.expiresAt)) {
		return nil, false, nil
	}
	return append([]byte(nil), value.payload...), true, nil
}

// PutResponse stores response payload unless an unexpired entry already
// holds the key. A non-positive ttl keeps it forever.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.responses[key]; ok && (existing.expiresAt.IsZero() || !m.now().After(existing.expiresAt)) {
		return nil
	}
	entry := cachedResponse{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.responses[key] = entry
	return nil
}
