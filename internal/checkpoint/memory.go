package checkpoint

import (
	"context"
	stdsync "sync"
)

// MemoryBackend keeps values in process memory. It is not durable across
// restarts and exists for tests and dry runs.
type MemoryBackend struct {
	mu     stdsync.Mutex
	values map[string]string
	// Sets counts successful Set calls.
	Sets int
	// FailSet, when set, is returned by Set instead of storing.
	FailSet error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string]string)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailSet != nil {
		return b.FailSet
	}
	b.values[key] = value
	b.Sets++
	return nil
}
