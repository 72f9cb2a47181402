package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MaxValueSize is the largest value a LocalKV accepts in one write.
const MaxValueSize = 5 << 20

// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
var ErrValueTooLarge = errors.New("value exceeds maximum size")

// LocalKV is the durable local key-value backend. Only the Persister uses it.
type LocalKV interface {
	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value at key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys returns every key starting with prefix in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func checkSize(key string, value []byte) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %s is %d bytes (max %d)", ErrValueTooLarge, key, len(value), MaxValueSize)
	}
	return nil
}

// MemoryKV is a process-local LocalKV.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory backend
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get implements LocalKV
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements LocalKV
func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	if err := checkSize(key, value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove implements LocalKV
func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements LocalKV
func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
