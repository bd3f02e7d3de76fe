package blob

import (
	"context"
	"sync"
)

// Memory implements an in-process Store
type Memory struct {
	data sync.Map
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{}
}

// Put stores a copy of data
func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.data.Store(key, append([]byte(nil), data...))
	return nil
}

// Get returns a copy of the stored data
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	value, ok := m.data.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value.([]byte)...), nil
}

// Delete removes key
func (m *Memory) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.data.Delete(key)
	return nil
}

// Exists checks if key is stored
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, ok := m.data.Load(key)
	return ok, nil
}

// Len returns the number of stored blobs
func (m *Memory) Len() int {
	n := 0
	m.data.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
