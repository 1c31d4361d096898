// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the locsync agent.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"

	"locsync/internal/domain"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockStorage        = errors.New("mock: storage failure")
)

// MockKVStore implements domain.KeyValueStore for testing
type MockKVStore struct {
	mu sync.RWMutex

	// Function overrides - set these to customize behavior
	GetFunc      func(ctx context.Context, key string) (string, error)
	SetFunc      func(ctx context.Context, key, value string) error
	SetMultiFunc func(ctx context.Context, values map[string]string) error
	DeleteFunc   func(ctx context.Context, keys ...string) error
	PingFunc     func(ctx context.Context) error

	// In-memory storage for simple tests
	Data map[string]string

	writes       int
	bytesWritten int
}

// NewMockKVStore creates a new MockKVStore with initialized maps
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{Data: make(map[string]string)}
}

func (m *MockKVStore) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.Data[key]
	if !ok {
		return "", domain.ErrKeyNotFound
	}
	return v, nil
}

func (m *MockKVStore) Set(ctx context.Context, key, value string) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value)
	}
	return m.SetMulti(ctx, map[string]string{key: value})
}

func (m *MockKVStore) SetMulti(ctx context.Context, values map[string]string) error {
	if m.SetMultiFunc != nil {
		return m.SetMultiFunc(ctx, values)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Data == nil {
		m.Data = make(map[string]string)
	}
	for k, v := range values {
		m.Data[k] = v
		m.bytesWritten += len(k) + len(v)
	}
	m.writes++
	return nil
}

func (m *MockKVStore) Delete(ctx context.Context, keys ...string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keys...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.Data, k)
	}
	m.writes++
	return nil
}

func (m *MockKVStore) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *MockKVStore) Close() error { return nil }

// Writes counts successful SetMulti and Delete calls on the in-memory map.
func (m *MockKVStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// BytesWritten sums key and value lengths of every successful SetMulti.
func (m *MockKVStore) BytesWritten() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytesWritten
}

// Keys returns the stored keys in sorted order.
func (m *MockKVStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.Data))
	for k := range m.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailWrites makes every write return ErrMockStorage wrapped as a storage error.
func (m *MockKVStore) FailWrites() {
	fail := func() error { return errors.Join(domain.ErrStorage, ErrMockStorage) }
	m.SetFunc = func(context.Context, string, string) error { return fail() }
	m.SetMultiFunc = func(context.Context, map[string]string) error { return fail() }
	m.DeleteFunc = func(context.Context, ...string) error { return fail() }
}

// RestoreWrites undoes FailWrites.
func (m *MockKVStore) RestoreWrites() {
	m.SetFunc, m.SetMultiFunc, m.DeleteFunc = nil, nil, nil
}

// MockPositionSource implements domain.PositionSource for testing
type MockPositionSource struct {
	mu sync.Mutex

	CurrentFunc func(ctx context.Context) (domain.Reading, error)

	// Reading is returned when CurrentFunc is nil
	Reading domain.Reading
	Err     error
	calls   int
}

// NewMockPositionSource returns a source that always reports the given coordinates.
func NewMockPositionSource(lat, lon float64) *MockPositionSource {
	return &MockPositionSource{
		Reading: domain.Reading{Latitude: lat, Longitude: lon, Meta: domain.AccuracyMeta{Accuracy: 10}},
	}
}

func (m *MockPositionSource) Current(ctx context.Context) (domain.Reading, error) {
	m.mu.Lock()
	m.calls++
	fn, reading, err := m.CurrentFunc, m.Reading, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return reading, err
}

// SetError makes subsequent captures fail; nil restores the reading.
func (m *MockPositionSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MockPositionSource) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
