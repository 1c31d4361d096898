// Package memory is a process-local KeyValueStore. Nothing survives a restart.
package memory

import (
	"context"
	"errors"
	"sync"

	"locsync/internal/domain"
)

var errClosed = errors.New("memory store closed")

type KVStore struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", errors.Join(domain.ErrStorage, errClosed)
	}
	v, ok := s.data[key]
	if !ok {
		return "", domain.ErrKeyNotFound
	}
	return v, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	return s.SetMulti(ctx, map[string]string{key: value})
}

func (s *KVStore) SetMulti(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Join(domain.ErrStorage, errClosed)
	}
	for k, v := range values {
		s.data[k] = v
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Join(domain.ErrStorage, errClosed)
	}
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *KVStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Join(domain.ErrStorage, errClosed)
	}
	return nil
}

func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
