package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte // key: namespace + "\x00" + name

	// failErr, when set via FailWith, makes every operation return it.
	// Simulates an unreachable backend.
	failErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// FailWith makes every subsequent operation fail with err; pass nil to
// restore normal behavior.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func key(namespace, name string) string { return namespace + "\x00" + name }

func (s *MemoryStore) Put(ctx context.Context, namespace, name string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := io.ReadAll(data)
	if err != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: s.failErr}
	}
	s.objects[key(namespace, name)] = b
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, namespace, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, &StoreError{Op: "get", Namespace: namespace, Name: name, Err: s.failErr}
	}
	b, ok := s.objects[key(namespace, name)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return nil, &StoreError{Op: "list", Namespace: namespace, Name: prefix, Err: s.failErr}
	}

	var names []string
	nsPrefix := namespace + "\x00"
	for k := range s.objects {
		if !strings.HasPrefix(k, nsPrefix) {
			continue
		}
		name := strings.TrimPrefix(k, nsPrefix)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Exists(ctx context.Context, namespace, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return false, &StoreError{Op: "exists", Namespace: namespace, Name: name, Err: s.failErr}
	}
	_, ok := s.objects[key(namespace, name)]
	return ok, nil
}

// Size returns the stored byte length of an object, or -1 if absent.
// Test helper.
func (s *MemoryStore) Size(namespace, name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[key(namespace, name)]
	if !ok {
		return -1
	}
	return len(b)
}
