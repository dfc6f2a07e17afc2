package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// LocalStore keeps objects on the local filesystem, one directory per
// namespace. Useful for development and tests.
type LocalStore struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalStore creates a filesystem-backed store rooted at basePath.
func NewLocalStore(basePath string, logger *zap.Logger) *LocalStore {
	return &LocalStore{basePath: basePath, logger: logger}
}

func (s *LocalStore) path(namespace, name string) string {
	return filepath.Join(s.basePath, namespace, filepath.FromSlash(name))
}

// Put writes the object durably: data lands in a temp file which is synced
// and renamed over the final path, so a crash never leaves a torn object.
func (s *LocalStore) Put(ctx context.Context, namespace, name string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := s.path(namespace, name)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return &StoreError{Op: "put", Namespace: namespace, Name: name, Err: err}
	}

	s.logger.Debug("stored object",
		zap.String("namespace", namespace),
		zap.String("name", name))
	return nil
}

func (s *LocalStore) Get(ctx context.Context, namespace, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(namespace, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", namespace, name, ErrNotFound)
		}
		return nil, &StoreError{Op: "get", Namespace: namespace, Name: name, Err: err}
	}
	return f, nil
}

// List returns object names under prefix in lexicographic order.
func (s *LocalStore) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := filepath.Join(s.basePath, namespace)
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) && !strings.HasPrefix(filepath.Base(name), ".put-") {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "list", Namespace: namespace, Name: prefix, Err: err}
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) Exists(ctx context.Context, namespace, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.path(namespace, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &StoreError{Op: "exists", Namespace: namespace, Name: name, Err: err}
	}
	return true, nil
}
