// Package artifact stores evidence captured when a step fails.
package artifact

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for empty names or names escaping the store root.
var ErrInvalidName = errors.New("artifact: invalid name")

// Store persists artifact bytes and returns a reference a report can show.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// FileStore writes artifacts below Dir.
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Put writes data to Dir/name and returns the file path.
func (s *FileStore) Put(_ context.Context, name string, data []byte) (string, error) {
	key, err := cleanName(name)
	if err != nil {
		return "", err
	}

	full := filepath.Join(s.Dir, filepath.FromSlash(key))

	err = os.MkdirAll(filepath.Dir(full), 0o755)
	if err != nil {
		return "", err
	}

	err = os.WriteFile(full, data, 0o644)
	if err != nil {
		return "", err
	}

	return full, nil
}

// Prefixed places every artifact of inner under prefix.
func Prefixed(inner Store, prefix string) Store {
	return prefixed{inner: inner, prefix: prefix}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p prefixed) Put(ctx context.Context, name string, data []byte) (string, error) {
	return p.inner.Put(ctx, path.Join(p.prefix, name), data)
}

func cleanName(name string) (string, error) {
	key := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	key = strings.TrimPrefix(key, "/")

	if key == "" || key == "." {
		return "", ErrInvalidName
	}

	return key, nil
}

// ResolveKey joins a prefix and a name into an object key.
func ResolveKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	name = strings.TrimPrefix(name, "/")

	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}
