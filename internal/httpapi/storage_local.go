package httpapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// localObjectStore keeps uploads on the local disk; the router serves them
// under the public base URL.
type localObjectStore struct {
	root    string
	baseURL string
}

func newLocalObjectStore(root, baseURL string) (*localObjectStore, error) {
	cleanRoot := filepath.Clean(strings.TrimSpace(root))
	if cleanRoot == "" || cleanRoot == "." {
		return nil, errors.New("local upload directory is required")
	}
	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &localObjectStore{root: cleanRoot, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *localObjectStore) Backend() string {
	return "local"
}

func (s *localObjectStore) resolve(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(cleanPath))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object path %q escapes upload directory", objectPath)
	}
	return full, nil
}

func (s *localObjectStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write object %q: %w", objectPath, err)
	}
	return nil
}

func (s *localObjectStore) DeleteObject(_ context.Context, objectPath string) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return nil
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object %q: %w", objectPath, err)
	}
	return nil
}

func (s *localObjectStore) PublicURL(objectPath string) string {
	return s.baseURL + "/" + strings.Trim(objectPath, "/")
}
