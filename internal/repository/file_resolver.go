package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Entry is one repository in the repository list file
type Entry struct {
	Name string `json:"repoName"`
	Path string `json:"repoPath"`
}

// List is the on-disk layout of the repository list file
type List struct {
	Repositories []Entry `json:"repoList"`
}

// FileResolver resolves identifiers against a JSON repository list.
// The file is read again on every call so repositories added or removed while
// the server runs are picked up without a restart.
type FileResolver struct {
	path string
}

// NewFileResolver creates a resolver backed by the list file at path
func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path}
}

// Resolve implements Resolver
func (r *FileResolver) Resolve(ctx context.Context, name string) (*Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, entry := range list.Repositories {
		if entry.Name != name {
			continue
		}
		if entry.Path == "" {
			return nil, fmt.Errorf("%w: %s has no path", ErrNotFound, name)
		}

		repoPath := entry.Path
		if !filepath.IsAbs(repoPath) {
			repoPath = filepath.Join(filepath.Dir(r.path), repoPath)
		}

		_, statErr := os.Stat(repoPath)
		return &Repository{
			Name:   name,
			Path:   repoPath,
			Exists: statErr == nil,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Names returns the identifiers registered in the list file
func (r *FileResolver) Names() ([]string, error) {
	list, err := r.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list.Repositories))
	for _, entry := range list.Repositories {
		names = append(names, entry.Name)
	}
	return names, nil
}

func (r *FileResolver) load() (*List, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Repository list file does not exist", "path", r.path)
			return &List{}, nil
		}
		return nil, fmt.Errorf("failed to read repository list: %w", err)
	}

	var list List
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse repository list %s: %w", r.path, err)
	}
	return &list, nil
}
