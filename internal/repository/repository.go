// Package repository maps repository identifiers taken from request paths to
// bare repositories on disk.
package repository

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=repository.go Resolver

import (
	"context"
	"errors"
	"strings"
)

// GitSuffix is the optional suffix clients append to repository URLs
const GitSuffix = ".git"

// ErrNotFound is returned when an identifier is unknown or its path is missing
var ErrNotFound = errors.New("repository not found")

// Repository is the result of resolving an identifier
type Repository struct {
	// Name is the identifier with the .git suffix removed
	Name string `json:"name"`

	// Path is the filesystem location of the bare repository
	Path string `json:"path"`

	// Exists reports whether Path was present when the repository was resolved
	Exists bool `json:"exists"`
}

// Resolver converts identifiers to repositories.
// Implementations must never build a filesystem path out of the identifier itself.
type Resolver interface {
	// Resolve returns the repository registered under name.
	// It returns ErrNotFound when name is unknown.
	Resolve(ctx context.Context, name string) (*Repository, error)
}

// StripGitSuffix removes exactly one trailing ".git" from a path segment.
// Segments without the suffix are returned unchanged.
func StripGitSuffix(segment string) string {
	return strings.TrimSuffix(segment, GitSuffix)
}
