package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Details describes the on-disk state of a resolved repository
type Details struct {
	Name        string   `json:"repoName"`
	Path        string   `json:"repoPath"`
	Exists      bool     `json:"exists"`
	IsDirectory bool     `json:"isDirectory"`
	Files       []string `json:"files,omitempty"`
	Config      string   `json:"gitConfig,omitempty"`
	HeadContent string   `json:"headContent,omitempty"`
	HeadRef     string   `json:"headRef,omitempty"`
	HeadHash    string   `json:"headHash,omitempty"`
	Bare        bool     `json:"bare"`
	Error       string   `json:"error,omitempty"`
}

// Inspect collects diagnostic information about repo.
// Problems reading individual pieces are reported in Details.Error rather
// than failing the whole inspection.
func Inspect(repo *Repository) *Details {
	details := &Details{
		Name:   repo.Name,
		Path:   repo.Path,
		Exists: repo.Exists,
	}
	if !repo.Exists {
		return details
	}

	info, err := os.Stat(repo.Path)
	if err != nil {
		details.Error = err.Error()
		return details
	}
	details.IsDirectory = info.IsDir()
	if !details.IsDirectory {
		return details
	}

	entries, err := os.ReadDir(repo.Path)
	if err != nil {
		details.Error = err.Error()
		return details
	}
	for _, entry := range entries {
		details.Files = append(details.Files, entry.Name())
	}

	if data, err := os.ReadFile(filepath.Join(repo.Path, "config")); err == nil {
		details.Config = string(data)
	}
	if data, err := ReadHead(repo.Path); err == nil {
		details.HeadContent = strings.TrimSpace(string(data))
	}

	if err := inspectRefs(repo.Path, details); err != nil {
		details.Error = err.Error()
	}
	return details
}

// ReadHead returns the raw contents of the HEAD file of the repository at path
func ReadHead(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(path, "HEAD"))
}

func inspectRefs(path string, details *Details) error {
	r, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	cfg, err := r.Config()
	if err != nil {
		return fmt.Errorf("failed to read repository config: %w", err)
	}
	details.Bare = cfg.Core.IsBare

	head, err := r.Reference(plumbing.HEAD, false)
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference {
		details.HeadRef = head.Target().String()
	}

	resolved, err := r.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// empty repository, HEAD points at an unborn branch
	case err != nil:
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	default:
		details.HeadHash = resolved.Hash().String()
	}
	return nil
}
