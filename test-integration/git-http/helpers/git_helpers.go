// Package helpers provides fixtures for the git HTTP integration tests.
package helpers

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/onsi/gomega"
)

// GitTestHelper creates bare repositories to serve and working copies to drive them
type GitTestHelper struct {
	ctx     context.Context
	tempDir string
}

// GitTestRepository is a bare repository served by the server under test
type GitTestRepository struct {
	Name string
	Path string
}

// NewGitTestHelper creates a helper rooted at a fresh temporary directory
func NewGitTestHelper(ctx context.Context) *GitTestHelper {
	tempDir, err := os.MkdirTemp("", "git-http-repos-*")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	return &GitTestHelper{
		ctx:     ctx,
		tempDir: tempDir,
	}
}

// CreateBareRepository creates a bare repository seeded with one commit on main
func (g *GitTestHelper) CreateBareRepository(name string) *GitTestRepository {
	barePath := filepath.Join(g.tempDir, "served", name+".git")
	gomega.Expect(os.MkdirAll(barePath, 0750)).To(gomega.Succeed())
	g.Run(barePath, "init", "--bare", "--initial-branch=main")

	seed := filepath.Join(g.tempDir, "seed-"+name)
	gomega.Expect(os.MkdirAll(seed, 0750)).To(gomega.Succeed())
	g.Run(seed, "init", "--initial-branch=main")
	g.configureIdentity(seed)
	g.WriteFile(seed, "README.md", "# "+name+"\n")
	g.Run(seed, "add", "README.md")
	g.Run(seed, "commit", "-m", "Initial commit")
	g.Run(seed, "push", barePath, "main")

	return &GitTestRepository{Name: name, Path: barePath}
}

// WorkDir returns a fresh directory for a clone
func (g *GitTestHelper) WorkDir(name string) string {
	dir, err := os.MkdirTemp(g.tempDir, name+"-*")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return dir
}

// Clone clones url into a new working directory and returns it
func (g *GitTestHelper) Clone(url, name string) (string, error) {
	dir := filepath.Join(g.WorkDir(name), "checkout")
	_, err := g.Try(filepath.Dir(dir), "clone", url, dir)
	if err == nil {
		g.configureIdentity(dir)
	}
	return dir, err
}

// WriteFile writes content to a file in a working copy
func (*GitTestHelper) WriteFile(dir, name, content string) {
	gomega.Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0600)).To(gomega.Succeed())
}

// Commit stages everything in dir and commits it
func (g *GitTestHelper) Commit(dir, message string) {
	g.Run(dir, "add", "-A")
	g.Run(dir, "commit", "-m", message)
}

// RevParse resolves rev in the repository at dir
func (g *GitTestHelper) RevParse(dir, rev string) string {
	return strings.TrimSpace(g.Run(dir, "rev-parse", rev))
}

// Run runs git in dir and fails the test when it fails
func (g *GitTestHelper) Run(dir string, args ...string) string {
	out, err := g.Try(dir, args...)
	gomega.Expect(err).NotTo(gomega.HaveOccurred(), "git %s failed:\n%s", strings.Join(args, " "), out)
	return out
}

// Try runs git in dir and returns its combined output
func (g *GitTestHelper) Try(dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(g.ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+g.tempDir,
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Cleanup removes every repository created by the helper
func (g *GitTestHelper) Cleanup() error {
	return os.RemoveAll(g.tempDir)
}

func (g *GitTestHelper) configureIdentity(dir string) {
	g.Run(dir, "config", "user.name", "Test User")
	g.Run(dir, "config", "user.email", "test@example.com")
}
