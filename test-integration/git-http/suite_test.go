package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx    context.Context
	cancel context.CancelFunc
)

func TestGitHTTPIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Git HTTP Integration Suite")
}

var _ = BeforeSuite(func() {
	if _, err := exec.LookPath("git"); err != nil {
		Skip("git is not installed")
	}
	ctx, cancel = context.WithCancel(context.TODO())
})

var _ = AfterSuite(func() {
	if cancel != nil {
		cancel()
	}
})

// createTempDir creates a temporary directory for test files
func createTempDir(prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	Expect(err).NotTo(HaveOccurred())
	return dir
}

// cleanupTempDir removes a temporary directory
func cleanupTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		By(fmt.Sprintf("Warning: failed to cleanup temp dir %s: %v", dir, err))
	}
}
