package integration

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/test-integration/git-http/helpers"
)

var _ = Describe("Git smart HTTP", Label("git"), func() {
	var (
		tempDir      string
		gitHelper    *helpers.GitTestHelper
		repo         *helpers.GitTestRepository
		serverHelper *helpers.ServerTestHelper
		alice        = url.UserPassword("alice", "wonderland")
	)

	BeforeEach(func() {
		tempDir = createTempDir("git-http-test-")
		gitHelper = helpers.NewGitTestHelper(ctx)
		repo = gitHelper.CreateBareRepository("demo")

		serverHelper = helpers.NewServerTestHelper(ctx, tempDir,
			[]*helpers.GitTestRepository{repo},
			[]helpers.TestUser{{Username: "alice", Password: "wonderland", Email: "alice@example.com"}},
		)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		_ = serverHelper.StopServer()
		_ = gitHelper.Cleanup()
		cleanupTempDir(tempDir)
	})

	Context("Anonymous clone", func() {
		It("clones the repository without credentials", func() {
			dir, err := gitHelper.Clone(serverHelper.RepoURL("demo", nil), "anon")
			Expect(err).NotTo(HaveOccurred())
			Expect(filepath.Join(dir, "README.md")).To(BeAnExistingFile())
			Expect(gitHelper.RevParse(dir, "HEAD")).To(Equal(gitHelper.RevParse(repo.Path, "main")))

			Expect(serverHelper.StopServer()).To(Succeed())
			records := serverHelper.Records(oplog.Filter{Operation: oplog.OperationClone})
			Expect(records).NotTo(BeEmpty())
			for _, rec := range records {
				Expect(rec.Repository).To(Equal("demo"))
				Expect(rec.User).To(Equal("anonymous"))
				Expect(rec.Success).To(BeTrue(), rec.Error)
			}
		})

		It("answers 404 for an unknown repository", func() {
			_, err := gitHelper.Clone(serverHelper.RepoURL("missing", nil), "missing")
			Expect(err).To(HaveOccurred())

			resp, err := serverHelper.Get("/git/missing.git/info/refs?service=git-upload-pack")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("serves many clones at once", func() {
			const clones = 6
			var wg sync.WaitGroup
			errs := make(chan error, clones)
			for i := range clones {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := gitHelper.Clone(serverHelper.RepoURL("demo", nil), fmt.Sprintf("parallel-%d", i))
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
		})
	})

	Context("Push", func() {
		var workDir string

		BeforeEach(func() {
			var err error
			workDir, err = gitHelper.Clone(serverHelper.RepoURL("demo", nil), "work")
			Expect(err).NotTo(HaveOccurred())
			gitHelper.WriteFile(workDir, "CHANGELOG.md", "- first change\n")
			gitHelper.Commit(workDir, "Add changelog")
		})

		It("rejects a push without credentials", func() {
			out, err := gitHelper.Try(workDir, "push", serverHelper.RepoURL("demo", nil), "main")
			Expect(err).To(HaveOccurred(), out)
			Expect(gitHelper.RevParse(repo.Path, "main")).NotTo(Equal(gitHelper.RevParse(workDir, "HEAD")))

			Expect(serverHelper.StopServer()).To(Succeed())
			records := serverHelper.Records(oplog.Filter{Operation: oplog.OperationPush})
			Expect(records).NotTo(BeEmpty())
			Expect(records[0].Success).To(BeFalse())
			Expect(records[0].Error).To(Equal("Authentication required"))
		})

		It("rejects a push with a wrong password", func() {
			out, err := gitHelper.Try(workDir, "push",
				serverHelper.RepoURL("demo", url.UserPassword("alice", "looking-glass")), "main")
			Expect(err).To(HaveOccurred(), out)
			Expect(gitHelper.RevParse(repo.Path, "main")).NotTo(Equal(gitHelper.RevParse(workDir, "HEAD")))
		})

		It("accepts an authenticated push and records the user", func() {
			gitHelper.Run(workDir, "push", serverHelper.RepoURL("demo", alice), "main")
			Expect(gitHelper.RevParse(repo.Path, "main")).To(Equal(gitHelper.RevParse(workDir, "HEAD")))

			Expect(serverHelper.StopServer()).To(Succeed())
			records := serverHelper.Records(oplog.Filter{Operation: oplog.OperationPush, User: "alice"})
			Expect(records).NotTo(BeEmpty())

			var pushed bool
			for _, rec := range records {
				if rec.Success && rec.Details["service"] == "git-receive-pack" && rec.BytesIn > 0 {
					pushed = true
				}
			}
			Expect(pushed).To(BeTrue(), "expected a successful receive-pack record for alice")
		})
	})

	Context("Operational routes", func() {
		It("serves HEAD and the debug view", func() {
			resp, err := serverHelper.Get("/git/demo.git/HEAD")
			Expect(err).NotTo(HaveOccurred())
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(Equal("ref: refs/heads/main\n"))

			resp, err = serverHelper.Get("/git/demo.git/debug")
			Expect(err).NotTo(HaveOccurred())
			body, err = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"bare":true`))
		})
	})
})
