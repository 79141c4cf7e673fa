package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	gitapp "github.com/tinyflake/git-server/internal/app"
	"github.com/tinyflake/git-server/internal/auth"
	"github.com/tinyflake/git-server/internal/config"
	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/internal/repository"
)

// TestUser is a user written to the users file
type TestUser struct {
	Username string
	Password string
	Email    string
}

// ServerTestHelper manages the git server lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	dir        string
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *gitapp.GitServerApp
	errCh      chan error
}

// NewServerTestHelper writes the repository list, users file and
// configuration for repos and users into dir
func NewServerTestHelper(ctx context.Context, dir string, repos []*GitTestRepository, users []TestUser) *ServerTestHelper {
	list := repository.List{}
	for _, r := range repos {
		list.Repositories = append(list.Repositories, repository.Entry{Name: r.Name, Path: r.Path})
	}
	reposFile := filepath.Join(dir, "repos.json")
	writeJSON(reposFile, list)

	usersFile := filepath.Join(dir, "users.json")
	file := auth.UsersFile{}
	for _, u := range users {
		hash, err := auth.HashPassword(u.Password)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		file.Users = append(file.Users, auth.User{Username: u.Username, Password: hash, Email: u.Email})
	}
	writeJSON(usersFile, file)

	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`server:
  address: 127.0.0.1:0
repositories:
  configFile: %s
auth:
  usersFile: %s
git:
  enableDebug: true
operationLog:
  backend: sqlite
  path: %s
`, reposFile, usersFile, filepath.Join(dir, "oplog.db"))
	gomega.Expect(os.WriteFile(configPath, []byte(content), 0600)).To(gomega.Succeed())

	return &ServerTestHelper{
		ctx:        ctx,
		dir:        dir,
		configPath: configPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// StartServer loads the configuration and serves on an ephemeral port
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := gitapp.NewGitServerApp(s.ctx, gitapp.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	addr, err := app.Listen()
	if err != nil {
		return err
	}

	s.app = app
	s.baseURL = "http://" + addr.String()
	s.errCh = make(chan error, 1)
	go func() {
		s.errCh <- app.Start()
	}()
	return nil
}

// StopServer stops the server and waits for Start to return
func (s *ServerTestHelper) StopServer() error {
	if s.app == nil {
		return nil
	}
	app := s.app
	s.app = nil
	if err := app.Stop(5 * time.Second); err != nil {
		return err
	}
	select {
	case err := <-s.errCh:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server did not stop")
	}
}

// WaitForServerReady waits for /readiness to answer 200
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/readiness")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// RepoURL returns the clone URL of name, with credentials when user is set
func (s *ServerTestHelper) RepoURL(name string, user *url.Userinfo) string {
	u, err := url.Parse(s.baseURL + "/git/" + name + ".git")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	u.User = user
	return u.String()
}

// Get issues a GET against the server
func (s *ServerTestHelper) Get(path string) (*http.Response, error) {
	return s.httpClient.Get(s.baseURL + path)
}

// Records reads the operation log. The server must be stopped first so
// queued records are flushed.
func (s *ServerTestHelper) Records(filter oplog.Filter) []oplog.Record {
	store, err := oplog.OpenStore(s.ctx, &config.OperationLogConfig{
		Backend: config.OperationLogBackendSQLite,
		Path:    filepath.Join(s.dir, "oplog.db"),
	})
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	defer func() {
		_ = store.Close()
	}()

	records, err := store.List(s.ctx, filter)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return records
}

func writeJSON(path string, v any) {
	data, err := json.Marshal(v)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	gomega.Expect(os.WriteFile(path, data, 0600)).To(gomega.Succeed())
}
