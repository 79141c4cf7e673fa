package githttp_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tinyflake/git-server/internal/auth"
	authmocks "github.com/tinyflake/git-server/internal/auth/mocks"
	"github.com/tinyflake/git-server/internal/githttp"
	"github.com/tinyflake/git-server/internal/oplog"
	oplogmocks "github.com/tinyflake/git-server/internal/oplog/mocks"
	"github.com/tinyflake/git-server/internal/repository"
	repomocks "github.com/tinyflake/git-server/internal/repository/mocks"
)

type testEnv struct {
	resolver      *repomocks.MockResolver
	authenticator *authmocks.MockAuthenticator
	recorder      *oplogmocks.MockRecorder
	records       []oplog.Record
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	return &testEnv{
		resolver:      repomocks.NewMockResolver(ctrl),
		authenticator: authmocks.NewMockAuthenticator(ctrl),
		recorder:      oplogmocks.NewMockRecorder(ctrl),
	}
}

// expectRecords captures exactly n records
func (e *testEnv) expectRecords(n int) {
	e.recorder.EXPECT().Record(gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, rec oplog.Record) {
			e.records = append(e.records, rec)
		}).
		Times(n)
}

func (e *testEnv) handler(opts ...githttp.RoutesOption) http.Handler {
	return githttp.Router(githttp.NewRoutes(e.resolver, e.authenticator, e.recorder, opts...))
}

func scriptedGit(t *testing.T, body string) githttp.RoutesOption {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake git scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "git")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700)) // #nosec G306 - test executable
	return githttp.WithManager(githttp.NewManager(githttp.WithBinary(path)))
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func existingRepo(t *testing.T, name string) *repository.Repository {
	t.Helper()
	return &repository.Repository{Name: name, Path: t.TempDir(), Exists: true}
}

func TestPushWithoutCredentialsIsRejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		target string
		header string
		setup  func(*testEnv)
		reason string
	}{
		{
			name:   "receive-pack without authorization",
			method: http.MethodPost,
			target: "/demo.git/git-receive-pack",
			reason: "Authentication required",
		},
		{
			name:   "receive-pack advertisement without authorization",
			method: http.MethodGet,
			target: "/demo.git/info/refs?service=git-receive-pack",
			reason: "Authentication required",
		},
		{
			name:   "receive-pack with wrong password",
			method: http.MethodPost,
			target: "/demo.git/git-receive-pack",
			header: basicAuth("alice", "wrong"),
			setup: func(e *testEnv) {
				e.authenticator.EXPECT().Authenticate(gomock.Any(), "alice", "wrong").
					Return(nil, auth.ErrInvalidCredentials)
			},
			reason: "Invalid credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env)
			}
			// the resolver has no expectations: any call fails the test
			env.expectRecords(1)

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader("0000"))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			env.handler().ServeHTTP(rr, req)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, `Basic realm="Git Repository"`, rr.Header().Get("WWW-Authenticate"))

			require.Len(t, env.records, 1)
			rec := env.records[0]
			assert.Equal(t, oplog.OperationPush, rec.Operation)
			assert.Equal(t, "demo", rec.Repository)
			assert.Equal(t, auth.Anonymous, rec.User)
			assert.False(t, rec.Success)
			assert.Equal(t, tt.reason, rec.Error)
		})
	}
}

func TestPushToMissingRepository(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.authenticator.EXPECT().Authenticate(gomock.Any(), "alice", "secret").
		Return(&auth.Identity{Username: "alice"}, nil)
	env.resolver.EXPECT().Resolve(gomock.Any(), "missing").Return(nil, repository.ErrNotFound)
	env.expectRecords(1)

	req := httptest.NewRequest(http.MethodPost, "/missing.git/git-receive-pack", strings.NewReader("0000"))
	req.Header.Set("Authorization", basicAuth("alice", "secret"))
	req.Header.Set("User-Agent", "git/2.43.0")
	rr := httptest.NewRecorder()
	env.handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Repository not found\n", rr.Body.String())

	require.Len(t, env.records, 1)
	rec := env.records[0]
	assert.Equal(t, oplog.OperationPush, rec.Operation)
	assert.Equal(t, "missing", rec.Repository)
	assert.Equal(t, "alice", rec.User)
	assert.Equal(t, "git/2.43.0", rec.UserAgent)
	assert.False(t, rec.Success)
	assert.Equal(t, "Repository not found", rec.Error)
}

func TestInfoRefsInvalidService(t *testing.T) {
	t.Parallel()

	for _, service := range []string{"", "git-upload-archive", "upload-pack"} {
		t.Run("service="+service, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			env.expectRecords(1)

			rr := httptest.NewRecorder()
			env.handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/demo/info/refs?service="+service, nil))

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			require.Len(t, env.records, 1)
			assert.Equal(t, oplog.OperationUnknown, env.records[0].Operation)
			assert.Equal(t, "Invalid service", env.records[0].Error)
		})
	}
}

func TestInfoRefsAdvertisement(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	repo := existingRepo(t, "demo")
	env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(repo, nil)
	env.expectRecords(1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/demo.git/info/refs?service=git-upload-pack", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	env.handler(scriptedGit(t, `printf 'refs:%s' "$4"`)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-git-upload-pack-advertisement", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "001e# service=git-upload-pack\n0000refs:"+repo.Path, rr.Body.String())

	require.Len(t, env.records, 1)
	rec := env.records[0]
	assert.Equal(t, oplog.OperationClone, rec.Operation)
	assert.True(t, rec.Success)
	assert.Empty(t, rec.Error)
	assert.Equal(t, "192.0.2.10", rec.ClientIP)
	assert.Equal(t, auth.Anonymous, rec.User)
	assert.Equal(t, "git-upload-pack", rec.Details["service"])
	assert.Equal(t, "0", rec.Details["exitCode"])
}

func TestReceivePackCommitterEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		identity *auth.Identity
		want     string
	}{
		{
			name:     "identity with email",
			identity: &auth.Identity{Username: "alice", Email: "alice@example.com"},
			want:     "alice <alice@example.com> 1",
		},
		{
			name:     "identity without email",
			identity: &auth.Identity{Username: "bob"},
			want:     "bob <bob@localhost> 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			env.authenticator.EXPECT().Authenticate(gomock.Any(), tt.identity.Username, "pw").Return(tt.identity, nil)
			env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)
			env.expectRecords(1)

			req := httptest.NewRequest(http.MethodPost, "/demo/git-receive-pack", strings.NewReader("0000"))
			req.Header.Set("Authorization", basicAuth(tt.identity.Username, "pw"))
			rr := httptest.NewRecorder()
			env.handler(scriptedGit(t, `cat >/dev/null; printf '%s <%s> %s' "$GIT_COMMITTER_NAME" "$GIT_COMMITTER_EMAIL" "$GIT_HTTP_EXPORT_ALL"`)).
				ServeHTTP(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "application/x-git-receive-pack-result", rr.Header().Get("Content-Type"))
			assert.Equal(t, tt.want, rr.Body.String())

			require.Len(t, env.records, 1)
			assert.Equal(t, oplog.OperationPush, env.records[0].Operation)
			assert.Equal(t, tt.identity.Username, env.records[0].User)
			assert.Equal(t, int64(4), env.records[0].BytesIn)
			assert.True(t, env.records[0].Success)
		})
	}
}

func TestReceivePackBodyTooLarge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.authenticator.EXPECT().Authenticate(gomock.Any(), "alice", "pw").Return(&auth.Identity{Username: "alice"}, nil)
	env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)
	env.expectRecords(1)

	req := httptest.NewRequest(http.MethodPost, "/demo/git-receive-pack", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set("Authorization", basicAuth("alice", "pw"))
	rr := httptest.NewRecorder()
	env.handler(githttp.WithMaxPushBytes(16), scriptedGit(t, `cat`)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Len(t, env.records, 1)
	assert.Equal(t, "Push exceeds maximum size", env.records[0].Error)
}

func TestUploadPackDecodesGzipBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)
	env.expectRecords(1)

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err := zw.Write([]byte("0032want 0123456789abcdef\n0000"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/demo.git/git-upload-pack", &compressed)
	req.Header.Set("Content-Encoding", "gzip")
	rr := httptest.NewRecorder()
	env.handler(scriptedGit(t, `cat`)).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-git-upload-pack-result", rr.Header().Get("Content-Type"))
	assert.Equal(t, "0032want 0123456789abcdef\n0000", rr.Body.String())
	require.Len(t, env.records, 1)
	assert.Equal(t, oplog.OperationClone, env.records[0].Operation)
}

func TestServiceRequestContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		target      string
		contentType string
		wantStatus  int
	}{
		{
			name:        "upload-pack request type",
			target:      "/demo/git-upload-pack",
			contentType: "application/x-git-upload-pack-request",
			wantStatus:  http.StatusOK,
		},
		{
			name:        "upload-pack type with parameters",
			target:      "/demo/git-upload-pack",
			contentType: "application/x-git-upload-pack-request; charset=binary",
			wantStatus:  http.StatusOK,
		},
		{
			name:       "upload-pack without content type",
			target:     "/demo/git-upload-pack",
			wantStatus: http.StatusOK,
		},
		{
			name:        "upload-pack with receive-pack type",
			target:      "/demo/git-upload-pack",
			contentType: "application/x-git-receive-pack-request",
			wantStatus:  http.StatusUnsupportedMediaType,
		},
		{
			name:        "receive-pack with form type",
			target:      "/demo/git-receive-pack",
			contentType: "application/x-www-form-urlencoded",
			wantStatus:  http.StatusUnsupportedMediaType,
		},
		{
			name:        "receive-pack request type",
			target:      "/demo/git-receive-pack",
			contentType: "application/x-git-receive-pack-request",
			wantStatus:  http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			env.authenticator.EXPECT().Authenticate(gomock.Any(), "alice", "pw").
				Return(&auth.Identity{Username: "alice"}, nil).AnyTimes()
			if tt.wantStatus == http.StatusOK {
				env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)
			}
			env.expectRecords(1)

			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader("0000"))
			req.Header.Set("Authorization", basicAuth("alice", "pw"))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			env.handler(scriptedGit(t, `cat`)).ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			require.Len(t, env.records, 1)
			if tt.wantStatus == http.StatusUnsupportedMediaType {
				assert.False(t, env.records[0].Success)
				assert.Equal(t, "Unsupported content type", env.records[0].Error)
			}
		})
	}
}

func TestUploadPackFailedProcessIsRecorded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)
	env.expectRecords(1)

	rr := httptest.NewRecorder()
	env.handler(scriptedGit(t, `cat >/dev/null; echo "fatal: protocol error" >&2; exit 128`)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/demo/git-upload-pack", strings.NewReader("0000")))

	// headers were already sent when the process failed
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, env.records, 1)
	assert.False(t, env.records[0].Success)
	assert.Equal(t, "fatal: protocol error", env.records[0].Error)
	assert.Equal(t, "128", env.records[0].Details["exitCode"])
}

func TestSpawnFailureReturns500(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)
	env.expectRecords(1)

	manager := githttp.NewManager(githttp.WithBinary(filepath.Join(t.TempDir(), "no-such-git")))
	rr := httptest.NewRecorder()
	env.handler(githttp.WithManager(manager)).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/demo/info/refs?service=git-upload-pack", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Len(t, env.records, 1)
	assert.False(t, env.records[0].Success)
	assert.Contains(t, env.records[0].Error, "failed to start")
}

func TestHead(t *testing.T) {
	t.Parallel()

	t.Run("serves the raw HEAD file", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		repo := existingRepo(t, "demo")
		require.NoError(t, os.WriteFile(filepath.Join(repo.Path, "HEAD"), []byte("ref: refs/heads/main\n"), 0o600))
		env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(repo, nil)

		rr := httptest.NewRecorder()
		env.handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/demo.git/HEAD", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
		assert.Equal(t, "ref: refs/heads/main\n", rr.Body.String())
	})

	t.Run("missing HEAD file", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(existingRepo(t, "demo"), nil)

		rr := httptest.NewRecorder()
		env.handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/demo/HEAD", nil))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("unknown repository", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		env.resolver.EXPECT().Resolve(gomock.Any(), "nope").Return(nil, repository.ErrNotFound)

		rr := httptest.NewRecorder()
		env.handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope/HEAD", nil))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestDebugRoute(t *testing.T) {
	t.Parallel()

	t.Run("disabled by default", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		rr := httptest.NewRecorder()
		env.handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/demo/debug", nil))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("reports repository details when enabled", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t)
		repo := &repository.Repository{Name: "demo", Path: filepath.Join(t.TempDir(), "absent"), Exists: false}
		env.resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(repo, nil)

		rr := httptest.NewRecorder()
		env.handler(githttp.WithDebug(true)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/demo/debug", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		var details repository.Details
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &details))
		assert.Equal(t, "demo", details.Name)
		assert.Equal(t, repo.Path, details.Path)
		assert.False(t, details.Exists)
	})
}
