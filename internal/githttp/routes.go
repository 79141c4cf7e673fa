package githttp

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tinyflake/git-server/internal/api/common"
	"github.com/tinyflake/git-server/internal/auth"
	"github.com/tinyflake/git-server/internal/oplog"
	"github.com/tinyflake/git-server/internal/pktline"
	"github.com/tinyflake/git-server/internal/repository"
)

// DefaultMaxPushBytes bounds a buffered push body
const DefaultMaxPushBytes int64 = 1 << 30

const (
	msgRepositoryNotFound = "Repository not found"
	msgInvalidService     = "Invalid service"
	msgInvalidRepository  = "Invalid repository name"
	msgUnsupportedType    = "Unsupported content type"
)

// RoutesOption configures Routes
type RoutesOption func(*Routes)

// WithManager sets the process manager
func WithManager(m *Manager) RoutesOption {
	return func(rt *Routes) {
		if m != nil {
			rt.manager = m
		}
	}
}

// WithRealm sets the Basic authentication realm
func WithRealm(realm string) RoutesOption {
	return func(rt *Routes) {
		rt.realm = realm
	}
}

// WithMaxPushBytes bounds the size of a push request body
func WithMaxPushBytes(n int64) RoutesOption {
	return func(rt *Routes) {
		if n > 0 {
			rt.maxPushBytes = n
		}
	}
}

// WithDebug enables the per-repository debug route
func WithDebug(enabled bool) RoutesOption {
	return func(rt *Routes) {
		rt.enableDebug = enabled
	}
}

// Routes holds the dependencies of the git smart HTTP handlers
type Routes struct {
	resolver     repository.Resolver
	recorder     oplog.Recorder
	gate         *auth.Gate
	manager      *Manager
	realm        string
	maxPushBytes int64
	enableDebug  bool
}

// NewRoutes creates the git handlers. A nil recorder discards records.
func NewRoutes(
	resolver repository.Resolver,
	authenticator auth.Authenticator,
	recorder oplog.Recorder,
	opts ...RoutesOption,
) *Routes {
	rt := &Routes{
		resolver:     resolver,
		recorder:     recorder,
		manager:      NewManager(),
		maxPushBytes: DefaultMaxPushBytes,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.recorder == nil {
		rt.recorder = oplog.Discard
	}

	rt.gate = auth.NewGate(authenticator,
		auth.WithRealm(rt.realm),
		auth.WithRejectHook(func(r *http.Request, err error) {
			reason := "Authentication required"
			if !errors.Is(err, auth.ErrMissingCredentials) {
				reason = "Invalid credentials"
			}
			name, _ := repositoryParam(r)
			rt.reject(r, operationFromRequest(r), name, reason)
		}),
	)
	return rt
}

// Router creates the chi router for the git endpoints. It is prefix agnostic
// and is normally mounted under /git.
func Router(rt *Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(stampStart)

	r.With(rt.authForService).Get("/{repo}/info/refs", rt.infoRefs)
	r.With(rt.gate.Optional).Post("/{repo}/git-upload-pack", rt.uploadPack)
	r.With(rt.gate.Required).Post("/{repo}/git-receive-pack", rt.receivePack)
	r.Get("/{repo}/HEAD", rt.head)

	if rt.enableDebug {
		r.Get("/{repo}/debug", rt.debug)
	}

	return r
}

// authForService requires credentials for the receive-pack advertisement only
func (rt *Routes) authForService(next http.Handler) http.Handler {
	optional := rt.gate.Optional(next)
	required := rt.gate.Required(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("service") == string(ServiceReceivePack) {
			required.ServeHTTP(w, r)
			return
		}
		optional.ServeHTTP(w, r)
	})
}

// infoRefs handles GET /{repo}/info/refs?service=...
func (rt *Routes) infoRefs(w http.ResponseWriter, r *http.Request) {
	service, err := ParseService(r.URL.Query().Get("service"))
	name, nameErr := repositoryParam(r)
	if err != nil {
		rt.reject(r, oplog.OperationUnknown, name, msgInvalidService)
		http.Error(w, msgInvalidService, http.StatusBadRequest)
		return
	}
	if nameErr != nil {
		rt.reject(r, service.Operation(), name, msgInvalidRepository)
		http.Error(w, msgInvalidRepository, http.StatusBadRequest)
		return
	}

	repo, ok := rt.resolve(w, r, name, service.Operation())
	if !ok {
		return
	}

	rec := newRecord(r, service.Operation(), repo.Name)
	res := rt.manager.Run(r.Context(), w, Invocation{
		Service:       service,
		Path:          repo.Path,
		AdvertiseRefs: true,
		Header: http.Header{
			"Content-Type":  {service.AdvertisementContentType()},
			"Cache-Control": {"no-cache"},
		},
		Preamble: pktline.ServiceAdvertisement(string(service)),
	})
	rt.finish(w, r, rec, service, res)
}

// uploadPack handles POST /{repo}/git-upload-pack
func (rt *Routes) uploadPack(w http.ResponseWriter, r *http.Request) {
	service := ServiceUploadPack
	name, err := repositoryParam(r)
	if err != nil {
		rt.reject(r, service.Operation(), name, msgInvalidRepository)
		http.Error(w, msgInvalidRepository, http.StatusBadRequest)
		return
	}
	if err := checkContentType(r, service); err != nil {
		slog.Info("Rejecting service request", "repository", name, "error", err)
		rt.reject(r, service.Operation(), name, msgUnsupportedType)
		http.Error(w, msgUnsupportedType, http.StatusUnsupportedMediaType)
		return
	}

	repo, ok := rt.resolve(w, r, name, service.Operation())
	if !ok {
		return
	}

	body, err := requestBody(r)
	if err != nil {
		slog.Warn("Rejecting upload-pack body", "repository", repo.Name, "error", err)
		rt.reject(r, service.Operation(), repo.Name, err.Error())
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = body.Close()
	}()

	rec := newRecord(r, service.Operation(), repo.Name)
	res := rt.manager.Run(r.Context(), w, Invocation{
		Service: service,
		Path:    repo.Path,
		Stdin:   body,
		Header: http.Header{
			"Content-Type":  {service.ResultContentType()},
			"Cache-Control": {"no-cache"},
		},
	})
	rt.finish(w, r, rec, service, res)
}

// receivePack handles POST /{repo}/git-receive-pack. The gate has already
// attached an identity.
func (rt *Routes) receivePack(w http.ResponseWriter, r *http.Request) {
	service := ServiceReceivePack
	name, err := repositoryParam(r)
	if err != nil {
		rt.reject(r, service.Operation(), name, msgInvalidRepository)
		http.Error(w, msgInvalidRepository, http.StatusBadRequest)
		return
	}
	if err := checkContentType(r, service); err != nil {
		slog.Info("Rejecting service request", "repository", name, "error", err)
		rt.reject(r, service.Operation(), name, msgUnsupportedType)
		http.Error(w, msgUnsupportedType, http.StatusUnsupportedMediaType)
		return
	}

	repo, ok := rt.resolve(w, r, name, service.Operation())
	if !ok {
		return
	}

	data, err := readPushBody(w, r, rt.maxPushBytes)
	if err != nil {
		status := http.StatusBadRequest
		message := "Invalid request body"
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
			message = "Push exceeds maximum size"
		}
		slog.Warn("Rejecting push body", "repository", repo.Name, "error", err)
		rt.reject(r, service.Operation(), repo.Name, message)
		http.Error(w, message, status)
		return
	}

	id, _ := auth.IdentityFromContext(r.Context())
	rec := newRecord(r, service.Operation(), repo.Name)
	res := rt.manager.Run(r.Context(), w, Invocation{
		Service: service,
		Path:    repo.Path,
		Stdin:   bytes.NewReader(data),
		Env:     committerEnv(id),
		Header: http.Header{
			"Content-Type":  {service.ResultContentType()},
			"Cache-Control": {"no-cache"},
			"Connection":    {"keep-alive"},
		},
	})
	rt.finish(w, r, rec, service, res)
}

// head handles GET /{repo}/HEAD. It is not recorded.
func (rt *Routes) head(w http.ResponseWriter, r *http.Request) {
	name, err := repositoryParam(r)
	if err != nil {
		http.Error(w, msgInvalidRepository, http.StatusBadRequest)
		return
	}

	repo, err := rt.resolver.Resolve(r.Context(), name)
	if err != nil || !repo.Exists {
		http.Error(w, msgRepositoryNotFound, http.StatusNotFound)
		return
	}

	data, err := repository.ReadHead(repo.Path)
	if err != nil {
		http.Error(w, "HEAD not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write(data)
}

// debug handles GET /{repo}/debug
func (rt *Routes) debug(w http.ResponseWriter, r *http.Request) {
	name, err := repositoryParam(r)
	if err != nil {
		common.WriteErrorResponse(w, msgInvalidRepository, http.StatusBadRequest)
		return
	}

	repo, err := rt.resolver.Resolve(r.Context(), name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			common.WriteErrorResponse(w, msgRepositoryNotFound, http.StatusNotFound)
			return
		}
		slog.Error("Failed to resolve repository", "repository", name, "error", err)
		common.WriteErrorResponse(w, "Failed to resolve repository", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, repository.Inspect(repo), http.StatusOK)
}

// resolve looks the repository up and answers the request itself when it
// cannot be served. Rejections are recorded as op.
func (rt *Routes) resolve(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	op oplog.Operation,
) (*repository.Repository, bool) {
	repo, err := rt.resolver.Resolve(r.Context(), name)
	switch {
	case errors.Is(err, repository.ErrNotFound), err == nil && !repo.Exists:
		slog.Info("Repository not found", "repository", name, "remote_addr", r.RemoteAddr)
		rt.reject(r, op, name, msgRepositoryNotFound)
		http.Error(w, msgRepositoryNotFound, http.StatusNotFound)
		return nil, false
	case err != nil:
		slog.Error("Failed to resolve repository", "repository", name, "error", err)
		rt.reject(r, op, name, "Failed to resolve repository")
		http.Error(w, "Failed to resolve repository", http.StatusInternalServerError)
		return nil, false
	}
	return repo, true
}

// finish answers spawn failures and records the outcome of the run
func (rt *Routes) finish(w http.ResponseWriter, r *http.Request, rec oplog.Record, service Service, res *Result) {
	if !res.Started {
		http.Error(w, "Failed to start git", http.StatusInternalServerError)
	}

	slog.Info("git request completed",
		"service", service,
		"repository", rec.Repository,
		"user", rec.User,
		"remote_addr", rec.ClientIP,
		"success", res.Success(),
		"exit_code", res.ExitCode,
		"bytes_in", res.BytesIn,
		"bytes_out", res.BytesOut,
		"duration", res.Duration)

	rt.complete(r, rec, service, res)
}

// committerEnv identifies the pushing user to git hooks and reflogs
func committerEnv(id *auth.Identity) []string {
	name := id.Name()
	email := ""
	if id != nil {
		email = id.Email
	}
	if email == "" {
		email = name + "@localhost"
	}
	return []string{
		"GIT_COMMITTER_NAME=" + name,
		"GIT_COMMITTER_EMAIL=" + email,
		"GIT_HTTP_EXPORT_ALL=1",
		"REMOTE_USER=" + name,
	}
}
