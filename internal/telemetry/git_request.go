package telemetry

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"

	// serviceNone labels operational routes
	serviceNone = "none"
	// serviceInvalid labels advertisements for an unknown service
	serviceInvalid = "invalid"

	unknownRoute = "unknown_route"
)

// gitService names the smart HTTP service a request addresses: the service
// parameter of a ref advertisement or the RPC endpoint itself. The result is
// drawn from a closed set so it is safe as a metric label.
func gitService(r *http.Request) string {
	p := r.URL.Path
	switch {
	case strings.HasSuffix(p, "/info/refs"):
		switch svc := r.URL.Query().Get("service"); svc {
		case serviceUploadPack, serviceReceivePack:
			return svc
		default:
			return serviceInvalid
		}
	case strings.HasSuffix(p, "/"+serviceUploadPack):
		return serviceUploadPack
	case strings.HasSuffix(p, "/"+serviceReceivePack):
		return serviceReceivePack
	default:
		return serviceNone
	}
}

// repositoryParam returns the {repo} URL parameter once chi has routed r
func repositoryParam(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.URLParam("repo")
}

// getRoutePattern returns the chi route pattern of r, or unknown_route when
// nothing matched, keeping label cardinality bounded.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}
