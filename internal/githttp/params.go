package githttp

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/tinyflake/git-server/internal/repository"
)

var (
	errInvalidRepository      = errors.New("invalid repository name")
	errUnsupportedContentType = errors.New("unsupported content type")
)

// repositoryParam returns the repository identifier of the request with one
// trailing ".git" removed. The identifier is only ever used as a lookup key.
func repositoryParam(r *http.Request) (string, error) {
	decoded := chi.URLParam(r, "repo")
	// chi matches against RawPath when it is set, and the segment is still escaped
	if r.URL.RawPath != "" {
		var err error
		if decoded, err = url.PathUnescape(decoded); err != nil {
			return "", errInvalidRepository
		}
	}

	name := repository.StripGitSuffix(decoded)
	if strings.TrimSpace(name) == "" {
		return "", errInvalidRepository
	}
	if strings.ContainsFunc(name, func(c rune) bool {
		return unicode.IsSpace(c) || unicode.IsControl(c)
	}) {
		return "", errInvalidRepository
	}
	return name, nil
}

// checkContentType accepts a service POST that carries the request content
// type of the service, or no content type at all.
func checkContentType(r *http.Request, service Service) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != service.RequestContentType() {
		return fmt.Errorf("%w: %q", errUnsupportedContentType, contentType)
	}
	return nil
}
