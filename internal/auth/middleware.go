// Package auth provides Basic authentication for the git HTTP endpoints.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultRealm is the protection space sent in Basic challenges
const DefaultRealm = "Git Repository"

// RejectFunc is called after the gate has answered a request with 401
type RejectFunc func(r *http.Request, err error)

// GateOption configures a Gate
type GateOption func(*Gate)

// WithRealm sets the realm advertised in WWW-Authenticate
func WithRealm(realm string) GateOption {
	return func(g *Gate) {
		if realm != "" {
			g.realm = realm
		}
	}
}

// WithRejectHook registers a callback run for every rejected request
func WithRejectHook(fn RejectFunc) GateOption {
	return func(g *Gate) {
		g.onReject = fn
	}
}

// Gate decodes Basic credentials and hands them to an Authenticator.
// It makes no authorization decisions beyond "identity required or not".
type Gate struct {
	authenticator Authenticator
	realm         string
	onReject      RejectFunc
}

// NewGate creates a gate backed by authenticator
func NewGate(authenticator Authenticator, opts ...GateOption) *Gate {
	g := &Gate{
		authenticator: authenticator,
		realm:         DefaultRealm,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate verifies the credentials carried by r
func (g *Gate) Authenticate(r *http.Request) (*Identity, error) {
	username, password, err := basicFromRequest(r)
	if err != nil {
		return nil, err
	}

	id, err := g.authenticator.Authenticate(r.Context(), username, password)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrInvalidCredentials
	}
	return id, nil
}

// Optional attaches a verified identity to the request context when valid
// credentials are present. Requests without credentials, or with bad ones,
// continue anonymously.
func (g *Gate) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Authenticate(r)
		switch {
		case err == nil:
			r = r.WithContext(WithIdentity(r.Context(), id))
		case errors.Is(err, ErrMissingCredentials):
		default:
			slog.Debug("Ignoring invalid credentials on anonymous route",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

// Required rejects requests without valid credentials with a 401 challenge.
// The wrapped handler is never invoked for rejected requests.
func (g *Gate) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := IdentityFromContext(r.Context()); ok {
			slog.Debug("Identity already attached", "user", id.Username)
			next.ServeHTTP(w, r)
			return
		}

		id, err := g.Authenticate(r)
		if err != nil {
			g.Challenge(w, r, err)
			return
		}

		slog.Debug("Authentication successful",
			"user", id.Username,
			"remote_addr", r.RemoteAddr,
			"path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Challenge writes a 401 response with a Basic WWW-Authenticate header and
// runs the reject hook.
func (g *Gate) Challenge(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = ErrMissingCredentials
	}

	message := "Authentication required"
	switch {
	case errors.Is(err, ErrMissingCredentials):
		slog.Info("Credentials required", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrMalformedCredentials):
		message = "Invalid credentials"
		slog.Warn("Authentication failed", "error", err, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	default:
		message = "Invalid credentials"
		slog.Error("Authenticator error", "error", err, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	}

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, sanitizeHeaderValue(g.realm)))
	http.Error(w, message, http.StatusUnauthorized)

	if g.onReject != nil {
		g.onReject(r, err)
	}
}

// sanitizeHeaderValue removes characters that could enable header injection attacks.
// This includes newlines, carriage returns, and unescaped quotes.
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
