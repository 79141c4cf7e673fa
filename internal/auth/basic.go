package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

const basicPrefix = "Basic "

// ParseBasic extracts the username and password from a Basic Authorization
// header value. The decoded credentials are split at the first colon, so
// passwords may contain colons.
func ParseBasic(header string) (username, password string, err error) {
	if header == "" {
		return "", "", ErrMissingCredentials
	}
	if len(header) < len(basicPrefix) || !strings.EqualFold(header[:len(basicPrefix)], basicPrefix) {
		return "", "", ErrMissingCredentials
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(basicPrefix):]))
	if err != nil {
		return "", "", ErrMalformedCredentials
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok || username == "" {
		return "", "", ErrMalformedCredentials
	}
	return username, password, nil
}

// basicFromRequest reads the Authorization header of r
func basicFromRequest(r *http.Request) (string, string, error) {
	return ParseBasic(r.Header.Get("Authorization"))
}
