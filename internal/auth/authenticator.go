package auth

//go:generate mockgen -destination=mocks/mock_authenticator.go -package=mocks -source=authenticator.go Authenticator

import (
	"context"
	"errors"
)

var (
	// ErrMissingCredentials indicates the request carried no Basic credentials
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrMalformedCredentials indicates the Authorization header could not be decoded
	ErrMalformedCredentials = errors.New("malformed basic credentials")

	// ErrInvalidCredentials indicates the username or password was rejected
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Authenticator verifies a username and password pair.
// It returns ErrInvalidCredentials when the pair does not match a known user.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*Identity, error)
}
