package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyflake/git-server/internal/config"
)

// NewAuthenticator creates the credential store described by cfg.
// When cfg.Watch is set the users file is reloaded on change until ctx is cancelled.
func NewAuthenticator(ctx context.Context, cfg *config.AuthConfig) (*FileAuthenticator, error) {
	if cfg == nil || cfg.UsersFile == "" {
		return nil, errors.New("auth.usersFile is required")
	}

	authenticator, err := NewFileAuthenticator(cfg.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	if cfg.Watch {
		go func() {
			if err := authenticator.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Users file watcher stopped", "error", err)
			}
		}()
	}

	return authenticator, nil
}
