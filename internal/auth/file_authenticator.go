package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
)

// User is one entry of the users file
type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// UsersFile is the on-disk layout of the users file
type UsersFile struct {
	Users []User `json:"users"`
}

// FileAuthenticator verifies credentials against a JSON users file.
// Passwords are bcrypt hashes; unsalted SHA-256 hex digests written by older
// deployments are still accepted.
type FileAuthenticator struct {
	path string

	mu    sync.RWMutex
	users map[string]User

	watcherMu sync.Mutex
	watcher   *fsnotify.Watcher
}

// NewFileAuthenticator loads the users file at path
func NewFileAuthenticator(path string) (*FileAuthenticator, error) {
	a := &FileAuthenticator{path: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Authenticate implements Authenticator
func (a *FileAuthenticator) Authenticate(_ context.Context, username, password string) (*Identity, error) {
	a.mu.RLock()
	user, ok := a.users[username]
	a.mu.RUnlock()

	if !ok {
		// keep timing similar for unknown users
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if !VerifyPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	return &Identity{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
	}, nil
}

// Reload reads the users file again. On error the previous users stay active.
func (a *FileAuthenticator) Reload() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("failed to read users file: %w", err)
	}

	var file UsersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse users file %s: %w", a.path, err)
	}

	users := make(map[string]User, len(file.Users))
	for _, u := range file.Users {
		if u.Username == "" {
			continue
		}
		users[u.Username] = u
	}

	a.mu.Lock()
	a.users = users
	a.mu.Unlock()

	slog.Debug("Loaded users file", "path", a.path, "users", len(users))
	return nil
}

// Watch reloads the users file whenever it changes on disk.
// The parent directory is watched so editors that replace the file by rename
// are handled. This method blocks until the context is cancelled.
func (a *FileAuthenticator) Watch(ctx context.Context) error {
	a.watcherMu.Lock()
	if a.watcher != nil {
		a.watcherMu.Unlock()
		return fmt.Errorf("users file watcher is already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.watcherMu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	a.watcher = watcher
	a.watcherMu.Unlock()

	defer a.closeWatcher()

	dir := filepath.Dir(a.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	slog.Info("Watching users file", "path", a.path)
	target := filepath.Clean(a.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if err := a.Reload(); err != nil {
					slog.Error("Failed to reload users file", "error", err)
					continue
				}
				slog.Info("Users file reloaded", "path", a.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (a *FileAuthenticator) closeWatcher() {
	a.watcherMu.Lock()
	defer a.watcherMu.Unlock()
	if a.watcher != nil {
		_ = a.watcher.Close()
		a.watcher = nil
	}
}

// dummyHash is compared against when the username is unknown
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("unknown-user"), bcrypt.MinCost)

// HashPassword returns a bcrypt hash suitable for the users file
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks password against a bcrypt hash or a legacy SHA-256 hex digest
func VerifyPassword(password, hash string) bool {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}

	sum := sha256.Sum256([]byte(password))
	legacy := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(legacy), []byte(strings.ToLower(hash))) == 1
}
