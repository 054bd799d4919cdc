package db

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("user not found")
	ErrExists   = errors.New("user already exists")
)

// CredentialStore is the only persisted collaborator of the relay: a
// username to password-digest table. Presence and friend lists live in
// memory and are rebuilt from scratch on restart.
type CredentialStore interface {
	// Register creates a user with a bcrypt digest of password.
	Register(ctx context.Context, username, password string) error
	// Verify reports whether password matches the stored digest.
	// Returns ErrNotFound when the user does not exist.
	Verify(ctx context.Context, username, password string) (bool, error)
	Delete(ctx context.Context, username string) error
	Exists(ctx context.Context, username string) (bool, error)
	Close() error
}

// Open selects a backend by DSN: postgres URLs go to pgx, anything else is
// treated as a sqlite database path.
func Open(ctx context.Context, dsn string) (CredentialStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn)
}
