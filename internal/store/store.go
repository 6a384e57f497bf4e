package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// User is a registered user whose activity is mined.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FrameworkUsage is the persisted result for one user: the number of
// distinct files per framework and when it was computed.
type FrameworkUsage struct {
	UserID      string         `json:"userId"`
	Frameworks  map[string]int `json:"frameworks"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Users reads and registers users.
type Users interface {
	// CreateUser registers a new user.
	CreateUser(ctx context.Context, username, email string) (*User, error)

	// GetUserByUsername returns the user or ErrNotFound.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// ListUsers returns all users ordered by username.
	ListUsers(ctx context.Context) ([]User, error)
}

// UsageReader reads computed framework usage.
type UsageReader interface {
	// GetFrameworkUsage returns the user's record or ErrNotFound.
	GetFrameworkUsage(ctx context.Context, userID string) (*FrameworkUsage, error)
}

// UsageWriter persists framework usage. Only the stats updater writes.
type UsageWriter interface {
	// UpsertFrameworkUsage inserts or replaces the record keyed by UserID.
	UpsertFrameworkUsage(ctx context.Context, usage *FrameworkUsage) error
}

// Store is the full storage surface. It is satisfied by *DB and *MongoStore.
type Store interface {
	Users
	UsageReader
	UsageWriter
	Close() error
}

// Compile-time checks that both backends satisfy Store.
var (
	_ Store = (*DB)(nil)
	_ Store = (*MongoStore)(nil)
)
