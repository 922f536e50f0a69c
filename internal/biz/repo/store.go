package repo

import (
	"context"

	"github.com/akoselev/keywatch/internal/biz/domain"
)

// OwnerRepo is the owner registry and whitelist.
type OwnerRepo interface {
	// SeedAdmins registers and whitelists the configured admins at startup
	SeedAdmins(ctx context.Context, adminIDs []string) error

	// EnsureOwner registers an owner if not yet known (no-op otherwise)
	EnsureOwner(ctx context.Context, owner *domain.Owner) error

	// IsAllowed reports whether the owner passed the whitelist
	IsAllowed(ctx context.Context, ownerID string) (bool, error)

	// AddAllowed puts an owner on the whitelist (idempotent)
	AddAllowed(ctx context.Context, entry *domain.AllowedUser) error

	// RemoveAllowed takes an owner off the whitelist
	RemoveAllowed(ctx context.Context, ownerID string) error

	// ListAllowed lists all whitelist entries, newest first
	ListAllowed(ctx context.Context) ([]*domain.AllowedUser, error)
}

// SessionRepo persists watch session credentials.
type SessionRepo interface {
	// SaveSession creates or replaces a session by (owner, name)
	SaveSession(ctx context.Context, s *domain.WatchSession) error

	// GetSession looks up one session by id for an owner
	GetSession(ctx context.Context, ownerID, sessionID string) (*domain.WatchSession, error)

	// ListSessions lists an owner's sessions
	ListSessions(ctx context.Context, ownerID string) ([]*domain.WatchSession, error)

	// ListActiveSessions lists every session marked active, for restoration
	ListActiveSessions(ctx context.Context) ([]*domain.WatchSession, error)
}

// PolicyRepo persists the per-owner keyword and exception policies.
type PolicyRepo interface {
	// AddKeywords inserts terms, ignoring duplicates; returns how many were
	// newly inserted
	AddKeywords(ctx context.Context, ownerID string, terms []string) (int, error)

	// AddExceptions inserts exception terms, ignoring duplicates
	AddExceptions(ctx context.Context, ownerID string, terms []string) (int, error)

	// GetKeywords returns the owner's active keywords ordered by id
	GetKeywords(ctx context.Context, ownerID string) ([]domain.Term, error)

	// GetExceptions returns the owner's active exceptions ordered by id
	GetExceptions(ctx context.Context, ownerID string) ([]domain.Term, error)

	// DeleteKeyword removes one keyword by id
	DeleteKeyword(ctx context.Context, ownerID string, termID int64) error

	// DeleteException removes one exception by id
	DeleteException(ctx context.Context, ownerID string, termID int64) error

	// ClearKeywords removes all of the owner's keywords
	ClearKeywords(ctx context.Context, ownerID string) error

	// ClearExceptions removes all of the owner's exceptions
	ClearExceptions(ctx context.Context, ownerID string) error
}

// RecordRepo is the append-only message log.
type RecordRepo interface {
	// AppendMessageRecord appends one record; callers treat failure as
	// log-and-continue
	AppendMessageRecord(ctx context.Context, rec *domain.MessageRecord) error

	// RecentMatches returns the owner's latest matched records, newest first
	RecentMatches(ctx context.Context, ownerID string, limit int) ([]*domain.MessageRecord, error)

	// OwnerStats aggregates counts for the owner
	OwnerStats(ctx context.Context, ownerID string) (*domain.OwnerStats, error)
}

// Store is the full persistence contract the service consumes.
type Store interface {
	OwnerRepo
	SessionRepo
	PolicyRepo
	RecordRepo

	Close() error
}
