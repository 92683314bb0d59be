// Package repository defines repository interfaces for data access.
// Note: identity (users, sessions) is handled by Clerk; account IDs are
// Clerk user IDs.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/plotsense/plotsense-api/internal/models"
)

var (
	// ErrAccountNotFound is returned when no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when creating an account that already exists.
	ErrAccountExists = errors.New("account already exists")
	// ErrConcurrentModification is returned when a commit loses the version
	// race on every retry.
	ErrConcurrentModification = errors.New("account modified concurrently")
	// ErrDuplicateEvent is returned when an external event key has already
	// been applied to the account.
	ErrDuplicateEvent = errors.New("external event already applied")
)

// Txn is the unit of work passed to a Commit mutation. The mutation reads
// and modifies Account, appends usage entries, and may check whether an
// external event was already applied. Everything happens inside one
// database transaction.
type Txn interface {
	// Account returns the loaded account snapshot. Mutations to the
	// returned struct are persisted on commit.
	Account() *models.Account
	// Append stages a usage entry for insertion. ID and OccurredAt are
	// filled in if zero.
	Append(e *models.UsageEntry)
	// AlreadyApplied reports whether an entry with the given external
	// event key exists for this account.
	AlreadyApplied(ctx context.Context, key string) (bool, error)
}

// AccountRepository defines methods for ledger account data access.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	// GetByProviderCustomer resolves an account from a provider customer
	// or payer reference.
	GetByProviderCustomer(ctx context.Context, provider models.Provider, customerID string) (*models.Account, error)
	// GetBySubscriptionRef resolves an account from a provider
	// subscription id.
	GetBySubscriptionRef(ctx context.Context, provider models.Provider, subscriptionID string) (*models.Account, error)

	// Commit runs fn against the account inside a transaction and
	// persists the result with an optimistic version check, retrying a
	// bounded number of times on conflict. Errors returned by fn abort
	// the transaction and propagate unchanged.
	Commit(ctx context.Context, accountID string, fn func(ctx context.Context, txn Txn) error) (*models.Account, error)

	// ListUsageEntries returns the account's visible usage log,
	// newest first.
	ListUsageEntries(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageEntry, error)

	// ListRefreshCandidates returns accounts below the low-water balance
	// whose last credit grant is older than cutoff (or unset).
	ListRefreshCandidates(ctx context.Context, lowWater int64, cutoff time.Time, limit int) ([]*models.Account, error)

	// ListPendingDowngrades returns accounts flagged for cancellation at
	// period end whose period has already ended.
	ListPendingDowngrades(ctx context.Context, now time.Time, limit int) ([]*models.Account, error)
}

// ActivityRepository defines methods for activity event data access.
type ActivityRepository interface {
	CreateBatch(ctx context.Context, events []*models.ActivityEvent) error
	GetByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*models.ActivityEvent, error)
	// DeleteOlderThan evicts events older than before and returns the
	// number deleted.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Repositories holds all repository instances.
type Repositories struct {
	Account  AccountRepository
	Activity ActivityRepository
}

// NewRepositories creates all repository instances.
func NewRepositories(db *sql.DB, logCap int) *Repositories {
	return &Repositories{
		Account:  NewSQLiteAccountRepository(db, logCap),
		Activity: NewSQLiteActivityRepository(db),
	}
}
