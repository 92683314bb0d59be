package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/plotsense/plotsense-api/internal/config"
	"github.com/plotsense/plotsense-api/internal/models"
	"github.com/plotsense/plotsense-api/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTiers() *config.TierSettingsLoader {
	return config.NewTierSettingsLoader(nil, "", "", testLogger())
}

// mockAccountRepository implements repository.AccountRepository in memory.
// Commit serializes mutations with a mutex, mirroring the optimistic
// transaction semantics of the SQLite implementation.
type mockAccountRepository struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	entries  map[string][]*models.UsageEntry

	commitErr error // forced error returned by Commit when set
}

func newMockAccountRepository() *mockAccountRepository {
	return &mockAccountRepository{
		accounts: make(map[string]*models.Account),
		entries:  make(map[string][]*models.UsageEntry),
	}
}

func (m *mockAccountRepository) Create(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account.ID]; ok {
		return repository.ErrAccountExists
	}
	if account.Tier == "" {
		account.Tier = models.TierFree
	}
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *mockAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *mockAccountRepository) getLocked(id string) (*models.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockAccountRepository) GetByProviderCustomer(ctx context.Context, provider models.Provider, customerID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		ref := a.StripeCustomerID
		if provider == models.ProviderPayPal {
			ref = a.PayPalPayerID
		}
		if ref != nil && *ref == customerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (m *mockAccountRepository) GetBySubscriptionRef(ctx context.Context, provider models.Provider, subscriptionID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		ref := a.SubscriptionRef(provider)
		if ref != nil && *ref == subscriptionID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

// mockTxn implements repository.Txn over the mock's in-memory state.
type mockTxn struct {
	repo    *mockAccountRepository
	account *models.Account
	staged  []*models.UsageEntry
}

func (t *mockTxn) Account() *models.Account { return t.account }

func (t *mockTxn) Append(e *models.UsageEntry) {
	if e.ID == "" {
		e.ID = fmt.Sprintf("entry-%d", len(t.repo.entries[t.account.ID])+len(t.staged)+1)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.AccountID = t.account.ID
	t.staged = append(t.staged, e)
}

func (t *mockTxn) AlreadyApplied(ctx context.Context, key string) (bool, error) {
	for _, e := range t.repo.entries[t.account.ID] {
		if e.ExternalEventKey != nil && *e.ExternalEventKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAccountRepository) Commit(ctx context.Context, accountID string, fn func(ctx context.Context, txn repository.Txn) error) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commitErr != nil {
		return nil, m.commitErr
	}

	account, err := m.getLocked(accountID)
	if err != nil {
		return nil, err
	}

	txn := &mockTxn{repo: m, account: account}
	if err := fn(ctx, txn); err != nil {
		return nil, err
	}
	if account.Balance < 0 {
		return nil, fmt.Errorf("mutation would drive balance negative: %d", account.Balance)
	}

	for _, e := range txn.staged {
		if e.ExternalEventKey != nil {
			for _, existing := range m.entries[accountID] {
				if existing.ExternalEventKey != nil && *existing.ExternalEventKey == *e.ExternalEventKey {
					return nil, repository.ErrDuplicateEvent
				}
			}
		}
	}
	m.entries[accountID] = append(m.entries[accountID], txn.staged...)

	account.Version++
	account.UpdatedAt = time.Now().UTC()
	m.accounts[accountID] = account

	cp := *account
	return &cp, nil
}

func (m *mockAccountRepository) ListUsageEntries(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append([]*models.UsageEntry(nil), m.entries[accountID]...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *mockAccountRepository) ListRefreshCandidates(ctx context.Context, lowWater int64, cutoff time.Time, limit int) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Account
	for _, a := range m.accounts {
		if a.Balance >= lowWater {
			continue
		}
		if a.LastCreditGrant != nil && !a.LastCreditGrant.Before(cutoff) {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *mockAccountRepository) ListPendingDowngrades(ctx context.Context, now time.Time, limit int) ([]*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Account
	for _, a := range m.accounts {
		if !a.SubscriptionCancelAtPeriodEnd || a.Tier == models.TierFree {
			continue
		}
		if a.SubscriptionPeriodEnd == nil || !a.SubscriptionPeriodEnd.Before(now) {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// mockActivityRepository implements repository.ActivityRepository in memory.
type mockActivityRepository struct {
	mu     sync.Mutex
	events []*models.ActivityEvent
}

func newMockActivityRepository() *mockActivityRepository {
	return &mockActivityRepository{}
}

func (m *mockActivityRepository) CreateBatch(ctx context.Context, events []*models.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *mockActivityRepository) GetByAccountID(ctx context.Context, accountID string, limit, offset int) ([]*models.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ActivityEvent
	for _, e := range m.events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockActivityRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*models.ActivityEvent
	var deleted int64
	for _, e := range m.events {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *mockActivityRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestRepos() (*repository.Repositories, *mockAccountRepository, *mockActivityRepository) {
	accountRepo := newMockAccountRepository()
	activityRepo := newMockActivityRepository()
	return &repository.Repositories{
		Account:  accountRepo,
		Activity: activityRepo,
	}, accountRepo, activityRepo
}

func mustCreateAccount(t *testing.T, repo *mockAccountRepository, id string, balance int64, tier models.SubscriptionTier) {
	t.Helper()
	err := repo.Create(context.Background(), &models.Account{
		ID:      id,
		Email:   id + "@example.com",
		Balance: balance,
		Tier:    tier,
	})
	if err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
}
