package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/plotsense/plotsense-api/internal/models"
)

// maxCommitRetries bounds how often a commit is retried after losing the
// version race before giving up with ErrConcurrentModification.
const maxCommitRetries = 3

// SQLiteAccountRepository implements AccountRepository using SQLite.
type SQLiteAccountRepository struct {
	db     *sql.DB
	logCap int
}

// NewSQLiteAccountRepository creates a new SQLite account repository.
// logCap bounds the per-account usage log; oldest entries beyond the cap
// are folded into the account's log baseline.
func NewSQLiteAccountRepository(db *sql.DB, logCap int) *SQLiteAccountRepository {
	if logCap <= 0 {
		logCap = 1000
	}
	return &SQLiteAccountRepository{db: db, logCap: logCap}
}

const accountColumns = `id, email, balance, log_baseline, total_credits_purchased,
	subscription_tier, subscription_state,
	stripe_subscription_id, paypal_subscription_id,
	stripe_customer_id, paypal_payer_id,
	subscription_period_end, subscription_cancel_at_period_end,
	last_credit_grant, version, created_at, updated_at`

// Create inserts a new account.
func (r *SQLiteAccountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	if account.Tier == "" {
		account.Tier = models.TierFree
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.Email, account.Balance, account.LogBaseline,
		account.TotalCreditsPurchased,
		string(account.Tier), string(account.SubState),
		account.StripeSubscriptionID, account.PayPalSubscriptionID,
		account.StripeCustomerID, account.PayPalPayerID,
		nullTime(account.SubscriptionPeriodEnd),
		boolToInt(account.SubscriptionCancelAtPeriodEnd),
		nullTime(account.LastCreditGrant),
		account.Version,
		account.CreatedAt.Format(time.RFC3339),
		account.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *SQLiteAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetByEmail retrieves an account by email.
func (r *SQLiteAccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email)
	return scanAccount(row)
}

// GetByProviderCustomer resolves an account from a provider customer reference.
func (r *SQLiteAccountRepository) GetByProviderCustomer(ctx context.Context, provider models.Provider, customerID string) (*models.Account, error) {
	col := "stripe_customer_id"
	if provider == models.ProviderPayPal {
		col = "paypal_payer_id"
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+col+` = ?`, customerID)
	return scanAccount(row)
}

// GetBySubscriptionRef resolves an account from a provider subscription id.
func (r *SQLiteAccountRepository) GetBySubscriptionRef(ctx context.Context, provider models.Provider, subscriptionID string) (*models.Account, error) {
	col := "stripe_subscription_id"
	if provider == models.ProviderPayPal {
		col = "paypal_subscription_id"
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE `+col+` = ?`, subscriptionID)
	return scanAccount(row)
}

// sqlTxn implements Txn over one database transaction.
type sqlTxn struct {
	account *models.Account
	tx      *sql.Tx
	entries []*models.UsageEntry
}

func (t *sqlTxn) Account() *models.Account { return t.account }

func (t *sqlTxn) Append(e *models.UsageEntry) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.AccountID = t.account.ID
	t.entries = append(t.entries, e)
}

func (t *sqlTxn) AlreadyApplied(ctx context.Context, key string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_entries WHERE account_id = ? AND external_event_key = ?`,
		t.account.ID, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check event key: %w", err)
	}
	return n > 0, nil
}

// Commit runs fn against the account inside a transaction and persists the
// result with an optimistic version check. A lost race rolls back and
// retries against a fresh snapshot; business errors from fn abort without
// retrying.
func (r *SQLiteAccountRepository) Commit(ctx context.Context, accountID string, fn func(ctx context.Context, txn Txn) error) (*models.Account, error) {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		account, err := r.commitOnce(ctx, accountID, fn)
		if err == errVersionConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		return account, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, accountID)
}

// errVersionConflict signals a lost optimistic write internally; it never
// escapes Commit.
var errVersionConflict = fmt.Errorf("version conflict")

func (r *SQLiteAccountRepository) commitOnce(ctx context.Context, accountID string, fn func(ctx context.Context, txn Txn) error) (*models.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	account, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	loadedVersion := account.Version

	txn := &sqlTxn{account: account, tx: tx}
	if err := fn(ctx, txn); err != nil {
		return nil, err
	}

	if account.Balance < 0 {
		return nil, fmt.Errorf("mutation would drive balance negative: %d", account.Balance)
	}

	for _, e := range txn.entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return nil, err
		}
	}

	if len(txn.entries) > 0 {
		if err := r.pruneLog(ctx, tx, account); err != nil {
			return nil, err
		}
	}

	account.UpdatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			email = ?, balance = ?, log_baseline = ?, total_credits_purchased = ?,
			subscription_tier = ?, subscription_state = ?,
			stripe_subscription_id = ?, paypal_subscription_id = ?,
			stripe_customer_id = ?, paypal_payer_id = ?,
			subscription_period_end = ?, subscription_cancel_at_period_end = ?,
			last_credit_grant = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		account.Email, account.Balance, account.LogBaseline, account.TotalCreditsPurchased,
		string(account.Tier), string(account.SubState),
		account.StripeSubscriptionID, account.PayPalSubscriptionID,
		account.StripeCustomerID, account.PayPalPayerID,
		nullTime(account.SubscriptionPeriodEnd),
		boolToInt(account.SubscriptionCancelAtPeriodEnd),
		nullTime(account.LastCreditGrant),
		account.UpdatedAt.Format(time.RFC3339),
		account.ID, loadedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, errVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	account.Version = loadedVersion + 1
	return account, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *models.UsageEntry) error {
	var tagsJSON *string
	if len(e.Tags) > 0 {
		b, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal entry tags: %w", err)
		}
		s := string(b)
		tagsJSON = &s
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_entries (id, account_id, kind, amount, description, external_event_key, tags_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Kind), e.Amount, e.Description,
		e.ExternalEventKey, tagsJSON, e.OccurredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert usage entry: %w", err)
	}
	return nil
}

// pruneLog evicts the oldest entries beyond the cap, folding their net
// amount into the account baseline so that balance stays equal to
// baseline plus the net of the visible entries.
func (r *SQLiteAccountRepository) pruneLog(ctx context.Context, tx *sql.Tx, account *models.Account) error {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_entries WHERE account_id = ?`, account.ID,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to count usage entries: %w", err)
	}
	excess := count - r.logCap
	if excess <= 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, amount FROM usage_entries
		WHERE account_id = ?
		ORDER BY occurred_at ASC, id ASC
		LIMIT ?`, account.ID, excess)
	if err != nil {
		return fmt.Errorf("failed to select evictable entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	var net int64
	for rows.Next() {
		var id, kind string
		var amount int64
		if err := rows.Scan(&id, &kind, &amount); err != nil {
			return fmt.Errorf("failed to scan evictable entry: %w", err)
		}
		ids = append(ids, id)
		if kind == string(models.EntryDebit) {
			net -= amount
		} else {
			net += amount
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM usage_entries WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to evict usage entries: %w", err)
	}

	account.LogBaseline += net
	return nil
}

// ListUsageEntries returns the account's usage log, newest first.
func (r *SQLiteAccountRepository) ListUsageEntries(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, description, external_event_key, tags_json, occurred_at
		FROM usage_entries
		WHERE account_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		var kind, occurredAt string
		var eventKey, tagsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.AccountID, &kind, &e.Amount, &e.Description, &eventKey, &tagsJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		e.Kind = models.UsageEntryKind(kind)
		if eventKey.Valid {
			e.ExternalEventKey = &eventKey.String
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal entry tags: %w", err)
			}
		}
		e.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ListRefreshCandidates returns accounts below the low-water balance whose
// last credit grant is older than cutoff or unset.
func (r *SQLiteAccountRepository) ListRefreshCandidates(ctx context.Context, lowWater int64, cutoff time.Time, limit int) ([]*models.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE balance < ?
		  AND (last_credit_grant IS NULL OR last_credit_grant < ?)
		ORDER BY last_credit_grant ASC
		LIMIT ?`,
		lowWater, cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh candidates: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ListPendingDowngrades returns accounts flagged for cancellation at period
// end whose period has already ended.
func (r *SQLiteAccountRepository) ListPendingDowngrades(ctx context.Context, now time.Time, limit int) ([]*models.Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE subscription_cancel_at_period_end = 1
		  AND subscription_period_end IS NOT NULL
		  AND subscription_period_end < ?
		  AND subscription_tier != ?
		LIMIT ?`,
		now.UTC().Format(time.RFC3339), string(models.TierFree), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending downgrades: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	account, err := scanAccountFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func scanAccountRows(rows *sql.Rows) (*models.Account, error) {
	return scanAccountFrom(rows)
}

func scanAccountFrom(s rowScanner) (*models.Account, error) {
	var a models.Account
	var tier, subState, createdAt, updatedAt string
	var stripeSubID, paypalSubID, stripeCustID, paypalPayerID sql.NullString
	var periodEnd, lastGrant sql.NullString
	var cancelAtEnd int

	err := s.Scan(
		&a.ID, &a.Email, &a.Balance, &a.LogBaseline, &a.TotalCreditsPurchased,
		&tier, &subState,
		&stripeSubID, &paypalSubID,
		&stripeCustID, &paypalPayerID,
		&periodEnd, &cancelAtEnd,
		&lastGrant, &a.Version, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.Tier = models.SubscriptionTier(tier)
	a.SubState = models.SubscriptionState(subState)
	if stripeSubID.Valid {
		a.StripeSubscriptionID = &stripeSubID.String
	}
	if paypalSubID.Valid {
		a.PayPalSubscriptionID = &paypalSubID.String
	}
	if stripeCustID.Valid {
		a.StripeCustomerID = &stripeCustID.String
	}
	if paypalPayerID.Valid {
		a.PayPalPayerID = &paypalPayerID.String
	}
	if periodEnd.Valid {
		if t, err := time.Parse(time.RFC3339, periodEnd.String); err == nil {
			a.SubscriptionPeriodEnd = &t
		}
	}
	a.SubscriptionCancelAtPeriodEnd = cancelAtEnd != 0
	if lastGrant.Valid {
		if t, err := time.Parse(time.RFC3339, lastGrant.String); err == nil {
			a.LastCreditGrant = &t
		}
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &a, nil
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
