package migrations

func init() {
	Register(Migration{
		Version:     "20260301-000000",
		Description: "Initial schema",
		Statements: []string{
			// Accounts - one ledger row per user
			// id is a Clerk user ID (no local users table; identity lives in Clerk)
			`CREATE TABLE IF NOT EXISTS accounts (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
				log_baseline INTEGER NOT NULL DEFAULT 0,
				total_credits_purchased INTEGER NOT NULL DEFAULT 0,
				subscription_tier TEXT NOT NULL DEFAULT 'free',
				subscription_state TEXT NOT NULL DEFAULT '',
				stripe_subscription_id TEXT,
				paypal_subscription_id TEXT,
				stripe_customer_id TEXT,
				paypal_payer_id TEXT,
				subscription_period_end TEXT,
				subscription_cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
				last_credit_grant TEXT,
				version INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email)`,
			`CREATE INDEX IF NOT EXISTS idx_accounts_stripe_customer ON accounts(stripe_customer_id)`,
			`CREATE INDEX IF NOT EXISTS idx_accounts_paypal_payer ON accounts(paypal_payer_id)`,

			// Usage entries - capped append-only log of credits and debits.
			// external_event_key doubles as the idempotency record for
			// webhook-driven changes; the unique index makes a duplicate
			// insert fail inside the same transaction as the balance write.
			`CREATE TABLE IF NOT EXISTS usage_entries (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
				kind TEXT NOT NULL CHECK (kind IN ('credit', 'debit')),
				amount INTEGER NOT NULL CHECK (amount >= 0),
				description TEXT NOT NULL DEFAULT '',
				external_event_key TEXT,
				tags_json TEXT,
				occurred_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_entries_event_key
				ON usage_entries(account_id, external_event_key)
				WHERE external_event_key IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS idx_usage_entries_account
				ON usage_entries(account_id, occurred_at DESC, id DESC)`,

			// Activity events - user activity records, evicted by age
			`CREATE TABLE IF NOT EXISTS activity_events (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_events_account ON activity_events(account_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_events_created ON activity_events(created_at)`,
		},
	})
}
