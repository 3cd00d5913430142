package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contributions (
	tx_hash TEXT PRIMARY KEY,
	contributor TEXT NOT NULL,
	tier SMALLINT NOT NULL,
	batch BIGINT NOT NULL,
	amount BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	confirmed_block BIGINT,
	confirmed_log_index BIGINT,
	paid_at TIMESTAMPTZ,
	payout_tx_hash TEXT
);

CREATE INDEX IF NOT EXISTS contributions_tier_batch_idx
	ON contributions (tier, batch, contributor, status);

CREATE TABLE IF NOT EXISTS payouts (
	tx_hash TEXT NOT NULL,
	log_index BIGINT NOT NULL,
	tier SMALLINT NOT NULL,
	batch BIGINT NOT NULL,
	recipient TEXT NOT NULL,
	amount BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	contribution_tx_hash TEXT NOT NULL UNIQUE REFERENCES contributions (tx_hash),
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tx_hash, log_index)
);

CREATE UNIQUE INDEX IF NOT EXISTS payouts_tier_batch_key
	ON payouts (tier, batch);

CREATE TABLE IF NOT EXISTS pools (
	tier SMALLINT PRIMARY KEY,
	contribution_amount BIGINT NOT NULL,
	current_batch BIGINT NOT NULL DEFAULT 0,
	last_payout_batch BIGINT NOT NULL DEFAULT 0,
	last_payout_index BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_state (
	name TEXT PRIMARY KEY,
	last_processed_block BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
