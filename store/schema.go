package store

// Schema migrations. Each entry runs once, tracked in schema_migrations;
// entries are append-only so upgrades stay forward-compatible.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		chain_id   BIGINT      NOT NULL,
		contract   TEXT        NOT NULL,
		shard      TEXT        NOT NULL DEFAULT '',
		last_block BIGINT      NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (chain_id, contract, shard)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		chain_id     BIGINT      NOT NULL,
		tx_hash      TEXT        NOT NULL,
		log_index    BIGINT      NOT NULL,
		stream       TEXT        NOT NULL,
		block_number BIGINT      NOT NULL,
		block_time   TIMESTAMPTZ NOT NULL,
		contract     TEXT        NOT NULL,
		topic0       TEXT        NOT NULL,
		payload      JSONB       NOT NULL,
		ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (chain_id, tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS events_stream_block_idx
		ON events (stream, chain_id, block_number)`,
	`CREATE INDEX IF NOT EXISTS events_quest_hero_idx
		ON events (((payload->'body'->>'heroId')::numeric))
		WHERE stream = 'quest_reward'`,

	`CREATE TABLE IF NOT EXISTS stakes (
		chain_id      BIGINT         NOT NULL,
		pool_id       BIGINT         NOT NULL,
		version       TEXT           NOT NULL,
		wallet        TEXT           NOT NULL,
		lp_amount     NUMERIC(78,0)  NOT NULL CHECK (lp_amount >= 0),
		first_seen_at TIMESTAMPTZ    NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ    NOT NULL DEFAULT now(),
		PRIMARY KEY (chain_id, pool_id, version, wallet)
	)`,
	`CREATE INDEX IF NOT EXISTS stakes_wallet_idx ON stakes (wallet)`,

	`CREATE TABLE IF NOT EXISTS pools (
		chain_id        BIGINT NOT NULL,
		pool_id         BIGINT NOT NULL,
		version         TEXT   NOT NULL,
		lp_token        TEXT   NOT NULL,
		token0          TEXT   NOT NULL,
		token1          TEXT   NOT NULL,
		master_contract TEXT   NOT NULL,
		PRIMARY KEY (chain_id, pool_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS lp_pool_states (
		chain_id         BIGINT         NOT NULL,
		pool_id          BIGINT         NOT NULL,
		as_of            TIMESTAMPTZ    NOT NULL,
		total_lp         NUMERIC(78,0)  NOT NULL,
		reserve0         NUMERIC(78,0)  NOT NULL,
		reserve1         NUMERIC(78,0)  NOT NULL,
		token0_price_usd NUMERIC(24,6),
		token1_price_usd NUMERIC(24,6),
		PRIMARY KEY (chain_id, pool_id, as_of)
	)`,

	`CREATE TABLE IF NOT EXISTS token_prices (
		chain_id   BIGINT        NOT NULL,
		token      TEXT          NOT NULL,
		as_of      TIMESTAMPTZ   NOT NULL,
		price_usd  NUMERIC(24,6) NOT NULL,
		source     TEXT          NOT NULL,
		confidence REAL          NOT NULL DEFAULT 1,
		PRIMARY KEY (chain_id, token, as_of)
	)`,

	`CREATE TABLE IF NOT EXISTS payment_requests (
		id              UUID          PRIMARY KEY,
		player_id       TEXT          NOT NULL,
		kind            TEXT          NOT NULL,
		status          TEXT          NOT NULL,
		from_wallet     TEXT,
		expected_amount NUMERIC(78,0) NOT NULL,
		unique_amount   NUMERIC(78,0) NOT NULL,
		expires_at      TIMESTAMPTZ   NOT NULL,
		created_at      TIMESTAMPTZ   NOT NULL DEFAULT now(),
		matched_tx_hash TEXT,
		matched_at      TIMESTAMPTZ
	)`,
	// One active unique amount per kind; this is what makes UNIQUE_EXACT
	// matching deterministic.
	`CREATE UNIQUE INDEX IF NOT EXISTS payment_requests_unique_amount_idx
		ON payment_requests (kind, unique_amount) WHERE status = 'PENDING'`,
	`CREATE INDEX IF NOT EXISTS payment_requests_pending_idx
		ON payment_requests (status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS matched_transfers (
		request_id   UUID          NOT NULL REFERENCES payment_requests(id),
		tx_hash      TEXT          NOT NULL UNIQUE,
		block_number BIGINT        NOT NULL,
		from_address TEXT          NOT NULL,
		amount       NUMERIC(78,0) NOT NULL,
		strategy     TEXT          NOT NULL,
		matched_at   TIMESTAMPTZ   NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS bridge_events (
		chain_id       BIGINT        NOT NULL,
		tx_hash        TEXT          NOT NULL,
		log_index      BIGINT        NOT NULL,
		direction      TEXT          NOT NULL,
		wallet         TEXT          NOT NULL,
		token          TEXT          NOT NULL,
		amount         NUMERIC(78,0) NOT NULL,
		usd_value      NUMERIC(24,6) NOT NULL DEFAULT 0,
		pricing_source TEXT          NOT NULL,
		block_number   BIGINT        NOT NULL,
		block_time     TIMESTAMPTZ   NOT NULL,
		PRIMARY KEY (chain_id, tx_hash, log_index)
	)`,
	`CREATE INDEX IF NOT EXISTS bridge_events_wallet_idx
		ON bridge_events (wallet, block_time)`,

	`CREATE TABLE IF NOT EXISTS wallet_snapshots (
		chain_id       BIGINT        NOT NULL,
		wallet         TEXT          NOT NULL,
		as_of          TIMESTAMPTZ   NOT NULL,
		native_balance NUMERIC(78,0) NOT NULL,
		token_balances JSONB         NOT NULL DEFAULT '{}',
		PRIMARY KEY (chain_id, wallet, as_of)
	)`,

	`CREATE TABLE IF NOT EXISTS locked_supply (
		chain_id BIGINT        NOT NULL,
		as_of    TIMESTAMPTZ   NOT NULL,
		total    NUMERIC(78,0) NOT NULL,
		PRIMARY KEY (chain_id, as_of)
	)`,
}
