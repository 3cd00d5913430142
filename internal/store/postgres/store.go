package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolsync/internal/model"
	"poolsync/internal/store"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides Postgres persistence for contributions, payouts, pools and the sync cursor.
type Store struct {
	queries
	pool       *pgxpool.Pool
	cursorName string
}

var _ store.Store = (*Store)(nil)

// NewStore connects to dsn. cursorName keys the sync cursor row, usually the contract address.
func NewStore(ctx context.Context, dsn, cursorName string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if cursorName == "" {
		return nil, fmt.Errorf("cursor name is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pg dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{queries: queries{q: pool}, pool: pool, cursorName: cursorName}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InTx runs fn inside one database transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&queries{q: tx})
	})
}

// InsertContribution records a pending contribution.
func (s *Store) InsertContribution(ctx context.Context, c model.Contribution) error {
	if err := checkAmount(c.Amount); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = model.StatusPending
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contributions (tx_hash, contributor, tier, batch, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash) DO NOTHING
	`,
		model.CanonicalHash(c.TxHash),
		model.CanonicalAddress(c.Contributor),
		int16(c.Tier),
		int64(c.Batch),
		int64(c.Amount),
		string(c.Status),
		createdAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// EnsurePools initializes one pool row per configured tier.
func (s *Store) EnsurePools(ctx context.Context, tiers model.TierTable) error {
	batch := &pgx.Batch{}
	for _, tier := range tiers.Tiers() {
		amount, _ := tiers.Amount(tier)
		batch.Queue(`
			INSERT INTO pools (tier, contribution_amount, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (tier) DO NOTHING
		`, int16(tier), int64(amount))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range tiers.Tiers() {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListPools returns every pool ordered by tier.
func (s *Store) ListPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, contribution_amount, current_batch, last_payout_batch, last_payout_index, updated_at
		FROM pools ORDER BY tier
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReadSyncCursor returns the last processed block.
func (s *Store) ReadSyncCursor(ctx context.Context) (model.SyncCursor, bool, error) {
	var (
		block     int64
		updatedAt time.Time
	)
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block, updated_at FROM sync_state WHERE name=$1`, s.cursorName)
	if err := row.Scan(&block, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SyncCursor{}, false, nil
		}
		return model.SyncCursor{}, false, err
	}
	return model.SyncCursor{LastProcessedBlock: uint64(block), UpdatedAt: updatedAt}, true, nil
}

// WriteSyncCursor advances the cursor, ignoring lower values.
func (s *Store) WriteSyncCursor(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = GREATEST(sync_state.last_processed_block, EXCLUDED.last_processed_block),
			updated_at = now()
	`, s.cursorName, int64(block))
	return err
}

// ResetSyncCursor sets the cursor to block.
func (s *Store) ResetSyncCursor(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, s.cursorName, int64(block))
	return err
}

// queries implements store.Tx on a pool or a transaction.
type queries struct {
	q querier
}

const contributionColumns = `tx_hash, contributor, tier, batch, amount, status, created_at,
	confirmed_block, confirmed_log_index, paid_at, payout_tx_hash`

func (s *queries) FindContributionByTxHash(ctx context.Context, txHash string) (model.Contribution, error) {
	row := s.q.QueryRow(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE tx_hash=$1`, model.CanonicalHash(txHash))
	return scanContribution(row)
}

func (s *queries) FindContributionByTierBatchAddress(ctx context.Context, tier model.Tier, batch uint64, contributor string, status model.ContributionStatus) (model.Contribution, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+contributionColumns+`
		FROM contributions
		WHERE tier=$1 AND batch=$2 AND contributor=$3 AND status=$4
		ORDER BY confirmed_block NULLS LAST, confirmed_log_index NULLS LAST, tx_hash
		LIMIT 1
	`, int16(tier), int64(batch), model.CanonicalAddress(contributor), string(status))
	return scanContribution(row)
}

func (s *queries) CountBatchContributions(ctx context.Context, tier model.Tier, batch uint64) (int, error) {
	var n int
	row := s.q.QueryRow(ctx, `
		SELECT count(*) FROM contributions
		WHERE tier=$1 AND batch=$2 AND status IN ('confirmed', 'paid')
	`, int16(tier), int64(batch))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *queries) ListBatchContributions(ctx context.Context, tier model.Tier, batch uint64) ([]model.Contribution, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+contributionColumns+`
		FROM contributions
		WHERE tier=$1 AND batch=$2 AND status IN ('confirmed', 'paid')
		ORDER BY confirmed_block NULLS LAST, confirmed_log_index NULLS LAST, tx_hash
	`, int16(tier), int64(batch))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *queries) UpdateContributionStatus(ctx context.Context, update model.StatusUpdate) (bool, error) {
	from := store.PrecedingStatuses(update.Status)
	if len(from) == 0 {
		return false, nil
	}
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}

	var batch, confirmedBlock, confirmedLogIndex *int64
	if update.Batch != nil {
		v := int64(*update.Batch)
		batch = &v
	}
	if update.Status == model.StatusConfirmed {
		block, index := int64(update.ConfirmedBlock), int64(update.ConfirmedLogIndex)
		confirmedBlock, confirmedLogIndex = &block, &index
	}
	var payoutTx *string
	if update.PayoutTxHash != "" {
		v := model.CanonicalHash(update.PayoutTxHash)
		payoutTx = &v
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE contributions SET
			status = $2,
			batch = COALESCE($3, batch),
			confirmed_block = COALESCE($4, confirmed_block),
			confirmed_log_index = COALESCE($5, confirmed_log_index),
			paid_at = COALESCE($6, paid_at),
			payout_tx_hash = COALESCE($7, payout_tx_hash)
		WHERE tx_hash = $1 AND status = ANY($8)
	`,
		model.CanonicalHash(update.TxHash),
		string(update.Status),
		batch,
		confirmedBlock,
		confirmedLogIndex,
		update.PaidAt,
		payoutTx,
		allowed,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const payoutColumns = `tier, batch, recipient, amount, tx_hash, log_index, block_number, contribution_tx_hash, processed_at`

func (s *queries) FindPayoutByEvent(ctx context.Context, txHash string, logIndex uint64) (model.Payout, error) {
	row := s.q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE tx_hash=$1 AND log_index=$2`,
		model.CanonicalHash(txHash), int64(logIndex))
	return scanPayout(row)
}

func (s *queries) FindPayoutByTierBatch(ctx context.Context, tier model.Tier, batch uint64) (model.Payout, error) {
	row := s.q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE tier=$1 AND batch=$2`, int16(tier), int64(batch))
	return scanPayout(row)
}

func (s *queries) InsertPayoutRecordIfAbsent(ctx context.Context, p model.Payout) (bool, error) {
	if err := checkAmount(p.Amount); err != nil {
		return false, err
	}
	processedAt := p.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO payouts (tx_hash, log_index, tier, batch, recipient, amount, block_number, contribution_tx_hash, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
	`,
		model.CanonicalHash(p.TxHash),
		int64(p.LogIndex),
		int16(p.Tier),
		int64(p.Batch),
		model.CanonicalAddress(p.Recipient),
		int64(p.Amount),
		int64(p.BlockNumber),
		model.CanonicalHash(p.ContributionTxHash),
		processedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *queries) GetPool(ctx context.Context, tier model.Tier) (model.Pool, error) {
	row := s.q.QueryRow(ctx, `
		SELECT tier, contribution_amount, current_batch, last_payout_batch, last_payout_index, updated_at
		FROM pools WHERE tier=$1
	`, int16(tier))
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, model.ErrNotFound
	}
	return p, err
}

func (s *queries) UpsertPoolBatchCounters(ctx context.Context, p model.Pool) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO pools (tier, contribution_amount, current_batch, last_payout_batch, last_payout_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tier) DO UPDATE SET
			contribution_amount = CASE WHEN pools.contribution_amount = 0 THEN EXCLUDED.contribution_amount ELSE pools.contribution_amount END,
			current_batch = GREATEST(pools.current_batch, EXCLUDED.current_batch),
			last_payout_batch = GREATEST(pools.last_payout_batch, EXCLUDED.last_payout_batch),
			last_payout_index = CASE
				WHEN EXCLUDED.last_payout_batch > pools.last_payout_batch THEN EXCLUDED.last_payout_index
				WHEN EXCLUDED.last_payout_batch = pools.last_payout_batch THEN GREATEST(pools.last_payout_index, EXCLUDED.last_payout_index)
				ELSE pools.last_payout_index
			END,
			updated_at = now()
	`,
		int16(p.Tier),
		int64(p.ContributionAmount),
		int64(p.CurrentBatch),
		int64(p.LastPayoutBatch),
		int64(p.LastPayoutIndex),
	)
	return err
}

func scanContribution(row pgx.Row) (model.Contribution, error) {
	var (
		c                                 model.Contribution
		tier                              int16
		batch, amount                     int64
		status                            string
		confirmedBlock, confirmedLogIndex *int64
		payoutTx                          *string
	)
	err := row.Scan(&c.TxHash, &c.Contributor, &tier, &batch, &amount, &status, &c.CreatedAt,
		&confirmedBlock, &confirmedLogIndex, &c.PaidAt, &payoutTx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contribution{}, model.ErrNotFound
		}
		return model.Contribution{}, err
	}
	c.Tier = model.Tier(tier)
	c.Batch = uint64(batch)
	c.Amount = uint64(amount)
	c.Status = model.ContributionStatus(status)
	if confirmedBlock != nil {
		c.ConfirmedBlock = uint64(*confirmedBlock)
	}
	if confirmedLogIndex != nil {
		c.ConfirmedLogIndex = uint64(*confirmedLogIndex)
	}
	if payoutTx != nil {
		c.PayoutTxHash = *payoutTx
	}
	return c, nil
}

func scanPayout(row pgx.Row) (model.Payout, error) {
	var (
		p                           model.Payout
		tier                        int16
		batch, amount, block, index int64
	)
	err := row.Scan(&tier, &batch, &p.Recipient, &amount, &p.TxHash, &index, &block, &p.ContributionTxHash, &p.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Payout{}, model.ErrNotFound
		}
		return model.Payout{}, err
	}
	p.Tier = model.Tier(tier)
	p.Batch = uint64(batch)
	p.Amount = uint64(amount)
	p.LogIndex = uint64(index)
	p.BlockNumber = uint64(block)
	return p, nil
}

// checkAmount rejects amounts a BIGINT column cannot hold.
func checkAmount(amount uint64) error {
	if amount > math.MaxInt64 {
		return &model.DataIntegrityError{Reason: fmt.Sprintf("amount %d exceeds storable range", amount)}
	}
	return nil
}

func scanPool(row pgx.Row) (model.Pool, error) {
	var (
		p                                  model.Pool
		tier                               int16
		amount, current, lastBatch, lastIx int64
	)
	if err := row.Scan(&tier, &amount, &current, &lastBatch, &lastIx, &p.UpdatedAt); err != nil {
		return model.Pool{}, err
	}
	p.Tier = model.Tier(tier)
	p.ContributionAmount = uint64(amount)
	p.CurrentBatch = uint64(current)
	p.LastPayoutBatch = uint64(lastBatch)
	p.LastPayoutIndex = uint64(lastIx)
	return p, nil
}
