package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"poolsync/internal/model"
)

type memoryState struct {
	Contributions map[string]model.Contribution `json:"contributions"`
	Payouts       map[string]model.Payout       `json:"payouts"`
	Pools         map[model.Tier]model.Pool     `json:"pools"`
	Cursor        *model.SyncCursor             `json:"cursor,omitempty"`
}

func newMemoryState() *memoryState {
	return &memoryState{
		Contributions: make(map[string]model.Contribution),
		Payouts:       make(map[string]model.Payout),
		Pools:         make(map[model.Tier]model.Pool),
	}
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	for k, v := range s.Contributions {
		if v.PaidAt != nil {
			paidAt := *v.PaidAt
			v.PaidAt = &paidAt
		}
		out.Contributions[k] = v
	}
	for k, v := range s.Payouts {
		out.Payouts[k] = v
	}
	for k, v := range s.Pools {
		out.Pools[k] = v
	}
	if s.Cursor != nil {
		cursor := *s.Cursor
		out.Cursor = &cursor
	}
	return out
}

// MemoryStore keeps state in memory, optionally snapshotting it to a JSON file
// after every committed write.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	path  string
	now   func() time.Time
}

// NewMemoryStore builds an in-memory store without persistence.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState(), now: time.Now}
}

// OpenFileStore loads a snapshot from path, or starts empty when it is absent.
func OpenFileStore(path string) (*MemoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store file path is required")
	}
	s := &MemoryStore{state: newMemoryState(), path: path, now: time.Now}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read store file: %w", err)
	}
	if err := json.Unmarshal(data, s.state); err != nil {
		return nil, fmt.Errorf("parse store file: %w", err)
	}
	if s.state.Contributions == nil {
		s.state.Contributions = make(map[string]model.Contribution)
	}
	if s.state.Payouts == nil {
		s.state.Payouts = make(map[string]model.Payout)
	}
	if s.state.Pools == nil {
		s.state.Pools = make(map[model.Tier]model.Pool)
	}
	return s, nil
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Close() {}

// InTx runs fn with exclusive access and rolls back every change if it fails.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.state.clone()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.state = backup
		return err
	}
	if err := s.persist(); err != nil {
		s.state = backup
		return err
	}
	return nil
}

func (s *MemoryStore) read(fn func(tx *memoryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryTx{s: s})
}

func (s *MemoryStore) write(ctx context.Context, fn func(tx *memoryTx) error) error {
	return s.InTx(ctx, func(tx Tx) error {
		return fn(tx.(*memoryTx))
	})
}

func (s *MemoryStore) persist() error {
	if s.path == "" {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}

	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}

func (s *MemoryStore) FindContributionByTxHash(ctx context.Context, txHash string) (c model.Contribution, err error) {
	err = s.read(func(tx *memoryTx) error {
		c, err = tx.FindContributionByTxHash(ctx, txHash)
		return err
	})
	return c, err
}

func (s *MemoryStore) FindContributionByTierBatchAddress(ctx context.Context, tier model.Tier, batch uint64, contributor string, status model.ContributionStatus) (c model.Contribution, err error) {
	err = s.read(func(tx *memoryTx) error {
		c, err = tx.FindContributionByTierBatchAddress(ctx, tier, batch, contributor, status)
		return err
	})
	return c, err
}

func (s *MemoryStore) CountBatchContributions(ctx context.Context, tier model.Tier, batch uint64) (n int, err error) {
	err = s.read(func(tx *memoryTx) error {
		n, err = tx.CountBatchContributions(ctx, tier, batch)
		return err
	})
	return n, err
}

func (s *MemoryStore) ListBatchContributions(ctx context.Context, tier model.Tier, batch uint64) (out []model.Contribution, err error) {
	err = s.read(func(tx *memoryTx) error {
		out, err = tx.ListBatchContributions(ctx, tier, batch)
		return err
	})
	return out, err
}

func (s *MemoryStore) UpdateContributionStatus(ctx context.Context, update model.StatusUpdate) (ok bool, err error) {
	err = s.write(ctx, func(tx *memoryTx) error {
		ok, err = tx.UpdateContributionStatus(ctx, update)
		return err
	})
	return ok, err
}

func (s *MemoryStore) FindPayoutByEvent(ctx context.Context, txHash string, logIndex uint64) (p model.Payout, err error) {
	err = s.read(func(tx *memoryTx) error {
		p, err = tx.FindPayoutByEvent(ctx, txHash, logIndex)
		return err
	})
	return p, err
}

func (s *MemoryStore) FindPayoutByTierBatch(ctx context.Context, tier model.Tier, batch uint64) (p model.Payout, err error) {
	err = s.read(func(tx *memoryTx) error {
		p, err = tx.FindPayoutByTierBatch(ctx, tier, batch)
		return err
	})
	return p, err
}

func (s *MemoryStore) InsertPayoutRecordIfAbsent(ctx context.Context, payout model.Payout) (ok bool, err error) {
	err = s.write(ctx, func(tx *memoryTx) error {
		ok, err = tx.InsertPayoutRecordIfAbsent(ctx, payout)
		return err
	})
	return ok, err
}

func (s *MemoryStore) GetPool(ctx context.Context, tier model.Tier) (p model.Pool, err error) {
	err = s.read(func(tx *memoryTx) error {
		p, err = tx.GetPool(ctx, tier)
		return err
	})
	return p, err
}

func (s *MemoryStore) UpsertPoolBatchCounters(ctx context.Context, pool model.Pool) error {
	return s.write(ctx, func(tx *memoryTx) error {
		return tx.UpsertPoolBatchCounters(ctx, pool)
	})
}

func (s *MemoryStore) InsertContribution(ctx context.Context, contribution model.Contribution) error {
	contribution.TxHash = model.CanonicalHash(contribution.TxHash)
	contribution.Contributor = model.CanonicalAddress(contribution.Contributor)
	if contribution.TxHash == "" {
		return fmt.Errorf("tx hash is required")
	}
	if contribution.Status == "" {
		contribution.Status = model.StatusPending
	}
	return s.write(ctx, func(tx *memoryTx) error {
		if _, ok := tx.s.state.Contributions[contribution.TxHash]; ok {
			return ErrDuplicate
		}
		if contribution.CreatedAt.IsZero() {
			contribution.CreatedAt = tx.s.now().UTC()
		}
		tx.s.state.Contributions[contribution.TxHash] = contribution
		return nil
	})
}

func (s *MemoryStore) EnsurePools(ctx context.Context, tiers model.TierTable) error {
	return s.write(ctx, func(tx *memoryTx) error {
		for _, tier := range tiers.Tiers() {
			if _, ok := tx.s.state.Pools[tier]; ok {
				continue
			}
			amount, _ := tiers.Amount(tier)
			tx.s.state.Pools[tier] = model.Pool{Tier: tier, ContributionAmount: amount, UpdatedAt: tx.s.now().UTC()}
		}
		return nil
	})
}

func (s *MemoryStore) ListPools(ctx context.Context) ([]model.Pool, error) {
	var out []model.Pool
	err := s.read(func(tx *memoryTx) error {
		out = make([]model.Pool, 0, len(tx.s.state.Pools))
		for _, pool := range tx.s.state.Pools {
			out = append(out, pool)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, err
}

func (s *MemoryStore) ReadSyncCursor(ctx context.Context) (cursor model.SyncCursor, ok bool, err error) {
	err = s.read(func(tx *memoryTx) error {
		if tx.s.state.Cursor != nil {
			cursor, ok = *tx.s.state.Cursor, true
		}
		return nil
	})
	return cursor, ok, err
}

func (s *MemoryStore) WriteSyncCursor(ctx context.Context, block uint64) error {
	return s.write(ctx, func(tx *memoryTx) error {
		current := tx.s.state.Cursor
		if current != nil && current.LastProcessedBlock >= block {
			return nil
		}
		tx.s.state.Cursor = &model.SyncCursor{LastProcessedBlock: block, UpdatedAt: tx.s.now().UTC()}
		return nil
	})
}

func (s *MemoryStore) ResetSyncCursor(ctx context.Context, block uint64) error {
	return s.write(ctx, func(tx *memoryTx) error {
		tx.s.state.Cursor = &model.SyncCursor{LastProcessedBlock: block, UpdatedAt: tx.s.now().UTC()}
		return nil
	})
}

// Contributions returns every record sorted by tx hash.
func (s *MemoryStore) Contributions() []model.Contribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Contribution, 0, len(s.state.Contributions))
	for _, c := range s.state.Contributions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash < out[j].TxHash })
	return out
}

// Payouts returns every payout record sorted by event position.
func (s *MemoryStore) Payouts() []model.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Payout, 0, len(s.state.Payouts))
	for _, p := range s.state.Payouts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out
}

// memoryTx operates on the state of a MemoryStore whose lock is held.
type memoryTx struct {
	s *MemoryStore
}

func payoutKey(txHash string, logIndex uint64) string {
	return fmt.Sprintf("%s:%d", model.CanonicalHash(txHash), logIndex)
}

func (t *memoryTx) FindContributionByTxHash(_ context.Context, txHash string) (model.Contribution, error) {
	c, ok := t.s.state.Contributions[model.CanonicalHash(txHash)]
	if !ok {
		return model.Contribution{}, model.ErrNotFound
	}
	return c, nil
}

func (t *memoryTx) FindContributionByTierBatchAddress(_ context.Context, tier model.Tier, batch uint64, contributor string, status model.ContributionStatus) (model.Contribution, error) {
	contributor = model.CanonicalAddress(contributor)
	var (
		found model.Contribution
		ok    bool
	)
	for _, c := range t.s.state.Contributions {
		if c.Tier != tier || c.Batch != batch || c.Contributor != contributor || c.Status != status {
			continue
		}
		if !ok || queueBefore(c, found) {
			found, ok = c, true
		}
	}
	if !ok {
		return model.Contribution{}, model.ErrNotFound
	}
	return found, nil
}

func queueBefore(a, b model.Contribution) bool {
	if a.ConfirmedBlock != b.ConfirmedBlock {
		return a.ConfirmedBlock < b.ConfirmedBlock
	}
	if a.ConfirmedLogIndex != b.ConfirmedLogIndex {
		return a.ConfirmedLogIndex < b.ConfirmedLogIndex
	}
	return a.TxHash < b.TxHash
}

func (t *memoryTx) CountBatchContributions(_ context.Context, tier model.Tier, batch uint64) (int, error) {
	n := 0
	for _, c := range t.s.state.Contributions {
		if c.Tier == tier && c.Batch == batch && (c.Status == model.StatusConfirmed || c.Status == model.StatusPaid) {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) ListBatchContributions(_ context.Context, tier model.Tier, batch uint64) ([]model.Contribution, error) {
	var out []model.Contribution
	for _, c := range t.s.state.Contributions {
		if c.Tier == tier && c.Batch == batch && (c.Status == model.StatusConfirmed || c.Status == model.StatusPaid) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return queueBefore(out[i], out[j]) })
	return out, nil
}

func (t *memoryTx) UpdateContributionStatus(_ context.Context, update model.StatusUpdate) (bool, error) {
	key := model.CanonicalHash(update.TxHash)
	c, ok := t.s.state.Contributions[key]
	if !ok || !c.Status.Precedes(update.Status) {
		return false, nil
	}

	c.Status = update.Status
	if update.Batch != nil {
		c.Batch = *update.Batch
	}
	if update.Status == model.StatusConfirmed {
		c.ConfirmedBlock = update.ConfirmedBlock
		c.ConfirmedLogIndex = update.ConfirmedLogIndex
	}
	if update.PaidAt != nil {
		paidAt := update.PaidAt.UTC()
		c.PaidAt = &paidAt
	}
	if update.PayoutTxHash != "" {
		c.PayoutTxHash = model.CanonicalHash(update.PayoutTxHash)
	}
	t.s.state.Contributions[key] = c
	return true, nil
}

func (t *memoryTx) FindPayoutByEvent(_ context.Context, txHash string, logIndex uint64) (model.Payout, error) {
	p, ok := t.s.state.Payouts[payoutKey(txHash, logIndex)]
	if !ok {
		return model.Payout{}, model.ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) FindPayoutByTierBatch(_ context.Context, tier model.Tier, batch uint64) (model.Payout, error) {
	for _, p := range t.s.state.Payouts {
		if p.Tier == tier && p.Batch == batch {
			return p, nil
		}
	}
	return model.Payout{}, model.ErrNotFound
}

func (t *memoryTx) InsertPayoutRecordIfAbsent(_ context.Context, payout model.Payout) (bool, error) {
	key := payoutKey(payout.TxHash, payout.LogIndex)
	if _, ok := t.s.state.Payouts[key]; ok {
		return false, nil
	}
	contributionTx := model.CanonicalHash(payout.ContributionTxHash)
	for _, existing := range t.s.state.Payouts {
		if existing.ContributionTxHash == contributionTx {
			return false, nil
		}
		if existing.Tier == payout.Tier && existing.Batch == payout.Batch {
			return false, nil
		}
	}

	payout.TxHash = model.CanonicalHash(payout.TxHash)
	payout.ContributionTxHash = contributionTx
	payout.Recipient = model.CanonicalAddress(payout.Recipient)
	if payout.ProcessedAt.IsZero() {
		payout.ProcessedAt = t.s.now().UTC()
	}
	t.s.state.Payouts[key] = payout
	return true, nil
}

func (t *memoryTx) GetPool(_ context.Context, tier model.Tier) (model.Pool, error) {
	p, ok := t.s.state.Pools[tier]
	if !ok {
		return model.Pool{}, model.ErrNotFound
	}
	return p, nil
}

func (t *memoryTx) UpsertPoolBatchCounters(_ context.Context, pool model.Pool) error {
	pool.UpdatedAt = t.s.now().UTC()
	existing, ok := t.s.state.Pools[pool.Tier]
	if !ok {
		t.s.state.Pools[pool.Tier] = pool
		return nil
	}
	t.s.state.Pools[pool.Tier] = existing.Merge(pool)
	return nil
}
