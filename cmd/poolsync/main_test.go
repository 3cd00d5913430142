package main

import (
	"bufio"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"poolsync/internal/config"
	"poolsync/internal/contract"
	"poolsync/internal/contract/contracttest"
	"poolsync/internal/model"
	"poolsync/internal/store"
	"poolsync/internal/syncer"
)

type fixedState syncer.State

func (s fixedState) State() syncer.State { return syncer.State(s) }

func TestHealthz(t *testing.T) {
	handler := handleHealthz(fixedState(syncer.StateLive))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "live", rec.Body.String())

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	handleHealthz(fixedState(syncer.StateStopped))(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRedactDSN(t *testing.T) {
	require.Equal(t, "", redactDSN(""))
	require.Equal(t, "***", redactDSN("postgres://user:secret@db/poolsync"))
}

func TestParseTxHash(t *testing.T) {
	hash := contracttest.TxHash(1)
	got, err := parseTxHash(hash.Hex())
	require.NoError(t, err)
	require.Equal(t, hash, got)

	_, err = parseTxHash("0x1234")
	require.Error(t, err)
	_, err = parseTxHash("not-hex")
	require.Error(t, err)
}

type fakeSource struct {
	tx      *types.Transaction
	pending bool
	receipt *types.Receipt
}

func (f fakeSource) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, model.ErrNotFound
	}
	return f.tx, f.pending, nil
}

func (f fakeSource) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, model.ErrNotFound
	}
	return f.receipt, nil
}

func (f fakeSource) BlockTimestamp(context.Context, uint64) (uint64, error) {
	return 1_700_000_000, nil
}

func TestVerifyTransaction(t *testing.T) {
	decoder, err := contract.NewDecoder(contracttest.PoolAddress, model.DefaultTiers())
	require.NoError(t, err)

	txHash := contracttest.TxHash(4)
	accepted := contracttest.Accepted(100, 0, txHash, contracttest.Address(4), 1, 0)
	payout := contracttest.Payout(100, 1, txHash, contracttest.Address(0), 30_000_000, 1, 0)
	foreign := accepted
	foreign.Address = common.HexToAddress("0x9999999999999999999999999999999999999999")

	to := contracttest.PoolAddress
	source := fakeSource{
		tx: types.NewTx(&types.LegacyTx{To: &to, Value: big.NewInt(0)}),
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs:        []*types.Log{&accepted, &foreign, &payout},
		},
	}

	result, err := verifyTransaction(context.Background(), source, decoder, txHash)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.Pending)
	require.Equal(t, uint64(100), result.BlockNumber)
	require.Equal(t, uint64(1_700_000_000), result.BlockTime)
	require.Len(t, result.Events, 2)
	require.Equal(t, model.KindContributionAccepted, result.Events[0].Kind)
	require.Equal(t, model.KindPayoutProcessed, result.Events[1].Kind)
	require.Equal(t, uint64(30_000_000), result.Events[1].Amount)

	pending, err := verifyTransaction(context.Background(), fakeSource{tx: source.tx, pending: true}, decoder, txHash)
	require.NoError(t, err)
	require.True(t, pending.Pending)
	require.Empty(t, pending.Events)

	_, err = verifyTransaction(context.Background(), fakeSource{}, decoder, txHash)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestWriteStatus(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.EnsurePools(ctx, model.DefaultTiers()))
	require.NoError(t, st.WriteSyncCursor(ctx, 42))

	path := filepath.Join(t.TempDir(), "status.jsonl")
	writer, err := newJSONLWriter(path)
	require.NoError(t, err)
	require.NoError(t, writeStatus(ctx, st, model.DefaultTiers(), writer))
	require.NoError(t, writer.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)
	require.Equal(t, float64(30_000_000), lines[0]["payout_amount"])
	cursor := lines[3]["cursor"].(map[string]interface{})
	require.Equal(t, float64(42), cursor["last_processed_block"])
}

func TestOpenStore(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	st, err := openStore(ctx, config.Config{Store: config.StoreMemory}, logger)
	require.NoError(t, err)
	st.Close()

	path := filepath.Join(t.TempDir(), "state.json")
	st, err = openStore(ctx, config.Config{Store: config.StoreFile, StorePath: path}, logger)
	require.NoError(t, err)
	require.NoError(t, st.WriteSyncCursor(ctx, 7))
	st.Close()

	st, err = openStore(ctx, config.Config{Store: config.StoreFile, StorePath: path}, logger)
	require.NoError(t, err)
	cursor, ok, err := st.ReadSyncCursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), cursor.LastProcessedBlock)

	_, err = openStore(ctx, config.Config{Store: config.StorePostgres}, logger)
	require.True(t, model.IsConfiguration(err))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"run"}, {"verify"}, {"status"}, {"cursor", "reset"}, {"migrate"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
}
