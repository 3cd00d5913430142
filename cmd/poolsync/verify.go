package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolsync/internal/chain"
	"poolsync/internal/contract"
	"poolsync/internal/model"
)

// verification is what the ledger says about one pool transaction.
type verification struct {
	TxHash      string        `json:"tx_hash"`
	Pending     bool          `json:"pending"`
	Success     bool          `json:"success"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	BlockTime   uint64        `json:"block_time,omitempty"`
	To          string        `json:"to,omitempty"`
	Events      []model.Event `json:"events"`
	Errors      []string      `json:"errors,omitempty"`
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateLedger(); err != nil {
		return err
	}
	contractAddr, err := cfg.ContractAddress()
	if err != nil {
		return err
	}
	rawTx, _ := cmd.Flags().GetString("tx")
	txHash, err := parseTxHash(rawTx)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, chain.Options{RPCURL: cfg.RPCURL})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	decoder, err := contract.NewDecoder(contractAddr, cfg.Tiers)
	if err != nil {
		return err
	}

	result, err := verifyTransaction(ctx, chainClient, decoder, txHash)
	if err != nil {
		return err
	}

	writer, err := newJSONLWriter(out)
	if err != nil {
		return err
	}
	if err := writer.Write(result); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	logger.Info("verify complete",
		zap.String("tx_hash", result.TxHash),
		zap.Bool("pending", result.Pending),
		zap.Int("events", len(result.Events)),
		zap.Int("errors", len(result.Errors)),
	)
	return nil
}

type txSource interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

func verifyTransaction(ctx context.Context, source txSource, decoder *contract.Decoder, txHash common.Hash) (verification, error) {
	result := verification{TxHash: model.CanonicalHash(txHash.Hex()), Events: []model.Event{}}

	tx, pending, err := source.TransactionByHash(ctx, txHash)
	if err != nil {
		return verification{}, fmt.Errorf("transaction %s: %w", txHash.Hex(), err)
	}
	if to := tx.To(); to != nil {
		result.To = model.CanonicalAddress(to.Hex())
	}
	if pending {
		result.Pending = true
		return result, nil
	}

	receipt, err := source.TransactionReceipt(ctx, txHash)
	if errors.Is(err, model.ErrNotFound) {
		result.Pending = true
		return result, nil
	}
	if err != nil {
		return verification{}, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	result.Success = receipt.Status == types.ReceiptStatusSuccessful
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
		if ts, err := source.BlockTimestamp(ctx, result.BlockNumber); err == nil {
			result.BlockTime = ts
		}
	}

	for _, log := range receipt.Logs {
		if log == nil || !decoder.CanDecode(*log) {
			continue
		}
		event, err := decoder.Decode(*log)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("log %d: %v", log.Index, err))
			continue
		}
		result.Events = append(result.Events, event)
	}
	return result, nil
}

func parseTxHash(input string) (common.Hash, error) {
	data, err := hexutil.Decode(input)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid tx hash: %q", input)
	}
	if len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid tx hash length: %q", input)
	}
	return common.BytesToHash(data), nil
}

type jsonlWriter struct {
	closer io.Closer
	writer *bufio.Writer
}

// newJSONLWriter truncates path, or writes to stdout for "-".
func newJSONLWriter(path string) (*jsonlWriter, error) {
	if path == "" || path == "-" {
		return &jsonlWriter{writer: bufio.NewWriter(os.Stdout)}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &jsonlWriter{
		closer: file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (w *jsonlWriter) Write(value interface{}) error {
	line, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

func (w *jsonlWriter) Close() error {
	if w == nil {
		return nil
	}
	err := w.writer.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
