// Package chainwatch is a polling observer over the value asset's Transfer
// log. It holds a watch-set of merchant addresses and delivers attributed
// transfers to a single registered callback — the Clearing Core's
// PaymentDetected handler.
package chainwatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// transferEventSig is keccak256("Transfer(address,address,uint256)").
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Transfer is an attributed value-asset transfer delivered to the callback.
type Transfer struct {
	TxHash    string
	From      string
	To        string
	Amount    *big.Int
	Block     uint64
	Timestamp int64
}

// Callback is invoked once per observed transfer to a watched address, in
// block-then-log order. Duplicates may be redelivered after a failed poll;
// the callback must key on TxHash to stay idempotent.
type Callback func(ctx context.Context, t Transfer)

// EthClient abstracts go-ethereum's client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Config configures a Watcher.
type Config struct {
	AssetAddress common.Address
	PollInterval time.Duration
	StartBlock   uint64 // 0 = current head
	ReorgDepth   uint64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		ReorgDepth:   12,
	}
}

// Watcher polls the value asset's Transfer log for transfers to any address
// in its watch-set.
type Watcher struct {
	client EthClient
	config Config
	onXfer Callback
	logger *slog.Logger

	mu        sync.Mutex
	watchSet  map[string]struct{} // lowercased addresses
	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a Watcher with an initially empty watch-set.
func New(client EthClient, cfg Config, onTransfer Callback, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ReorgDepth == 0 {
		cfg.ReorgDepth = DefaultConfig().ReorgDepth
	}
	return &Watcher{
		client:   client,
		config:   cfg,
		onXfer:   onTransfer,
		logger:   logger,
		watchSet: make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Watch adds addr to the watch-set. Safe to call concurrently with Start.
func (w *Watcher) Watch(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchSet[strings.ToLower(addr)] = struct{}{}
}

func (w *Watcher) isWatched(addr string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchSet[strings.ToLower(addr)]
	return ok
}

// Start begins polling in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			w.mu.Unlock()
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}
	startBlock := w.lastBlock
	w.mu.Unlock()

	w.logger.Info("chain watcher started", "asset", w.config.AssetAddress.Hex(), "startBlock", startBlock)

	go w.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				w.logger.Error("chain watcher poll failed", "error", err)
				// Transient: lastBlock is left unchanged so the same range
				// is retried on the next tick (at-least-once delivery).
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	w.mu.Lock()
	fromBlock := w.lastBlock + 1
	if w.config.ReorgDepth > 0 && w.lastBlock > w.config.ReorgDepth {
		safeFrom := w.lastBlock - w.config.ReorgDepth + 1
		if safeFrom < fromBlock {
			fromBlock = safeFrom
		}
	}
	w.mu.Unlock()

	if currentBlock < fromBlock {
		return nil
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{w.config.AssetAddress},
		Topics:    [][]common.Hash{{transferEventSig}},
	})
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, l := range logs {
		if l.Removed {
			w.logger.Warn("reorged transfer event, skipping", "tx", l.TxHash.Hex(), "block", l.BlockNumber)
			continue
		}
		w.deliver(ctx, l)
	}

	w.mu.Lock()
	w.lastBlock = currentBlock
	w.mu.Unlock()
	return nil
}

func (w *Watcher) deliver(ctx context.Context, l types.Log) {
	if len(l.Topics) < 3 || len(l.Data) != 32 {
		w.logger.Error("malformed transfer log", "tx", l.TxHash.Hex())
		return
	}

	to := common.HexToAddress(l.Topics[2].Hex()).Hex()
	if !w.isWatched(to) {
		return
	}

	from := common.HexToAddress(l.Topics[1].Hex()).Hex()
	amount := new(big.Int).SetBytes(l.Data)

	var timestamp int64
	if header, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber)); err == nil {
		timestamp = int64(header.Time)
	}

	w.onXfer(ctx, Transfer{
		TxHash:    l.TxHash.Hex(),
		From:      from,
		To:        to,
		Amount:    amount,
		Block:     l.BlockNumber,
		Timestamp: timestamp,
	})
}

// FindTransfer scans [endBlock-lookback, endBlock] for the latest transfer
// to `to` with exactly `amount`, used only by Recovery to link an
// ExposureIncreased event back to its originating Transfer.
func (w *Watcher) FindTransfer(ctx context.Context, to string, amount *big.Int, endBlock, lookback uint64) (*Transfer, error) {
	from := uint64(0)
	if endBlock > lookback {
		from = endBlock - lookback
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(endBlock),
		Addresses: []common.Address{w.config.AssetAddress},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil,
			{common.BytesToHash(common.HexToAddress(to).Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	var best *Transfer
	for _, l := range logs {
		if len(l.Topics) < 3 || len(l.Data) != 32 {
			continue
		}
		logAmount := new(big.Int).SetBytes(l.Data)
		if logAmount.Cmp(amount) != 0 {
			continue
		}
		t := &Transfer{
			TxHash: l.TxHash.Hex(),
			From:   common.HexToAddress(l.Topics[1].Hex()).Hex(),
			To:     common.HexToAddress(l.Topics[2].Hex()).Hex(),
			Amount: logAmount,
			Block:  l.BlockNumber,
		}
		if best == nil || t.Block > best.Block {
			best = t
		}
	}
	return best, nil
}
