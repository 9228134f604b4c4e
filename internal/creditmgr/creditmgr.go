// Package creditmgr is a thin, typed wrapper around the on-ledger credit
// contract and the value asset's approve/allowance surface. It generalizes
// the direct ERC20 transfer/balanceOf flow into the broader set of calls
// the clearing core needs: reading merchant state, writing subscribe/credit
// limit/payment/exposure/slash mutations, and paging through historical
// events for recovery.
package creditmgr

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/capGoblin/aegis402/internal/circuitbreaker"
	"github.com/capGoblin/aegis402/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("creditmgr: invalid private key")
	ErrRPCConnection     = errors.New("creditmgr: RPC connection failed")
	ErrTimeout           = errors.New("creditmgr: operation timed out")
	ErrCircuitOpen       = errors.New("creditmgr: circuit breaker open")
)

// LedgerError wraps a failed on-ledger read or write, matching spec.md's
// error taxonomy — callers surface it to the caller without retrying.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string { return fmt.Sprintf("creditmgr: %s failed: %v", e.Op, e.Err) }
func (e *LedgerError) Unwrap() error { return e.Err }

// creditManagerABI covers every write/read the Credit Manager Adapter needs
// plus the four events Recovery and monitoring read back.
const creditManagerABI = `[
	{"constant":true,"inputs":[{"name":"addr","type":"address"}],"name":"getMerchant","outputs":[{"name":"stake","type":"uint256"},{"name":"creditLimit","type":"uint256"},{"name":"exposure","type":"uint256"},{"name":"agentId","type":"string"},{"name":"endpoint","type":"string"},{"name":"active","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"addr","type":"address"}],"name":"getMerchantSkills","outputs":[{"name":"","type":"string[]"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"addr","type":"address"},{"name":"stake","type":"uint256"},{"name":"agentId","type":"string"},{"name":"endpoint","type":"string"},{"name":"skills","type":"string[]"}],"name":"subscribeFor","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"addr","type":"address"},{"name":"limit","type":"uint256"}],"name":"setCreditLimit","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"addr","type":"address"},{"name":"amount","type":"uint256"}],"name":"recordPayment","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"addr","type":"address"},{"name":"amount","type":"uint256"}],"name":"clearExposure","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"addr","type":"address"},{"name":"client","type":"address"},{"name":"amount","type":"uint256"}],"name":"slash","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":false,"name":"stake","type":"uint256"},{"indexed":false,"name":"agentId","type":"string"}],"name":"Subscribed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"ExposureIncreased","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"ExposureCleared","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":true,"name":"client","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Slashed","type":"event"}
]`

// assetABI covers the ERC20-style approve/allowance/Transfer surface of the
// value asset.
const assetABI = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	DefaultGasLimit            = uint64(200000)
	DefaultConfirmationTimeout = 30 * time.Second
	ConfirmationPollInterval   = 2 * time.Second
)

// EventKind names a Credit Manager event for query_events.
type EventKind string

const (
	EventSubscribed        EventKind = "Subscribed"
	EventExposureIncreased EventKind = "ExposureIncreased"
	EventExposureCleared   EventKind = "ExposureCleared"
	EventSlashed           EventKind = "Slashed"
)

// Event is a decoded Credit Manager log.
type Event struct {
	Kind      EventKind
	Merchant  string
	Client    string // only set for Slashed
	Amount    *big.Int
	AgentID   string // only set for Subscribed
	TxHash    string
	Block     uint64
	Timestamp int64
}

// Merchant mirrors the Credit Manager contract's on-ledger merchant record.
type Merchant struct {
	Stake       *big.Int
	CreditLimit *big.Int
	Exposure    *big.Int
	AgentID     string
	Endpoint    string
	Active      bool
}

// EthClient abstracts go-ethereum's client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Config configures a new Adapter.
type Config struct {
	RPCURL               string
	PrivateKey           string // hex, no 0x prefix required
	ChainID              int64
	CreditManagerAddress string
	AssetAddress         string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient injects a fake/mocked EthClient for tests.
func WithClient(c EthClient) Option {
	return func(a *Adapter) { a.client = c }
}

// WithCircuitBreaker overrides the default per-RPC-method circuit breaker.
func WithCircuitBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Adapter) { a.breaker = b }
}

// Adapter is the Credit Manager Adapter: reads and writes against the
// on-ledger credit contract, and manages asset-level allowance for stake
// pulls. It holds the clearinghouse's single signing key.
type Adapter struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	creditManager common.Address
	asset         common.Address
	creditABI     abi.ABI
	assetABI      abi.ABI
	breaker       *circuitbreaker.Breaker
}

// New builds an Adapter from Config, dialing the RPC endpoint unless a
// client Option overrides it.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse credit manager ABI: %w", err)
	}
	assetABIParsed, err := abi.JSON(strings.NewReader(assetABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse asset ABI: %w", err)
	}

	a := &Adapter{
		privateKey:    privateKey,
		address:       crypto.PubkeyToAddress(*publicKey),
		chainID:       big.NewInt(cfg.ChainID),
		creditManager: common.HexToAddress(cfg.CreditManagerAddress),
		asset:         common.HexToAddress(cfg.AssetAddress),
		creditABI:     creditABI,
		assetABI:      assetABIParsed,
		breaker:       circuitbreaker.New(5, 30*time.Second),
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		a.client = client
	}

	return a, nil
}

// Address returns the clearinghouse's signing address.
func (a *Adapter) Address() string {
	return a.address.Hex()
}

// Close releases the underlying client connection.
func (a *Adapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// guard runs fn through the per-key circuit breaker: rejects immediately
// while the breaker for key is open, and records success/failure otherwise.
func (a *Adapter) guard(key string, fn func() error) error {
	if !a.breaker.Allow(key) {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		a.breaker.RecordFailure(key)
		return err
	}
	a.breaker.RecordSuccess(key)
	return nil
}

// rpcMethodKeys lists every circuit breaker key guard() can trip, for
// BreakerStates' health snapshot.
var rpcMethodKeys = []string{
	"getMerchant", "getMerchantSkills", "allowance",
	"approve", "subscribeFor", "setCreditLimit",
	"recordPayment", "clearExposure", "slash", "queryEvents",
}

// BreakerStates snapshots the circuit breaker state of every RPC method,
// for surfacing on the health endpoint.
func (a *Adapter) BreakerStates() map[string]string {
	states := make(map[string]string, len(rpcMethodKeys))
	for _, key := range rpcMethodKeys {
		states[key] = a.breaker.State(key).String()
	}
	return states
}

// GetMerchant reads the merchant's on-ledger state.
func (a *Adapter) GetMerchant(ctx context.Context, addr string) (*Merchant, error) {
	data, err := a.creditABI.Pack("getMerchant", common.HexToAddress(addr))
	if err != nil {
		return nil, &LedgerError{Op: "pack getMerchant", Err: err}
	}
	var out []byte
	if err := a.guard("getMerchant", func() error {
		var callErr error
		out, callErr = a.client.CallContract(ctx, ethereum.CallMsg{To: &a.creditManager, Data: data}, nil)
		return callErr
	}); err != nil {
		return nil, &LedgerError{Op: "getMerchant", Err: err}
	}
	result, err := a.creditABI.Unpack("getMerchant", out)
	if err != nil {
		return nil, &LedgerError{Op: "unpack getMerchant", Err: err}
	}
	return &Merchant{
		Stake:       result[0].(*big.Int),
		CreditLimit: result[1].(*big.Int),
		Exposure:    result[2].(*big.Int),
		AgentID:     result[3].(string),
		Endpoint:    result[4].(string),
		Active:      result[5].(bool),
	}, nil
}

// GetMerchantSkills reads the merchant's declared skill tags.
func (a *Adapter) GetMerchantSkills(ctx context.Context, addr string) ([]string, error) {
	data, err := a.creditABI.Pack("getMerchantSkills", common.HexToAddress(addr))
	if err != nil {
		return nil, &LedgerError{Op: "pack getMerchantSkills", Err: err}
	}
	var out []byte
	if err := a.guard("getMerchantSkills", func() error {
		var callErr error
		out, callErr = a.client.CallContract(ctx, ethereum.CallMsg{To: &a.creditManager, Data: data}, nil)
		return callErr
	}); err != nil {
		return nil, &LedgerError{Op: "getMerchantSkills", Err: err}
	}
	result, err := a.creditABI.Unpack("getMerchantSkills", out)
	if err != nil {
		return nil, &LedgerError{Op: "unpack getMerchantSkills", Err: err}
	}
	return result[0].([]string), nil
}

// Approve authorizes the Credit Manager contract to pull amount of the
// value asset from the clearinghouse's own account, used before
// SubscribeFor to satisfy the contract's allowance check.
func (a *Adapter) Approve(ctx context.Context, amount *big.Int) (string, error) {
	data, err := a.assetABI.Pack("approve", a.creditManager, amount)
	if err != nil {
		return "", &LedgerError{Op: "pack approve", Err: err}
	}
	return a.send(ctx, "approve", a.asset, data)
}

// Allowance reads the current Credit Manager allowance on the asset.
func (a *Adapter) Allowance(ctx context.Context) (*big.Int, error) {
	data, err := a.assetABI.Pack("allowance", a.address, a.creditManager)
	if err != nil {
		return nil, &LedgerError{Op: "pack allowance", Err: err}
	}
	var out []byte
	if err := a.guard("allowance", func() error {
		var callErr error
		out, callErr = a.client.CallContract(ctx, ethereum.CallMsg{To: &a.asset, Data: data}, nil)
		return callErr
	}); err != nil {
		return nil, &LedgerError{Op: "allowance", Err: err}
	}
	result, err := a.assetABI.Unpack("allowance", out)
	if err != nil {
		return nil, &LedgerError{Op: "unpack allowance", Err: err}
	}
	return result[0].(*big.Int), nil
}

// SubscribeFor registers a merchant on-ledger. Requires prior Approve of
// stake by the caller.
func (a *Adapter) SubscribeFor(ctx context.Context, addr string, stake *big.Int, agentID, endpoint string, skills []string) (string, error) {
	data, err := a.creditABI.Pack("subscribeFor", common.HexToAddress(addr), stake, agentID, endpoint, skills)
	if err != nil {
		return "", &LedgerError{Op: "pack subscribeFor", Err: err}
	}
	return a.send(ctx, "subscribeFor", a.creditManager, data)
}

// SetCreditLimit writes the merchant's credit limit.
func (a *Adapter) SetCreditLimit(ctx context.Context, addr string, limit *big.Int) (string, error) {
	data, err := a.creditABI.Pack("setCreditLimit", common.HexToAddress(addr), limit)
	if err != nil {
		return "", &LedgerError{Op: "pack setCreditLimit", Err: err}
	}
	return a.send(ctx, "setCreditLimit", a.creditManager, data)
}

// RecordPayment increases exposure; the contract itself enforces
// exposure+amount <= credit_limit and returns a revert if exceeded.
func (a *Adapter) RecordPayment(ctx context.Context, addr string, amount *big.Int) (string, error) {
	data, err := a.creditABI.Pack("recordPayment", common.HexToAddress(addr), amount)
	if err != nil {
		return "", &LedgerError{Op: "pack recordPayment", Err: err}
	}
	return a.send(ctx, "recordPayment", a.creditManager, data)
}

// ClearExposure decreases exposure; the contract enforces amount <= exposure.
func (a *Adapter) ClearExposure(ctx context.Context, addr string, amount *big.Int) (string, error) {
	data, err := a.creditABI.Pack("clearExposure", common.HexToAddress(addr), amount)
	if err != nil {
		return "", &LedgerError{Op: "pack clearExposure", Err: err}
	}
	return a.send(ctx, "clearExposure", a.creditManager, data)
}

// Slash burns stake and refunds client; the contract enforces
// amount <= stake and amount <= exposure.
func (a *Adapter) Slash(ctx context.Context, addr, client string, amount *big.Int) (string, error) {
	data, err := a.creditABI.Pack("slash", common.HexToAddress(addr), common.HexToAddress(client), amount)
	if err != nil {
		return "", &LedgerError{Op: "pack slash", Err: err}
	}
	return a.send(ctx, "slash", a.creditManager, data)
}

// send signs and broadcasts a transaction to `to` carrying `data`, returning
// the tx hash. It does not wait for confirmation — callers needing
// confirmation call WaitForConfirmation. key names the circuit breaker's
// per-method entry (e.g. "recordPayment").
func (a *Adapter) send(ctx context.Context, key string, to common.Address, data []byte) (string, error) {
	var txHash string
	err := a.guard(key, func() error {
		nonce, err := a.client.PendingNonceAt(ctx, a.address)
		if err != nil {
			return &LedgerError{Op: "nonce", Err: err}
		}

		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return &LedgerError{Op: "gas_price", Err: err}
		}

		gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
			From: a.address,
			To:   &to,
			Data: data,
		})
		if err != nil {
			gasLimit = DefaultGasLimit
		}

		tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
		signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.privateKey)
		if err != nil {
			return &LedgerError{Op: "sign", Err: err}
		}

		if err := a.client.SendTransaction(ctx, signedTx); err != nil {
			return &LedgerError{Op: "send", Err: err}
		}

		txHash = signedTx.Hash().Hex()
		return nil
	})
	return txHash, err
}

// WaitForConfirmation blocks until txHash is mined, or timeout elapses.
func (a *Adapter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return ctx.Err()
		case <-ticker.C:
			receipt, err := a.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt.Status == 0 {
				return &LedgerError{Op: "confirm", Err: fmt.Errorf("transaction reverted: %s", txHash)}
			}
			return nil
		}
	}
}

// QueryEvents pages through [fromBlock, toBlock] in fixed-size chunks. On a
// per-chunk failure it retries once over the first half of that chunk's
// range (the second half is not queried); if the retry fails too, it logs
// the skipped range and continues — a chunk failure never aborts the
// overall query, and the returned error is always nil.
func (a *Adapter) QueryEvents(ctx context.Context, kind EventKind, fromBlock, toBlock, chunkSize uint64) ([]Event, error) {
	if chunkSize == 0 {
		chunkSize = 2000
	}

	var events []Event
	for start := fromBlock; start <= toBlock; start += chunkSize {
		end := start + chunkSize - 1
		if end > toBlock {
			end = toBlock
		}

		chunkEvents, err := a.queryChunk(ctx, kind, start, end)
		if err != nil {
			// Retry once at half the range before giving up on this chunk.
			// A skipped chunk is logged here and does not abort the outer
			// scan.
			half := (end - start) / 2
			retryEnd := start + half
			chunkEvents, err = a.queryChunk(ctx, kind, start, retryEnd)
			if err != nil {
				slog.Warn("creditmgr: skipping event chunk after failed retry",
					"kind", string(kind), "from", start, "to", end, "error", err)
				continue
			}
		}
		events = append(events, chunkEvents...)
	}

	return events, nil
}

func (a *Adapter) queryChunk(ctx context.Context, kind EventKind, from, to uint64) ([]Event, error) {
	eventABI, ok := a.creditABI.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	var logs []types.Log
	err := retry.Do(ctx, 2, 200*time.Millisecond, func() error {
		return a.guard("queryEvents", func() error {
			var err error
			logs, err = a.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: []common.Address{a.creditManager},
				Topics:    [][]common.Hash{{eventABI.ID}},
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		ev, err := a.decodeEvent(kind, l)
		if err != nil {
			continue
		}
		header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(l.BlockNumber))
		if err == nil {
			ev.Timestamp = int64(header.Time)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (a *Adapter) decodeEvent(kind EventKind, l types.Log) (Event, error) {
	ev := Event{Kind: kind, TxHash: l.TxHash.Hex(), Block: l.BlockNumber}

	switch kind {
	case EventSubscribed:
		if len(l.Topics) < 2 {
			return ev, fmt.Errorf("malformed Subscribed log")
		}
		ev.Merchant = common.HexToAddress(l.Topics[1].Hex()).Hex()
		data, err := a.creditABI.Unpack("Subscribed", l.Data)
		if err != nil {
			return ev, err
		}
		ev.Amount = data[0].(*big.Int)
		ev.AgentID = data[1].(string)
	case EventExposureIncreased, EventExposureCleared:
		if len(l.Topics) < 2 {
			return ev, fmt.Errorf("malformed %s log", kind)
		}
		ev.Merchant = common.HexToAddress(l.Topics[1].Hex()).Hex()
		data, err := a.creditABI.Unpack(string(kind), l.Data)
		if err != nil {
			return ev, err
		}
		ev.Amount = data[0].(*big.Int)
	case EventSlashed:
		if len(l.Topics) < 3 {
			return ev, fmt.Errorf("malformed Slashed log")
		}
		ev.Merchant = common.HexToAddress(l.Topics[1].Hex()).Hex()
		ev.Client = common.HexToAddress(l.Topics[2].Hex()).Hex()
		data, err := a.creditABI.Unpack("Slashed", l.Data)
		if err != nil {
			return ev, err
		}
		ev.Amount = data[0].(*big.Int)
	default:
		return ev, fmt.Errorf("unknown event kind %q", kind)
	}

	return ev, nil
}
