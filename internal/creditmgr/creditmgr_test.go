package creditmgr

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	gethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPrivateKey is Hardhat's well-known account #0 key. Never used on a
// chain that holds real value.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	testCreditManager = "0x000000000000000000000000000000000000aa"
	testAsset         = "0x000000000000000000000000000000000000bb"
)

// fakeEthClient is an in-memory EthClient stand-in; each method delegates to
// an optional func field, defaulting to a zero-value success response.
type fakeEthClient struct {
	pendingNonce       func(ctx context.Context, account common.Address) (uint64, error)
	suggestGasPrice    func(ctx context.Context) (*big.Int, error)
	estimateGas        func(ctx context.Context, call gethereum.CallMsg) (uint64, error)
	sendTransaction    func(ctx context.Context, tx *types.Transaction) error
	transactionReceipt func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	callContract       func(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	filterLogs         func(ctx context.Context, q gethereum.FilterQuery) ([]types.Log, error)
	headerByNumber     func(ctx context.Context, number *big.Int) (*types.Header, error)

	sentTxs []*types.Transaction
	closed  bool
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if f.pendingNonce != nil {
		return f.pendingNonce(ctx, account)
	}
	return 1, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.suggestGasPrice != nil {
		return f.suggestGasPrice(ctx)
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call gethereum.CallMsg) (uint64, error) {
	if f.estimateGas != nil {
		return f.estimateGas(ctx, call)
	}
	return 60000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sentTxs = append(f.sentTxs, tx)
	if f.sendTransaction != nil {
		return f.sendTransaction(ctx, tx)
	}
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.transactionReceipt != nil {
		return f.transactionReceipt(ctx, txHash)
	}
	return &types.Receipt{Status: 1}, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.callContract != nil {
		return f.callContract(ctx, call, blockNumber)
	}
	return nil, nil
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q gethereum.FilterQuery) ([]types.Log, error) {
	if f.filterLogs != nil {
		return f.filterLogs(ctx, q)
	}
	return nil, nil
}

func (f *fakeEthClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if f.headerByNumber != nil {
		return f.headerByNumber(ctx, number)
	}
	return &types.Header{Time: 1_700_000_000}, nil
}

func (f *fakeEthClient) NetworkID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(84532), nil
}

func (f *fakeEthClient) Close() { f.closed = true }

func newTestAdapter(t *testing.T, client EthClient) *Adapter {
	t.Helper()
	a, err := New(Config{
		RPCURL:               "https://sepolia.base.org",
		PrivateKey:           testPrivateKey,
		ChainID:              84532,
		CreditManagerAddress: testCreditManager,
		AssetAddress:         testAsset,
	}, WithClient(client))
	require.NoError(t, err)
	return a
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "missing RPC URL",
			cfg:     Config{PrivateKey: testPrivateKey, ChainID: 84532, CreditManagerAddress: testCreditManager, AssetAddress: testAsset},
			wantErr: ErrRPCConnection,
		},
		{
			name:    "missing private key",
			cfg:     Config{RPCURL: "https://sepolia.base.org", ChainID: 84532, CreditManagerAddress: testCreditManager, AssetAddress: testAsset},
			wantErr: ErrInvalidPrivateKey,
		},
		{
			name:    "invalid private key hex",
			cfg:     Config{RPCURL: "https://sepolia.base.org", PrivateKey: "not-hex", ChainID: 84532, CreditManagerAddress: testCreditManager, AssetAddress: testAsset},
			wantErr: ErrInvalidPrivateKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNew_AcceptsPrefixedPrivateKey(t *testing.T) {
	a, err := New(Config{
		RPCURL:               "https://sepolia.base.org",
		PrivateKey:           "0x" + testPrivateKey,
		ChainID:              84532,
		CreditManagerAddress: testCreditManager,
		AssetAddress:         testAsset,
	}, WithClient(&fakeEthClient{}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.Address(), "0x"))
}

func TestAddress_DerivedFromPrivateKey(t *testing.T) {
	a := newTestAdapter(t, &fakeEthClient{})
	assert.NotEmpty(t, a.Address())
	assert.True(t, strings.HasPrefix(a.Address(), "0x"))
}

func TestClose_ClosesUnderlyingClient(t *testing.T) {
	fake := &fakeEthClient{}
	a := newTestAdapter(t, fake)
	require.NoError(t, a.Close())
	assert.True(t, fake.closed)
}

func TestGetMerchant(t *testing.T) {
	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	require.NoError(t, err)

	wantStake := big.NewInt(1_000_000)
	wantLimit := big.NewInt(5_000_000)
	wantExposure := big.NewInt(250_000)
	packed, err := creditABI.Methods["getMerchant"].Outputs.Pack(wantStake, wantLimit, wantExposure, "agent-1", "https://merchant.example", true)
	require.NoError(t, err)

	fake := &fakeEthClient{
		callContract: func(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			assert.Equal(t, common.HexToAddress(testCreditManager), *call.To)
			return packed, nil
		},
	}
	a := newTestAdapter(t, fake)

	m, err := a.GetMerchant(context.Background(), "0xmerchant")
	require.NoError(t, err)
	assert.Equal(t, 0, wantStake.Cmp(m.Stake))
	assert.Equal(t, 0, wantLimit.Cmp(m.CreditLimit))
	assert.Equal(t, 0, wantExposure.Cmp(m.Exposure))
	assert.Equal(t, "agent-1", m.AgentID)
	assert.Equal(t, "https://merchant.example", m.Endpoint)
	assert.True(t, m.Active)
}

func TestGetMerchant_CallError(t *testing.T) {
	fake := &fakeEthClient{
		callContract: func(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return nil, errors.New("connection refused")
		},
	}
	a := newTestAdapter(t, fake)

	_, err := a.GetMerchant(context.Background(), "0xmerchant")
	require.Error(t, err)
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "getMerchant", le.Op)
}

func TestGetMerchantSkills(t *testing.T) {
	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	require.NoError(t, err)

	packed, err := creditABI.Methods["getMerchantSkills"].Outputs.Pack([]string{"translate", "summarize"})
	require.NoError(t, err)

	fake := &fakeEthClient{
		callContract: func(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return packed, nil
		},
	}
	a := newTestAdapter(t, fake)

	skills, err := a.GetMerchantSkills(context.Background(), "0xmerchant")
	require.NoError(t, err)
	assert.Equal(t, []string{"translate", "summarize"}, skills)
}

func TestAllowance(t *testing.T) {
	assetABIParsed, err := abi.JSON(strings.NewReader(assetABI))
	require.NoError(t, err)

	want := big.NewInt(42_000_000)
	packed, err := assetABIParsed.Methods["allowance"].Outputs.Pack(want)
	require.NoError(t, err)

	fake := &fakeEthClient{
		callContract: func(ctx context.Context, call gethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			assert.Equal(t, common.HexToAddress(testAsset), *call.To)
			return packed, nil
		},
	}
	a := newTestAdapter(t, fake)

	got, err := a.Allowance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, want.Cmp(got))
}

func TestApprove_SendsSignedTransaction(t *testing.T) {
	fake := &fakeEthClient{}
	a := newTestAdapter(t, fake)

	txHash, err := a.Approve(context.Background(), big.NewInt(100_000))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(txHash, "0x"))
	require.Len(t, fake.sentTxs, 1)
	assert.Equal(t, common.HexToAddress(testAsset), *fake.sentTxs[0].To())
}

func TestSend_WriteMethods(t *testing.T) {
	tests := []struct {
		name   string
		call   func(a *Adapter) (string, error)
		wantTo string
	}{
		{
			name:   "SubscribeFor",
			call:   func(a *Adapter) (string, error) { return a.SubscribeFor(context.Background(), "0xmerchant", big.NewInt(1000), "agent-1", "https://m.example", []string{"translate"}) },
			wantTo: testCreditManager,
		},
		{
			name:   "SetCreditLimit",
			call:   func(a *Adapter) (string, error) { return a.SetCreditLimit(context.Background(), "0xmerchant", big.NewInt(5000)) },
			wantTo: testCreditManager,
		},
		{
			name:   "RecordPayment",
			call:   func(a *Adapter) (string, error) { return a.RecordPayment(context.Background(), "0xmerchant", big.NewInt(10)) },
			wantTo: testCreditManager,
		},
		{
			name:   "ClearExposure",
			call:   func(a *Adapter) (string, error) { return a.ClearExposure(context.Background(), "0xmerchant", big.NewInt(10)) },
			wantTo: testCreditManager,
		},
		{
			name:   "Slash",
			call:   func(a *Adapter) (string, error) { return a.Slash(context.Background(), "0xmerchant", "0xclient", big.NewInt(500)) },
			wantTo: testCreditManager,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEthClient{}
			a := newTestAdapter(t, fake)

			txHash, err := tt.call(a)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(txHash, "0x"))
			require.Len(t, fake.sentTxs, 1)
			assert.Equal(t, common.HexToAddress(tt.wantTo), *fake.sentTxs[0].To())
		})
	}
}

func TestSend_NonceError(t *testing.T) {
	fake := &fakeEthClient{
		pendingNonce: func(ctx context.Context, account common.Address) (uint64, error) {
			return 0, errors.New("rpc down")
		},
	}
	a := newTestAdapter(t, fake)

	_, err := a.Approve(context.Background(), big.NewInt(1))
	require.Error(t, err)
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "nonce", le.Op)
}

func TestSend_GasPriceError(t *testing.T) {
	fake := &fakeEthClient{
		suggestGasPrice: func(ctx context.Context) (*big.Int, error) {
			return nil, errors.New("rpc down")
		},
	}
	a := newTestAdapter(t, fake)

	_, err := a.Approve(context.Background(), big.NewInt(1))
	require.Error(t, err)
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "gas_price", le.Op)
}

func TestSend_EstimateGasFailureFallsBackToDefault(t *testing.T) {
	fake := &fakeEthClient{
		estimateGas: func(ctx context.Context, call gethereum.CallMsg) (uint64, error) {
			return 0, errors.New("execution reverted")
		},
	}
	a := newTestAdapter(t, fake)

	_, err := a.Approve(context.Background(), big.NewInt(1))
	require.NoError(t, err)
	require.Len(t, fake.sentTxs, 1)
	assert.Equal(t, DefaultGasLimit, fake.sentTxs[0].Gas())
}

func TestSend_BroadcastError(t *testing.T) {
	fake := &fakeEthClient{
		sendTransaction: func(ctx context.Context, tx *types.Transaction) error {
			return errors.New("nonce too low")
		},
	}
	a := newTestAdapter(t, fake)

	_, err := a.Approve(context.Background(), big.NewInt(1))
	require.Error(t, err)
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "send", le.Op)
}

func TestWaitForConfirmation_Success(t *testing.T) {
	if testing.Short() {
		t.Skip("polls on a fixed interval")
	}
	fake := &fakeEthClient{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: 1}, nil
		},
	}
	a := newTestAdapter(t, fake)

	err := a.WaitForConfirmation(context.Background(), "0xabc", 5*time.Second)
	assert.NoError(t, err)
}

func TestWaitForConfirmation_Reverted(t *testing.T) {
	if testing.Short() {
		t.Skip("polls on a fixed interval")
	}
	fake := &fakeEthClient{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return &types.Receipt{Status: 0}, nil
		},
	}
	a := newTestAdapter(t, fake)

	err := a.WaitForConfirmation(context.Background(), "0xabc", 5*time.Second)
	require.Error(t, err)
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "confirm", le.Op)
}

func TestWaitForConfirmation_Timeout(t *testing.T) {
	fake := &fakeEthClient{
		transactionReceipt: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return nil, errors.New("not found")
		},
	}
	a := newTestAdapter(t, fake)

	err := a.WaitForConfirmation(context.Background(), "0xabc", 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func buildLog(t *testing.T, creditABI abi.ABI, kind EventKind, topics []common.Hash, args ...interface{}) types.Log {
	t.Helper()
	data, err := creditABI.Events[string(kind)].Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Topics:      topics,
		Data:        data,
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xdeadbeef"),
	}
}

func TestDecodeEvent_Subscribed(t *testing.T) {
	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	require.NoError(t, err)
	a := newTestAdapter(t, &fakeEthClient{})

	merchant := common.HexToAddress("0x1111111111111111111111111111111111111a")
	l := buildLog(t, creditABI, EventSubscribed,
		[]common.Hash{creditABI.Events["Subscribed"].ID, common.BytesToHash(merchant.Bytes())},
		big.NewInt(1_000_000), "agent-1")

	ev, err := a.decodeEvent(EventSubscribed, l)
	require.NoError(t, err)
	assert.Equal(t, merchant.Hex(), ev.Merchant)
	assert.Equal(t, 0, big.NewInt(1_000_000).Cmp(ev.Amount))
	assert.Equal(t, "agent-1", ev.AgentID)
}

func TestDecodeEvent_ExposureIncreasedAndCleared(t *testing.T) {
	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	require.NoError(t, err)
	a := newTestAdapter(t, &fakeEthClient{})

	merchant := common.HexToAddress("0x2222222222222222222222222222222222222b")
	for _, kind := range []EventKind{EventExposureIncreased, EventExposureCleared} {
		l := buildLog(t, creditABI, kind,
			[]common.Hash{creditABI.Events[string(kind)].ID, common.BytesToHash(merchant.Bytes())},
			big.NewInt(250_000))

		ev, err := a.decodeEvent(kind, l)
		require.NoError(t, err)
		assert.Equal(t, merchant.Hex(), ev.Merchant)
		assert.Equal(t, 0, big.NewInt(250_000).Cmp(ev.Amount))
	}
}

func TestDecodeEvent_Slashed(t *testing.T) {
	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	require.NoError(t, err)
	a := newTestAdapter(t, &fakeEthClient{})

	merchant := common.HexToAddress("0x3333333333333333333333333333333333333c")
	client := common.HexToAddress("0x4444444444444444444444444444444444444d")
	l := buildLog(t, creditABI, EventSlashed,
		[]common.Hash{creditABI.Events["Slashed"].ID, common.BytesToHash(merchant.Bytes()), common.BytesToHash(client.Bytes())},
		big.NewInt(750_000))

	ev, err := a.decodeEvent(EventSlashed, l)
	require.NoError(t, err)
	assert.Equal(t, merchant.Hex(), ev.Merchant)
	assert.Equal(t, client.Hex(), ev.Client)
	assert.Equal(t, 0, big.NewInt(750_000).Cmp(ev.Amount))
}

func TestDecodeEvent_MalformedLogMissingTopics(t *testing.T) {
	a := newTestAdapter(t, &fakeEthClient{})
	_, err := a.decodeEvent(EventSubscribed, types.Log{Topics: []common.Hash{{}}})
	assert.Error(t, err)
}

func TestQueryEvents_PagesInChunksAndSkipsFailedChunk(t *testing.T) {
	creditABI, err := abi.JSON(strings.NewReader(creditManagerABI))
	require.NoError(t, err)

	merchant := common.HexToAddress("0x5555555555555555555555555555555555555e")
	goodLog := buildLog(t, creditABI, EventExposureCleared,
		[]common.Hash{creditABI.Events["ExposureCleared"].ID, common.BytesToHash(merchant.Bytes())},
		big.NewInt(1))

	var calls []gethereum.FilterQuery
	fake := &fakeEthClient{
		filterLogs: func(ctx context.Context, q gethereum.FilterQuery) ([]types.Log, error) {
			calls = append(calls, q)
			// Fail the first full-width chunk [0,999]; succeed on everything else,
			// including the retry at half-range.
			if q.FromBlock.Uint64() == 0 && q.ToBlock.Uint64() == 999 {
				return nil, errors.New("rpc overloaded")
			}
			return []types.Log{goodLog}, nil
		},
	}
	a := newTestAdapter(t, fake)

	events, err := a.QueryEvents(context.Background(), EventExposureCleared, 0, 1999, 1000)
	require.NoError(t, err)

	// First chunk [0,999] fails, retried at [0,499] and succeeds; second
	// chunk [1000,1999] succeeds outright.
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Len(t, events, 2)
}

func TestQueryEvents_DefaultsChunkSize(t *testing.T) {
	var calls []gethereum.FilterQuery
	fake := &fakeEthClient{
		filterLogs: func(ctx context.Context, q gethereum.FilterQuery) ([]types.Log, error) {
			calls = append(calls, q)
			return nil, nil
		},
	}
	a := newTestAdapter(t, fake)

	_, err := a.QueryEvents(context.Background(), EventSlashed, 0, 1999, 0)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, uint64(1999), calls[0].ToBlock.Uint64())
}

func TestLedgerError(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	le := &LedgerError{Op: "getMerchant", Err: inner}
	assert.Contains(t, le.Error(), "getMerchant")
	assert.Contains(t, le.Error(), "connection refused")
	assert.ErrorIs(t, le, inner)
}
