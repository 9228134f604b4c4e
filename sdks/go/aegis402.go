// Package aegis402 is a minimal Go client SDK for agents that want to pay
// into, and query, an Aegis402 clearinghouse over its x402-gated HTTP
// surface. It deliberately depends on nothing beyond go-ethereum (for
// signing the on-chain stake/bond transfer) and the standard library, so
// embedding it in a third-party agent never pulls in the clearinghouse's
// own server stack.
package aegis402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// PaymentRequirement mirrors the clearinghouse's x402 requirement object
// (spec.md §6) field-for-field, so it round-trips through JSON untouched.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"pay_to"`
	MaxAmountRequired string `json:"max_amount_required"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MaxTimeoutSeconds int64  `json:"max_timeout_seconds"`
	Extra             struct {
		Purpose string `json:"purpose"`
	} `json:"extra"`
}

// PaymentRequiredResponse is the body of a 402 response.
type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// PaymentPayload is the proof-of-payment embedded in a retried request.
type PaymentPayload struct {
	TxHash    string `json:"tx_hash"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Merchant is the client-facing view of a registered merchant, matching
// GET /merchants.
type Merchant struct {
	Address      string   `json:"address"`
	AgentID      string   `json:"agent_id"`
	Endpoint     string   `json:"endpoint"`
	Skills       []string `json:"skills"`
	Stake        string   `json:"stake"`
	CreditLimit  string   `json:"credit_limit"`
	Exposure     string   `json:"exposure"`
	Active       bool     `json:"active"`
	RegisteredAt int64    `json:"registered_at"`
}

// QuotedMerchant is one entry of a POST /quote response.
type QuotedMerchant struct {
	Address           string `json:"address"`
	Endpoint          string `json:"endpoint"`
	AvailableCapacity string `json:"available_capacity"`
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Client talks to an Aegis402 clearinghouse over HTTP, paying any x402
// requirement it is quoted along the way.
type Client struct {
	baseURL    string
	httpClient *http.Client
	chainID    *big.Int
	ethClient  *ethclient.Client
	privKeyHex string
}

// New builds a Client. rpcURL/privateKeyHex are used to sign and broadcast
// the on-chain asset transfers the clearinghouse's 402 responses demand;
// privateKeyHex must be a hex-encoded secp256k1 key, with or without the
// 0x prefix.
func New(baseURL, rpcURL string, chainID int64, privateKeyHex string) (*Client, error) {
	ethClient, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("aegis402: failed to dial RPC: %w", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		chainID:    big.NewInt(chainID),
		ethClient:  ethClient,
		privKeyHex: strings.TrimPrefix(privateKeyHex, "0x"),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.ethClient.Close() }

// Quote asks the clearinghouse which merchants can serve skill at price.
func (c *Client) Quote(ctx context.Context, skill, price string) ([]QuotedMerchant, error) {
	var out struct {
		Merchants []QuotedMerchant `json:"merchants"`
	}
	err := c.postJSON(ctx, "/quote", map[string]string{"skill": skill, "price": price}, &out)
	return out.Merchants, err
}

// Merchants lists every active merchant the clearinghouse knows about.
func (c *Client) Merchants(ctx context.Context) ([]Merchant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/merchants", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aegis402: /merchants request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Merchants []Merchant `json:"merchants"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("aegis402: failed to parse /merchants response: %w", err)
	}
	return out.Merchants, nil
}

// SubscribeResult mirrors clearing.SubscribeResult's client-visible fields.
type SubscribeResult struct {
	Success     bool   `json:"success"`
	Merchant    string `json:"merchant"`
	CreditLimit string `json:"credit_limit"`
	Message     string `json:"message"`
}

// Subscribe registers as a merchant, paying the clearinghouse's required
// stake on first attempt: it sends the initial request unpaid, and on a
// 402 response signs and broadcasts the on-chain transfer the requirement
// names before retrying with the resulting payment submission embedded.
func (c *Client) Subscribe(ctx context.Context, endpoint, agentID string, skills []string) (*SubscribeResult, error) {
	body := map[string]interface{}{
		"endpoint": endpoint,
		"agent_id": agentID,
		"skills":   skills,
	}

	var out SubscribeResult
	paid, err := c.payAndRetry(ctx, "/subscribe", body, &out)
	if err != nil {
		return nil, err
	}
	if !paid && !out.Success {
		return nil, fmt.Errorf("aegis402: subscribe failed: %s", out.Message)
	}
	return &out, nil
}

// SlashResult mirrors clearing.SlashResult's client-visible fields.
type SlashResult struct {
	Success       bool   `json:"success"`
	Merchant      string `json:"merchant"`
	Client        string `json:"client"`
	SlashedAmount string `json:"slashed_amount"`
	Message       string `json:"message"`
}

// Slash reports a merchant that missed its settlement deadline, posting
// the anti-griefing bond the clearinghouse demands.
func (c *Client) Slash(ctx context.Context, txHash string) (*SlashResult, error) {
	body := map[string]interface{}{"tx_hash": txHash}

	var out SlashResult
	_, err := c.payAndRetry(ctx, "/slash", body, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// payAndRetry posts body to path; on a 402 it pays the first accepted
// requirement on-chain and retries once with the payment embedded.
func (c *Client) payAndRetry(ctx context.Context, path string, body map[string]interface{}, out interface{}) (paid bool, err error) {
	status, respBody, err := c.post(ctx, path, body)
	if err != nil {
		return false, err
	}
	if status != http.StatusPaymentRequired {
		if status >= 400 {
			return false, fmt.Errorf("aegis402: %s returned %d: %s", path, status, string(respBody))
		}
		return false, json.Unmarshal(respBody, out)
	}

	var required PaymentRequiredResponse
	if err := json.Unmarshal(respBody, &required); err != nil {
		return false, fmt.Errorf("aegis402: failed to parse 402 body: %w", err)
	}
	if len(required.Accepts) == 0 {
		return false, fmt.Errorf("aegis402: 402 response carried no payment requirements")
	}
	req := required.Accepts[0]

	payload, err := c.pay(ctx, req)
	if err != nil {
		return false, fmt.Errorf("aegis402: failed to satisfy payment requirement: %w", err)
	}

	body["payment_payload"] = payload
	body["requirements"] = req

	status, respBody, err = c.post(ctx, path, body)
	if err != nil {
		return true, err
	}
	if status >= 400 {
		return true, fmt.Errorf("aegis402: %s returned %d after payment: %s", path, status, string(respBody))
	}
	return true, json.Unmarshal(respBody, out)
}

// pay signs and broadcasts the asset transfer a PaymentRequirement names,
// returning the PaymentPayload proof once the transaction is submitted.
func (c *Client) pay(ctx context.Context, req PaymentRequirement) (PaymentPayload, error) {
	privateKey, err := crypto.HexToECDSA(c.privKeyHex)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("invalid private key: %w", err)
	}
	from := crypto.PubkeyToAddress(privateKey.PublicKey)

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return PaymentPayload{}, fmt.Errorf("invalid max_amount_required %q", req.MaxAmountRequired)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to parse asset ABI: %w", err)
	}
	data, err := parsedABI.Pack("transfer", common.HexToAddress(req.PayTo), amount)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to pack transfer: %w", err)
	}

	asset := common.HexToAddress(req.Asset)

	nonce, err := c.ethClient.PendingNonceAt(ctx, from)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to read nonce: %w", err)
	}
	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &asset, Value: big.NewInt(0), Data: data,
	})
	if err != nil {
		gasLimit = 100000
	}

	tx := types.NewTransaction(nonce, asset, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), privateKey)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	if err := c.waitMined(ctx, signedTx.Hash(), time.Duration(req.MaxTimeoutSeconds)*time.Second); err != nil {
		return PaymentPayload{}, err
	}

	return PaymentPayload{
		TxHash:    signedTx.Hash().Hex(),
		From:      from.Hex(),
		Timestamp: time.Now().Unix(),
	}, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s to mine", hash.Hex())
		case <-ticker.C:
			receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return nil
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	status, respBody, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("aegis402: %s returned %d: %s", path, status, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("aegis402: failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("aegis402: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("aegis402: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("aegis402: failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
