// Package clearing implements the Clearing Core: the single-writer state
// machine that handles Subscribe, Quote, Settle, Slash, PaymentDetected,
// and the periodic deadline sweep, driving the Credit Manager Adapter and
// Registry while enforcing the clearinghouse's invariants.
//
// All Registry mutations and all control-plane sequencing are serialized
// through a dedicated worker consuming a command channel — the first of
// the two options the specification allows (a single mutex covering the
// read-on-ledger/decide/write-on-ledger/mutate-Registry critical section
// being the other). A channel was chosen because the Core's operations
// already look like discrete messages (Subscribe/Settle/Slash/PaymentDetected
// requests, a periodic DeadlineTick) rather than a shared data structure
// multiple call sites reach into directly.
package clearing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/capGoblin/aegis402/internal/chainwatch"
	"github.com/capGoblin/aegis402/internal/creditmgr"
	"github.com/capGoblin/aegis402/internal/metrics"
	"github.com/capGoblin/aegis402/internal/money"
	"github.com/capGoblin/aegis402/internal/registry"
	"github.com/capGoblin/aegis402/internal/reputation"
	"github.com/capGoblin/aegis402/internal/traces"
)

// Sentinel messages surfaced verbatim to HTTP callers, matching spec.md's
// exact wording where one is given.
const (
	MsgPaymentNotFound       = "Payment record not found"
	MsgDeadlineNotPassed     = "Deadline not yet passed. Wait %d seconds"
	MsgUnauthorizedSlash     = "Only the original client can slash"
	MsgAlreadyStatus         = "Payment already %s"
	SelfTransferPurposeStake = "stake"
)

// CreditOps is the narrow contract the Core needs from the Credit Manager
// Adapter, so tests can substitute an in-memory fake.
type CreditOps interface {
	GetMerchant(ctx context.Context, addr string) (*creditmgr.Merchant, error)
	GetMerchantSkills(ctx context.Context, addr string) ([]string, error)
	Approve(ctx context.Context, amount *big.Int) (string, error)
	Allowance(ctx context.Context) (*big.Int, error)
	SubscribeFor(ctx context.Context, addr string, stake *big.Int, agentID, endpoint string, skills []string) (string, error)
	SetCreditLimit(ctx context.Context, addr string, limit *big.Int) (string, error)
	RecordPayment(ctx context.Context, addr string, amount *big.Int) (string, error)
	ClearExposure(ctx context.Context, addr string, amount *big.Int) (string, error)
	Slash(ctx context.Context, addr, client string, amount *big.Int) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) error
	QueryEvents(ctx context.Context, kind creditmgr.EventKind, fromBlock, toBlock, chunkSize uint64) ([]creditmgr.Event, error)
	Address() string
	BreakerStates() map[string]string
}

// WatchSet is the narrow contract the Core needs from the Chain Watcher.
type WatchSet interface {
	Watch(addr string)
	FindTransfer(ctx context.Context, to string, amount *big.Int, endBlock, lookback uint64) (*chainwatch.Transfer, error)
}

// Config bounds the Core's behavior.
type Config struct {
	ReputationMin        float64
	ReputationMax        float64
	DefaultDeadline      time.Duration
	DeadlineTick         time.Duration
	SettlingDelay        time.Duration // step 5's "bounded settling delay"
	RecoveryLookback     uint64
	RecoveryChunkSize    uint64
	ConfirmationTimeout  time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		ReputationMin:       0.5,
		ReputationMax:       3.0,
		DefaultDeadline:     3600 * time.Second,
		DeadlineTick:        30 * time.Second,
		SettlingDelay:       2 * time.Second,
		RecoveryLookback:    5,
		RecoveryChunkSize:   2000,
		ConfirmationTimeout: 30 * time.Second,
	}
}

// Core is the single-writer Clearing Core.
type Core struct {
	reg        *registry.Registry
	credit     CreditOps
	watch      WatchSet
	reputation reputation.Reader
	logger     *slog.Logger
	cfg        Config

	agentAddress string // the clearinghouse's own signing address

	cmds chan func(ctx context.Context)
	done chan struct{}

	tickRunning bool // guards against DeadlineTick re-entry

	sink func(eventType string, data map[string]interface{})
}

// New constructs a Core. Call Run to start its single-writer worker.
func New(reg *registry.Registry, credit CreditOps, watch WatchSet, rep reputation.Reader, logger *slog.Logger, cfg Config) *Core {
	return &Core{
		reg:          reg,
		credit:       credit,
		watch:        watch,
		reputation:   rep,
		logger:       logger,
		cfg:          cfg,
		agentAddress: strings.ToLower(credit.Address()),
		cmds:         make(chan func(ctx context.Context), 64),
		done:         make(chan struct{}),
	}
}

// Run starts the single-writer worker and the deadline ticker. It blocks
// until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.DeadlineTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn(ctx)
		case <-ticker.C:
			c.enqueueDeadlineTick(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (c *Core) Wait() { <-c.done }

// Address returns the clearinghouse's own signing address, lowercased.
func (c *Core) Address() string { return c.agentAddress }

// CreditHealth snapshots the Credit Manager Adapter's per-RPC-method
// circuit breaker state, for the /health endpoint.
func (c *Core) CreditHealth() map[string]string { return c.credit.BreakerStates() }

// OnEvent registers a sink notified on every committed lifecycle event
// (subscribed, payment_detected, settled, slashed, expired). Intended to be
// called once, before Run, to wire the realtime feed; nil by default.
func (c *Core) OnEvent(sink func(eventType string, data map[string]interface{})) {
	c.sink = sink
}

func (c *Core) emit(eventType string, data map[string]interface{}) {
	if c.sink != nil {
		c.sink(eventType, data)
	}
}

// submit enqueues fn on the single-writer path and blocks for its result.
func submit[T any](ctx context.Context, c *Core, fn func(ctx context.Context) T) (T, error) {
	result := make(chan T, 1)
	select {
	case c.cmds <- func(ctx context.Context) { result <- fn(ctx) }:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Subscribe — §4.4.1
// ---------------------------------------------------------------------------

// SubscribeRequest carries the caller-supplied and externally-verified
// inputs to Subscribe.
type SubscribeRequest struct {
	MerchantAddr string
	Endpoint     string
	Skills       []string
	AgentID      string
	StakeAmount  *big.Int
}

// SubscribeResult is the outcome of Subscribe.
type SubscribeResult struct {
	Success     bool
	Merchant    string
	Stake       string
	CreditLimit string
	Message     string
}

// Subscribe runs the full seven-step subscribe procedure on the Core's
// single-writer path.
func (c *Core) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResult, error) {
	return submit(ctx, c, func(ctx context.Context) SubscribeResult {
		return c.subscribe(ctx, req)
	})
}

func (c *Core) subscribe(ctx context.Context, req SubscribeRequest) SubscribeResult {
	ctx, span := traces.StartSpan(ctx, "clearing.Subscribe",
		traces.MerchantAddr(req.MerchantAddr), traces.Amount(money.Format(req.StakeAmount)))
	defer span.End()

	// 1. Read rho.
	rho, err := c.reputation.Get(ctx, req.AgentID, req.MerchantAddr)
	if err != nil {
		span.RecordError(err)
		metrics.SubscriptionsTotal.WithLabelValues("reputation_error").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("reputation lookup failed: %v", err)}
	}
	rho = reputation.Clamp(rho, c.cfg.ReputationMin, c.cfg.ReputationMax)

	// 2. Compute credit_limit = floor(stake * rho), via an integer permille
	// representation so the figure is exactly reproducible on-ledger.
	creditLimit := creditLimitFor(req.StakeAmount, rho)

	// 3. Approve the Credit Manager to pull stake_amount, wait, verify allowance.
	approveTx, err := c.credit.Approve(ctx, req.StakeAmount)
	if err != nil {
		span.RecordError(err)
		metrics.SubscriptionsTotal.WithLabelValues("approve_failed").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("approve failed: %v", err)}
	}
	if err := c.credit.WaitForConfirmation(ctx, approveTx, c.cfg.ConfirmationTimeout); err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("approve_unconfirmed").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("approve not confirmed: %v", err)}
	}
	allowance, err := c.credit.Allowance(ctx)
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("allowance_read_failed").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("allowance read failed: %v", err)}
	}
	if allowance.Cmp(req.StakeAmount) < 0 {
		span.SetStatus(codes.Error, "allowance insufficient")
		metrics.SubscriptionsTotal.WithLabelValues("allowance_insufficient").Inc()
		return SubscribeResult{Success: false, Message: "allowance below requested stake after approval"}
	}

	// 4. subscribe_for if not already active.
	onChain, err := c.credit.GetMerchant(ctx, req.MerchantAddr)
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("read_failed").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("failed to read merchant state: %v", err)}
	}
	if !onChain.Active {
		subTx, err := c.credit.SubscribeFor(ctx, req.MerchantAddr, req.StakeAmount, req.AgentID, req.Endpoint, req.Skills)
		if err != nil {
			span.RecordError(err)
			metrics.SubscriptionsTotal.WithLabelValues("subscribe_for_failed").Inc()
			return SubscribeResult{Success: false, Message: fmt.Sprintf("subscribeFor failed: %v", err)}
		}
		if err := c.credit.WaitForConfirmation(ctx, subTx, c.cfg.ConfirmationTimeout); err != nil {
			metrics.SubscriptionsTotal.WithLabelValues("subscribe_for_unconfirmed").Inc()
			return SubscribeResult{Success: false, Message: fmt.Sprintf("subscribeFor not confirmed: %v", err)}
		}
	}

	// 5. After a bounded settling delay, set the credit limit.
	select {
	case <-time.After(c.cfg.SettlingDelay):
	case <-ctx.Done():
		return SubscribeResult{Success: false, Message: "cancelled during settling delay"}
	}
	limitTx, err := c.credit.SetCreditLimit(ctx, req.MerchantAddr, creditLimit)
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("set_credit_limit_failed").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("setCreditLimit failed: %v", err)}
	}
	if err := c.credit.WaitForConfirmation(ctx, limitTx, c.cfg.ConfirmationTimeout); err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("set_credit_limit_unconfirmed").Inc()
		return SubscribeResult{Success: false, Message: fmt.Sprintf("setCreditLimit not confirmed: %v", err)}
	}

	// 6. Insert/overwrite Registry entry, update skill index, extend watch-set.
	skillSet := make(map[string]struct{}, len(req.Skills))
	for _, s := range req.Skills {
		skillSet[s] = struct{}{}
	}
	c.reg.UpsertMerchant(&registry.Merchant{
		Address:      req.MerchantAddr,
		AgentID:      req.AgentID,
		Endpoint:     req.Endpoint,
		Skills:       skillSet,
		Stake:        req.StakeAmount.String(),
		CreditLimit:  creditLimit.String(),
		Exposure:     "0",
		Active:       true,
		RegisteredAt: registry.Now(),
	})
	c.watch.Watch(req.MerchantAddr)

	metrics.SubscriptionsTotal.WithLabelValues("success").Inc()
	c.emit("subscribed", map[string]interface{}{
		"merchant":     strings.ToLower(req.MerchantAddr),
		"agent_id":     req.AgentID,
		"endpoint":     req.Endpoint,
		"stake":        req.StakeAmount.String(),
		"credit_limit": creditLimit.String(),
		"rep_factor":   rho,
	})

	// 7. Return success.
	return SubscribeResult{
		Success:     true,
		Merchant:    strings.ToLower(req.MerchantAddr),
		Stake:       req.StakeAmount.String(),
		CreditLimit: creditLimit.String(),
		Message:     fmt.Sprintf("Subscribed with repFactor %.3f", rho),
	}
}

// creditLimitFor computes floor(stake * rho) using an integer permille
// representation of rho so the result is exactly reproducible — see
// DESIGN.md's Open Question 2 resolution.
func creditLimitFor(stake *big.Int, rho float64) *big.Int {
	permille := big.NewInt(int64(math.Round(rho * 1000)))
	num := new(big.Int).Mul(stake, permille)
	return num.Div(num, big.NewInt(1000))
}

// ---------------------------------------------------------------------------
// Quote — §4.4.2 (pure, concurrent with other Quotes — not on the
// single-writer path)
// ---------------------------------------------------------------------------

// QuotedMerchant is one entry in a Quote response.
type QuotedMerchant struct {
	Address            string
	Endpoint           string
	AvailableCapacity  string
	RepFactor          float64
	Skills             []string
}

// Quote returns merchants offering skill with capacity >= price, sorted by
// capacity/price descending. It performs only reads and may run
// concurrently with other Quotes and with the single-writer path.
func (c *Core) Quote(ctx context.Context, skill string, price *big.Int) []QuotedMerchant {
	metrics.QuotesTotal.Inc()

	candidates := c.reg.MerchantsBySkill(skill)
	type scored struct {
		m        QuotedMerchant
		capacity *big.Int
	}
	var survivors []scored

	for _, m := range candidates {
		onChain, err := c.credit.GetMerchant(ctx, m.Address)
		if err != nil {
			c.logger.Warn("quote: failed to read merchant state, dropping", "merchant", m.Address, "error", err)
			continue
		}
		capacity := new(big.Int).Sub(onChain.CreditLimit, onChain.Exposure)
		if capacity.Cmp(price) < 0 {
			continue
		}
		rho, err := c.reputation.Get(ctx, m.AgentID, m.Address)
		if err != nil {
			c.logger.Warn("quote: reputation lookup failed, dropping", "merchant", m.Address, "error", err)
			continue
		}
		survivors = append(survivors, scored{
			m: QuotedMerchant{
				Address:           m.Address,
				Endpoint:          m.Endpoint,
				AvailableCapacity: capacity.String(),
				RepFactor:         reputation.Clamp(rho, c.cfg.ReputationMin, c.cfg.ReputationMax),
				Skills:            m.SkillList(),
			},
			capacity: capacity,
		})
	}

	if price.Sign() == 0 {
		// price == 0: capacity/price is undefined; keep stable input order.
		out := make([]QuotedMerchant, len(survivors))
		for i, s := range survivors {
			out[i] = s.m
		}
		return out
	}

	priceF := new(big.Float).SetInt(price)
	sort.SliceStable(survivors, func(i, j int) bool {
		ri := new(big.Float).Quo(new(big.Float).SetInt(survivors[i].capacity), priceF)
		rj := new(big.Float).Quo(new(big.Float).SetInt(survivors[j].capacity), priceF)
		return ri.Cmp(rj) > 0
	})

	out := make([]QuotedMerchant, len(survivors))
	for i, s := range survivors {
		out[i] = s.m
	}
	return out
}

// ---------------------------------------------------------------------------
// PaymentDetected — §4.4.3
// ---------------------------------------------------------------------------

// OnTransfer is the Chain Watcher callback — it enqueues PaymentDetected
// onto the single-writer path without blocking the poll loop.
func (c *Core) OnTransfer(ctx context.Context, t chainwatch.Transfer) {
	select {
	case c.cmds <- func(ctx context.Context) { c.paymentDetected(ctx, t) }:
	case <-ctx.Done():
	}
}

func (c *Core) paymentDetected(ctx context.Context, t chainwatch.Transfer) {
	ctx, span := traces.StartSpan(ctx, "clearing.PaymentDetected",
		traces.TxHash(t.TxHash), traces.MerchantAddr(t.To), traces.Amount(money.Format(t.Amount)))
	defer span.End()

	from := strings.ToLower(t.From)
	to := strings.ToLower(t.To)

	// 1. Self-initiated (stake forwarding) — drop.
	if from == c.agentAddress {
		return
	}

	// 2. Unknown merchant — drop.
	m, ok := c.reg.GetMerchant(to)
	if !ok {
		return
	}

	// 3. Duplicate — drop (idempotence).
	if c.reg.HasPayment(t.TxHash) {
		return
	}

	// 4. record_payment; on failure, log and drop.
	if _, err := c.credit.RecordPayment(ctx, to, t.Amount); err != nil {
		span.RecordError(err)
		c.logger.Warn("payment detected but record_payment failed, dropping",
			"merchant", to, "tx", t.TxHash, "amount", money.Format(t.Amount), "error", err)
		metrics.PaymentsDetectedTotal.WithLabelValues("ledger_error").Inc()
		return
	}

	// 5. Insert Payment and increment local exposure.
	deadline := t.Timestamp + int64(c.cfg.DefaultDeadline/time.Second)
	p := &registry.Payment{
		TxHash:    t.TxHash,
		Merchant:  to,
		Client:    from,
		Amount:    t.Amount.String(),
		Deadline:  deadline,
		Status:    registry.StatusPending,
		CreatedAt: t.Timestamp,
	}
	if err := c.reg.InsertPayment(p); err != nil {
		c.logger.Error("payment recorded on-ledger but failed to insert locally", "tx", t.TxHash, "error", err)
		metrics.PaymentsDetectedTotal.WithLabelValues("registry_error").Inc()
		return
	}
	if err := c.reg.AdjustExposure(m.Address, t.Amount); err != nil {
		c.logger.Error("failed to adjust local exposure after recorded payment", "tx", t.TxHash, "error", err)
	}

	metrics.PaymentsDetectedTotal.WithLabelValues("recorded").Inc()
	c.emit("payment_detected", map[string]interface{}{
		"tx_hash":  t.TxHash,
		"merchant": to,
		"client":   from,
		"amount":   t.Amount.String(),
	})
}

// ---------------------------------------------------------------------------
// Settle — §4.4.4
// ---------------------------------------------------------------------------

// SettleResult is the outcome of Settle.
type SettleResult struct {
	Success  bool
	Merchant string
	Amount   string
	Message  string
}

// Settle clears exposure for a pending payment. Caller-agnostic — any
// holder of tx_hash may settle, per the spec's monotone-exposure argument.
func (c *Core) Settle(ctx context.Context, txHash string) (SettleResult, error) {
	return submit(ctx, c, func(ctx context.Context) SettleResult {
		return c.settle(ctx, txHash)
	})
}

func (c *Core) settle(ctx context.Context, txHash string) SettleResult {
	ctx, span := traces.StartSpan(ctx, "clearing.Settle", traces.TxHash(txHash))
	defer span.End()

	p, ok := c.reg.GetPayment(txHash)
	if !ok {
		span.SetStatus(codes.Error, MsgPaymentNotFound)
		metrics.SettlementsTotal.WithLabelValues("not_found").Inc()
		return SettleResult{Success: false, Message: MsgPaymentNotFound}
	}
	if p.Status != registry.StatusPending {
		metrics.SettlementsTotal.WithLabelValues("already_terminal").Inc()
		return SettleResult{Success: false, Message: fmt.Sprintf(MsgAlreadyStatus, p.Status)}
	}

	amount, _ := new(big.Int).SetString(p.Amount, 10)
	if _, err := c.credit.ClearExposure(ctx, p.Merchant, amount); err != nil {
		span.RecordError(err)
		metrics.SettlementsTotal.WithLabelValues("ledger_error").Inc()
		return SettleResult{Success: false, Message: fmt.Sprintf("ledger error: %v", err)}
	}

	if err := c.reg.UpdatePaymentStatus(txHash, registry.StatusSettled); err != nil {
		c.logger.Error("settled on-ledger but failed to update local status", "tx", txHash, "error", err)
	}
	if err := c.reg.AdjustExposure(p.Merchant, new(big.Int).Neg(amount)); err != nil {
		c.logger.Error("failed to adjust local exposure after settle", "tx", txHash, "error", err)
	}

	metrics.SettlementsTotal.WithLabelValues("success").Inc()
	c.emit("settled", map[string]interface{}{
		"tx_hash":  txHash,
		"merchant": p.Merchant,
		"amount":   p.Amount,
	})
	return SettleResult{Success: true, Merchant: p.Merchant, Amount: p.Amount}
}

// ---------------------------------------------------------------------------
// Slash — §4.4.5
// ---------------------------------------------------------------------------

// SlashResult is the outcome of Slash.
type SlashResult struct {
	Success       bool
	Merchant      string
	Client        string
	SlashedAmount string
	RefundTx      string
	Message       string
}

// Slash burns merchant stake and refunds the original client, once the
// payment's deadline has passed.
func (c *Core) Slash(ctx context.Context, txHash, clientAddr string) (SlashResult, error) {
	return submit(ctx, c, func(ctx context.Context) SlashResult {
		return c.slash(ctx, txHash, clientAddr)
	})
}

func (c *Core) slash(ctx context.Context, txHash, clientAddr string) SlashResult {
	ctx, span := traces.StartSpan(ctx, "clearing.Slash", traces.TxHash(txHash), traces.ClientAddr(clientAddr))
	defer span.End()

	p, ok := c.reg.GetPayment(txHash)
	if !ok {
		span.SetStatus(codes.Error, MsgPaymentNotFound)
		metrics.SlashesTotal.WithLabelValues("not_found").Inc()
		return SlashResult{Success: false, Message: MsgPaymentNotFound}
	}
	if p.Status != registry.StatusPending {
		metrics.SlashesTotal.WithLabelValues("already_terminal").Inc()
		return SlashResult{Success: false, Message: fmt.Sprintf(MsgAlreadyStatus, p.Status)}
	}
	now := registry.Now()
	if now < p.Deadline {
		metrics.SlashesTotal.WithLabelValues("deadline_not_passed").Inc()
		return SlashResult{Success: false, Message: fmt.Sprintf(MsgDeadlineNotPassed, p.Deadline-now)}
	}
	if strings.ToLower(p.Client) != strings.ToLower(clientAddr) {
		metrics.SlashesTotal.WithLabelValues("unauthorized").Inc()
		return SlashResult{Success: false, Message: MsgUnauthorizedSlash}
	}

	amount, _ := new(big.Int).SetString(p.Amount, 10)
	refundTx, err := c.credit.Slash(ctx, p.Merchant, clientAddr, amount)
	if err != nil {
		span.RecordError(err)
		metrics.SlashesTotal.WithLabelValues("ledger_error").Inc()
		return SlashResult{Success: false, Message: fmt.Sprintf("ledger error: %v", err)}
	}

	if err := c.reg.UpdatePaymentStatus(txHash, registry.StatusSlashed); err != nil {
		c.logger.Error("slashed on-ledger but failed to update local status", "tx", txHash, "error", err)
	}
	if err := c.reg.AdjustExposure(p.Merchant, new(big.Int).Neg(amount)); err != nil {
		c.logger.Error("failed to adjust local exposure after slash", "tx", txHash, "error", err)
	}
	if err := c.reg.AdjustStake(p.Merchant, new(big.Int).Neg(amount)); err != nil {
		c.logger.Error("failed to adjust local stake after slash", "tx", txHash, "error", err)
	}

	metrics.SlashesTotal.WithLabelValues("success").Inc()
	c.emit("slashed", map[string]interface{}{
		"tx_hash":        txHash,
		"merchant":       p.Merchant,
		"client":         p.Client,
		"slashed_amount": p.Amount,
		"refund_tx":      refundTx,
	})
	return SlashResult{
		Success:       true,
		Merchant:      p.Merchant,
		Client:        p.Client,
		SlashedAmount: p.Amount,
		RefundTx:      refundTx,
	}
}

// ---------------------------------------------------------------------------
// DeadlineTick — §4.4.6
// ---------------------------------------------------------------------------

func (c *Core) enqueueDeadlineTick(ctx context.Context) {
	// tickRunning is only touched on the Run goroutine: here, and inside the
	// queued closure once its sweep finishes.
	if c.tickRunning {
		c.logger.Warn("deadline tick skipped: previous tick still pending")
		return
	}
	select {
	case c.cmds <- func(ctx context.Context) {
		c.deadlineTick(ctx)
		c.tickRunning = false
	}:
		c.tickRunning = true
	default:
		// The command channel is full; skip this tick rather than pile up
		// re-entrant sweeps.
		c.logger.Warn("deadline tick skipped: command queue busy")
	}
}

func (c *Core) deadlineTick(ctx context.Context) {
	now := registry.Now()
	for _, p := range c.reg.PendingPayments() {
		if now < p.Deadline {
			continue
		}
		amount, _ := new(big.Int).SetString(p.Amount, 10)
		if _, err := c.credit.ClearExposure(ctx, p.Merchant, amount); err != nil {
			// Expected on a race lost to Slash — the ledger is the source
			// of truth and a concurrent slash() already cleared exposure.
			c.logger.Info("deadline sweep: clear_exposure failed, will retry next tick", "tx", p.TxHash, "error", err)
			continue
		}
		if err := c.reg.UpdatePaymentStatus(p.TxHash, registry.StatusExpired); err != nil {
			c.logger.Error("expired on-ledger but failed to update local status", "tx", p.TxHash, "error", err)
			continue
		}
		if err := c.reg.AdjustExposure(p.Merchant, new(big.Int).Neg(amount)); err != nil {
			c.logger.Error("failed to adjust local exposure after expiry", "tx", p.TxHash, "error", err)
		}
		metrics.ExpirationsTotal.Inc()
		c.emit("expired", map[string]interface{}{
			"tx_hash":  p.TxHash,
			"merchant": p.Merchant,
			"amount":   p.Amount,
		})
	}
}

// ---------------------------------------------------------------------------
// Recovery — §4.4.7
// ---------------------------------------------------------------------------

// Recover rebuilds the Registry from historical Credit Manager events. It
// is intended to run once at start-up, before Run's worker begins serving
// HTTP-driven operations, but it goes through the same submit() path so it
// composes cleanly with a process that starts Run first.
func (c *Core) Recover(ctx context.Context, fromBlock, toBlock uint64) error {
	_, err := submit(ctx, c, func(ctx context.Context) error {
		return c.recover(ctx, fromBlock, toBlock)
	})
	return err
}

func (c *Core) recover(ctx context.Context, fromBlock, toBlock uint64) error {
	chunk := c.cfg.RecoveryChunkSize
	if chunk == 0 {
		chunk = 2000
	}

	subscribed, err := c.credit.QueryEvents(ctx, creditmgr.EventSubscribed, fromBlock, toBlock, chunk)
	if err != nil {
		metrics.RecoveryErrorsTotal.Inc()
		c.logger.Error("recovery: failed to query Subscribed events", "error", err)
	}

	merchantsLoaded := 0
	for _, ev := range subscribed {
		onChain, err := c.credit.GetMerchant(ctx, ev.Merchant)
		if err != nil {
			metrics.RecoveryErrorsTotal.Inc()
			c.logger.Warn("recovery: failed to read merchant state, skipping", "merchant", ev.Merchant, "error", err)
			continue
		}
		if !onChain.Active {
			continue
		}
		skills, err := c.credit.GetMerchantSkills(ctx, ev.Merchant)
		if err != nil {
			metrics.RecoveryErrorsTotal.Inc()
			c.logger.Warn("recovery: failed to read merchant skills", "merchant", ev.Merchant, "error", err)
			skills = nil
		}
		skillSet := make(map[string]struct{}, len(skills))
		for _, s := range skills {
			skillSet[s] = struct{}{}
		}
		// Preserve any exposure already rebuilt by a prior recover() pass (or
		// live traffic since) — re-running recover over the same block range
		// must not reset it back to zero, only the ExposureIncreased replay
		// below should ever grow it.
		exposure := "0"
		registeredAt := registry.Now()
		if existing, ok := c.reg.GetMerchant(ev.Merchant); ok {
			exposure = existing.Exposure
			registeredAt = existing.RegisteredAt
		}
		c.reg.UpsertMerchant(&registry.Merchant{
			Address:      ev.Merchant,
			AgentID:      onChain.AgentID,
			Endpoint:     onChain.Endpoint,
			Skills:       skillSet,
			Stake:        onChain.Stake.String(),
			CreditLimit:  onChain.CreditLimit.String(),
			Exposure:     exposure,
			Active:       true,
			RegisteredAt: registeredAt,
		})
		c.watch.Watch(ev.Merchant)
		merchantsLoaded++
	}
	metrics.RecoveryMerchantsLoaded.Set(float64(merchantsLoaded))

	increased, err := c.credit.QueryEvents(ctx, creditmgr.EventExposureIncreased, fromBlock, toBlock, chunk)
	if err != nil {
		metrics.RecoveryErrorsTotal.Inc()
		c.logger.Error("recovery: failed to query ExposureIncreased events", "error", err)
	}

	paymentsLoaded := 0
	for _, ev := range increased {
		txHash := ev.TxHash
		client := c.agentAddress

		// Key by the originating Transfer hash when found (Open Question 1,
		// option (a)); otherwise fall back to the record-event hash with
		// client set to the clearinghouse's own address as a placeholder.
		if transfer, err := c.watch.FindTransfer(ctx, ev.Merchant, ev.Amount, ev.Block, c.cfg.RecoveryLookback); err == nil && transfer != nil {
			txHash = transfer.TxHash
			client = transfer.From
		}

		if c.reg.HasPayment(txHash) {
			continue // Recovery must not double-insert (invariant 5).
		}

		deadline := ev.Timestamp + int64(c.cfg.DefaultDeadline/time.Second)
		p := &registry.Payment{
			TxHash:    txHash,
			Merchant:  ev.Merchant,
			Client:    client,
			Amount:    ev.Amount.String(),
			Deadline:  deadline,
			Status:    registry.StatusPending,
			CreatedAt: ev.Timestamp,
		}
		if err := c.reg.InsertPayment(p); err != nil {
			continue
		}
		if err := c.reg.AdjustExposure(ev.Merchant, ev.Amount); err != nil {
			c.logger.Error("recovery: failed to adjust exposure", "merchant", ev.Merchant, "error", err)
		}
		paymentsLoaded++
	}
	metrics.RecoveryPaymentsLoaded.Set(float64(paymentsLoaded))

	c.logger.Info("recovery complete", "merchants", merchantsLoaded, "payments", paymentsLoaded)
	return nil
}
