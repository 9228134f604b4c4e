// Package registry holds the clearinghouse's in-memory merchant and payment
// tables. It has no persistence of its own: all durable state lives on the
// value ledger and credit contract, and the registry is rebuilt by recovery
// on every process start.
package registry

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSettled PaymentStatus = "settled"
	StatusSlashed PaymentStatus = "slashed"
	StatusExpired PaymentStatus = "expired"
)

// IsTerminal reports whether the status never transitions further.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusSlashed || s == StatusExpired
}

// Merchant is one subscribed service agent, keyed by lowercased address.
type Merchant struct {
	Address      string
	AgentID      string
	Endpoint     string
	Skills       map[string]struct{}
	Stake        string // atomic units, base-10 integer string
	CreditLimit  string
	Exposure     string
	Active       bool
	RegisteredAt int64

	// LastSyncedAt records the last time on-ledger state was refreshed for
	// this merchant, for observability only; it plays no role in invariants.
	LastSyncedAt int64
}

// SkillList returns the merchant's skills as a sorted-free slice.
func (m *Merchant) SkillList() []string {
	out := make([]string, 0, len(m.Skills))
	for s := range m.Skills {
		out = append(out, s)
	}
	return out
}

// Payment is one observed client→merchant transfer.
type Payment struct {
	TxHash    string
	Merchant  string // lowercased address
	Client    string // lowercased address
	Amount    string // atomic units
	Deadline  int64
	Status    PaymentStatus
	CreatedAt int64
}

// Registry is the pure in-memory store: merchants, payments, and the skill
// index. All mutation goes through the Clearing Core's single-writer path;
// Registry itself only enforces map-shape invariants (address lowering,
// skill-index consistency), never business rules.
type Registry struct {
	mu sync.RWMutex

	merchants   map[string]*Merchant          // address_lower -> Merchant
	payments    map[string]*Payment           // tx_hash -> Payment
	skillIndex  map[string]map[string]struct{} // skill -> set<address_lower>
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		merchants:  make(map[string]*Merchant),
		payments:   make(map[string]*Payment),
		skillIndex: make(map[string]map[string]struct{}),
	}
}

func lower(addr string) string {
	return strings.ToLower(addr)
}

// UpsertMerchant inserts or overwrites a merchant entry and rebuilds its
// skill-index membership to match m.Skills/m.Active. The caller owns m and
// must not mutate it afterward; Registry takes a defensive copy internally.
func (r *Registry) UpsertMerchant(m *Merchant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := lower(m.Address)
	cp := *m
	cp.Address = addr
	cp.Skills = make(map[string]struct{}, len(m.Skills))
	for s := range m.Skills {
		cp.Skills[s] = struct{}{}
	}

	// Drop stale skill-index membership for this merchant before reinserting.
	for skill, set := range r.skillIndex {
		delete(set, addr)
		if len(set) == 0 {
			delete(r.skillIndex, skill)
		}
	}

	r.merchants[addr] = &cp

	if cp.Active {
		for skill := range cp.Skills {
			r.addSkillLocked(skill, addr)
		}
	}
}

func (r *Registry) addSkillLocked(skill, addrLower string) {
	set, ok := r.skillIndex[skill]
	if !ok {
		set = make(map[string]struct{})
		r.skillIndex[skill] = set
	}
	set[addrLower] = struct{}{}
}

// GetMerchant returns a copy of the merchant at addr, or (nil, false).
func (r *Registry) GetMerchant(addr string) (*Merchant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.merchants[lower(addr)]
	if !ok {
		return nil, false
	}
	return copyMerchant(m), true
}

func copyMerchant(m *Merchant) *Merchant {
	cp := *m
	cp.Skills = make(map[string]struct{}, len(m.Skills))
	for s := range m.Skills {
		cp.Skills[s] = struct{}{}
	}
	return &cp
}

// MerchantsBySkill returns copies of all active merchants offering skill.
func (r *Registry) MerchantsBySkill(skill string) []*Merchant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.skillIndex[skill]
	if !ok {
		return nil
	}
	out := make([]*Merchant, 0, len(set))
	for addr := range set {
		if m, ok := r.merchants[addr]; ok {
			out = append(out, copyMerchant(m))
		}
	}
	return out
}

// ListMerchants returns copies of every known merchant.
func (r *Registry) ListMerchants() []*Merchant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Merchant, 0, len(r.merchants))
	for _, m := range r.merchants {
		out = append(out, copyMerchant(m))
	}
	return out
}

// InsertPayment adds a new payment. Returns an error if tx_hash already
// exists — Registry enforces invariant 5 (tx_hash uniqueness) itself since
// it is a pure map-shape property, not a business rule.
func (r *Registry) InsertPayment(p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.TxHash
	if _, exists := r.payments[key]; exists {
		return fmt.Errorf("registry: payment %s already exists", key)
	}
	cp := *p
	cp.Merchant = lower(p.Merchant)
	cp.Client = lower(p.Client)
	r.payments[key] = &cp
	return nil
}

// GetPayment returns a copy of the payment at txHash, or (nil, false).
func (r *Registry) GetPayment(txHash string) (*Payment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.payments[txHash]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// HasPayment reports whether txHash is already recorded (used for
// PaymentDetected idempotence checks).
func (r *Registry) HasPayment(txHash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.payments[txHash]
	return ok
}

// UpdatePaymentStatus transitions a payment's status in place. Returns an
// error if the payment is absent. Callers (the Clearing Core) are
// responsible for only calling this after the corresponding ledger mutation
// has already succeeded.
func (r *Registry) UpdatePaymentStatus(txHash string, status PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[txHash]
	if !ok {
		return fmt.Errorf("registry: payment %s not found", txHash)
	}
	p.Status = status
	return nil
}

// PendingPayments returns copies of every payment currently pending,
// for the deadline sweep.
func (r *Registry) PendingPayments() []*Payment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Payment, 0)
	for _, p := range r.payments {
		if p.Status == StatusPending {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// PaymentCount returns the number of tracked payments, for diagnostics.
func (r *Registry) PaymentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.payments)
}

// MerchantCount returns the number of tracked merchants, for diagnostics.
func (r *Registry) MerchantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.merchants)
}

// Now is a var so tests can freeze time; production code never overrides it.
var Now = func() int64 { return time.Now().Unix() }

// AdjustExposure adds delta (may be negative) to the merchant's locally
// tracked exposure. It is the Clearing Core's responsibility to call this
// only after the corresponding on-ledger call has already succeeded.
func (r *Registry) AdjustExposure(addr string, delta *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.merchants[lower(addr)]
	if !ok {
		return fmt.Errorf("registry: merchant %s not found", addr)
	}
	cur, ok := new(big.Int).SetString(m.Exposure, 10)
	if !ok {
		cur = big.NewInt(0)
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		// Internal invariant violation: exposure can never go negative.
		// This must be impossible by construction.
		panic(fmt.Sprintf("registry: exposure for %s would go negative", addr))
	}
	m.Exposure = next.String()
	return nil
}

// AdjustStake adds delta (may be negative) to the merchant's locally
// tracked stake, mirroring an on-ledger slash.
func (r *Registry) AdjustStake(addr string, delta *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.merchants[lower(addr)]
	if !ok {
		return fmt.Errorf("registry: merchant %s not found", addr)
	}
	cur, ok := new(big.Int).SetString(m.Stake, 10)
	if !ok {
		cur = big.NewInt(0)
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		panic(fmt.Sprintf("registry: stake for %s would go negative", addr))
	}
	m.Stake = next.String()
	return nil
}
