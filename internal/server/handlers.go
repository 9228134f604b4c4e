package server

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/capGoblin/aegis402/internal/clearing"
	"github.com/capGoblin/aegis402/internal/money"
	"github.com/capGoblin/aegis402/internal/paywall"
	"github.com/capGoblin/aegis402/internal/validation"
	"github.com/capGoblin/aegis402/pkg/x402"
)

// networkName maps a chain ID to the x402 network identifier the reference
// facilitator expects; unrecognized chains fall back to an eip155 tag.
func networkName(chainID int64) string {
	switch chainID {
	case 84532:
		return "base-sepolia"
	case 8453:
		return "base"
	default:
		return "eip155:" + strconv.FormatInt(chainID, 10)
	}
}

// -----------------------------------------------------------------------------
// POST /subscribe
// -----------------------------------------------------------------------------

type subscribeBody struct {
	Endpoint    string   `json:"endpoint"`
	Skills      []string `json:"skills"`
	AgentID     string   `json:"agent_id"`
	StakeAmount string   `json:"stake_amount"`
}

func (s *Server) subscribeHandler(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "failed to read request body"})
		return
	}

	var body subscribeBody
	if err := json.Unmarshal(raw, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid JSON body"})
		return
	}
	if body.Endpoint == "" || body.AgentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "endpoint and agent_id are required"})
		return
	}
	if body.StakeAmount != "" {
		if errs := validation.Validate(validation.ValidAmount("stake_amount", body.StakeAmount)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
			return
		}
	}

	var fields map[string]json.RawMessage
	_ = json.Unmarshal(raw, &fields)

	sub, ok := paywall.ExtractSubmission(fields)
	if !ok {
		requiredAmount := body.StakeAmount
		if requiredAmount == "" {
			requiredAmount = s.cfg.MinStakeAmount
		}
		amount, parseOK := money.Parse(requiredAmount)
		if !parseOK {
			amount, _ = money.Parse(s.cfg.MinStakeAmount)
		}
		req := x402.NewStakeRequirement(
			networkName(s.cfg.ChainID), s.cfg.AssetAddress, s.core.Address(),
			"/subscribe", amount.String(), 300,
		)
		paywall.WritePaymentRequired(c, "no verified stake payment", req)
		return
	}

	payer, err := paywall.Collect(c.Request.Context(), s.facilitator, sub)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_failed", "message": err.Error()})
		return
	}

	stakeAmount, ok := new(big.Int).SetString(sub.Requirements.MaxAmountRequired, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid max_amount_required in requirements"})
		return
	}

	result, err := s.core.Subscribe(c.Request.Context(), clearing.SubscribeRequest{
		MerchantAddr: payer,
		Endpoint:     body.Endpoint,
		Skills:       body.Skills,
		AgentID:      body.AgentID,
		StakeAmount:  stakeAmount,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": err.Error()})
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscribe_failed", "message": result.Message})
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// POST /quote
// -----------------------------------------------------------------------------

type quoteBody struct {
	Skill string `json:"skill"`
	Price string `json:"price"`
}

func (s *Server) quoteHandler(c *gin.Context) {
	var body quoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid JSON body"})
		return
	}
	if body.Skill == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "skill is required"})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("price", body.Price)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}
	price, ok := money.Parse(body.Price)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "price must be a non-negative decimal amount"})
		return
	}

	merchants := s.core.Quote(c.Request.Context(), body.Skill, price)
	c.JSON(http.StatusOK, gin.H{"merchants": merchants})
}

// -----------------------------------------------------------------------------
// POST /settle
// -----------------------------------------------------------------------------

type settleBody struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) settleHandler(c *gin.Context) {
	var body settleBody
	if err := c.ShouldBindJSON(&body); err != nil || body.TxHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "tx_hash is required"})
		return
	}

	result, err := s.core.Settle(c.Request.Context(), body.TxHash)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": err.Error()})
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settle_failed", "message": result.Message})
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// POST /slash
// -----------------------------------------------------------------------------

type slashBody struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) slashHandler(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "failed to read request body"})
		return
	}

	var body slashBody
	if err := json.Unmarshal(raw, &body); err != nil || body.TxHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "tx_hash is required"})
		return
	}

	var fields map[string]json.RawMessage
	_ = json.Unmarshal(raw, &fields)

	sub, ok := paywall.ExtractSubmission(fields)
	if !ok {
		req := x402.NewSlashBondRequirement(
			networkName(s.cfg.ChainID), s.cfg.AssetAddress, s.core.Address(),
			"/slash", mustParseAtomic(s.cfg.SlashBondAmount), 300,
		)
		paywall.WritePaymentRequired(c, "no verified slash bond payment", req)
		return
	}

	payer, err := paywall.Collect(c.Request.Context(), s.facilitator, sub)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment_failed", "message": err.Error()})
		return
	}

	result, err := s.core.Slash(c.Request.Context(), body.TxHash, payer)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": err.Error()})
		return
	}
	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slash_failed", "message": result.Message})
		return
	}
	c.JSON(http.StatusOK, result)
}

func mustParseAtomic(s string) string {
	amount, ok := money.Parse(s)
	if !ok {
		return "0"
	}
	return amount.String()
}

// -----------------------------------------------------------------------------
// GET /health
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"agent":           s.core.Address(),
		"credit_manager":  s.cfg.CreditManagerAddress,
		"circuit_breaker": s.core.CreditHealth(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

// -----------------------------------------------------------------------------
// GET /merchants
// -----------------------------------------------------------------------------

type merchantView struct {
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

func (s *Server) merchantsHandler(c *gin.Context) {
	merchants := s.reg.ListMerchants()
	out := make([]merchantView, 0, len(merchants))
	for _, m := range merchants {
		out = append(out, merchantView{
			Address:      m.Address,
			AgentID:      m.AgentID,
			Endpoint:     m.Endpoint,
			Skills:       m.SkillList(),
			Stake:        m.Stake,
			CreditLimit:  m.CreditLimit,
			Exposure:     m.Exposure,
			Active:       m.Active,
			RegisteredAt: m.RegisteredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"merchants": out})
}
