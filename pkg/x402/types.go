// Package x402 implements the x402 payment-gate protocol types: the
// requirement objects a server returns on 402, the payment submission a
// client embeds in a retried request, and the facilitator contract that
// verifies and settles them.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ProtocolVersion is the x402Version field returned alongside Accepts.
const ProtocolVersion = 1

// Purpose discriminates what a PaymentRequirement is collateralizing.
type Purpose string

const (
	PurposeStake     Purpose = "stake"
	PurposeSlashBond Purpose = "slash_bond"
)

// SchemeExact is the only scheme Aegis402 issues: the client pays exactly
// MaxAmountRequired, no tipping or partial payment.
const SchemeExact = "exact"

// Extra carries scheme-specific metadata alongside a PaymentRequirement.
type Extra struct {
	Purpose Purpose `json:"purpose"`
}

// PaymentRequirement is returned by the server in a 402 response's Accepts
// array, matching spec.md §6 field-for-field.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"pay_to"`
	MaxAmountRequired string `json:"max_amount_required"` // atomic units, decimal string
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MaxTimeoutSeconds int64  `json:"max_timeout_seconds"`
	Extra             Extra  `json:"extra"`
}

// NewStakeRequirement builds the requirement object for a Subscribe 402.
func NewStakeRequirement(network, asset, payTo, resource, amount string, timeoutSeconds int64) PaymentRequirement {
	return PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           network,
		Asset:             asset,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       "merchant stake for Aegis402 subscription",
		MaxTimeoutSeconds: timeoutSeconds,
		Extra:             Extra{Purpose: PurposeStake},
	}
}

// NewSlashBondRequirement builds the requirement object for a Slash 402.
func NewSlashBondRequirement(network, asset, payTo, resource, amount string, timeoutSeconds int64) PaymentRequirement {
	return PaymentRequirement{
		Scheme:            SchemeExact,
		Network:           network,
		Asset:             asset,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       "anti-griefing bond to slash an unresponsive merchant",
		MaxTimeoutSeconds: timeoutSeconds,
		Extra:             Extra{Purpose: PurposeSlashBond},
	}
}

// PaymentRequiredResponse is the JSON body of every 402 response.
type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// NewPaymentRequiredResponse wraps requirements per spec.md's 402 envelope.
func NewPaymentRequiredResponse(reason string, requirements ...PaymentRequirement) PaymentRequiredResponse {
	return PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Accepts:     requirements,
		Error:       reason,
	}
}

// ParsePaymentRequired extracts the requirement envelope from a 402 response.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out PaymentRequiredResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse payment-required response: %w", err)
	}
	return &out, nil
}

// PaymentPayload is the client's proof-of-payment, embedded alongside the
// Requirements it satisfies. Its shape is facilitator-specific; the fields
// below cover the common exact-scheme on-chain transfer case.
type PaymentPayload struct {
	TxHash    string `json:"tx_hash"`
	From      string `json:"from"`
	Signature string `json:"signature,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PaymentSubmission is what a client embeds in a retried POST body to
// satisfy a PaymentRequirement returned by an earlier 402.
type PaymentSubmission struct {
	PaymentPayload PaymentPayload      `json:"payment_payload"`
	Requirements   PaymentRequirement  `json:"requirements"`
}

// VerifyResult is the facilitator's answer to Verify.
type VerifyResult struct {
	IsValid       bool   `json:"is_valid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalid_reason,omitempty"`
}

// SettleResult is the facilitator's answer to Settle.
type SettleResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`
}

// Error is a structured x402 protocol error.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MarshalSubmission serializes a PaymentSubmission for a request body field.
func MarshalSubmission(s PaymentSubmission) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment submission: %w", err)
	}
	return string(data), nil
}

// UnmarshalSubmission parses a PaymentSubmission from its body form.
func UnmarshalSubmission(raw []byte) (*PaymentSubmission, error) {
	var s PaymentSubmission
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to parse payment submission: %w", err)
	}
	return &s, nil
}
