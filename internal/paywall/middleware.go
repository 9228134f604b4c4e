// Package paywall provides the gate logic behind Aegis402's x402-protected
// routes: parsing an embedded payment submission from a request body,
// verifying and settling it against the facilitator, and building the 402
// requirement envelope when no submission is present. It is deliberately
// library-style rather than a single drop-in middleware, since the two
// gated routes (Subscribe, Slash) each need a differently-priced
// requirement computed from the request itself.
package paywall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/capGoblin/aegis402/pkg/x402"
)

// ExtractSubmission looks for an embedded {payment_payload, requirements}
// pair on the request body. A missing or empty tx_hash means no submission
// was made — the caller should respond with WritePaymentRequired.
func ExtractSubmission(body map[string]json.RawMessage) (*x402.PaymentSubmission, bool) {
	payloadRaw, hasPayload := body["payment_payload"]
	reqRaw, hasReq := body["requirements"]
	if !hasPayload || !hasReq {
		return nil, false
	}

	var sub x402.PaymentSubmission
	if err := json.Unmarshal(payloadRaw, &sub.PaymentPayload); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(reqRaw, &sub.Requirements); err != nil {
		return nil, false
	}
	if sub.PaymentPayload.TxHash == "" {
		return nil, false
	}
	return &sub, true
}

// WritePaymentRequired aborts the request with a 402 and the x402
// requirement envelope, matching spec.md §6's `{x402Version, accepts,
// error}` shape.
func WritePaymentRequired(c *gin.Context, reason string, requirements ...x402.PaymentRequirement) {
	c.JSON(http.StatusPaymentRequired, x402.NewPaymentRequiredResponse(reason, requirements...))
	c.Abort()
}

// VerificationError distinguishes a failed verify from a failed settle so
// callers can surface spec.md §7's distinct error kinds.
type VerificationError struct {
	Settlement bool // true if verify passed but settle failed
	Reason     string
}

func (e *VerificationError) Error() string {
	if e.Settlement {
		return fmt.Sprintf("payment settlement failed: %s", e.Reason)
	}
	return fmt.Sprintf("payment verification failed: %s", e.Reason)
}

// Collect verifies then settles a submission against the facilitator,
// returning the payer address on success. The caller is responsible for
// checking that sub.Requirements.MaxAmountRequired/PayTo/Asset match what
// it actually expects before calling Collect — Collect trusts the
// requirements the caller passed in, not whatever arrived on the wire.
func Collect(ctx context.Context, facilitator x402.Facilitator, sub *x402.PaymentSubmission) (payer string, err error) {
	verify, err := facilitator.Verify(ctx, sub.PaymentPayload, sub.Requirements)
	if err != nil {
		return "", &VerificationError{Reason: err.Error()}
	}
	if !verify.IsValid {
		return "", &VerificationError{Reason: verify.InvalidReason}
	}

	settle, err := facilitator.Settle(ctx, sub.PaymentPayload, sub.Requirements)
	if err != nil {
		return "", &VerificationError{Settlement: true, Reason: err.Error()}
	}
	if !settle.Success {
		return "", &VerificationError{Settlement: true, Reason: settle.ErrorReason}
	}

	payer = settle.Payer
	if payer == "" {
		payer = verify.Payer
	}
	return payer, nil
}
