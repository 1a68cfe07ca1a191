// Package verify upgrades VERIFICATION_REQUIRED tool results to OK when the
// channel identity proves, exactly and unambiguously, the customer the tool
// anchored its answer to.
package verify

import (
	"context"
	"log/slog"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

const (
	SkipProofWeak          = "PROOF_WEAK"
	SkipNoAnchorCustomer   = "NO_ANCHOR_CUSTOMERID"
	SkipCustomerMismatch   = "CUSTOMERID_MISMATCH"
	StateEventChannelProof = "channel_proof"
)

type Prover interface {
	Derive(ctx context.Context, cc identity.ChannelContext, q identity.QueryContext) identity.Proof
}

type Telemetry struct {
	Attempted         bool
	Applied           bool
	SkipReason        string
	Strength          identity.Strength
	MatchedCustomerID string
	AnchorCustomerID  string
}

type Decision struct {
	Applied   bool
	Telemetry *Telemetry
}

type Engine struct {
	prover  Prover
	metrics *metrics.Metrics
}

func NewEngine(prover Prover, m *metrics.Metrics) *Engine {
	return &Engine{prover: prover, metrics: m}
}

// TryAutoverify mutates res in place when it applies.
func (e *Engine) TryAutoverify(ctx context.Context, toolName string, res *tools.Result) Decision {
	if res == nil || res.Outcome != tools.OutcomeVerificationRequired || res.IdentityContext == nil {
		return Decision{}
	}
	ic := res.IdentityContext

	proof := e.prover.Derive(ctx, identity.ChannelContext{
		Channel:       ic.Channel,
		ChannelUserID: ic.ChannelUserID,
		FromEmail:     ic.FromEmail,
		BusinessID:    ic.BusinessID,
	}, identity.QueryContext{
		QueryType:         ic.QueryType,
		AnchorSourceTable: ic.AnchorSourceTable,
	})

	tel := &Telemetry{
		Attempted:         true,
		Strength:          proof.Strength,
		MatchedCustomerID: proof.MatchedCustomerID,
		AnchorCustomerID:  ic.AnchorCustomerID,
	}

	switch {
	case proof.Strength != identity.StrengthStrong:
		tel.SkipReason = SkipProofWeak
	case proof.MatchedCustomerID == "" || ic.AnchorCustomerID == "":
		tel.SkipReason = SkipNoAnchorCustomer
	case proof.MatchedCustomerID != ic.AnchorCustomerID:
		tel.SkipReason = SkipCustomerMismatch
	default:
		tel.Applied = true
	}

	e.metrics.AutoverifyResult(tel.Applied, tel.SkipReason)
	slog.Info("[autoverify]",
		"tool", toolName,
		"channel", string(ic.Channel),
		"applied", tel.Applied,
		"skip_reason", tel.SkipReason,
		"strength", string(proof.Strength),
		"reasons", proof.Reasons,
	)

	if !tel.Applied {
		return Decision{Telemetry: tel}
	}

	res.Outcome = tools.OutcomeOK
	res.Success = true
	res.AskFor = nil
	if res.Gated != nil {
		res.Data = res.Gated.Data
		res.Message = res.Gated.Message
		res.Gated = nil
	}
	res.StateEvents = append(res.StateEvents, tools.StateEvent{
		Reason:           StateEventChannelProof,
		AnchorCustomerID: ic.AnchorCustomerID,
	})
	return Decision{Applied: true, Telemetry: tel}
}
