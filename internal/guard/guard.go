package guard

import (
	"context"
	"strings"

	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
)

type Guard struct {
	lex     *Lexicon
	claims  []Detector
	msgs    *messages.Catalog
	metrics *metrics.Metrics
}

func New(lex *Lexicon, msgs *messages.Catalog, m *metrics.Metrics) *Guard {
	g := &Guard{lex: lex, msgs: msgs, metrics: m}
	// drafts in the "wrong" language still get checked
	for _, phrases := range lex.ActionClaims {
		g.claims = append(g.claims, newWordDetector(KindActionClaim, phrases))
	}
	return g
}

type ClaimInput struct {
	SessionID     string
	Draft         string
	HadOKToolCall bool
}

// ActionClaims returns the claim phrases of a draft that no OK tool call of
// the turn backs. An empty result means the draft may stand.
func (g *Guard) ActionClaims(ctx context.Context, in ClaimInput) []string {
	if in.HadOKToolCall {
		return nil
	}
	var terms []string
	for _, d := range g.claims {
		for _, f := range d.Detect(in.Draft) {
			terms = append(terms, f.Value)
		}
	}
	if len(terms) > 0 {
		g.metrics.Violation(ctx, metrics.ViolationActionClaim,
			"session_id", in.SessionID,
			"terms", terms,
		)
	}
	return terms
}

type PolicyInput struct {
	SessionID    string
	Flow         string
	RequiredTool string
	// The policy binds only once the flow could have called its tool.
	SlotsComplete bool
	CalledTools   []string
}

// FlowToolPolicyViolated reports a turn that ended without the tool its
// flow requires.
func (g *Guard) FlowToolPolicyViolated(ctx context.Context, in PolicyInput) bool {
	if in.RequiredTool == "" || !in.SlotsComplete {
		return false
	}
	for _, t := range in.CalledTools {
		if t == in.RequiredTool {
			return false
		}
	}
	g.metrics.Violation(ctx, metrics.ViolationFlowToolPolicy,
		"session_id", in.SessionID,
		"flow", in.Flow,
		"required_tool", in.RequiredTool,
	)
	return true
}

// CorrectiveInstruction is appended to the prompt for the one re-generation
// a rejected draft gets.
func CorrectiveInstruction(kind string, terms []string, requiredTool string) string {
	switch kind {
	case metrics.ViolationFlowToolPolicy:
		return "Your previous answer did not call the required tool " + requiredTool +
			". Call it now with the collected details, or ask for the one missing detail. Do not claim anything was done."
	default:
		return "Your previous answer claimed an action (" + strings.Join(terms, ", ") +
			") but no tool completed it. Either call the matching tool or answer without claiming the action happened."
	}
}

// Fallback is the fixed reply used when the re-generated draft still
// violates the same rule.
func (g *Guard) Fallback(kind string, opts messages.Options) string {
	if kind == metrics.ViolationFlowToolPolicy {
		return g.msgs.Get("guard.flow_policy_fallback", opts).Text
	}
	return g.msgs.Get("guard.action_claim_fallback", opts).Text
}

type ScanInput struct {
	SessionID    string
	Draft        string
	SystemPrompt string
	Allow        Allowlist
	Options      messages.Options
}

type ScanResult struct {
	Text        string
	Findings    []Finding
	Redacted    bool
	Substituted bool
}

// Firewall runs last on every outgoing reply. Prompt disclosure replaces
// the draft with a safe substitute; PII is masked in place.
func (g *Guard) Firewall(ctx context.Context, in ScanInput) ScanResult {
	for _, d := range DisclosureDetectors(g.lex, in.SystemPrompt) {
		if fs := d.Detect(in.Draft); len(fs) > 0 {
			g.metrics.Violation(ctx, metrics.ViolationPromptDisclosure,
				"session_id", in.SessionID,
				"match", fs[0].Value,
			)
			return ScanResult{
				Text:        g.msgs.Get("guard.leak_substitute", in.Options).Text,
				Findings:    fs,
				Substituted: true,
			}
		}
	}

	var fs []Finding
	for _, d := range PIIDetectors(in.Allow) {
		fs = append(fs, d.Detect(in.Draft)...)
	}
	if len(fs) == 0 {
		return ScanResult{Text: in.Draft}
	}
	fs = resolveOverlaps(fs)

	kinds := make([]string, 0, len(fs))
	for _, f := range fs {
		kinds = append(kinds, f.Kind)
	}
	g.metrics.Violation(ctx, metrics.ViolationPIILeak,
		"session_id", in.SessionID,
		"kinds", kinds,
	)
	return ScanResult{Text: Redact(in.Draft, fs), Findings: fs, Redacted: true}
}
