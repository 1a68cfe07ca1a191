// Package toolloop executes tool calls for a turn: argument normalization,
// the repeat-call guard, bounded retries, autoverify and bookkeeping.
package toolloop

import (
	"context"

	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
	"github.com/Vovarama1992/convo-guard/internal/state"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

type BlockInput struct {
	State    *state.ConversationState
	Tool     string
	ArgsHash string
	Language messages.Language
	Channel  string
}

type Block struct {
	Blocked bool
	Outcome tools.Outcome
	Message string
	AskFor  []string
}

// Guard stops the same failing call from being issued again before the user
// supplied what it asked for.
type Guard struct {
	msgs    *messages.Catalog
	metrics *metrics.Metrics
}

func NewGuard(msgs *messages.Catalog, m *metrics.Metrics) *Guard {
	return &Guard{msgs: msgs, metrics: m}
}

// ShouldBlock blocks when the previous attempt was the same tool with the
// same arguments hash, it ended in NEED_MORE_INFO or VALIDATION_ERROR, and
// none of the slots it asked for changed since.
func (g *Guard) ShouldBlock(ctx context.Context, in BlockInput) Block {
	prev := in.State.LastToolAttempt
	if prev == nil || prev.Tool != in.Tool || prev.ArgsHash != in.ArgsHash || !prev.Outcome.AsksForInput() {
		return Block{}
	}
	if newInformation(in.State, prev) {
		return Block{}
	}

	msg := g.msgs.Render("repeat.ask_for", messages.Options{
		Language: in.Language,
		Channel:  in.Channel,
		SeedHint: in.State.SessionID + ":" + in.Tool,
	}, map[string]string{"fields": g.msgs.FieldList(prev.AskFor, in.Language)})

	g.metrics.Violation(ctx, metrics.ViolationRepeatCallBlocked,
		"session_id", in.State.SessionID,
		"tool", in.Tool,
		"ask_for", prev.AskFor,
		"count", prev.Count,
	)
	return Block{Blocked: true, Outcome: prev.Outcome, Message: msg, AskFor: prev.AskFor}
}

// newInformation compares the slots carrying the asked-for fields with the
// snapshot of the previous attempt. Without askFor any slot change counts.
func newInformation(st *state.ConversationState, prev *state.ToolAttempt) bool {
	if len(prev.AskFor) == 0 {
		if len(st.ExtractedSlots) != len(prev.SlotsSnapshot) {
			return true
		}
		for k, v := range st.ExtractedSlots {
			if prev.SlotsSnapshot[k] != v {
				return true
			}
		}
		return false
	}
	for _, field := range prev.AskFor {
		for _, alias := range tools.Aliases(field) {
			if st.Slot(alias) != prev.SlotsSnapshot[alias] {
				return true
			}
		}
	}
	return false
}
