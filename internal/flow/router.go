package flow

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/Vovarama1992/convo-guard/internal/classify"
	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/state"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

type Kind string

const (
	// KindLLM hands the turn to the model with the gated tool list.
	KindLLM Kind = "LLM"
	// KindReply sends a scripted reply; no model, no tools.
	KindReply Kind = "REPLY"
	// KindToolPlan executes Plan before the reply is composed.
	KindToolPlan Kind = "TOOL_PLAN"
)

type PlannedCall struct {
	Tool string
	Args map[string]any
}

type Decision struct {
	Kind     Kind
	Reply    string
	ReplyKey string
	Plan     []PlannedCall
	// Flow is the active flow after routing; nil means NO_FLOW.
	Flow *Flow
	// SlotsChanged lists slots that got a new value this turn.
	SlotsChanged []string
}

type Input struct {
	State          *state.ConversationState
	Classification classify.Classification
	Message        string
	Language       messages.Language
	Channel        identity.Channel
}

type Config struct {
	// A classifier intent starts or switches a flow only at or above this.
	MinConfidence float64
}

type Router struct {
	flows *Catalog
	msgs  *messages.Catalog
	cfg   Config
}

func NewRouter(flows *Catalog, msgs *messages.Catalog, cfg Config) *Router {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	return &Router{flows: flows, msgs: msgs, cfg: cfg}
}

func (r *Router) Catalog() *Catalog { return r.flows }

// Route merges the slots of this message into the state, advances the flow
// state machine and decides how the turn is answered.
func (r *Router) Route(in Input) Decision {
	st := in.State
	c := in.Classification
	opts := messages.Options{
		Language: in.Language,
		Channel:  string(in.Channel),
		SeedHint: st.SessionID + ":" + strconv.Itoa(st.Turn),
	}

	confident := !c.HadClassifierFailure && c.Confidence >= r.cfg.MinConfidence

	aw := r.awaiting(st)
	if confident && c.Type == classify.TypeNewIntent {
		// a new request is not the answer to a name prompt
		aw.CustomerName = false
	}
	slots := acceptedClassifierSlots(c.Slots, aw)
	for k, v := range ExtractSlots(in.Message, aw) {
		slots[k] = v
	}
	changed := st.MergeSlots(slots)

	wantsCallback := c.Intent == "callback_request" || MentionsCallback(in.Message)

	if st.CallbackFlow.Pending && !wantsCallback && confident && c.Type == classify.TypeNewIntent {
		if f, ok := r.flows.FlowForIntent(c.Intent); ok && f.Name != CallbackRequest {
			slog.Info("[router] callback flow abandoned", "session_id", st.SessionID, "new_flow", f.Name)
			st.EndFlow()
		}
	}

	var d Decision
	if wantsCallback || st.CallbackFlow.Pending {
		d = r.routeCallback(st, opts)
	} else {
		d = r.routeFlow(st, c, in.Message, confident, opts)
	}
	d.SlotsChanged = changed

	flowName := ""
	if d.Flow != nil {
		flowName = d.Flow.Name
	}
	slog.Info("[router] decision",
		"session_id", st.SessionID,
		"kind", string(d.Kind),
		"flow", flowName,
		"reply_key", d.ReplyKey,
		"planned", len(d.Plan),
		"slots_changed", changed,
	)
	return d
}

func (r *Router) routeCallback(st *state.ConversationState, opts messages.Options) Decision {
	if !st.CallbackFlow.Pending {
		origin := ""
		if st.ActiveFlow != "" && st.ActiveFlow != CallbackRequest {
			origin = st.ActiveFlow
		}
		st.CallbackFlow = state.CallbackFlow{Pending: true, Topic: strings.ToLower(origin)}
	}
	st.ActiveFlow = CallbackRequest
	f, _ := r.flows.Flow(CallbackRequest)

	name, phone := st.Slot("customer_name"), st.Slot("phone")
	var key string
	switch {
	case name == "" && phone == "":
		key = "callback.ask_name_phone"
	case name == "":
		key = "callback.ask_name"
	case phone == "":
		key = "callback.ask_phone"
	}
	if key != "" {
		return Decision{Kind: KindReply, Reply: r.msgs.Get(key, opts).Text, ReplyKey: key, Flow: f}
	}

	args := map[string]any{"customer_name": name, "phone": phone}
	if t := st.CallbackFlow.Topic; t != "" {
		args["topic"] = t
		if t == strings.ToLower(Complaint) {
			args["priority"] = string(tools.PriorityHigh)
		}
	}
	return Decision{Kind: KindToolPlan, Plan: []PlannedCall{{Tool: f.PlannedTool, Args: args}}, Flow: f}
}

func (r *Router) routeFlow(st *state.ConversationState, c classify.Classification, msg string, confident bool, opts messages.Options) Decision {
	f := r.resolveFlow(st, c, msg, confident)
	if f == nil {
		st.EndFlow()
		return Decision{Kind: KindLLM}
	}
	st.ActiveFlow = f.Name

	if slot, missing := f.MissingSlot(st.ExtractedSlots); missing {
		reply, key := r.askFor(slot, opts)
		return Decision{Kind: KindReply, Reply: reply, ReplyKey: key, Flow: f}
	}

	if f.PlannedTool == "" {
		return Decision{Kind: KindLLM, Flow: f}
	}

	args := make(map[string]any, len(f.PlannedArgs)+len(f.RequiredSlots))
	for k, v := range f.PlannedArgs {
		args[k] = v
	}
	for _, s := range f.RequiredSlots {
		args[s] = st.Slot(s)
	}
	return Decision{Kind: KindToolPlan, Plan: []PlannedCall{{Tool: f.PlannedTool, Args: args}}, Flow: f}
}

// resolveFlow keeps the active flow unless a confident new intent replaces
// it. Unmapped intents never start a flow, and a confident unmapped new
// intent ends the current one.
func (r *Router) resolveFlow(st *state.ConversationState, c classify.Classification, msg string, confident bool) *Flow {
	current, hasCurrent := r.flows.Flow(st.ActiveFlow)
	if hasCurrent && current.Name == CallbackRequest {
		hasCurrent = false
	}

	if confident && (c.Type == classify.TypeNewIntent || !hasCurrent) {
		if f, ok := r.flows.FlowForIntent(c.Intent); ok {
			return f
		}
		if c.Intent == "" {
			if f, ok := r.flows.FlowForKeywords(msg); ok {
				return f
			}
		}
		if c.Type == classify.TypeNewIntent {
			return nil
		}
	}

	if hasCurrent {
		return current
	}
	return nil
}

func (r *Router) askFor(slot string, opts messages.Options) (string, string) {
	key := "slot.ask." + slot
	if r.msgs.Has(key) {
		return r.msgs.Get(key, opts).Text, key
	}
	return r.msgs.Render("slot.ask.default", opts, map[string]string{
		"field": r.msgs.FieldList([]string{slot}, opts.Language),
	}), "slot.ask.default"
}

func (r *Router) awaiting(st *state.ConversationState) Awaiting {
	var aw Awaiting
	if a := st.LastToolAttempt; a != nil {
		for _, f := range a.AskFor {
			if f == "phone_last4" {
				aw.PhoneLast4 = true
			}
		}
	}
	if st.VerificationStatus == state.VerificationPending {
		aw.PhoneLast4 = true
	}

	if st.CallbackFlow.Pending {
		aw.CustomerName = st.Slot("customer_name") == ""
		return aw
	}
	if f, ok := r.flows.Flow(st.ActiveFlow); ok {
		if slot, missing := f.MissingSlot(st.ExtractedSlots); missing && slot == "customer_name" {
			aw.CustomerName = true
		}
	}
	return aw
}

var classifierSlotKeys = map[string]bool{
	"customer_name": true,
	"phone":         true,
	"email":         true,
	"order_number":  true,
	"product_name":  true,
	"date":          true,
	"time":          true,
	"topic":         true,
	"service":       true,
	"phone_last4":   true,
}

// acceptedClassifierSlots drops unknown keys, and phone_last4 unless it was
// asked for: verification digits are never guessed from other numbers.
func acceptedClassifierSlots(in map[string]string, aw Awaiting) map[string]string {
	out := map[string]string{}
	for k, v := range in {
		if !classifierSlotKeys[k] {
			continue
		}
		if k == "phone_last4" && !aw.PhoneLast4 {
			continue
		}
		out[k] = v
	}
	return out
}

// Advance moves the state machine after a tool result: verification status
// follows the result, and the active flow ends once its planned tool
// answered with OK or NOT_FOUND.
func (r *Router) Advance(st *state.ConversationState, tool string, res tools.Result) {
	f, hasFlow := r.flows.Flow(st.ActiveFlow)

	switch res.Outcome {
	case tools.OutcomeVerificationRequired:
		st.VerificationStatus = state.VerificationPending
	case tools.OutcomeNeedMoreInfo, tools.OutcomeValidationError:
		for _, field := range res.AskFor {
			if field == "phone_last4" || (hasFlow && f.IsVerificationField(field)) {
				st.VerificationStatus = state.VerificationPending
			}
		}
	case tools.OutcomeOK:
		if st.VerificationStatus == state.VerificationPending && tool == tools.CustomerDataLookup {
			st.VerificationStatus = state.VerificationVerified
		}
	}

	if hasFlow && f.PlannedTool == tool &&
		(res.Outcome == tools.OutcomeOK || res.Outcome == tools.OutcomeNotFound) {
		slog.Info("[router] flow completed", "session_id", st.SessionID, "flow", f.Name, "outcome", string(res.Outcome))
		st.EndFlow()
	}
}
