package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Vovarama1992/convo-guard/internal/ai"
	"github.com/Vovarama1992/convo-guard/internal/classify"
	"github.com/Vovarama1992/convo-guard/internal/flow"
	"github.com/Vovarama1992/convo-guard/internal/gating"
	"github.com/Vovarama1992/convo-guard/internal/guard"
	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
	"github.com/Vovarama1992/convo-guard/internal/respond"
	"github.com/Vovarama1992/convo-guard/internal/state"
	"github.com/Vovarama1992/convo-guard/internal/toolloop"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

var tracer = otel.Tracer("convo-guard.conversation")

const (
	DefaultMaxToolIterations = 3
	DefaultHistoryLimit      = 20

	reasonLLMUnavailable = "LLM_UNAVAILABLE"
)

type Config struct {
	// MaxToolIterations bounds the generate -> execute rounds of one turn.
	MaxToolIterations int
	HistoryLimit      int
}

// Deps are the collaborators of the turn pipeline, built once at startup.
type Deps struct {
	Repo       Repo
	Businesses Businesses
	States     state.Store
	Locks      *state.SessionLocks
	Classifier *classify.Policy
	Router     *flow.Router
	Gating     *gating.Policy
	Registry   *tools.Registry
	Loop       *toolloop.Loop
	Generator  ai.Generator
	Guard      *guard.Guard
	Responder  *respond.Responder
	Messages   *messages.Catalog
	Metrics    *metrics.Metrics
}

type service struct {
	d   Deps
	cfg Config
	now func() time.Time
}

func NewService(d Deps, cfg Config) Service {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if d.Locks == nil {
		d.Locks = state.NewSessionLocks()
	}
	return &service{d: d, cfg: cfg, now: time.Now}
}

// turnCtx is what one turn accumulates on its way through the pipeline.
type turnCtx struct {
	id           string
	t            Turn
	biz          tools.Business
	lang         messages.Language
	st           *state.ConversationState
	opts         messages.Options
	flow         *flow.Flow
	systemPrompt string
	executed     []toolloop.Executed
	violations   []string
}

func (tc *turnCtx) ran(ex toolloop.Executed) bool {
	return !ex.Blocked && !ex.Refused
}

func (tc *turnCtx) hadOK() bool {
	for _, ex := range tc.executed {
		if tc.ran(ex) && ex.Result.Outcome == tools.OutcomeOK {
			return true
		}
	}
	return false
}

func (tc *turnCtx) calledTools() []string {
	var out []string
	for _, ex := range tc.executed {
		if tc.ran(ex) {
			out = append(out, ex.Call.Tool)
		}
	}
	return out
}

func (s *service) HandleTurn(ctx context.Context, t Turn) (Reply, error) {
	start := s.now()
	t.Text = strings.TrimSpace(t.Text)
	if t.SessionID == "" || t.BusinessID == "" || t.Text == "" {
		return Reply{}, fmt.Errorf("%w: session_id, business_id and text are required", ErrInvalidTurn)
	}
	ch, ok := identity.ParseChannel(string(t.Channel))
	if !ok {
		return Reply{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidTurn, t.Channel)
	}
	t.Channel = ch

	biz, err := s.d.Businesses.Business(ctx, t.BusinessID)
	if err != nil {
		return Reply{}, fmt.Errorf("load business %s: %w", t.BusinessID, err)
	}

	turnID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("session.id", t.SessionID),
		attribute.String("business.id", t.BusinessID),
		attribute.String("channel", string(t.Channel)),
	))
	defer span.End()

	unlock, err := s.d.Locks.Lock(ctx, t.SessionID)
	if err != nil {
		span.SetStatus(codes.Error, "session lock")
		return Reply{}, fmt.Errorf("lock session %s: %w", t.SessionID, err)
	}
	defer unlock()

	st, err := s.d.States.Load(ctx, t.SessionID, t.BusinessID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load state")
		return Reply{}, fmt.Errorf("load state: %w", err)
	}
	st.Turn++

	lang := biz.Language
	if t.Language != "" {
		lang = messages.ParseLanguage(t.Language)
	}
	if lang == "" {
		lang = messages.DefaultLanguage
	}

	tc := &turnCtx{
		id:   turnID,
		t:    t,
		biz:  biz,
		lang: lang,
		st:   st,
		opts: messages.Options{
			Language: lang,
			Channel:  string(t.Channel),
			SeedHint: t.SessionID + ":" + strconv.Itoa(st.Turn),
		},
	}

	slog.Info("[svc] turn",
		"turn_id", turnID,
		"session_id", t.SessionID,
		"business_id", t.BusinessID,
		"channel", string(t.Channel),
		"text_len", len(t.Text),
	)
	s.save(ctx, &Message{SessionID: t.SessionID, BusinessID: t.BusinessID, Sender: SenderClient, Text: t.Text, Channel: t.Channel})

	c := s.d.Classifier.Apply(ctx, classify.Input{
		ActiveFlow:           st.ActiveFlow,
		Slots:                st.SnapshotSlots(),
		LastAssistantMessage: st.LastAssistantMessage,
		UserMessage:          t.Text,
		Language:             lang,
		Channel:              t.Channel,
	})

	d := s.d.Router.Route(flow.Input{
		State:          st,
		Classification: c,
		Message:        t.Text,
		Language:       lang,
		Channel:        t.Channel,
	})
	tc.flow = d.Flow

	var reply Reply
	switch d.Kind {
	case flow.KindReply:
		reply = Reply{Text: d.Reply, ReplyKey: d.ReplyKey, Source: SourceScripted}
	case flow.KindToolPlan:
		reply = s.runPlan(ctx, tc, d)
	default:
		reply = s.runLLM(ctx, tc, c)
	}

	// scripted questions and fail templates carry their own guidance
	switch reply.Source {
	case SourceTool, SourceLLM, SourceFallback:
		g := s.d.Responder.EnsurePolicyGuidance(respond.GuidanceInput{
			UserMessage: t.Text,
			Reply:       reply.Text,
			Options:     tc.opts,
			Contacts:    respond.Contacts{Phone: biz.SupportPhone, Email: biz.SupportEmail},
		})
		reply.Text = g.Text
	}

	if tc.systemPrompt == "" {
		tc.systemPrompt = SystemPrompt(biz, lang, st)
	}
	scan := s.d.Guard.Firewall(ctx, guard.ScanInput{
		SessionID:    t.SessionID,
		Draft:        reply.Text,
		SystemPrompt: tc.systemPrompt,
		Allow:        guard.Allowlist{Phones: nonEmpty(biz.SupportPhone), Emails: nonEmpty(biz.SupportEmail)},
		Options:      tc.opts,
	})
	reply.Text = scan.Text
	if scan.Substituted {
		tc.violations = append(tc.violations, metrics.ViolationPromptDisclosure)
	}
	if scan.Redacted {
		tc.violations = append(tc.violations, metrics.ViolationPIILeak)
	}

	reply.TurnID = turnID
	reply.SessionID = t.SessionID
	reply.Flow = st.ActiveFlow
	reply.Tools = traces(tc.executed)
	reply.Violations = tc.violations

	// committed tool effects are recorded even when the caller went away
	persist := context.WithoutCancel(ctx)
	st.LastAssistantMessage = reply.Text
	s.save(persist, &Message{SessionID: t.SessionID, BusinessID: t.BusinessID, Sender: SenderAI, Text: reply.Text, Channel: t.Channel})
	if err := s.d.States.Save(persist, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save state")
		return Reply{}, fmt.Errorf("save state: %w", err)
	}

	elapsed := s.now().Sub(start)
	s.d.Metrics.ObserveTurn(string(t.Channel), elapsed)
	span.SetAttributes(
		attribute.String("turn.source", reply.Source),
		attribute.String("turn.flow", reply.Flow),
		attribute.Int("turn.tools", len(reply.Tools)),
		attribute.Bool("turn.force_end", reply.ForceEnd),
	)
	slog.Info("[svc] turn done",
		"turn_id", turnID,
		"session_id", t.SessionID,
		"source", reply.Source,
		"flow", reply.Flow,
		"tools", len(reply.Tools),
		"violations", reply.Violations,
		"force_end", reply.ForceEnd,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return reply, nil
}

// runPlan executes the router's calls. Results that ask the customer for
// something are relayed as they are; OK and NOT_FOUND are narrated by the
// model, with the tool message as the fallback.
func (s *service) runPlan(ctx context.Context, tc *turnCtx, d flow.Decision) Reply {
	var flowTools []string
	if d.Flow != nil {
		flowTools = d.Flow.AllowedTools
	}

	calls := make([]toolloop.Call, 0, len(d.Plan))
	permitted := []string{}
	for _, p := range d.Plan {
		calls = append(calls, toolloop.Call{Tool: p.Tool, Args: p.Args, Planned: true})
		if gating.AllowsPlanned(p.Tool, flowTools) && businessAllows(tc.biz, p.Tool) {
			permitted = append(permitted, p.Tool)
		}
	}

	executed := s.execute(ctx, tc, calls, permitted)
	if fail, ok := s.toolFail(tc, executed); ok {
		return fail
	}

	first := executed[0]
	direct := Reply{Text: first.Result.Message, Source: SourceTool}
	if direct.Text == "" {
		direct = Reply{Text: s.d.Messages.Get("fallback.generic", tc.opts).Text, Source: SourceFallback}
	}
	if !tc.ran(first) || (first.Result.Outcome != tools.OutcomeOK && first.Result.Outcome != tools.OutcomeNotFound) {
		return direct
	}

	history := append(s.history(ctx, tc), planMessages(executed)...)
	return s.compose(ctx, tc, history, nil, func(string) Reply { return direct })
}

// runLLM hands the turn to the model with the gated tool list.
func (s *service) runLLM(ctx context.Context, tc *turnCtx, c classify.Classification) Reply {
	var flowTools []string
	if tc.flow != nil {
		flowTools = tc.flow.AllowedTools
	}
	allowed := tc.biz.AllowedTools
	if len(allowed) == 0 {
		allowed = s.d.Registry.Names()
	}
	gd := s.d.Gating.Apply(gating.Input{
		Confidence:         c.Confidence,
		FlowTools:          flowTools,
		AllowedTools:       allowed,
		VerificationStatus: string(tc.st.VerificationStatus),
	})

	return s.compose(ctx, tc, s.history(ctx, tc), gd.Tools, func(reason string) Reply {
		if reason == reasonLLMUnavailable {
			return Reply{Text: s.d.Messages.Get("llm.unavailable", tc.opts).Text, Source: SourceFallback}
		}
		return Reply{Text: s.d.Guard.Fallback(reason, tc.opts), Source: SourceFallback}
	})
}

// compose generates a draft and reviews it. A rejected draft gets exactly
// one corrective re-generation; a second rejection, or a model failure,
// ends in fallback.
func (s *service) compose(ctx context.Context, tc *turnCtx, history []ai.Message, permitted []string, fallback func(reason string) Reply) Reply {
	g := s.generate(ctx, tc, history, permitted)
	for attempt := 0; ; attempt++ {
		if g.fail != nil {
			return *g.fail
		}
		if g.err != nil {
			slog.Warn("[svc] generation failed", "session_id", tc.t.SessionID, "error", g.err)
			return fallback(reasonLLMUnavailable)
		}

		kind, correction := s.review(ctx, tc, g.text)
		if kind == "" {
			return Reply{Text: g.text, Source: SourceLLM}
		}
		tc.violations = append(tc.violations, kind)
		if attempt > 0 {
			return fallback(kind)
		}

		slog.Info("[svc] re-prompting after rejected draft", "session_id", tc.t.SessionID, "kind", kind)
		retry := make([]ai.Message, 0, len(g.history)+2)
		retry = append(retry, g.history...)
		retry = append(retry,
			ai.Message{Role: "assistant", Text: g.text},
			ai.Message{Role: "system", Text: correction},
		)
		g = s.generate(ctx, tc, retry, permitted)
	}
}

// review returns the violated rule and its corrective instruction, or "".
func (s *service) review(ctx context.Context, tc *turnCtx, draft string) (string, string) {
	if terms := s.d.Guard.ActionClaims(ctx, guard.ClaimInput{
		SessionID:     tc.t.SessionID,
		Draft:         draft,
		HadOKToolCall: tc.hadOK(),
	}); len(terms) > 0 {
		return metrics.ViolationActionClaim, guard.CorrectiveInstruction(metrics.ViolationActionClaim, terms, "")
	}

	f := tc.flow
	if f == nil || f.ToolPolicy == nil {
		return "", ""
	}
	if s.d.Guard.FlowToolPolicyViolated(ctx, guard.PolicyInput{
		SessionID:     tc.t.SessionID,
		Flow:          f.Name,
		RequiredTool:  f.ToolPolicy.RequiredTool,
		SlotsComplete: f.SlotsComplete(tc.st.ExtractedSlots),
		CalledTools:   tc.calledTools(),
	}) {
		return metrics.ViolationFlowToolPolicy, guard.CorrectiveInstruction(metrics.ViolationFlowToolPolicy, nil, f.ToolPolicy.RequiredTool)
	}
	return "", ""
}

type generation struct {
	text    string
	history []ai.Message
	fail    *Reply
	err     error
}

var errEmptyDraft = errors.New("model returned neither text nor tool calls")

// generate runs up to MaxToolIterations generate -> execute rounds, then
// asks once more without tools if the model is still calling them.
func (s *service) generate(ctx context.Context, tc *turnCtx, history []ai.Message, permitted []string) generation {
	if permitted == nil {
		permitted = []string{}
	}
	specs := ToolSpecs(s.d.Registry.Definitions(permitted))

	for i := 0; i < s.cfg.MaxToolIterations; i++ {
		tc.systemPrompt = SystemPrompt(tc.biz, tc.lang, tc.st)
		gen, err := s.d.Generator.Generate(ctx, ai.GenerateRequest{
			SystemPrompt: tc.systemPrompt,
			History:      history,
			Tools:        specs,
		})
		if err != nil {
			return generation{history: history, err: err}
		}
		if len(gen.ToolCalls) == 0 {
			if strings.TrimSpace(gen.Text) == "" {
				return generation{history: history, err: errEmptyDraft}
			}
			return generation{text: gen.Text, history: history}
		}

		calls := make([]toolloop.Call, len(gen.ToolCalls))
		for j, tcall := range gen.ToolCalls {
			calls[j] = toolloop.Call{ID: tcall.ID, Tool: tcall.Name, Args: tcall.Args}
		}
		executed := s.execute(ctx, tc, calls, permitted)

		history = append(history, ai.Message{Role: "assistant", Text: gen.Text, ToolCalls: gen.ToolCalls})
		for j, ex := range executed {
			history = append(history, ai.Message{Role: "tool", ToolCallID: gen.ToolCalls[j].ID, Text: ex.Result.ModelJSON()})
		}
		if fail, ok := s.toolFail(tc, executed); ok {
			return generation{history: history, fail: &fail}
		}
	}

	tc.systemPrompt = SystemPrompt(tc.biz, tc.lang, tc.st)
	gen, err := s.d.Generator.Generate(ctx, ai.GenerateRequest{SystemPrompt: tc.systemPrompt, History: history})
	if err != nil {
		return generation{history: history, err: err}
	}
	if strings.TrimSpace(gen.Text) == "" {
		return generation{history: history, err: errEmptyDraft}
	}
	return generation{text: gen.Text, history: history}
}

func (s *service) execute(ctx context.Context, tc *turnCtx, calls []toolloop.Call, permitted []string) []toolloop.Executed {
	req := toolloop.Request{
		State:    tc.st,
		Business: tc.biz,
		Caller: tools.CallContext{
			SessionID:     tc.t.SessionID,
			Channel:       tc.t.Channel,
			ChannelUserID: tc.t.ChannelUserID,
			FromEmail:     tc.t.FromEmail,
			ActiveFlow:    tc.st.ActiveFlow,
			Language:      tc.lang,
		},
		Language:  tc.lang,
		Permitted: permitted,
	}
	executed := s.d.Loop.Execute(ctx, req, calls)
	for _, ex := range executed {
		if tc.ran(ex) {
			s.d.Router.Advance(tc.st, ex.Call.Tool, ex.Result)
		}
	}
	tc.executed = append(tc.executed, executed...)
	return executed
}

// toolFail replaces the reply when a call ended in INFRA_ERROR after its
// retries.
func (s *service) toolFail(tc *turnCtx, executed []toolloop.Executed) (Reply, bool) {
	for _, ex := range executed {
		if !tc.ran(ex) || ex.Result.Outcome != tools.OutcomeInfraError {
			continue
		}
		f := s.d.Responder.ToolFailResponse(ex.Call.Tool, tc.lang, tc.t.Channel, tc.opts.SeedHint)
		return Reply{Text: f.Reply, ForceEnd: f.ForceEnd, ReplyKey: f.Metadata.Key, Source: SourceToolFail}, true
	}
	return Reply{}, false
}

func (s *service) history(ctx context.Context, tc *turnCtx) []ai.Message {
	msgs, err := s.d.Repo.GetHistory(ctx, tc.t.SessionID, s.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("[svc] history unavailable", "session_id", tc.t.SessionID, "error", err)
	}
	out := make([]ai.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		role := "user"
		if m.Sender == SenderAI || m.Sender == SenderSupporter {
			role = "assistant"
		}
		out = append(out, ai.Message{Role: role, Text: m.Text})
	}
	if n := len(out); n == 0 || out[n-1].Role != "user" || out[n-1].Text != tc.t.Text {
		out = append(out, ai.Message{Role: "user", Text: tc.t.Text})
	}
	return out
}

func (s *service) SaveOnly(ctx context.Context, msg *Message) error {
	if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
		return ErrInvalidTurn
	}
	slog.Info("[svc] save only", "session_id", msg.SessionID, "sender", string(msg.Sender))
	return s.d.Repo.SaveMessage(ctx, msg)
}

func (s *service) save(ctx context.Context, msg *Message) {
	if err := s.d.Repo.SaveMessage(ctx, msg); err != nil {
		slog.Warn("[svc] save message failed", "session_id", msg.SessionID, "sender", string(msg.Sender), "error", err)
	}
}

// planMessages presents router-planned calls to the model as if it had
// made them, so it narrates from the tool results.
func planMessages(executed []toolloop.Executed) []ai.Message {
	call := ai.Message{Role: "assistant"}
	results := make([]ai.Message, 0, len(executed))
	for i, ex := range executed {
		id := "plan-" + strconv.Itoa(i+1)
		call.ToolCalls = append(call.ToolCalls, ai.ToolCall{ID: id, Name: ex.Call.Tool, Args: ex.Args})
		results = append(results, ai.Message{Role: "tool", ToolCallID: id, Text: ex.Result.ModelJSON()})
	}
	return append([]ai.Message{call}, results...)
}

func traces(executed []toolloop.Executed) []ToolTrace {
	out := make([]ToolTrace, 0, len(executed))
	for _, ex := range executed {
		out = append(out, ToolTrace{
			Tool:         ex.Call.Tool,
			Outcome:      string(ex.Result.Outcome),
			Planned:      ex.Call.Planned,
			Blocked:      ex.Blocked,
			Refused:      ex.Refused,
			Attempts:     ex.Attempts,
			Autoverified: ex.Autoverify.Applied,
		})
	}
	return out
}

func businessAllows(biz tools.Business, tool string) bool {
	if len(biz.AllowedTools) == 0 {
		return true
	}
	for _, t := range biz.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
