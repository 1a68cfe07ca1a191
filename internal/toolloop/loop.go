package toolloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
	"github.com/Vovarama1992/convo-guard/internal/retry"
	"github.com/Vovarama1992/convo-guard/internal/state"
	"github.com/Vovarama1992/convo-guard/internal/tools"
	"github.com/Vovarama1992/convo-guard/internal/verify"
)

var tracer = otel.Tracer("convo-guard.toolloop")

const DefaultToolTimeout = 8 * time.Second

// Autoverifier is the slice of verify.Engine the loop needs.
type Autoverifier interface {
	TryAutoverify(ctx context.Context, toolName string, res *tools.Result) verify.Decision
}

type Call struct {
	// ID is the model's tool call id; empty for router-planned calls.
	ID      string
	Tool    string
	Args    map[string]any
	Planned bool
}

type Executed struct {
	Call       Call
	Args       map[string]any
	ArgsHash   string
	Filled     []string
	Result     tools.Result
	Blocked    bool
	Refused    bool
	Unknown    bool
	Attempts   int
	Autoverify verify.Decision
}

type Request struct {
	State    *state.ConversationState
	Business tools.Business
	Caller   tools.CallContext
	Language messages.Language
	// Permitted is the gated tool list; a call outside it is refused without
	// running. Nil permits every registered tool.
	Permitted []string
}

type Config struct {
	ToolTimeout time.Duration
	// Retry applies to critical tools that end in INFRA_ERROR.
	Retry retry.Policy
}

type Loop struct {
	reg      *tools.Registry
	guard    *Guard
	verifier Autoverifier
	msgs     *messages.Catalog
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

func NewLoop(reg *tools.Registry, guard *Guard, verifier Autoverifier, msgs *messages.Catalog, m *metrics.Metrics, cfg Config) *Loop {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Critical()
	}
	return &Loop{
		reg:      reg,
		guard:    guard,
		verifier: verifier,
		msgs:     msgs,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Execute runs calls for one turn and returns their results in call order.
// Normalization and the repeat-call guard run per call before dispatch;
// the surviving calls run concurrently. Handlers run detached from ctx
// cancellation so a committed write is never cut in half.
func (l *Loop) Execute(ctx context.Context, req Request, calls []Call) []Executed {
	out := make([]Executed, len(calls))
	var permitted map[string]bool
	if req.Permitted != nil {
		permitted = make(map[string]bool, len(req.Permitted))
		for _, t := range req.Permitted {
			permitted[t] = true
		}
	}
	opts := messages.Options{Language: req.Language, Channel: string(req.Caller.Channel), SeedHint: req.State.SessionID}

	var dispatch []int
	for i, c := range calls {
		ex := Executed{Call: c}
		def, known := l.reg.Definition(c.Tool)
		if !known {
			// a name missing from the registry is a wiring fault, not a refusal
			ex.Unknown = true
			ex.Result = tools.InfraError(fmt.Errorf("unknown tool %q", c.Tool))
			slog.Error("[tool] unknown tool",
				"session_id", req.State.SessionID,
				"tool", c.Tool,
				"planned", c.Planned,
			)
			out[i] = ex
			continue
		}
		if permitted != nil && !permitted[c.Tool] {
			ex.Refused = true
			ex.Result = tools.ValidationError(l.msgs.Get("tool.not_permitted", opts).Text)
			l.metrics.Violation(ctx, metrics.ViolationToolNotPermitted,
				"session_id", req.State.SessionID,
				"tool", c.Tool,
			)
			out[i] = ex
			continue
		}

		ex.Args, ex.Filled = tools.Normalize(c.Args, def, req.State.ExtractedSlots)
		ex.ArgsHash = tools.ArgsHash(ex.Args)

		if b := l.guard.ShouldBlock(ctx, BlockInput{
			State:    req.State,
			Tool:     c.Tool,
			ArgsHash: ex.ArgsHash,
			Language: req.Language,
			Channel:  string(req.Caller.Channel),
		}); b.Blocked {
			ex.Blocked = true
			ex.Result = tools.Result{Outcome: b.Outcome, Success: b.Outcome.Completed(), Message: b.Message, AskFor: b.AskFor}
			out[i] = ex
			continue
		}

		out[i] = ex
		dispatch = append(dispatch, i)
	}

	var g errgroup.Group
	for _, i := range dispatch {
		g.Go(func() error {
			out[i].Result, out[i].Attempts = l.run(ctx, req, out[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range out {
		ex := &out[i]
		if ex.Refused || ex.Unknown {
			continue
		}
		if !ex.Blocked {
			ex.Autoverify = l.verifier.TryAutoverify(ctx, ex.Call.Tool, &ex.Result)
			l.metrics.ToolCall(ex.Call.Tool, string(ex.Result.Outcome))
		}
		req.State.RecordAttempt(ex.Call.Tool, ex.ArgsHash, ex.Result.Outcome, ex.Result.AskFor, l.now())

		slog.Info("[tool] done",
			"session_id", req.State.SessionID,
			"tool", ex.Call.Tool,
			"planned", ex.Call.Planned,
			"outcome", string(ex.Result.Outcome),
			"blocked", ex.Blocked,
			"attempts", ex.Attempts,
			"autoverified", ex.Autoverify.Applied,
			"filled", ex.Filled,
		)
	}
	return out
}

func (l *Loop) run(ctx context.Context, req Request, ex Executed) (tools.Result, int) {
	h, _ := l.reg.Handler(ex.Call.Tool)
	def := h.Definition()

	// retries of a started call outlive the request as well
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "tool."+ex.Call.Tool,
		trace.WithAttributes(
			attribute.String("tool.name", ex.Call.Tool),
			attribute.String("tool.args_hash", ex.ArgsHash),
			attribute.Bool("tool.planned", ex.Call.Planned),
			attribute.String("session.id", req.State.SessionID),
		),
	)
	defer span.End()

	policy := l.cfg.Retry
	if !def.Critical {
		policy.MaxAttempts = 1
	}
	res, st := retry.Do(ctx, policy, func(ctx context.Context, attempt int) tools.Result {
		if attempt > 1 {
			l.metrics.ToolRetry(ex.Call.Tool)
			slog.Warn("[tool] retrying", "tool", ex.Call.Tool, "attempt", attempt)
		}
		return l.invoke(ctx, h, ex.Args, req)
	}, func(r tools.Result) bool {
		return r.Outcome == tools.OutcomeInfraError
	})

	span.SetAttributes(
		attribute.String("tool.outcome", string(res.Outcome)),
		attribute.Int("tool.attempts", st.Attempts),
	)
	if res.Outcome == tools.OutcomeInfraError {
		span.SetStatus(codes.Error, "infra error")
		if res.Err != nil {
			span.RecordError(res.Err)
			slog.Error("[tool] infra error", "tool", ex.Call.Tool, "attempts", st.Attempts, "error", res.Err)
		}
	}
	return res, st.Attempts
}

// invoke runs one handler call under the tool timeout. A handler that
// ignores its context or panics still yields INFRA_ERROR.
func (l *Loop) invoke(ctx context.Context, h tools.Handler, args map[string]any, req Request) tools.Result {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ToolTimeout)
	defer cancel()

	done := make(chan tools.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- tools.InfraError(fmt.Errorf("tool %s panic: %v", h.Name(), r))
			}
		}()
		done <- h.Execute(tctx, args, req.Business, req.Caller)
	}()

	select {
	case res := <-done:
		if res.Outcome == "" {
			return tools.InfraError(errors.New("tool " + h.Name() + " returned no outcome"))
		}
		return res
	case <-tctx.Done():
		return tools.InfraError(fmt.Errorf("tool %s: %w", h.Name(), tctx.Err()))
	}
}
