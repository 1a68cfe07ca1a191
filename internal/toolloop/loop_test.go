package toolloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/retry"
	"github.com/Vovarama1992/convo-guard/internal/state"
	"github.com/Vovarama1992/convo-guard/internal/tools"
	"github.com/Vovarama1992/convo-guard/internal/verify"
)

const bizID = "biz-1"

var biz = tools.Business{ID: bizID, Name: "Demo", Language: messages.TR}

// stubHandler returns results from fn and counts calls.
type stubHandler struct {
	name     string
	critical bool
	calls    atomic.Int32
	fn       func(ctx context.Context, n int) tools.Result
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Definition() tools.Definition {
	return tools.Definition{Name: h.name, Critical: h.critical}
}

func (h *stubHandler) Execute(ctx context.Context, _ map[string]any, _ tools.Business, _ tools.CallContext) tools.Result {
	n := int(h.calls.Add(1))
	return h.fn(ctx, n)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newLoop(t *testing.T, extra ...tools.Handler) (*Loop, *tools.MemoryStore) {
	t.Helper()
	cat := messages.MustLoad()
	store := tools.NewMemoryStore()
	tools.SeedDemo(store, bizID)

	hs := append([]tools.Handler{
		tools.NewCustomerLookup(store, cat),
		tools.NewCallbackHandler(store, cat, tools.DefaultDedupWindow),
	}, extra...)
	reg, err := tools.NewRegistry(hs...)
	require.NoError(t, err)

	policy := retry.Critical()
	policy.Sleep = noSleep
	l := NewLoop(reg, NewGuard(cat, nil),
		verify.NewEngine(identity.NewEngine(store, time.Second), nil),
		cat, nil, Config{ToolTimeout: 200 * time.Millisecond, Retry: policy})
	return l, store
}

func chatRequest(st *state.ConversationState) Request {
	return Request{
		State:    st,
		Business: biz,
		Caller:   tools.CallContext{SessionID: st.SessionID, Channel: identity.ChannelChat, Language: messages.TR},
		Language: messages.TR,
	}
}

func lookupCall() Call {
	return Call{Tool: tools.CustomerDataLookup, Args: map[string]any{"query_type": "order", "order_number": "ORD-9837459"}}
}

func TestRepeatedLookupIsBlockedUntilLast4Arrives(t *testing.T) {
	l, _ := newLoop(t)
	st := state.New("s1", bizID)
	st.MergeSlots(map[string]string{"order_number": "ORD-9837459"})
	ctx := context.Background()

	first := l.Execute(ctx, chatRequest(st), []Call{lookupCall()})
	require.Len(t, first, 1)
	assert.Equal(t, tools.OutcomeNeedMoreInfo, first[0].Result.Outcome)
	assert.Equal(t, []string{"phone_last4"}, first[0].Result.AskFor)
	assert.False(t, first[0].Blocked)

	second := l.Execute(ctx, chatRequest(st), []Call{lookupCall()})
	require.Len(t, second, 1)
	assert.True(t, second[0].Blocked)
	assert.Equal(t, tools.OutcomeNeedMoreInfo, second[0].Result.Outcome)
	assert.Equal(t, []string{"phone_last4"}, second[0].Result.AskFor)
	assert.Contains(t, second[0].Result.Message, "son 4")
	assert.Equal(t, 2, st.LastToolAttempt.Count)

	st.MergeSlots(map[string]string{"phone_last4": "4567"})
	third := l.Execute(ctx, chatRequest(st), []Call{lookupCall()})
	require.Len(t, third, 1)
	assert.False(t, third[0].Blocked)
	assert.Equal(t, tools.OutcomeOK, third[0].Result.Outcome)
	assert.Equal(t, []string{"phone_last4"}, third[0].Filled)
}

func TestGuardUnblocksOnNewFieldValue(t *testing.T) {
	g := NewGuard(messages.MustLoad(), nil)
	st := state.New("s1", bizID)
	st.MergeSlots(map[string]string{"order_number": "ORD-1"})
	st.RecordAttempt(tools.CustomerDataLookup, "h", tools.OutcomeNeedMoreInfo, []string{"phone_last4"}, time.Now())

	in := BlockInput{State: st, Tool: tools.CustomerDataLookup, ArgsHash: "h", Language: messages.EN}
	b := g.ShouldBlock(context.Background(), in)
	require.True(t, b.Blocked)
	assert.Contains(t, b.Message, "last 4 digits")

	st.MergeSlots(map[string]string{"customer_name": "Ayşe"})
	assert.True(t, g.ShouldBlock(context.Background(), in).Blocked, "unrelated slots do not unblock")

	st.MergeSlots(map[string]string{"last4": "4567"})
	assert.False(t, g.ShouldBlock(context.Background(), in).Blocked, "an alias of the asked field counts")
}

func TestGuardIgnoresOtherCalls(t *testing.T) {
	g := NewGuard(messages.MustLoad(), nil)
	st := state.New("s1", bizID)
	ctx := context.Background()

	assert.False(t, g.ShouldBlock(ctx, BlockInput{State: st, Tool: "x", ArgsHash: "h"}).Blocked, "no history")

	st.RecordAttempt("x", "h", tools.OutcomeNotFound, nil, time.Now())
	assert.False(t, g.ShouldBlock(ctx, BlockInput{State: st, Tool: "x", ArgsHash: "h"}).Blocked, "answers are final")

	st.RecordAttempt("x", "h", tools.OutcomeValidationError, []string{"date"}, time.Now())
	assert.False(t, g.ShouldBlock(ctx, BlockInput{State: st, Tool: "x", ArgsHash: "other"}).Blocked)
	assert.False(t, g.ShouldBlock(ctx, BlockInput{State: st, Tool: "y", ArgsHash: "h"}).Blocked)
	assert.True(t, g.ShouldBlock(ctx, BlockInput{State: st, Tool: "x", ArgsHash: "h"}).Blocked)
}

func TestCriticalInfraErrorIsRetriedOnce(t *testing.T) {
	h := &stubHandler{name: "flaky", critical: true, fn: func(_ context.Context, n int) tools.Result {
		if n == 1 {
			return tools.InfraError(errors.New("db down"))
		}
		return tools.OK(nil, "ok")
	}}
	l, _ := newLoop(t, h)
	st := state.New("s1", bizID)

	out := l.Execute(context.Background(), chatRequest(st), []Call{{Tool: "flaky"}})
	assert.Equal(t, tools.OutcomeOK, out[0].Result.Outcome)
	assert.Equal(t, 2, out[0].Attempts)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestRetryStopsAfterOneExtraAttempt(t *testing.T) {
	h := &stubHandler{name: "down", critical: true, fn: func(context.Context, int) tools.Result {
		return tools.InfraError(errors.New("db down"))
	}}
	l, _ := newLoop(t, h)

	out := l.Execute(context.Background(), chatRequest(state.New("s1", bizID)), []Call{{Tool: "down"}})
	assert.Equal(t, tools.OutcomeInfraError, out[0].Result.Outcome)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestNonInfraOutcomesAndNonCriticalToolsAreNotRetried(t *testing.T) {
	answer := &stubHandler{name: "answer", critical: true, fn: func(context.Context, int) tools.Result {
		return tools.NeedMoreInfo("which one?", "order_number")
	}}
	plain := &stubHandler{name: "plain", fn: func(context.Context, int) tools.Result {
		return tools.InfraError(errors.New("down"))
	}}
	l, _ := newLoop(t, answer, plain)

	out := l.Execute(context.Background(), chatRequest(state.New("s1", bizID)), []Call{{Tool: "answer"}, {Tool: "plain"}})
	assert.Equal(t, tools.OutcomeNeedMoreInfo, out[0].Result.Outcome)
	assert.Equal(t, tools.OutcomeInfraError, out[1].Result.Outcome)
	assert.EqualValues(t, 1, answer.calls.Load())
	assert.EqualValues(t, 1, plain.calls.Load())
}

func TestPanicAndHangBecomeInfraError(t *testing.T) {
	boom := &stubHandler{name: "boom", fn: func(context.Context, int) tools.Result {
		panic("nil map")
	}}
	hang := &stubHandler{name: "hang", fn: func(context.Context, int) tools.Result {
		time.Sleep(time.Second)
		return tools.OK(nil, "late")
	}}
	l, _ := newLoop(t, boom, hang)

	start := time.Now()
	out := l.Execute(context.Background(), chatRequest(state.New("s1", bizID)), []Call{{Tool: "boom"}, {Tool: "hang"}})
	assert.Equal(t, tools.OutcomeInfraError, out[0].Result.Outcome)
	assert.Equal(t, tools.OutcomeInfraError, out[1].Result.Outcome)
	assert.ErrorIs(t, out[1].Result.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestCallsRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(context.Context, int) tools.Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return tools.OK(nil, "ok")
	}
	a := &stubHandler{name: "a", fn: slow}
	b := &stubHandler{name: "b", fn: slow}
	l, _ := newLoop(t, a, b)

	out := l.Execute(context.Background(), chatRequest(state.New("s1", bizID)), []Call{{Tool: "a"}, {Tool: "b"}})
	assert.Equal(t, "a", out[0].Call.Tool, "results keep call order")
	assert.Equal(t, "b", out[1].Call.Tool)
	assert.EqualValues(t, 2, peak.Load())
}

func TestCancelledRequestStillCommits(t *testing.T) {
	l, store := newLoop(t)
	st := state.New("s1", bizID)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := l.Execute(ctx, chatRequest(st), []Call{{
		Tool: tools.CreateCallback,
		Args: map[string]any{"customer_name": "Ayşe Yılmaz", "phone": "0532 123 45 67"},
	}})
	assert.Equal(t, tools.OutcomeOK, out[0].Result.Outcome)
	assert.Len(t, store.Callbacks(), 1)
}

func TestToolsOutsideGatedListAreRefused(t *testing.T) {
	l, store := newLoop(t)
	st := state.New("s1", bizID)
	req := chatRequest(st)
	req.Permitted = []string{tools.CustomerDataLookup}

	out := l.Execute(context.Background(), req, []Call{
		{Tool: tools.CreateCallback, Args: map[string]any{"customer_name": "X Y", "phone": "05321234567"}},
	})
	require.Len(t, out, 1)
	assert.True(t, out[0].Refused)
	assert.Equal(t, tools.OutcomeValidationError, out[0].Result.Outcome)
	assert.Empty(t, store.Callbacks())
	assert.Nil(t, st.LastToolAttempt, "refused calls are not attempts")
}

func TestUnknownToolIsInfraError(t *testing.T) {
	l, _ := newLoop(t)
	st := state.New("s1", bizID)

	out := l.Execute(context.Background(), chatRequest(st), []Call{
		{Tool: "drop_tables", Planned: true},
		lookupCall(),
	})
	require.Len(t, out, 2)
	assert.True(t, out[0].Unknown)
	assert.False(t, out[0].Refused)
	assert.Equal(t, tools.OutcomeInfraError, out[0].Result.Outcome)
	assert.ErrorContains(t, out[0].Result.Err, "drop_tables")
	assert.Zero(t, out[0].Attempts)

	assert.Equal(t, tools.OutcomeNeedMoreInfo, out[1].Result.Outcome, "other calls still run")
	require.NotNil(t, st.LastToolAttempt)
	assert.Equal(t, tools.CustomerDataLookup, st.LastToolAttempt.Tool)
}

func TestAutoverifyOnWhatsApp(t *testing.T) {
	l, _ := newLoop(t)
	st := state.New("s1", bizID)
	req := chatRequest(st)
	req.Caller.Channel = identity.ChannelWhatsApp
	req.Caller.ChannelUserID = "+90 532 123 45 67"

	out := l.Execute(context.Background(), req, []Call{lookupCall()})
	assert.True(t, out[0].Autoverify.Applied)
	assert.Equal(t, tools.OutcomeOK, out[0].Result.Outcome)
	assert.Empty(t, out[0].Result.AskFor)
	assert.Equal(t, tools.OutcomeOK, st.LastToolAttempt.Outcome)

	req.Caller.ChannelUserID = "+90 533 987 65 43"
	out = l.Execute(context.Background(), req, []Call{lookupCall()})
	assert.False(t, out[0].Autoverify.Applied, "another customer's phone")
	assert.Equal(t, tools.OutcomeVerificationRequired, out[0].Result.Outcome)
}
