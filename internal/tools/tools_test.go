package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

const bizID = "biz-1"

var testBiz = Business{ID: bizID, Name: "Demo", Language: messages.TR}

func seeded() *MemoryStore {
	m := NewMemoryStore()
	SeedDemo(m, bizID)
	return m
}

func TestRegistry(t *testing.T) {
	cat := messages.MustLoad()
	store := seeded()

	r, err := NewRegistry(
		NewCustomerLookup(store, cat),
		NewCallbackHandler(store, cat, 0),
		NewProductHandler(store, cat),
	)
	require.NoError(t, err)

	h, ok := r.Handler(CreateCallback)
	require.True(t, ok)
	assert.Equal(t, CreateCallback, h.Name())

	def, ok := r.Definition(CustomerDataLookup)
	require.True(t, ok)
	assert.True(t, def.Critical)
	assert.False(t, def.Mutating)

	_, ok = r.Handler("delete_everything")
	assert.False(t, ok)

	assert.Equal(t, []string{CreateCallback, CustomerDataLookup, GetProductInfo}, r.Names())
	assert.Len(t, r.Definitions([]string{GetProductInfo, "nope"}), 1)

	_, err = NewRegistry(NewProductHandler(store, cat), NewProductHandler(store, cat))
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	def := NewCallbackHandler(nil, messages.MustLoad(), 0).Definition()
	slots := map[string]string{"name": "Ayşe Yılmaz", "phone": "05321234567", "topic": "iade"}

	t.Run("fills missing required from aliases", func(t *testing.T) {
		out, filled := Normalize(map[string]any{}, def, slots)
		assert.Equal(t, "Ayşe Yılmaz", out["customer_name"])
		assert.Equal(t, "05321234567", out["phone"])
		assert.Equal(t, "iade", out["topic"])
		assert.ElementsMatch(t, []string{"customer_name", "phone", "topic"}, filled)
	})

	t.Run("never overwrites model values", func(t *testing.T) {
		in := map[string]any{"customer_name": "Ali Veli", "phone": "   "}
		out, filled := Normalize(in, def, slots)
		assert.Equal(t, "Ali Veli", out["customer_name"])
		assert.Equal(t, "05321234567", out["phone"])
		assert.NotContains(t, filled, "customer_name")
		assert.Equal(t, "   ", in["phone"], "input map is not mutated")
	})

	t.Run("moves alias spelling to canonical name", func(t *testing.T) {
		out, filled := Normalize(map[string]any{"customerName": "Ali Veli"}, def, nil)
		assert.Equal(t, "Ali Veli", out["customer_name"])
		assert.NotContains(t, out, "customerName")
		assert.Empty(t, filled)
	})

	t.Run("optional params without autofill stay empty", func(t *testing.T) {
		out, _ := Normalize(map[string]any{}, def, map[string]string{"priority": "HIGH"})
		assert.NotContains(t, out, "priority")
	})
}

func TestArgsHash(t *testing.T) {
	a := ArgsHash(map[string]any{"order_number": " ORD-9837459 ", "phone_last4": nil, "note": ""})
	b := ArgsHash(map[string]any{"order_number": "ord-9837459"})
	assert.Equal(t, a, b)

	assert.Equal(t,
		ArgsHash(map[string]any{"qty": 5.0, "x": map[string]any{"b": "1", "a": "2"}}),
		ArgsHash(map[string]any{"x": map[string]any{"a": "2", "b": "1"}, "qty": 5}),
	)
	assert.NotEqual(t, a, ArgsHash(map[string]any{"order_number": "ORD-9837450"}))
	assert.NotEqual(t,
		ArgsHash(map[string]any{"list": []any{"a", "b"}}),
		ArgsHash(map[string]any{"list": []any{"b", "a"}}),
	)
	assert.Len(t, ArgsHash(nil), 64)
}

func TestTopicHash(t *testing.T) {
	assert.Equal(t, TopicHash("Kargo  GECİKMESİ"), TopicHash(" kargo gecikmesi"))
	assert.NotEqual(t, TopicHash("kargo"), TopicHash("iade"))
}

func TestBind(t *testing.T) {
	args, invalid := bind[LookupArgs](map[string]any{"order_number": 9837459.0, "phone_last4": "45a7"})
	assert.Equal(t, []string{"phone_last4"}, invalid)
	assert.Equal(t, "9837459", args.OrderNumber)

	_, invalid = bind[CallbackArgs](map[string]any{"phone": "05321234567"})
	assert.Equal(t, []string{"customer_name"}, invalid)

	_, invalid = bind[AppointmentArgs](map[string]any{
		"customer_name": "Ali", "phone": "05321234567", "date": "12.05.2030", "time": "14:30",
	})
	assert.Equal(t, []string{"date"}, invalid)
}

func TestResultContract(t *testing.T) {
	assert.True(t, NotFound("x").Success)
	assert.True(t, NeedMoreInfo("x", "phone").Success)
	assert.False(t, InfraError(errors.New("x")).Success)
	assert.False(t, VerificationRequired("x", nil, nil).Success)

	r := VerificationRequired("verify", &IdentityContext{AnchorCustomerID: "cus-secret"}, &Gated{Message: "hidden"})
	j := r.ModelJSON()
	assert.NotContains(t, j, "cus-secret")
	assert.NotContains(t, j, "hidden")
	assert.Contains(t, j, `"outcome":"VERIFICATION_REQUIRED"`)
}

type failingStore struct{ *MemoryStore }

func (failingStore) OrderByNumber(context.Context, string, string) (OrderRecord, error) {
	return OrderRecord{}, errors.New("connection refused")
}

func TestCustomerLookup(t *testing.T) {
	cat := messages.MustLoad()
	store := seeded()
	store.AddCustomer(bizID, CustomerRecord{ID: "cus-dup-1", Phone: "5550001122"})
	store.AddCustomer(bizID, CustomerRecord{ID: "cus-dup-2", Phone: "05550001122"})
	h := NewCustomerLookup(store, cat)
	chat := CallContext{Channel: identity.ChannelChat, SessionID: "s1"}
	wa := CallContext{Channel: identity.ChannelWhatsApp, ChannelUserID: "905321234567", SessionID: "s1"}

	tests := []struct {
		name    string
		args    map[string]any
		cc      CallContext
		outcome Outcome
		askFor  []string
	}{
		{"chat without last4 asks for it", map[string]any{"order_number": "ORD-9837459"}, chat, OutcomeNeedMoreInfo, []string{"phone_last4"}},
		{"matching last4 answers", map[string]any{"order_number": "ord-9837459", "phone_last4": "4567"}, chat, OutcomeOK, nil},
		{"wrong last4", map[string]any{"order_number": "ORD-9837459", "phone_last4": "0000"}, chat, OutcomeValidationError, []string{"phone_last4"}},
		{"unknown order", map[string]any{"order_number": "ORD-1"}, chat, OutcomeNotFound, nil},
		{"no identifier", map[string]any{"query_type": "debt"}, chat, OutcomeValidationError, []string{"order_number"}},
		{"ambiguous phone", map[string]any{"phone": "0555 000 11 22"}, chat, OutcomeNeedMoreInfo, []string{"order_number"}},
		{"bad query type", map[string]any{"order_number": "ORD-9837459", "query_type": "passwords"}, chat, OutcomeValidationError, []string{"query_type"}},
		{"whatsapp needs verification", map[string]any{"order_number": "ORD-9837459"}, wa, OutcomeVerificationRequired, []string{"phone_last4"}},
		{"debt by phone asks for an order", map[string]any{"phone": "+90 532 123 45 67", "query_type": "DEBT"}, chat, OutcomeNeedMoreInfo, []string{"order_number"}},
		{"last4 of the typed phone proves nothing", map[string]any{"phone": "05321234567", "query_type": "debt", "phone_last4": identity.Last4("05321234567")}, chat, OutcomeNeedMoreInfo, []string{"order_number"}},
		{"debt by phone with own order answers", map[string]any{"phone": "05321234567", "query_type": "debt", "order_number": "ORD-9837459"}, chat, OutcomeOK, nil},
		{"someone else's order still needs last4", map[string]any{"phone": "05339876543", "query_type": "debt", "order_number": "ORD-9837459"}, chat, OutcomeNeedMoreInfo, []string{"phone_last4"}},
		{"whatsapp phone lookup needs channel proof", map[string]any{"phone": "05321234567", "query_type": "debt"}, wa, OutcomeVerificationRequired, []string{"order_number"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := h.Execute(context.Background(), tc.args, testBiz, tc.cc)
			assert.Equal(t, tc.outcome, r.Outcome)
			assert.Equal(t, tc.outcome.Completed(), r.Success)
			assert.Equal(t, tc.askFor, r.AskFor)
			assert.NotEmpty(t, r.Message)
		})
	}

	t.Run("verification result carries anchor and withholds data", func(t *testing.T) {
		r := h.Execute(context.Background(), map[string]any{"order_number": "ORD-9837459"}, testBiz, wa)
		require.NotNil(t, r.IdentityContext)
		require.NotNil(t, r.Gated)
		assert.Nil(t, r.Data)
		assert.Equal(t, "cus-1001", r.IdentityContext.AnchorCustomerID)
		assert.Equal(t, "orders", r.IdentityContext.AnchorSourceTable)
		assert.Contains(t, r.Gated.Message, "kargoda")
		assert.NotContains(t, r.Message, "kargoda")
	})

	t.Run("phone lookup never leaks the balance", func(t *testing.T) {
		r := h.Execute(context.Background(), map[string]any{"query_type": "debt", "phone": "05321234567", "phone_last4": "4567"}, testBiz, chat)
		assert.Nil(t, r.Data)
		assert.NotContains(t, r.Message, "1250")

		r = h.Execute(context.Background(), map[string]any{"query_type": "debt", "phone": "05321234567"}, testBiz, wa)
		require.NotNil(t, r.IdentityContext)
		assert.Equal(t, "customers", r.IdentityContext.AnchorSourceTable)
		assert.Nil(t, r.Data)
	})

	t.Run("store failure is infra error", func(t *testing.T) {
		h := NewCustomerLookup(failingStore{store}, cat)
		r := h.Execute(context.Background(), map[string]any{"order_number": "ORD-9837459"}, testBiz, chat)
		assert.Equal(t, OutcomeInfraError, r.Outcome)
		assert.Error(t, r.Err)
	})
}

func TestCallbackDedup(t *testing.T) {
	cat := messages.MustLoad()
	store := NewMemoryStore()
	h := NewCallbackHandler(store, cat, 15*time.Minute).(*callbackHandler)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	call := func(phone, topic string) Result {
		return h.Execute(context.Background(), map[string]any{
			"customer_name": "Ayşe Yılmaz",
			"phone":         phone,
			"topic":         topic,
		}, testBiz, CallContext{Channel: identity.ChannelChat})
	}
	id := func(r Result) string {
		require.Equal(t, OutcomeOK, r.Outcome)
		return r.Data.(map[string]any)["callback_id"].(string)
	}

	first := id(call("0532 123 45 67", "Kargo gecikmesi"))

	now = now.Add(10 * time.Minute)
	second := call("+905321234567", "kargo  GECİKMESİ")
	assert.Equal(t, first, id(second))
	assert.Equal(t, true, second.Data.(map[string]any)["deduplicated"])

	other := id(call("05321234567", "iade"))
	assert.NotEqual(t, first, other)

	now = now.Add(6 * time.Minute)
	third := id(call("05321234567", "kargo gecikmesi"))
	assert.NotEqual(t, first, third)

	assert.Len(t, store.Callbacks(), 3)
}

func TestCallbackDedupConcurrent(t *testing.T) {
	cat := messages.MustLoad()
	store := NewMemoryStore()
	h := NewCallbackHandler(store, cat, 0)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := h.Execute(context.Background(), map[string]any{
				"customer_name": "Ali Veli", "phone": "05321234567", "topic": "iade",
			}, testBiz, CallContext{})
			ids[i] = r.Data.(map[string]any)["callback_id"].(string)
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, store.Callbacks(), 1)
}

func TestCallbackPriority(t *testing.T) {
	store := NewMemoryStore()
	h := NewCallbackHandler(store, messages.MustLoad(), 0)

	r := h.Execute(context.Background(), map[string]any{"customer_name": "Ali Veli", "phone": "05321234567"},
		testBiz, CallContext{ActiveFlow: "COMPLAINT"})
	require.Equal(t, OutcomeOK, r.Outcome)
	assert.Equal(t, "HIGH", r.Data.(map[string]any)["priority"])
	assert.Equal(t, "complaint", store.Callbacks()[0].Topic)

	r = h.Execute(context.Background(), map[string]any{"customer_name": "Ali Veli", "phone": "05321234567", "priority": "sometimes"},
		testBiz, CallContext{})
	assert.Equal(t, OutcomeValidationError, r.Outcome)
	assert.Equal(t, []string{"priority"}, r.AskFor)
}

func TestAppointment(t *testing.T) {
	store := NewMemoryStore()
	h := NewAppointmentHandler(store, messages.MustLoad(), time.UTC).(*appointmentHandler)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	args := func(date, tm string) map[string]any {
		return map[string]any{"customer_name": "Ali Veli", "phone": "05321234567", "date": date, "time": tm}
	}

	r := h.Execute(context.Background(), args("2026-03-02", "14:30"), testBiz, CallContext{})
	assert.Equal(t, OutcomeOK, r.Outcome)

	r = h.Execute(context.Background(), args("2026-03-02", "14:30"), testBiz, CallContext{})
	assert.Equal(t, OutcomeValidationError, r.Outcome)
	assert.Equal(t, []string{"time"}, r.AskFor)

	r = h.Execute(context.Background(), args("2026-02-27", "10:00"), testBiz, CallContext{})
	assert.Equal(t, OutcomeValidationError, r.Outcome)
	assert.Equal(t, []string{"date"}, r.AskFor)
}

func TestProductInfo(t *testing.T) {
	h := NewProductHandler(seeded(), messages.MustLoad())

	r := h.Execute(context.Background(), map[string]any{"product_name": "kulaklık"}, testBiz, CallContext{})
	require.Equal(t, OutcomeOK, r.Outcome)
	assert.Len(t, r.Data.(map[string]any)["products"], 2)
	assert.Contains(t, r.Message, "Kablosuz Kulaklık")

	r = h.Execute(context.Background(), map[string]any{"product_name": "telefon"}, testBiz, CallContext{})
	assert.Equal(t, OutcomeNotFound, r.Outcome)
	assert.True(t, r.Success)
}
