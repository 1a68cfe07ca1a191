package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

const (
	CreateCallback = "create_callback"

	DefaultDedupWindow = 15 * time.Minute
	statusPending      = "PENDING"
)

type callbackHandler struct {
	store  CallbackStore
	cat    *messages.Catalog
	window time.Duration
	now    func() time.Time
}

func NewCallbackHandler(store CallbackStore, cat *messages.Catalog, window time.Duration) Handler {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &callbackHandler{store: store, cat: cat, window: window, now: time.Now}
}

func (h *callbackHandler) Name() string { return CreateCallback }

func (h *callbackHandler) Definition() Definition {
	return Definition{
		Name:        CreateCallback,
		Description: "Registers a request for a human agent to call the customer back.",
		Parameters: []Parameter{
			{Name: "customer_name", Type: "string", Required: true, Description: "Full name of the customer."},
			{Name: "phone", Type: "string", Required: true, Description: "Phone number to call back."},
			{Name: "topic", Type: "string", AutoFill: true, Description: "Short topic of the request."},
			{Name: "priority", Type: "string", Enum: []string{"LOW", "NORMAL", "HIGH", "URGENT"}},
		},
		Mutating:                  true,
		Critical:                  true,
		AllowedDuringVerification: true,
	}
}

func (h *callbackHandler) Execute(ctx context.Context, raw map[string]any, biz Business, cc CallContext) Result {
	opts := messages.Options{Language: cc.Language, Channel: string(cc.Channel), SeedHint: cc.SessionID}

	if p, ok := raw["priority"].(string); ok {
		raw["priority"] = strings.ToUpper(strings.TrimSpace(p))
	}
	args, invalid := bind[CallbackArgs](raw)
	if invalid != nil {
		return invalidArgs(h.cat, invalid, cc.Language)
	}

	topic := strings.TrimSpace(args.Topic)
	if topic == "" {
		topic = "general"
		if cc.ActiveFlow != "" {
			topic = strings.ToLower(cc.ActiveFlow)
		}
	}

	priority := Priority(args.Priority)
	if priority == "" {
		priority = PriorityNormal
		if cc.ActiveFlow == "COMPLAINT" {
			priority = PriorityHigh
		}
	}

	phone := identity.NationalNumber(args.Phone)
	req := CallbackRequest{
		ID:            uuid.NewString(),
		BusinessID:    biz.ID,
		CustomerName:  strings.TrimSpace(args.CustomerName),
		CustomerPhone: phone,
		Topic:         topic,
		TopicHash:     TopicHash(topic),
		Priority:      priority,
		Status:        statusPending,
		RequestedAt:   h.now().UTC(),
	}

	id, created, err := h.store.CreateOrGetPending(ctx, req, h.window)
	if err != nil {
		return InfraError(fmt.Errorf("create callback: %w", err))
	}

	slog.Info("[tool] callback",
		"business_id", biz.ID,
		"callback_id", id,
		"created", created,
		"priority", string(priority),
	)

	data := map[string]any{"callback_id": id, "deduplicated": !created, "priority": string(priority)}
	key := "callback.created"
	if !created {
		key = "callback.duplicate"
	}
	return OK(data, h.cat.Get(key, opts).Text)
}
