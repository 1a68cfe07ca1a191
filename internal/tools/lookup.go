package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

const CustomerDataLookup = "customer_data_lookup"

type customerLookup struct {
	store CustomerStore
	cat   *messages.Catalog
}

func NewCustomerLookup(store CustomerStore, cat *messages.Catalog) Handler {
	return &customerLookup{store: store, cat: cat}
}

func (h *customerLookup) Name() string { return CustomerDataLookup }

func (h *customerLookup) Definition() Definition {
	return Definition{
		Name:        CustomerDataLookup,
		Description: "Looks up the caller's order status, balance or profile by order number or phone.",
		Parameters: []Parameter{
			{Name: "query_type", Type: "string", Enum: []string{"order", "debt", "profile"}, Description: "What to look up; defaults to order."},
			{Name: "order_number", Type: "string", AutoFill: true, Description: "Order number such as ORD-123456."},
			{Name: "phone", Type: "string", AutoFill: true, Description: "Phone number registered with the business."},
			{Name: "phone_last4", Type: "string", AutoFill: true, Description: "Last 4 digits of the registered phone, for verification."},
		},
		Critical: true,
	}
}

// anchor is the record an answer is bound to.
type anchor struct {
	id          string
	customerID  string
	sourceTable string
	phone       string
	customer    *CustomerRecord
	order       *OrderRecord
}

func (h *customerLookup) Execute(ctx context.Context, raw map[string]any, biz Business, cc CallContext) Result {
	opts := messages.Options{Language: cc.Language, Channel: string(cc.Channel), SeedHint: cc.SessionID}

	if qt, ok := raw["query_type"].(string); ok {
		raw["query_type"] = strings.ToLower(strings.TrimSpace(qt))
	}
	args, invalid := bind[LookupArgs](raw)
	if invalid != nil {
		return invalidArgs(h.cat, invalid, cc.Language)
	}
	if args.QueryType == "" {
		args.QueryType = "order"
	}
	if args.OrderNumber == "" && args.Phone == "" {
		return ValidationError(h.cat.Get("lookup.need_identifier", opts).Text, "order_number")
	}

	var (
		a   anchor
		res *Result
	)
	if args.OrderNumber != "" {
		a, res = h.byOrderNumber(ctx, biz.ID, args, opts)
	} else {
		a, res = h.byPhone(ctx, biz.ID, args, opts)
	}
	if res != nil {
		return *res
	}

	data, msg, ok := h.answer(args.QueryType, a, opts)
	if !ok {
		return NotFound(h.cat.Get("lookup.not_found", opts).Text)
	}

	// A phone the caller typed is the lookup key, not a secret: its last
	// digits prove nothing. Only an order of the same customer or the
	// channel identity can verify a phone-anchored lookup.
	if a.sourceTable == "customers" {
		if cc.Channel == identity.ChannelChat || cc.Channel == "" {
			return NeedMoreInfo(h.cat.Get("lookup.verify_order", opts).Text, "order_number")
		}
		return VerificationRequired(h.cat.Get("verification.required", opts).Text, h.identityContext(a, args, biz, cc), &Gated{Data: data, Message: msg}, "order_number")
	}

	// order number plus the registered phone; another number is just a
	// contact number and proves nothing
	if args.PhoneLast4 == "" && args.Phone != "" && a.phone != "" && samePhone(args.Phone, a.phone) {
		return OK(data, msg)
	}

	if args.PhoneLast4 != "" {
		if a.phone == "" || identity.Last4(a.phone) != args.PhoneLast4 {
			slog.Info("[tool] last4 mismatch", "tool", CustomerDataLookup, "business_id", biz.ID)
			return ValidationError(h.cat.Get("lookup.last4_mismatch", opts).Text, "phone_last4")
		}
		return OK(data, msg)
	}

	// widget chat has no channel identity to autoverify against
	if cc.Channel == identity.ChannelChat || cc.Channel == "" {
		return NeedMoreInfo(h.cat.Get("slot.ask.phone_last4", opts).Text, "phone_last4")
	}

	return VerificationRequired(h.cat.Get("verification.required", opts).Text, h.identityContext(a, args, biz, cc), &Gated{Data: data, Message: msg}, "phone_last4")
}

func (h *customerLookup) identityContext(a anchor, args LookupArgs, biz Business, cc CallContext) *IdentityContext {
	return &IdentityContext{
		Channel:           cc.Channel,
		ChannelUserID:     cc.ChannelUserID,
		FromEmail:         cc.FromEmail,
		BusinessID:        biz.ID,
		AnchorID:          a.id,
		AnchorCustomerID:  a.customerID,
		AnchorSourceTable: a.sourceTable,
		QueryType:         args.QueryType,
	}
}

func samePhone(typed, registered string) bool {
	want := identity.PhoneVariants(registered)
	for _, v := range identity.PhoneVariants(typed) {
		for _, w := range want {
			if v == w {
				return true
			}
		}
	}
	return false
}

func (h *customerLookup) byOrderNumber(ctx context.Context, businessID string, args LookupArgs, opts messages.Options) (anchor, *Result) {
	o, err := h.store.OrderByNumber(ctx, businessID, strings.ToUpper(args.OrderNumber))
	if errors.Is(err, ErrNotFound) {
		r := NotFound(h.cat.Get("lookup.not_found", opts).Text)
		return anchor{}, &r
	}
	if err != nil {
		r := InfraError(fmt.Errorf("order by number: %w", err))
		return anchor{}, &r
	}

	a := anchor{id: o.ID, customerID: o.CustomerID, sourceTable: "orders", phone: o.CustomerPhone, order: &o}
	if o.CustomerID == "" {
		return a, nil
	}
	c, err := h.store.Customer(ctx, businessID, o.CustomerID)
	switch {
	case err == nil:
		a.customer = &c
		if a.phone == "" {
			a.phone = c.Phone
		}
	case !errors.Is(err, ErrNotFound):
		r := InfraError(fmt.Errorf("customer: %w", err))
		return anchor{}, &r
	}
	return a, nil
}

func (h *customerLookup) byPhone(ctx context.Context, businessID string, args LookupArgs, opts messages.Options) (anchor, *Result) {
	cs, err := h.store.CustomersByPhone(ctx, businessID, identity.PhoneVariants(args.Phone))
	if err != nil {
		r := InfraError(fmt.Errorf("customers by phone: %w", err))
		return anchor{}, &r
	}
	switch len(cs) {
	case 0:
		r := NotFound(h.cat.Get("lookup.not_found", opts).Text)
		return anchor{}, &r
	case 1:
	default:
		r := NeedMoreInfo(h.cat.Get("lookup.multiple_customers", opts).Text, "order_number")
		return anchor{}, &r
	}

	c := cs[0]
	a := anchor{id: c.ID, customerID: c.ID, sourceTable: "customers", phone: c.Phone, customer: &c}
	if args.QueryType != "order" {
		return a, nil
	}

	orders, err := h.store.OrdersByCustomer(ctx, businessID, c.ID)
	if err != nil {
		r := InfraError(fmt.Errorf("orders by customer: %w", err))
		return anchor{}, &r
	}
	switch len(orders) {
	case 0:
		r := NotFound(h.cat.Get("lookup.not_found", opts).Text)
		return anchor{}, &r
	case 1:
		a.order = &orders[0]
		return a, nil
	default:
		r := NeedMoreInfo(h.cat.Render("slot.ask.order_number", opts, nil), "order_number")
		return anchor{}, &r
	}
}

func (h *customerLookup) answer(queryType string, a anchor, opts messages.Options) (any, string, bool) {
	switch queryType {
	case "order":
		if a.order == nil {
			return nil, "", false
		}
		data := map[string]any{"order_number": a.order.OrderNumber, "status": a.order.Status}
		msg := h.cat.Render("lookup.order_found", opts, map[string]string{
			"order_number": a.order.OrderNumber,
			"status":       a.order.Status,
		})
		return data, msg, true
	case "debt":
		if a.customer == nil {
			return nil, "", false
		}
		balance := fmt.Sprintf("%.2f", a.customer.Balance)
		data := map[string]any{"balance": balance, "currency": a.customer.Currency}
		msg := h.cat.Render("lookup.debt_found", opts, map[string]string{
			"balance":  balance,
			"currency": a.customer.Currency,
		})
		return data, msg, true
	case "profile":
		if a.customer == nil {
			return nil, "", false
		}
		data := map[string]any{"name": a.customer.Name}
		msg := h.cat.Render("lookup.profile_found", opts, map[string]string{"name": a.customer.Name})
		return data, msg, true
	}
	return nil, "", false
}
