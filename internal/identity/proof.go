package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const defaultLookupTimeout = 3 * time.Second

type Engine struct {
	dir     Directory
	timeout time.Duration
}

func NewEngine(dir Directory, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Engine{dir: dir, timeout: timeout}
}

// Derive computes how strongly the channel identity points at exactly one
// customer. It never returns an error: lookup failures and panics degrade to
// NONE with the derivation_error reason.
func (e *Engine) Derive(ctx context.Context, cc ChannelContext, q QueryContext) (proof Proof) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[identity] derivation panic", "panic", fmt.Sprint(r), "channel", string(cc.Channel))
			proof = Proof{Strength: StrengthNone, Reasons: []string{"derivation_error"}}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var err error
	switch cc.Channel {
	case ChannelChat:
		return Proof{Strength: StrengthNone, Reasons: []string{"chat_channel"}}
	case ChannelEmail:
		proof, err = e.byEmail(ctx, cc)
	case ChannelWhatsApp, ChannelPhone:
		proof, err = e.byPhone(ctx, cc)
	default:
		return Proof{Strength: StrengthNone, Reasons: []string{"unsupported_channel"}}
	}

	if err != nil {
		slog.Warn("[identity] lookup failed",
			"error", err,
			"channel", string(cc.Channel),
			"business_id", cc.BusinessID,
			"query_type", q.QueryType,
		)
		return Proof{Strength: StrengthNone, Reasons: []string{"derivation_error"}}
	}
	return proof
}

func (e *Engine) byEmail(ctx context.Context, cc ChannelContext) (Proof, error) {
	email := strings.ToLower(strings.TrimSpace(cc.FromEmail))
	if email == "" {
		return Proof{Strength: StrengthNone, Reasons: []string{"no_email"}}, nil
	}

	ids, err := e.dir.CustomerIDsByEmail(ctx, cc.BusinessID, email)
	if err != nil {
		return Proof{}, err
	}
	ids = uniq(ids)

	switch len(ids) {
	case 1:
		return Proof{Strength: StrengthStrong, MatchedCustomerID: ids[0], Reasons: []string{"email_single_match"}}, nil
	case 0:
		return Proof{Strength: StrengthWeak, Reasons: []string{"email_no_match"}}, nil
	default:
		return Proof{Strength: StrengthWeak, Reasons: []string{"email_multiple_matches"}}, nil
	}
}

func (e *Engine) byPhone(ctx context.Context, cc ChannelContext) (Proof, error) {
	variants := PhoneVariants(cc.ChannelUserID)
	if len(variants) == 0 {
		return Proof{Strength: StrengthNone, Reasons: []string{"no_phone"}}, nil
	}

	customers, err := e.dir.CustomerIDsByPhone(ctx, cc.BusinessID, variants)
	if err != nil {
		return Proof{}, err
	}
	customers = uniq(customers)

	switch {
	case len(customers) == 1:
		return Proof{Strength: StrengthStrong, MatchedCustomerID: customers[0], Reasons: []string{"phone_customer_match"}}, nil
	case len(customers) > 1:
		return Proof{Strength: StrengthWeak, Reasons: []string{"phone_multiple_matches"}}, nil
	}

	// нет клиента: пробуем заказы
	orders, err := e.dir.OrderIDsByPhone(ctx, cc.BusinessID, variants)
	if err != nil {
		return Proof{}, err
	}
	orders = uniq(orders)

	switch len(orders) {
	case 1:
		return Proof{Strength: StrengthStrong, MatchedOrderID: orders[0], Reasons: []string{"order_only_match"}}, nil
	case 0:
		return Proof{Strength: StrengthWeak, Reasons: []string{"phone_no_match"}}, nil
	default:
		return Proof{Strength: StrengthWeak, Reasons: []string{"order_multiple_matches"}}, nil
	}
}
