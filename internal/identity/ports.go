package identity

import (
	"context"
	"strings"
)

type Channel string

const (
	ChannelChat     Channel = "CHAT"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelEmail    Channel = "EMAIL"
	ChannelPhone    Channel = "PHONE"
)

func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(strings.ToUpper(strings.TrimSpace(s))); c {
	case ChannelChat, ChannelWhatsApp, ChannelEmail, ChannelPhone:
		return c, true
	}
	return "", false
}

type Strength string

const (
	StrengthNone   Strength = "NONE"
	StrengthWeak   Strength = "WEAK"
	StrengthStrong Strength = "STRONG"
)

// Proof: вычисляется на каждый вызов инструмента, никогда не сохраняется.
type Proof struct {
	Strength          Strength
	MatchedCustomerID string
	MatchedOrderID    string
	Reasons           []string
}

type ChannelContext struct {
	Channel       Channel
	ChannelUserID string
	FromEmail     string
	BusinessID    string
}

// QueryContext only feeds diagnostics.
type QueryContext struct {
	QueryType         string
	AnchorSourceTable string
}

// Directory: read-only доступ к клиентам и заказам бизнеса.
type Directory interface {
	CustomerIDsByEmail(ctx context.Context, businessID, email string) ([]string, error)
	CustomerIDsByPhone(ctx context.Context, businessID string, variants []string) ([]string, error)
	OrderIDsByPhone(ctx context.Context, businessID string, variants []string) ([]string, error)
}
