package tools

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
)

var (
	ErrNotFound  = errors.New("tools: not found")
	ErrSlotTaken = errors.New("tools: slot taken")
)

// Business is the tenant a turn runs for.
type Business struct {
	ID           string
	Name         string
	Language     messages.Language
	AllowedTools []string
	SupportPhone string
	SupportEmail string
}

// CallContext carries what a handler may know about the caller.
type CallContext struct {
	SessionID     string
	Channel       identity.Channel
	ChannelUserID string
	FromEmail     string
	ActiveFlow    string
	Language      messages.Language
}

type Parameter struct {
	Name        string
	Type        string
	Required    bool
	AutoFill    bool
	Description string
	Enum        []string
}

type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter

	// Mutating tools write business records.
	Mutating bool
	// Critical tools get one extra attempt on INFRA_ERROR.
	Critical bool
	// AllowedDuringVerification keeps the tool callable while verification is pending.
	AllowedDuringVerification bool
}

// Handler executes one tool. Execute never returns an error: every failure is
// expressed as a Result outcome.
type Handler interface {
	Name() string
	Definition() Definition
	Execute(ctx context.Context, args map[string]any, biz Business, cc CallContext) Result
}

type CustomerRecord struct {
	ID       string
	Name     string
	Email    string
	Phone    string
	Balance  float64
	Currency string
}

type OrderRecord struct {
	ID            string
	OrderNumber   string
	CustomerID    string
	CustomerName  string
	CustomerPhone string
	Status        string
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type CallbackRequest struct {
	ID            string
	BusinessID    string
	CustomerName  string
	CustomerPhone string
	Topic         string
	TopicHash     string
	Priority      Priority
	Status        string
	RequestedAt   time.Time
}

type Appointment struct {
	ID            string
	BusinessID    string
	CustomerName  string
	CustomerPhone string
	Service       string
	StartsAt      time.Time
	Status        string
}

type Product struct {
	ID       string
	Name     string
	Price    float64
	Currency string
	InStock  bool
}

type CustomerStore interface {
	OrderByNumber(ctx context.Context, businessID, orderNumber string) (OrderRecord, error)
	OrdersByCustomer(ctx context.Context, businessID, customerID string) ([]OrderRecord, error)
	CustomersByPhone(ctx context.Context, businessID string, variants []string) ([]CustomerRecord, error)
	Customer(ctx context.Context, businessID, id string) (CustomerRecord, error)
}

type CallbackStore interface {
	// CreateOrGetPending inserts req unless a PENDING request with the same
	// business, phone and topic hash exists inside window; then it returns
	// that request's id and created=false. Check and insert are atomic.
	CreateOrGetPending(ctx context.Context, req CallbackRequest, window time.Duration) (id string, created bool, err error)
}

type AppointmentStore interface {
	Book(ctx context.Context, a Appointment) (string, error)
}

type ProductStore interface {
	SearchProducts(ctx context.Context, businessID, query string, limit int) ([]Product, error)
}
