package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

var (
	ErrInvalidTurn     = errors.New("conversation: invalid turn")
	ErrUnknownBusiness = errors.New("conversation: unknown business")
)

type Sender string

const (
	SenderClient    Sender = "client"
	SenderSupporter Sender = "supporter"
	SenderAI        Sender = "ai"
)

type Message struct {
	ID         int64
	SessionID  string
	BusinessID string
	Sender     Sender
	Text       string
	Channel    identity.Channel
	CreatedAt  time.Time
}

// Turn is one incoming customer message.
type Turn struct {
	SessionID     string
	BusinessID    string
	Channel       identity.Channel
	ChannelUserID string
	FromEmail     string
	Text          string
	// Language overrides the business default when set ("tr", "en").
	Language string
}

// Reply sources.
const (
	SourceScripted = "scripted"
	SourceTool     = "tool"
	SourceLLM      = "llm"
	SourceToolFail = "tool_fail"
	SourceFallback = "fallback"
)

type ToolTrace struct {
	Tool         string `json:"tool"`
	Outcome      string `json:"outcome"`
	Planned      bool   `json:"planned"`
	Blocked      bool   `json:"blocked,omitempty"`
	Refused      bool   `json:"refused,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Autoverified bool   `json:"autoverified,omitempty"`
}

type Reply struct {
	TurnID    string      `json:"turn_id"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	ForceEnd  bool        `json:"force_end"`
	Flow      string      `json:"flow,omitempty"`
	Source    string      `json:"source"`
	ReplyKey  string      `json:"reply_key,omitempty"`
	Tools     []ToolTrace `json:"tools,omitempty"`
	// Violations are the guardrail kinds that fired on this turn.
	Violations []string `json:"violations,omitempty"`
}

// Repo: persistence of the conversation history
type Repo interface {
	SaveMessage(ctx context.Context, msg *Message) error
	// GetHistory returns the last limit messages of a session, oldest first.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

type Businesses interface {
	// Business returns ErrUnknownBusiness for an unknown id.
	Business(ctx context.Context, id string) (tools.Business, error)
}

// Delivery is a reply pushed to an asynchronous channel.
type Delivery struct {
	BusinessID    string           `json:"business_id"`
	SessionID     string           `json:"session_id"`
	Channel       identity.Channel `json:"channel"`
	ChannelUserID string           `json:"channel_user_id,omitempty"`
	Reply         Reply            `json:"reply"`
}

type Outbound interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Service: оркестрация одного хода диалога
type Service interface {
	HandleTurn(ctx context.Context, t Turn) (Reply, error)
	// SaveOnly records a message without answering it (operator replies).
	SaveOnly(ctx context.Context, msg *Message) error
}
