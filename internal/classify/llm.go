package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Vovarama1992/convo-guard/internal/ai"
)

const classifierPrompt = `
You classify one customer message in a customer-support conversation.

Return ONLY a JSON object:
{"type":"NEW_INTENT|SLOT_ANSWER|FOLLOWUP|CHATTER","intent":"string","confidence":0.0,"reason":"string","slots":{"name":"value"}}

type:
- NEW_INTENT: the customer starts a new request
- SLOT_ANSWER: the customer answers the assistant's last question
- FOLLOWUP: the customer continues the current topic
- CHATTER: greetings, thanks, small talk, anything else

intent is one of: order_status, tracking, debt_inquiry, payment, complaint, appointment,
product_info, price_inquiry, callback_request, general, greeting, profanity, off_topic.

slots may contain: customer_name, phone, email, order_number, phone_last4, product_name,
date (YYYY-MM-DD), time (HH:MM), topic. Include only values the customer actually wrote.
confidence is your certainty between 0 and 1.
`

// LLMClassifier classifies with a JSON-mode completion.
type LLMClassifier struct {
	ai ai.AI
}

func NewLLMClassifier(client ai.AI) *LLMClassifier {
	return &LLMClassifier{ai: client}
}

type llmAnswer struct {
	Type       string            `json:"type"`
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
	Slots      map[string]string `json:"slots"`
}

func (c *LLMClassifier) Classify(ctx context.Context, in Input) (Classification, error) {
	// значения слотов модели не нужны, только какие уже собраны
	known := make([]string, 0, len(in.Slots))
	for k := range in.Slots {
		known = append(known, k)
	}
	sort.Strings(known)

	b, err := json.Marshal(map[string]any{
		"active_flow":            in.ActiveFlow,
		"known_slots":            known,
		"last_assistant_message": in.LastAssistantMessage,
		"user_message":           in.UserMessage,
		"language":               string(in.Language),
		"channel":                string(in.Channel),
	})
	if err != nil {
		return Classification{}, err
	}

	raw, err := c.ai.GetReply(ctx, classifierPrompt, string(b))
	if err != nil {
		return Classification{}, err
	}

	var a llmAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return Classification{}, fmt.Errorf("classifier json: %w", err)
	}

	return Classification{
		Type:       Type(strings.ToUpper(strings.TrimSpace(a.Type))),
		Intent:     a.Intent,
		Confidence: a.Confidence,
		Reason:     a.Reason,
		Slots:      a.Slots,
	}, nil
}
