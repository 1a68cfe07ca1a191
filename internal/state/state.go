// Package state holds the per-session conversation state, its persistence
// and the per-session turn lock.
package state

import (
	"strings"
	"time"

	"github.com/Vovarama1992/convo-guard/internal/tools"
)

type VerificationStatus string

const (
	VerificationNone     VerificationStatus = "none"
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
)

// CallbackFlowName is the activeFlow tag of the callback mini-flow.
const CallbackFlowName = "CALLBACK_REQUEST"

type CallbackFlow struct {
	Pending bool   `json:"pending"`
	Topic   string `json:"topic,omitempty"`
}

// ToolAttempt is the last tool call of the session, as seen by the
// repeat-call guard.
type ToolAttempt struct {
	Tool      string        `json:"tool"`
	ArgsHash  string        `json:"argsHash"`
	Outcome   tools.Outcome `json:"outcome"`
	AskFor    []string      `json:"askFor,omitempty"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`

	// SlotsSnapshot is ExtractedSlots as they were when the call ran.
	SlotsSnapshot map[string]string `json:"slotsSnapshot,omitempty"`
}

type ConversationState struct {
	SessionID            string             `json:"sessionId"`
	BusinessID           string             `json:"businessId"`
	ExtractedSlots       map[string]string  `json:"extractedSlots"`
	ActiveFlow           string             `json:"activeFlow,omitempty"`
	CallbackFlow         CallbackFlow       `json:"callbackFlow"`
	LastToolAttempt      *ToolAttempt       `json:"lastToolAttempt,omitempty"`
	VerificationStatus   VerificationStatus `json:"verificationStatus"`
	LastAssistantMessage string             `json:"lastAssistantMessage,omitempty"`
	Turn                 int                `json:"turn"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

func New(sessionID, businessID string) *ConversationState {
	return &ConversationState{
		SessionID:          sessionID,
		BusinessID:         businessID,
		ExtractedSlots:     map[string]string{},
		VerificationStatus: VerificationNone,
	}
}

// MergeSlots adds non-empty values and returns the keys whose value changed.
// Keys are never removed here.
func (s *ConversationState) MergeSlots(in map[string]string) []string {
	if s.ExtractedSlots == nil {
		s.ExtractedSlots = map[string]string{}
	}
	var changed []string
	for k, v := range in {
		v = strings.TrimSpace(v)
		if k == "" || v == "" || s.ExtractedSlots[k] == v {
			continue
		}
		s.ExtractedSlots[k] = v
		changed = append(changed, k)
	}
	return changed
}

func (s *ConversationState) ClearSlots(keys ...string) {
	for _, k := range keys {
		delete(s.ExtractedSlots, k)
	}
}

func (s *ConversationState) Slot(key string) string {
	return s.ExtractedSlots[key]
}

func (s *ConversationState) SnapshotSlots() map[string]string {
	out := make(map[string]string, len(s.ExtractedSlots))
	for k, v := range s.ExtractedSlots {
		out[k] = v
	}
	return out
}

// RecordAttempt overwrites LastToolAttempt. Count grows while the same tool
// is called with the same arguments.
func (s *ConversationState) RecordAttempt(tool, argsHash string, outcome tools.Outcome, askFor []string, now time.Time) {
	count := 1
	if prev := s.LastToolAttempt; prev != nil && prev.Tool == tool && prev.ArgsHash == argsHash {
		count = prev.Count + 1
	}
	s.LastToolAttempt = &ToolAttempt{
		Tool:          tool,
		ArgsHash:      argsHash,
		Outcome:       outcome,
		AskFor:        askFor,
		Count:         count,
		Timestamp:     now.UTC(),
		SlotsSnapshot: s.SnapshotSlots(),
	}
}

// EndFlow returns the session to NO_FLOW.
func (s *ConversationState) EndFlow() {
	s.ActiveFlow = ""
	s.CallbackFlow = CallbackFlow{}
}
