package tools

import (
	"encoding/json"

	"github.com/Vovarama1992/convo-guard/internal/identity"
)

type Outcome string

const (
	OutcomeOK                   Outcome = "OK"
	OutcomeNotFound             Outcome = "NOT_FOUND"
	OutcomeValidationError      Outcome = "VALIDATION_ERROR"
	OutcomeNeedMoreInfo         Outcome = "NEED_MORE_INFO"
	OutcomeVerificationRequired Outcome = "VERIFICATION_REQUIRED"
	OutcomeInfraError           Outcome = "INFRA_ERROR"
)

// Completed reports whether the call finished with an answer, even an empty
// one. It is what Result.Success mirrors.
func (o Outcome) Completed() bool {
	switch o {
	case OutcomeOK, OutcomeNotFound, OutcomeValidationError, OutcomeNeedMoreInfo:
		return true
	}
	return false
}

// AsksForInput is true for outcomes the user fixes by supplying a field.
func (o Outcome) AsksForInput() bool {
	return o == OutcomeValidationError || o == OutcomeNeedMoreInfo
}

// IdentityContext is read only by the autoverify step and never serialized
// towards the model.
type IdentityContext struct {
	Channel           identity.Channel
	ChannelUserID     string
	FromEmail         string
	BusinessID        string
	AnchorID          string
	AnchorCustomerID  string
	AnchorSourceTable string
	QueryType         string
}

// Gated is the answer a VERIFICATION_REQUIRED result withholds until the
// caller is verified.
type Gated struct {
	Data    any
	Message string
}

type StateEvent struct {
	Reason           string
	AnchorCustomerID string
}

type Result struct {
	Outcome Outcome  `json:"outcome"`
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Message string   `json:"message,omitempty"`
	AskFor  []string `json:"askFor,omitempty"`

	IdentityContext *IdentityContext `json:"-"`
	Gated           *Gated           `json:"-"`
	StateEvents     []StateEvent     `json:"-"`
	Err             error            `json:"-"`
}

func newResult(o Outcome, data any, msg string, askFor []string) Result {
	return Result{Outcome: o, Success: o.Completed(), Data: data, Message: msg, AskFor: askFor}
}

func OK(data any, msg string) Result {
	return newResult(OutcomeOK, data, msg, nil)
}

func NotFound(msg string) Result {
	return newResult(OutcomeNotFound, nil, msg, nil)
}

func ValidationError(msg string, askFor ...string) Result {
	return newResult(OutcomeValidationError, nil, msg, askFor)
}

func NeedMoreInfo(msg string, askFor ...string) Result {
	return newResult(OutcomeNeedMoreInfo, nil, msg, askFor)
}

func VerificationRequired(msg string, ic *IdentityContext, gated *Gated, askFor ...string) Result {
	r := newResult(OutcomeVerificationRequired, nil, msg, askFor)
	r.IdentityContext = ic
	r.Gated = gated
	return r
}

func InfraError(err error) Result {
	r := newResult(OutcomeInfraError, nil, "", nil)
	r.Err = err
	return r
}

// ModelJSON is the only view of a result the model ever sees.
func (r Result) ModelJSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"outcome":"INFRA_ERROR","success":false}`
	}
	return string(b)
}
