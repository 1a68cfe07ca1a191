// Package classify wraps intent classification with a call-site timeout and a
// fail-closed safe mode.
package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
)

type Type string

const (
	TypeNewIntent  Type = "NEW_INTENT"
	TypeSlotAnswer Type = "SLOT_ANSWER"
	TypeFollowup   Type = "FOLLOWUP"
	TypeChatter    Type = "CHATTER"
)

// SafeModeConfidence sits below every gating threshold, so a classifier
// outage can never enable tools.
const SafeModeConfidence = 0.4

const (
	DefaultChatTimeout  = 2 * time.Second
	DefaultOtherTimeout = 5 * time.Second
)

type Input struct {
	ActiveFlow           string
	Slots                map[string]string
	LastAssistantMessage string
	UserMessage          string
	Language             messages.Language
	Channel              identity.Channel
}

type Classification struct {
	Type                 Type
	Intent               string
	Confidence           float64
	Reason               string
	Slots                map[string]string
	HadClassifierFailure bool
}

// Classifier is the external classification service. It is not trusted to
// honour ctx deadlines.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Classification, error)
}

type Config struct {
	ChatTimeout  time.Duration
	OtherTimeout time.Duration
}

type Policy struct {
	cls     Classifier
	cfg     Config
	metrics *metrics.Metrics
}

func NewPolicy(cls Classifier, cfg Config, m *metrics.Metrics) *Policy {
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = DefaultChatTimeout
	}
	if cfg.OtherTimeout <= 0 {
		cfg.OtherTimeout = DefaultOtherTimeout
	}
	return &Policy{cls: cls, cfg: cfg, metrics: m}
}

func SafeMode(reason string) Classification {
	return Classification{
		Type:                 TypeChatter,
		Confidence:           SafeModeConfidence,
		Reason:               reason,
		HadClassifierFailure: true,
	}
}

func (p *Policy) timeout(ch identity.Channel) time.Duration {
	if ch == identity.ChannelChat {
		return p.cfg.ChatTimeout
	}
	return p.cfg.OtherTimeout
}

type outcome struct {
	c   Classification
	err error
}

// Apply never fails: timeouts, errors and panics of the classifier all come
// back as the safe-mode classification.
func (p *Policy) Apply(ctx context.Context, in Input) Classification {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, p.timeout(in.Channel))
	defer cancel()

	// the classifier goroutine may outlive this call
	in.Slots = copySlots(in.Slots)

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("classifier panic: %v", r)}
			}
		}()
		c, err := p.cls.Classify(cctx, in)
		done <- outcome{c: c, err: err}
	}()

	var (
		c         Classification
		violation string
	)
	select {
	case o := <-done:
		switch {
		case o.err == nil:
			c = sanitize(o.c)
		case errors.Is(o.err, context.DeadlineExceeded):
			c, violation = SafeMode("timeout"), metrics.ViolationClassifierTimeout
		default:
			c, violation = SafeMode("error"), metrics.ViolationClassifierFatalError
			slog.Warn("[classifier] failed", "error", o.err)
		}
	case <-cctx.Done():
		c, violation = SafeMode("timeout"), metrics.ViolationClassifierTimeout
	}

	if violation != "" {
		p.metrics.Violation(ctx, violation,
			"channel", string(in.Channel),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
	p.metrics.Classification(string(c.Type), c.HadClassifierFailure)
	slog.Info("[classifier]",
		"type", string(c.Type),
		"intent", c.Intent,
		"confidence", c.Confidence,
		"failure", c.HadClassifierFailure,
		"channel", string(in.Channel),
	)
	return c
}

func copySlots(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sanitize(c Classification) Classification {
	switch c.Type {
	case TypeNewIntent, TypeSlotAnswer, TypeFollowup, TypeChatter:
	default:
		c.Type = TypeChatter
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	}
	if c.Confidence > 1 {
		c.Confidence = 1
	}
	c.Intent = strings.ToLower(strings.TrimSpace(c.Intent))
	return c
}
