// Package gating decides which tools the model may call on a turn.
package gating

import (
	"log/slog"

	"github.com/Vovarama1992/convo-guard/internal/metrics"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

const (
	ReasonUnknownTool         = "unknown_tool"
	ReasonClassifierUncertain = "classifier_uncertain"
	ReasonLowConfidence       = "low_confidence"
	ReasonNotInFlow           = "not_in_flow"
	ReasonVerificationPending = "verification_pending"
)

const (
	DefaultMinConfidence         = 0.5
	DefaultMinConfidenceMutating = 0.7
)

type Config struct {
	// Below MinConfidence no tool is callable.
	MinConfidence float64
	// Below MinConfidenceMutating no mutating tool is callable.
	MinConfidenceMutating float64
}

// Definitions is the slice of the registry the policy needs.
type Definitions interface {
	Definition(name string) (tools.Definition, bool)
}

type Input struct {
	Confidence float64
	// FlowTools is the active flow's allowedTools; nil when no flow is active.
	FlowTools          []string
	AllowedTools       []string
	VerificationStatus string
}

type Removal struct {
	Tool   string
	Reason string
}

type Decision struct {
	Tools   []string
	Removed []Removal
}

type Policy struct {
	cfg     Config
	defs    Definitions
	metrics *metrics.Metrics
}

func NewPolicy(cfg Config, defs Definitions, m *metrics.Metrics) *Policy {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.MinConfidenceMutating <= 0 {
		cfg.MinConfidenceMutating = DefaultMinConfidenceMutating
	}
	return &Policy{cfg: cfg, defs: defs, metrics: m}
}

// Apply filters in.AllowedTools. The first failing rule names the removal
// reason; every removal is counted and logged.
func (p *Policy) Apply(in Input) Decision {
	var flowSet map[string]bool
	if in.FlowTools != nil {
		flowSet = make(map[string]bool, len(in.FlowTools))
		for _, t := range in.FlowTools {
			flowSet[t] = true
		}
	}

	var d Decision
	for _, name := range in.AllowedTools {
		if reason := p.reject(name, in, flowSet); reason != "" {
			d.Removed = append(d.Removed, Removal{Tool: name, Reason: reason})
			continue
		}
		d.Tools = append(d.Tools, name)
	}

	for _, r := range d.Removed {
		p.metrics.GatingRemoval(r.Tool, r.Reason)
	}
	if len(d.Removed) > 0 {
		slog.Info("[gating] removed tools",
			"removed", d.Removed,
			"kept", d.Tools,
			"confidence", in.Confidence,
			"verification", in.VerificationStatus,
		)
	}
	return d
}

func (p *Policy) reject(name string, in Input, flowSet map[string]bool) string {
	def, ok := p.defs.Definition(name)
	switch {
	case !ok:
		return ReasonUnknownTool
	case in.Confidence < p.cfg.MinConfidence:
		return ReasonClassifierUncertain
	case def.Mutating && in.Confidence < p.cfg.MinConfidenceMutating:
		return ReasonLowConfidence
	case flowSet != nil && !flowSet[name]:
		return ReasonNotInFlow
	case in.VerificationStatus == "pending" && def.Mutating && !def.AllowedDuringVerification:
		return ReasonVerificationPending
	}
	return ""
}

// AllowsPlanned reports whether a router-planned call may run. Planned calls
// come from deterministic slot logic, so only flow membership applies.
func AllowsPlanned(tool string, flowTools []string) bool {
	if flowTools == nil {
		return true
	}
	for _, t := range flowTools {
		if t == tool {
			return true
		}
	}
	return false
}
