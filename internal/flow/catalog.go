// Package flow is the router: it maps classified intents to static flows,
// collects required slots with scripted prompts and plans tool calls.
package flow

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Vovarama1992/convo-guard/internal/textutil"
)

//go:embed catalog.yaml
var catalogYAML []byte

const (
	OrderStatus     = "ORDER_STATUS"
	DebtInquiry     = "DEBT_INQUIRY"
	Complaint       = "COMPLAINT"
	Appointment     = "APPOINTMENT"
	ProductInfo     = "PRODUCT_INFO"
	General         = "GENERAL"
	CallbackRequest = "CALLBACK_REQUEST"
)

type ToolPolicy struct {
	RequiredTool string `yaml:"requiredTool"`
	Reason       string `yaml:"reason"`
}

type Flow struct {
	Name                 string         `yaml:"-"`
	RequiredSlots        []string       `yaml:"requiredSlots"`
	OptionalSlots        []string       `yaml:"optionalSlots"`
	AllowedTools         []string       `yaml:"allowedTools"`
	RequiresVerification bool           `yaml:"requiresVerification"`
	VerificationFields   []string       `yaml:"verificationFields"`
	ToolPolicy           *ToolPolicy    `yaml:"toolPolicy"`
	PlannedTool          string         `yaml:"plannedTool"`
	PlannedArgs          map[string]any `yaml:"plannedArgs"`
	Keywords             []string       `yaml:"keywords"`
}

// MissingSlot returns the first required slot not present in slots.
func (f *Flow) MissingSlot(slots map[string]string) (string, bool) {
	for _, s := range f.RequiredSlots {
		if strings.TrimSpace(slots[s]) == "" {
			return s, true
		}
	}
	return "", false
}

func (f *Flow) SlotsComplete(slots map[string]string) bool {
	_, missing := f.MissingSlot(slots)
	return !missing
}

func (f *Flow) IsVerificationField(field string) bool {
	for _, v := range f.VerificationFields {
		if v == field {
			return true
		}
	}
	return false
}

type Catalog struct {
	flows   map[string]*Flow
	intents map[string]string
	order   []string
}

func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogYAML)
}

func MustLoadCatalog() *Catalog {
	c, err := LoadCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var raw struct {
		Flows   yaml.Node         `yaml:"flows"`
		Intents map[string]string `yaml:"intents"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("flow: parse catalog: %w", err)
	}

	c := &Catalog{flows: map[string]*Flow{}, intents: map[string]string{}}

	// mapping node: key, value, key, value... keeps file order for keyword matching
	for i := 0; i+1 < len(raw.Flows.Content); i += 2 {
		name := raw.Flows.Content[i].Value
		f := &Flow{}
		if err := raw.Flows.Content[i+1].Decode(f); err != nil {
			return nil, fmt.Errorf("flow: decode %s: %w", name, err)
		}
		f.Name = name
		c.flows[name] = f
		c.order = append(c.order, name)
	}
	if _, ok := c.flows[CallbackRequest]; !ok {
		return nil, fmt.Errorf("flow: catalog misses %s", CallbackRequest)
	}

	for intent, flowName := range raw.Intents {
		if _, ok := c.flows[flowName]; !ok {
			return nil, fmt.Errorf("flow: intent %q maps to unknown flow %q", intent, flowName)
		}
		c.intents[strings.ToLower(intent)] = flowName
	}
	return c, nil
}

func (c *Catalog) Flow(name string) (*Flow, bool) {
	f, ok := c.flows[name]
	return f, ok
}

// FlowForIntent is the static intent -> flow table. Unmapped intents
// (profanity, off_topic, unknown) never start a flow.
func (c *Catalog) FlowForIntent(intent string) (*Flow, bool) {
	name, ok := c.intents[strings.ToLower(strings.TrimSpace(intent))]
	if !ok {
		return nil, false
	}
	return c.flows[name], true
}

// FlowForKeywords picks the first flow, in catalog order, whose keyword
// occurs in the message.
func (c *Catalog) FlowForKeywords(msg string) (*Flow, bool) {
	for _, name := range c.order {
		f := c.flows[name]
		for _, kw := range f.Keywords {
			if textutil.ContainsWordStart(msg, kw) {
				return f, true
			}
		}
	}
	return nil, false
}
