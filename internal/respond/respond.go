// Package respond builds the deterministic replies used when a tool fails
// for good, and makes sure replies on policy topics carry actionable
// guidance.
package respond

import (
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/textutil"
)

//go:embed guidance.yaml
var guidanceYAML []byte

const (
	ComponentNextStep       = "next_step"
	ComponentContactChannel = "contact_channel"
	ComponentRequiredInfo   = "required_info"
)

// components in the order their defaults are appended
var componentOrder = []string{ComponentNextStep, ComponentContactChannel, ComponentRequiredInfo}

// MinComponents is how many guidance components a policy reply must carry.
const MinComponents = 2

type Metadata struct {
	Key          string
	VariantIndex int
	Tool         string
}

type ToolFail struct {
	Reply string
	// ForceEnd closes the conversation; only voice calls are ended.
	ForceEnd bool
	Metadata Metadata
}

type guidanceFile struct {
	Topics     map[string][]string `yaml:"topics"`
	Components map[string][]string `yaml:"components"`
}

type Responder struct {
	msgs       *messages.Catalog
	topics     map[string][]string
	topicOrder []string
	components map[string][]*regexp.Regexp
}

func New(msgs *messages.Catalog) (*Responder, error) {
	return Parse(msgs, guidanceYAML)
}

func Parse(msgs *messages.Catalog, data []byte) (*Responder, error) {
	var f guidanceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("respond: parse guidance: %w", err)
	}
	if len(f.Topics) == 0 {
		return nil, fmt.Errorf("respond: guidance has no topics")
	}

	r := &Responder{
		msgs:       msgs,
		topics:     f.Topics,
		components: make(map[string][]*regexp.Regexp, len(componentOrder)),
	}
	for _, t := range []string{"refund", "cancellation", "complaint", "warranty"} {
		if _, ok := f.Topics[t]; ok {
			r.topicOrder = append(r.topicOrder, t)
		}
	}
	var extra []string
	for t := range f.Topics {
		if !contains(r.topicOrder, t) {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	r.topicOrder = append(r.topicOrder, extra...)

	for _, c := range componentOrder {
		patterns := f.Components[c]
		if len(patterns) == 0 {
			return nil, fmt.Errorf("respond: guidance component %q has no patterns", c)
		}
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("respond: component %s pattern %q: %w", c, p, err)
			}
			r.components[c] = append(r.components[c], re)
		}
	}
	return r, nil
}

// ToolFailResponse is the reply for a tool whose final outcome, after
// retries, is INFRA_ERROR. Every template names a next step.
func (r *Responder) ToolFailResponse(tool string, lang messages.Language, channel identity.Channel, seedHint string) ToolFail {
	key := "toolfail." + tool
	if !r.msgs.Has(key) {
		key = "toolfail.default"
	}
	v := r.msgs.Get(key, messages.Options{Language: lang, Channel: string(channel), SeedHint: seedHint})

	out := ToolFail{
		Reply:    v.Text,
		ForceEnd: channel == identity.ChannelPhone,
		Metadata: Metadata{Key: v.Key, VariantIndex: v.VariantIndex, Tool: tool},
	}
	slog.Info("[respond] tool fail reply",
		"tool", tool,
		"key", v.Key,
		"variant", v.VariantIndex,
		"force_end", out.ForceEnd,
	)
	return out
}

// Contacts are the business's public support channels.
type Contacts struct {
	Phone string
	Email string
}

type GuidanceInput struct {
	UserMessage string
	Reply       string
	Options     messages.Options
	Contacts    Contacts
}

type Guidance struct {
	Text string
	// Topic is the matched policy topic; empty when the message is not one.
	Topic   string
	Present []string
	Added   []string
}

// PolicyTopic returns the first policy topic the message mentions.
func (r *Responder) PolicyTopic(msg string) (string, bool) {
	for _, t := range r.topicOrder {
		for _, kw := range r.topics[t] {
			if textutil.ContainsWordStart(msg, kw) {
				return t, true
			}
		}
	}
	return "", false
}

// Components lists the guidance components present in text.
func (r *Responder) Components(text string) []string {
	// "Invoice" lowers to "ınvoice" under Turkish rules, so both forms are tried
	tr, en := textutil.Lower(text), textutil.LowerEN(text)
	var out []string
	for _, c := range componentOrder {
		for _, re := range r.components[c] {
			if re.MatchString(tr) || re.MatchString(en) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// EnsurePolicyGuidance appends the default text of every missing component
// when a reply to a policy-topic message carries fewer than MinComponents.
// Any other reply passes unchanged.
func (r *Responder) EnsurePolicyGuidance(in GuidanceInput) Guidance {
	out := Guidance{Text: in.Reply}
	topic, ok := r.PolicyTopic(in.UserMessage)
	if !ok {
		return out
	}
	out.Topic = topic
	out.Present = r.Components(in.Reply)
	if len(out.Present) >= MinComponents {
		return out
	}

	text := in.Reply
	for _, c := range componentOrder {
		if contains(out.Present, c) {
			continue
		}
		text = appendSentence(text, r.defaultText(c, in.Options, in.Contacts))
		out.Added = append(out.Added, c)
	}
	out.Text = text

	slog.Info("[respond] guidance appended",
		"topic", topic,
		"present", out.Present,
		"added", out.Added,
	)
	return out
}

func (r *Responder) defaultText(component string, opts messages.Options, c Contacts) string {
	if component != ComponentContactChannel {
		return r.msgs.Get("guidance."+component, opts).Text
	}
	switch {
	case c.Phone != "" && c.Email != "":
		return r.msgs.Render("guidance.contact_channel", opts, map[string]string{"phone": c.Phone, "email": c.Email})
	case c.Phone != "":
		return r.msgs.Render("guidance.contact_channel_phone", opts, map[string]string{"phone": c.Phone})
	case c.Email != "":
		return r.msgs.Render("guidance.contact_channel_email", opts, map[string]string{"email": c.Email})
	default:
		return r.msgs.Get("guidance.contact_channel_generic", opts).Text
	}
}

func appendSentence(text, add string) string {
	if text == "" {
		return add
	}
	return text + " " + add
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
