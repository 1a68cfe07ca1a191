// Package guard checks model drafts before delivery: action claims without a
// successful tool call, flow tool policies, PII and prompt disclosure.
package guard

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/textutil"
)

//go:embed lexicon.yaml
var lexiconYAML []byte

const (
	KindTCKN             = "TCKN"
	KindVKN              = "VKN"
	KindIBAN             = "IBAN"
	KindCard             = "CARD"
	KindPhone            = "PHONE"
	KindEmail            = "EMAIL"
	KindActionClaim      = "ACTION_CLAIM"
	KindPromptDisclosure = "PROMPT_DISCLOSURE"
)

// Finding is a byte span of the scanned text.
type Finding struct {
	Kind  string
	Start int
	End   int
	Value string
}

// Detector finds one class of problem in a text. Matching strategy (regex,
// checksum, word lexicon) is the detector's own business.
type Detector interface {
	Kind() string
	Detect(text string) []Finding
}

type Lexicon struct {
	ActionClaims     map[messages.Language][]string `yaml:"actionClaims"`
	PromptDisclosure []string                       `yaml:"promptDisclosure"`
}

func LoadLexicon() (*Lexicon, error) {
	return ParseLexicon(lexiconYAML)
}

func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("guard: parse lexicon: %w", err)
	}
	if len(lex.ActionClaims) == 0 {
		return nil, fmt.Errorf("guard: lexicon has no action claims")
	}
	return &lex, nil
}

// wordDetector matches phrases on whole words only: "sent" does not match
// "present", "iletildi" does not match "iletildiğinde".
type wordDetector struct {
	kind    string
	phrases []string
}

func newWordDetector(kind string, phrases []string) *wordDetector {
	lower := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = textutil.Lower(strings.TrimSpace(p)); p != "" {
			lower = append(lower, p)
		}
	}
	return &wordDetector{kind: kind, phrases: lower}
}

func (d *wordDetector) Kind() string { return d.kind }

func (d *wordDetector) Detect(text string) []Finding {
	// Turkish casing turns the English "I" into "ı", so both forms are scanned
	tr, en := textutil.Lower(text), textutil.LowerEN(text)
	var out []Finding
	for _, p := range d.phrases {
		at := textutil.IndexWholeWord(tr, p)
		if at < 0 {
			at = textutil.IndexWholeWord(en, p)
		}
		if at >= 0 {
			out = append(out, Finding{Kind: d.kind, Start: at, End: at + len(p), Value: p})
		}
	}
	return out
}

// resolveOverlaps keeps the earliest, then the longest, finding of each
// overlapping group.
func resolveOverlaps(fs []Finding) []Finding {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Start != fs[j].Start {
			return fs[i].Start < fs[j].Start
		}
		return fs[i].End-fs[i].Start > fs[j].End-fs[j].Start
	})
	var out []Finding
	end := -1
	for _, f := range fs {
		if f.Start < end {
			continue
		}
		out = append(out, f)
		end = f.End
	}
	return out
}
