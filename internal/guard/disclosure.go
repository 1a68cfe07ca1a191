package guard

import (
	"strings"
	"unicode"

	"github.com/Vovarama1992/convo-guard/internal/textutil"
)

// shingleSize is the run of consecutive words a draft must share with the
// system prompt to count as an echo of it.
const shingleSize = 7

// shingleDetector flags drafts that repeat a run of the system prompt.
type shingleDetector struct {
	shingles map[string]struct{}
}

func newShingleDetector(prompt string) *shingleDetector {
	words := tokenize(prompt)
	d := &shingleDetector{shingles: map[string]struct{}{}}
	for i := 0; i+shingleSize <= len(words); i++ {
		d.shingles[strings.Join(words[i:i+shingleSize], " ")] = struct{}{}
	}
	return d
}

func (d *shingleDetector) Kind() string { return KindPromptDisclosure }

func (d *shingleDetector) Detect(text string) []Finding {
	if len(d.shingles) == 0 {
		return nil
	}
	words := tokenize(text)
	for i := 0; i+shingleSize <= len(words); i++ {
		s := strings.Join(words[i:i+shingleSize], " ")
		if _, ok := d.shingles[s]; ok {
			return []Finding{{Kind: KindPromptDisclosure, Start: -1, End: -1, Value: s}}
		}
	}
	return nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(textutil.Lower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// DisclosureDetectors combines the lexicon phrases with an echo check
// against the prompt the model was given.
func DisclosureDetectors(lex *Lexicon, systemPrompt string) []Detector {
	return []Detector{
		newWordDetector(KindPromptDisclosure, lex.PromptDisclosure),
		newShingleDetector(systemPrompt),
	}
}
