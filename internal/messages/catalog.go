// Package messages is the localized message catalog. Every fixed string the
// core sends to a customer (slot prompts, fail templates, guidance defaults)
// comes from catalog.yaml.
package messages

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type Language string

const (
	TR Language = "tr"
	EN Language = "en"
)

// DefaultLanguage is used when a key has no text in the requested language.
const DefaultLanguage = TR

const fallbackKey = "fallback.generic"

func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "en", "en-us", "en-gb", "english":
		return EN
	default:
		return TR
	}
}

type Options struct {
	Language Language
	Channel  string
	// SeedHint picks the variant; the same hint always yields the same variant.
	SeedHint string
}

type Variant struct {
	Text         string
	VariantIndex int
	Key          string
}

type Catalog struct {
	entries map[string]map[Language][]string
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

// MustLoad panics on a malformed embedded catalog, which is a build defect.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

func Parse(data []byte) (*Catalog, error) {
	var raw map[string]map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("messages: parse catalog: %w", err)
	}
	c := &Catalog{entries: make(map[string]map[Language][]string, len(raw))}
	for key, byLang := range raw {
		m := make(map[Language][]string, len(byLang))
		for lang, texts := range byLang {
			if len(texts) == 0 {
				return nil, fmt.Errorf("messages: key %q has no variants for %q", key, lang)
			}
			m[Language(lang)] = texts
		}
		c.entries[key] = m
	}
	if _, ok := c.entries[fallbackKey]; !ok {
		return nil, fmt.Errorf("messages: catalog misses %q", fallbackKey)
	}
	return c, nil
}

func (c *Catalog) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Get resolves key#CHANNEL before key, the requested language before the
// default one, and falls back to the generic message when nothing matches.
func (c *Catalog) Get(key string, opts Options) Variant {
	lang := opts.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	candidates := []string{key}
	if opts.Channel != "" {
		candidates = []string{key + "#" + opts.Channel, key}
	}

	for _, l := range []Language{lang, DefaultLanguage} {
		for _, k := range candidates {
			if texts, ok := c.entries[k][l]; ok {
				idx := pick(opts.SeedHint, len(texts))
				return Variant{Text: texts[idx], VariantIndex: idx, Key: k}
			}
		}
	}

	slog.Warn("[messages] missing key", "key", key, "language", string(lang))
	if key == fallbackKey {
		return Variant{VariantIndex: -1, Key: key}
	}
	return c.Get(fallbackKey, opts)
}

// Render is Get plus {placeholder} substitution.
func (c *Catalog) Render(key string, opts Options, vars map[string]string) string {
	text := c.Get(key, opts).Text
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func pick(seed string, n int) int {
	if n <= 1 || seed == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return int(h.Sum32() % uint32(n))
}

// FieldList joins the localized labels of fields ("field.<name>") into one
// phrase, e.g. "adınızı ve soyadınızı ve telefon numaranızı".
func (c *Catalog) FieldList(fields []string, lang Language) string {
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		key := "field." + f
		if c.Has(key) {
			labels = append(labels, c.Get(key, Options{Language: lang}).Text)
			continue
		}
		labels = append(labels, f)
	}
	sep := " ve "
	if lang == EN {
		sep = " and "
	}
	return strings.Join(labels, sep)
}
