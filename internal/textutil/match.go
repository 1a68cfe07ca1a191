// Package textutil matches lexicon phrases against Turkish and English text.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lower lower-cases with Turkish rules ("İ" -> "i", "I" -> "ı") and folds
// the curly apostrophe.
func Lower(s string) string {
	return strings.ReplaceAll(strings.ToLowerSpecial(unicode.TurkishCase, s), "’", "'")
}

// LowerEN lower-cases with default rules, for English phrases containing "I".
func LowerEN(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "’", "'")
}

// IndexWordStart finds phrase starting at a word boundary of lower. The
// phrase may be followed by more letters, so Turkish suffixes still match
// ("kargom", "yetkiliyle").
func IndexWordStart(lower, phrase string) int {
	return index(lower, phrase, false)
}

// IndexWholeWord finds phrase bounded by non-word runes on both sides:
// "sent" is not found in "present".
func IndexWholeWord(lower, phrase string) int {
	return index(lower, phrase, true)
}

// ContainsWordStart matches phrase, lower-cased the Turkish way, against
// both lowerings of text.
func ContainsWordStart(text, phrase string) bool {
	p := Lower(phrase)
	return IndexWordStart(Lower(text), p) >= 0 || IndexWordStart(LowerEN(text), p) >= 0
}

func index(text, phrase string, whole bool) int {
	if phrase == "" {
		return -1
	}
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], phrase)
		if j < 0 {
			return -1
		}
		start, end := i+j, i+j+len(phrase)
		if !IsWordRune(lastRune(text[:start])) && (!whole || !IsWordRune(firstRune(text[end:]))) {
			return start
		}
		i = start + 1
	}
	return -1
}

func IsWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) rune {
	if s == "" {
		return ' '
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lastRune(s string) rune {
	if s == "" {
		return ' '
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}
