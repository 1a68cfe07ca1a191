package guard

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/Vovarama1992/convo-guard/internal/identity"
)

var (
	digitRunRe = regexp.MustCompile(`\d+`)
	cardRe     = regexp.MustCompile(`\d(?:[ -]?\d){12,18}`)
	ibanRe     = regexp.MustCompile(`[A-Z]{2}\d{2}(?: ?[A-Z0-9]){11,30}`)
	phoneRe    = regexp.MustCompile(`\+?\d[\d\s\-()]{8,16}\d`)
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Allowlist holds values that may appear in replies, such as the business's
// public support contacts.
type Allowlist struct {
	Phones []string
	Emails []string
}

func (a Allowlist) phone(v string) bool {
	n := identity.NationalNumber(v)
	for _, p := range a.Phones {
		if identity.NationalNumber(p) == n {
			return true
		}
	}
	return false
}

func (a Allowlist) email(v string) bool {
	for _, e := range a.Emails {
		if strings.EqualFold(strings.TrimSpace(e), v) {
			return true
		}
	}
	return false
}

// checksumDetector flags standalone digit runs of a fixed length that pass
// the checksum; any other run of that length is left alone.
type checksumDetector struct {
	kind   string
	length int
	valid  func(string) bool
}

func (d checksumDetector) Kind() string { return d.kind }

func (d checksumDetector) Detect(text string) []Finding {
	var out []Finding
	for _, loc := range digitRunRe.FindAllStringIndex(text, -1) {
		v := text[loc[0]:loc[1]]
		if len(v) == d.length && d.valid(v) {
			out = append(out, Finding{Kind: d.kind, Start: loc[0], End: loc[1], Value: v})
		}
	}
	return out
}

// ValidTCKN checks a Turkish national ID number.
func ValidTCKN(s string) bool {
	d, ok := digits(s, 11)
	if !ok || d[0] == 0 {
		return false
	}
	odd := d[0] + d[2] + d[4] + d[6] + d[8]
	even := d[1] + d[3] + d[5] + d[7]
	if ((odd*7-even)%10+10)%10 != d[9] {
		return false
	}
	sum := 0
	for _, v := range d[:10] {
		sum += v
	}
	return sum%10 == d[10]
}

// ValidVKN checks a Turkish tax ID number.
func ValidVKN(s string) bool {
	d, ok := digits(s, 10)
	if !ok {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		tmp := (d[i] + 9 - i) % 10
		v := (tmp * (1 << (9 - i))) % 9
		if tmp != 0 && v == 0 {
			v = 9
		}
		sum += v
	}
	return (10-sum%10)%10 == d[9]
}

// ValidLuhn checks a payment card number; separators are ignored.
func ValidLuhn(s string) bool {
	n := identity.Digits(s)
	if len(n) < 13 || len(n) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(n) - 1; i >= 0; i-- {
		v := int(n[i] - '0')
		if double {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
		double = !double
	}
	return sum%10 == 0
}

// ValidIBAN runs the ISO 13616 mod-97 check; spaces are ignored.
func ValidIBAN(s string) bool {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	if strings.HasPrefix(s, "TR") && len(s) != 26 {
		return false
	}
	var b strings.Builder
	for _, r := range s[4:] + s[:4] {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func digits(s string, n int) ([]int, bool) {
	if len(s) != n {
		return nil, false
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, false
		}
		out[i] = int(s[i] - '0')
	}
	return out, true
}

type regexDetector struct {
	kind  string
	re    *regexp.Regexp
	valid func(string) bool
	// shrink retries ever shorter prefixes of a match down to minLen, for
	// patterns whose greedy tail may swallow the next token.
	shrink bool
	minLen int
}

func (d regexDetector) Kind() string { return d.kind }

func (d regexDetector) Detect(text string) []Finding {
	var out []Finding
	for _, loc := range d.re.FindAllStringIndex(text, -1) {
		v := text[loc[0]:loc[1]]
		if d.valid(v) {
			out = append(out, Finding{Kind: d.kind, Start: loc[0], End: loc[1], Value: v})
			continue
		}
		if !d.shrink {
			continue
		}
		for end := len(v) - 1; end >= d.minLen; end-- {
			cand := strings.TrimRight(v[:end], " -")
			if len(cand) != end {
				continue
			}
			if d.valid(cand) {
				out = append(out, Finding{Kind: d.kind, Start: loc[0], End: loc[0] + end, Value: cand})
				break
			}
		}
	}
	return out
}

// PIIDetectors returns the detectors for every PII class. Values in allow
// are never reported.
func PIIDetectors(allow Allowlist) []Detector {
	return []Detector{
		regexDetector{kind: KindIBAN, re: ibanRe, valid: ValidIBAN, shrink: true, minLen: 15},
		regexDetector{kind: KindCard, re: cardRe, valid: ValidLuhn, shrink: true, minLen: 13},
		checksumDetector{kind: KindTCKN, length: 11, valid: ValidTCKN},
		checksumDetector{kind: KindVKN, length: 10, valid: ValidVKN},
		regexDetector{kind: KindPhone, re: phoneRe, valid: func(v string) bool {
			n := identity.NationalNumber(v)
			return len(n) == 10 && n[0] >= '2' && n[0] <= '5' && !allow.phone(v)
		}},
		regexDetector{kind: KindEmail, re: emailRe, valid: func(v string) bool {
			return !allow.email(v)
		}},
	}
}

// Redact masks every finding in place. Card and phone keep their tails so
// the customer can still recognise them.
func Redact(text string, fs []Finding) string {
	fs = resolveOverlaps(fs)
	var b strings.Builder
	prev := 0
	for _, f := range fs {
		b.WriteString(text[prev:f.Start])
		b.WriteString(mask(f))
		prev = f.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

func mask(f Finding) string {
	switch f.Kind {
	case KindEmail:
		at := strings.LastIndex(f.Value, "@")
		if at <= 0 {
			return "***"
		}
		return f.Value[:1] + "***" + f.Value[at:]
	case KindPhone:
		return maskDigits(f.Value, 0, 2)
	case KindCard:
		return maskDigits(f.Value, 0, 4)
	case KindIBAN:
		return maskDigits(f.Value, 4, 4)
	default:
		return maskDigits(f.Value, 0, 0)
	}
}

// maskDigits replaces alphanumerics with '*' except the first keepHead and
// the last keepTail of them; separators stay.
func maskDigits(v string, keepHead, keepTail int) string {
	total := 0
	for _, r := range v {
		if isAlnum(r) {
			total++
		}
	}
	var b strings.Builder
	seen := 0
	for _, r := range v {
		if !isAlnum(r) {
			b.WriteRune(r)
			continue
		}
		if seen < keepHead || seen >= total-keepTail {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
		seen++
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')
}
