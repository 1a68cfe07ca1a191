package identity

import "strings"

const trCountryCode = "90"

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NationalNumber reduces a Turkish number to its 10-digit national form
// ("905321234567", "+90 532 123 45 67", "05321234567" -> "5321234567").
// Numbers it cannot place are returned as bare digits.
func NationalNumber(phone string) string {
	d := Digits(phone)
	switch {
	case len(d) == 12 && strings.HasPrefix(d, trCountryCode):
		return d[2:]
	case len(d) == 11 && strings.HasPrefix(d, "0"):
		return d[1:]
	case len(d) == 14 && strings.HasPrefix(d, "00"+trCountryCode):
		return d[4:]
	}
	return d
}

// PhoneVariants lists the spellings a phone may be stored under:
// with and without country code, with and without the leading zero.
func PhoneVariants(phone string) []string {
	d := Digits(phone)
	if d == "" {
		return nil
	}
	national := NationalNumber(phone)
	if len(national) != 10 {
		return uniq([]string{d, "+" + d})
	}
	return uniq([]string{
		national,
		"0" + national,
		trCountryCode + national,
		"+" + trCountryCode + national,
		d,
	})
}

// Last4 returns the last four digits or "" for shorter inputs.
func Last4(phone string) string {
	d := Digits(phone)
	if len(d) < 4 {
		return ""
	}
	return d[len(d)-4:]
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
