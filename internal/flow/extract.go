package flow

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/textutil"
)

var (
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-()]{8,16}\d`)
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	orderRe = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])ORD[-\s]?(\d{4,})`)
	last4Re = regexp.MustCompile(`(?:^|\D)(\d{4})(?:\D|$)`)
	dateTR  = regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})[./](\d{4})\b`)
	dateISO = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	timeRe  = regexp.MustCompile(`(?:^|\D)([01]?\d|2[0-3]):([0-5]\d)(?:\D|$)`)
)

// callbackPhrases ask for a human or a call, in Turkish and English.
var callbackPhrases = []string{
	"yetkili",
	"temsilci",
	"beni arayın",
	"beni arasın",
	"beni ara",
	"geri arama",
	"geri arayın",
	"biriyle görüşmek",
	"insanla görüşmek",
	"canlı destek",
	"call me back",
	"callback",
	"call back",
	"speak to a human",
	"talk to a human",
	"speak to someone",
	"real person",
	"representative",
	"manager",
}

// MentionsCallback reports whether the message asks to be called or to talk
// to a human.
func MentionsCallback(msg string) bool {
	for _, p := range callbackPhrases {
		if textutil.ContainsWordStart(msg, p) {
			return true
		}
	}
	return false
}

// Awaiting describes which slot the conversation is currently waiting for,
// which unlocks extraction of ambiguous values.
type Awaiting struct {
	PhoneLast4   bool
	CustomerName bool
}

// ExtractSlots pulls unambiguous values out of a message. Four-digit
// groups and bare names are taken only when the conversation asked for them.
func ExtractSlots(msg string, aw Awaiting) map[string]string {
	out := map[string]string{}
	rest := msg

	if m := emailRe.FindString(rest); m != "" {
		out["email"] = strings.ToLower(m)
		rest = strings.Replace(rest, m, " ", 1)
	}

	if m := orderRe.FindStringSubmatch(rest); m != nil {
		out["order_number"] = "ORD-" + m[1]
		rest = strings.Replace(rest, m[0], " ", 1)
	}

	if m := dateISO.FindStringSubmatch(rest); m != nil {
		out["date"] = m[0]
		rest = strings.Replace(rest, m[0], " ", 1)
	} else if m := dateTR.FindStringSubmatch(rest); m != nil {
		out["date"] = m[3] + "-" + pad2(m[2]) + "-" + pad2(m[1])
		rest = strings.Replace(rest, m[0], " ", 1)
	}

	if m := timeRe.FindStringSubmatch(rest); m != nil {
		out["time"] = pad2(m[1]) + ":" + m[2]
		rest = strings.Replace(rest, m[1]+":"+m[2], " ", 1)
	}

	for _, m := range phoneRe.FindAllString(rest, -1) {
		if len(identity.NationalNumber(m)) == 10 {
			out["phone"] = strings.TrimSpace(m)
			rest = strings.Replace(rest, m, " ", 1)
			break
		}
	}

	if aw.PhoneLast4 {
		if m := last4Re.FindStringSubmatch(rest); m != nil {
			out["phone_last4"] = m[1]
			rest = strings.Replace(rest, m[1], " ", 1)
		}
	}

	if aw.CustomerName {
		if name, ok := extractName(rest); ok {
			out["customer_name"] = name
		}
	}
	return out
}

var namePrefixes = [][]string{
	{"benim", "adım"}, {"my", "name", "is"}, {"adım"}, {"ismim"}, {"name", "is"}, {"i", "am"}, {"i'm"}, {"this", "is"}, {"ben"},
}

var nameFillers = map[string]bool{
	"ve": true, "numaram": true, "numaramı": true, "telefon": true, "telefonum": true,
	"and": true, "phone": true, "number": true,
}

// words that never occur in a name; their presence means the message is not one
var notAName = map[string]bool{
	"tamam": true, "teşekkürler": true, "teşekkür": true, "evet": true, "hayır": true,
	"merhaba": true, "lütfen": true, "istiyorum": true, "görüşmek": true, "sipariş": true,
	"ok": true, "okay": true, "thanks": true, "yes": true, "no": true, "hello": true,
	"please": true, "want": true, "order": true,
	"beni": true, "arayın": true, "arar": true, "ne": true, "nasıl": true, "nerede": true,
	"kadar": true, "mi": true, "mı": true, "call": true, "me": true, "what": true, "how": true,
	"where": true,
}

// extractName accepts two to four alphabetic words, or one word after an
// explicit "adım"/"my name is".
func extractName(s string) (string, bool) {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.' || r == '!' || r == ':' || r == ';'
	})
	// "I'm" only lowers to "i'm" outside Turkish casing, so both forms are kept
	tr := make([]string, len(words))
	en := make([]string, len(words))
	for i, w := range words {
		tr[i] = textutil.Lower(w)
		en[i] = textutil.LowerEN(w)
	}

	explicit := false
	for _, p := range namePrefixes {
		if len(words) > len(p) && (equalWords(tr[:len(p)], p) || equalWords(en[:len(p)], p)) {
			words, tr, en = words[len(p):], tr[len(p):], en[len(p):]
			explicit = true
			break
		}
	}

	var name []string
	for i, w := range words {
		if notAName[tr[i]] || notAName[en[i]] {
			return "", false
		}
		if nameFillers[tr[i]] || nameFillers[en[i]] {
			continue
		}
		for _, r := range w {
			if !unicode.IsLetter(r) && r != '\'' && r != '-' {
				return "", false
			}
		}
		name = append(name, w)
	}

	switch {
	case len(name) >= 2 && len(name) <= 4:
	case len(name) == 1 && explicit:
	default:
		return "", false
	}
	return strings.Join(name, " "), true
}

func equalWords(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
