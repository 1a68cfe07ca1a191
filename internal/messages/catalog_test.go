package messages

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedCatalogLoads(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	for _, key := range []string{
		"slot.ask.order_number", "callback.ask_name_phone", "repeat.ask_for",
		"toolfail.default", "guidance.next_step", "guard.action_claim_fallback",
	} {
		assert.True(t, c.Has(key), key)
	}
}

func TestSameSeedSameVariant(t *testing.T) {
	c := MustLoad()
	opts := Options{Language: TR, SeedHint: "session-42"}

	first := c.Get("slot.ask.order_number", opts)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Get("slot.ask.order_number", opts))
	}
	assert.Equal(t, 0, c.Get("slot.ask.order_number", Options{Language: TR}).VariantIndex)
}

func TestChannelOverride(t *testing.T) {
	c := MustLoad()

	phone := c.Get("toolfail.default", Options{Language: TR, Channel: "PHONE"})
	chat := c.Get("toolfail.default", Options{Language: TR, Channel: "CHAT"})

	assert.Equal(t, "toolfail.default#PHONE", phone.Key)
	assert.Equal(t, "toolfail.default", chat.Key)
}

func TestFallbacks(t *testing.T) {
	c, err := Parse([]byte(`
fallback.generic:
  tr: ["genel"]
only.tr:
  tr: ["yalnız türkçe"]
`))
	require.NoError(t, err)

	assert.Equal(t, "yalnız türkçe", c.Get("only.tr", Options{Language: EN}).Text)
	assert.Equal(t, "genel", c.Get("does.not.exist", Options{Language: EN}).Text)
}

func TestParseRejectsCatalogWithoutFallback(t *testing.T) {
	_, err := Parse([]byte(`a: {tr: ["x"]}`))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	c := MustLoad()
	text := c.Render("lookup.order_found", Options{Language: EN}, map[string]string{
		"order_number": "ORD-1",
		"status":       "shipped",
	})
	assert.Equal(t, "Order ORD-1 is currently: shipped.", text)
}

func TestCallbackPromptsNeverMentionOrders(t *testing.T) {
	c := MustLoad()
	for _, key := range []string{"callback.ask_name_phone", "callback.ask_name", "callback.ask_phone"} {
		for _, lang := range []Language{TR, EN} {
			for _, text := range c.entries[key][lang] {
				lower := strings.ToLower(text)
				assert.NotContains(t, lower, "sipariş", key)
				assert.NotContains(t, lower, "order", key)
				assert.NotContains(t, lower, "son 4", key)
			}
		}
	}
}

func TestParseLanguage(t *testing.T) {
	assert.Equal(t, EN, ParseLanguage("EN"))
	assert.Equal(t, TR, ParseLanguage("tr"))
	assert.Equal(t, TR, ParseLanguage(""))
}

func TestFieldList(t *testing.T) {
	c := MustLoad()

	assert.Equal(t, "telefon numaranızın son 4 hanesini", c.FieldList([]string{"phone_last4"}, TR))
	assert.Equal(t, "your full name and your phone number", c.FieldList([]string{"customer_name", "phone"}, EN))
	assert.Equal(t, "iban", c.FieldList([]string{"iban"}, TR))
}
