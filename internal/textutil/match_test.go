package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLower(t *testing.T) {
	assert.Equal(t, "iade istiyorum", Lower("İADE istiyorum"))
	assert.Equal(t, "ıptal", Lower("Iptal"))
	assert.Equal(t, "i'm", LowerEN("I’m"))
}

func TestIndexWordStart(t *testing.T) {
	tests := []struct {
		text   string
		phrase string
		want   int
	}{
		{"yetkiliyle görüşmek istiyorum", "yetkili", 0},
		{"kargom nerede", "kargo", 0},
		{"ekargo", "kargo", -1},
		{"beni arayın lütfen", "beni arayın", 0},
		{"", "x", -1},
		{"x", "", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IndexWordStart(tt.text, tt.phrase), tt.text)
	}
}

func TestIndexWholeWord(t *testing.T) {
	assert.Equal(t, -1, IndexWholeWord("here is the present", "sent"))
	assert.Equal(t, -1, IndexWholeWord("iletildiğinde haber veririz", "iletildi"))
	assert.Equal(t, 10, IndexWholeWord("talebiniz iletildi.", "iletildi"))
	// the second occurrence is the whole word
	assert.Equal(t, 13, IndexWholeWord("presentation sent", "sent"))
}

func TestContainsWordStart(t *testing.T) {
	assert.True(t, ContainsWordStart("YETKİLİ biriyle görüşmek istiyorum", "yetkili"))
	assert.True(t, ContainsWordStart("I want to speak to a HUMAN", "speak to a human"))
	assert.True(t, ContainsWordStart("Call me back please", "call me back"))
	assert.False(t, ContainsWordStart("kulaklık fiyatı", "yetkili"))
}
