package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	c, err := FromEnv(envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.True(t, c.DevMode())
	assert.Equal(t, "gpt-4o-mini", c.OpenAIModel)
	assert.Equal(t, 24*time.Hour, c.StateTTL)
	assert.Equal(t, 2*time.Second, c.ClassifierTimeoutChat)
	assert.Equal(t, 5*time.Second, c.ClassifierTimeoutDefault)
	assert.Equal(t, 0.5, c.GatingMinConfidence)
	assert.Equal(t, 0.7, c.GatingMinConfidenceMutating)
	assert.Equal(t, 15*time.Minute, c.CallbackDedupWindow)
	assert.Equal(t, 8*time.Second, c.ToolTimeout)
	assert.Equal(t, slog.LevelInfo, c.LogLevel)
	assert.Equal(t, "Europe/Istanbul", c.Location().String())
}

func TestOverrides(t *testing.T) {
	c, err := FromEnv(envOf(map[string]string{
		"PORT":                           "9090",
		"DATABASE_URL":                   "postgres://localhost/convo?sslmode=disable",
		"STATE_TTL":                      "2h",
		"GATING_MIN_CONFIDENCE":          "0.6",
		"GATING_MIN_CONFIDENCE_MUTATING": "0.8",
		"LOG_LEVEL":                      "debug",
		"OUTBOUND_WEBHOOK_URL":           "https://adapter.example.com/replies",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", c.Port)
	assert.False(t, c.DevMode())
	assert.Equal(t, 2*time.Hour, c.StateTTL)
	assert.Equal(t, 0.6, c.GatingMinConfidence)
	assert.Equal(t, slog.LevelDebug, c.LogLevel)
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"TOOL_TIMEOUT": "soon"}},
		{"bad float", map[string]string{"GATING_MIN_CONFIDENCE": "high"}},
		{"threshold out of range", map[string]string{"GATING_MIN_CONFIDENCE": "1.5"}},
		{"mutating below general threshold", map[string]string{"GATING_MIN_CONFIDENCE": "0.6", "GATING_MIN_CONFIDENCE_MUTATING": "0.5"}},
		{"negative ttl", map[string]string{"STATE_TTL": "-1h"}},
		{"bad port", map[string]string{"PORT": "http"}},
		{"bad webhook url", map[string]string{"OUTBOUND_WEBHOOK_URL": "not a url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envOf(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	c := Config{BusinessTimezone: "Mars/Olympus"}
	assert.Equal(t, time.UTC, c.Location())
}
