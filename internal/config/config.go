// Package config reads the process configuration from the environment,
// after loading an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `validate:"required,numeric"`
	DatabaseURL string
	LogLevel    slog.Level

	OpenAIKey   string
	OpenAIModel string

	StateDir string
	StateTTL time.Duration `validate:"gt=0"`

	ClassifierTimeoutChat    time.Duration `validate:"gt=0"`
	ClassifierTimeoutDefault time.Duration `validate:"gt=0"`

	GatingMinConfidence         float64 `validate:"gte=0,lte=1"`
	GatingMinConfidenceMutating float64 `validate:"gte=0,lte=1,gtefield=GatingMinConfidence"`

	CallbackDedupWindow time.Duration `validate:"gt=0"`
	ToolTimeout         time.Duration `validate:"gt=0"`

	OutboundWebhookURL    string `validate:"omitempty,url"`
	OutboundWebhookSecret string
	// WebhookSecret guards the inbound webhook endpoint when set.
	WebhookSecret string

	// BusinessTimezone is used to reject appointments in the past.
	BusinessTimezone string
	// DevBusinessID is the seeded tenant of dev mode.
	DevBusinessID string
}

// DevMode is true when no database is configured.
func (c Config) DevMode() bool { return c.DatabaseURL == "" }

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the config from getenv and validates it.
func FromEnv(getenv func(string) string) (Config, error) {
	e := env{get: getenv}
	c := Config{
		Port:        e.str("PORT", "8080"),
		DatabaseURL: e.str("DATABASE_URL", ""),
		LogLevel:    e.level("LOG_LEVEL", slog.LevelInfo),

		OpenAIKey:   e.str("OPENAI_API_KEY", ""),
		OpenAIModel: e.str("OPENAI_MODEL", "gpt-4o-mini"),

		StateDir: e.str("STATE_DIR", ""),
		StateTTL: e.duration("STATE_TTL", 24*time.Hour),

		ClassifierTimeoutChat:    e.duration("CLASSIFIER_TIMEOUT_CHAT", 2*time.Second),
		ClassifierTimeoutDefault: e.duration("CLASSIFIER_TIMEOUT_DEFAULT", 5*time.Second),

		GatingMinConfidence:         e.float("GATING_MIN_CONFIDENCE", 0.5),
		GatingMinConfidenceMutating: e.float("GATING_MIN_CONFIDENCE_MUTATING", 0.7),

		CallbackDedupWindow: e.duration("CALLBACK_DEDUP_WINDOW", 15*time.Minute),
		ToolTimeout:         e.duration("TOOL_TIMEOUT", 8*time.Second),

		OutboundWebhookURL:    e.str("OUTBOUND_WEBHOOK_URL", ""),
		OutboundWebhookSecret: e.str("OUTBOUND_WEBHOOK_SECRET", ""),
		WebhookSecret:         e.str("WEBHOOK_SECRET", ""),

		BusinessTimezone: e.str("BUSINESS_TIMEZONE", "Europe/Istanbul"),
		DevBusinessID:    e.str("DEV_BUSINESS_ID", "demo"),
	}
	if len(e.errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
	}
	if err := validator.New().Struct(c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return l
}
