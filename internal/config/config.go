// Package config reads process configuration from the environment. It is
// only called from the binaries in cmd/.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	LockBackendDynamoDB = "dynamodb"
	LockBackendPostgres = "postgres"
)

type Config struct {
	StateTable  string
	ParamPrefix string

	LockBackend string
	DatabaseURL string

	OpenAIModel string

	TwilioAccountSID string
	TwilioFrom       string
	// TwilioWebhookURL enables X-Twilio-Signature validation when set.
	TwilioWebhookURL string

	Port     string
	LogLevel slog.Level

	DebounceWindow  time.Duration
	DebounceHardCap time.Duration
	LockTTL         time.Duration
}

// Load builds a Config from getenv, usually os.Getenv.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		return Config{}, errors.New("config: getenv must not be nil")
	}
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		StateTable:       get("STATE_TABLE"),
		ParamPrefix:      strings.TrimRight(get("PARAM_PREFIX"), "/"),
		LockBackend:      strings.ToLower(get("LOCK_BACKEND")),
		DatabaseURL:      get("DATABASE_URL"),
		OpenAIModel:      get("OPENAI_MODEL"),
		TwilioAccountSID: get("TWILIO_ACCOUNT_SID"),
		TwilioFrom:       get("TWILIO_FROM"),
		TwilioWebhookURL: get("TWILIO_WEBHOOK_URL"),
		Port:             get("PORT"),
	}

	var errs []error
	if cfg.StateTable == "" {
		errs = append(errs, errors.New("STATE_TABLE is required"))
	}
	if cfg.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}

	switch cfg.LockBackend {
	case "":
		cfg.LockBackend = LockBackendDynamoDB
	case LockBackendDynamoDB:
	case LockBackendPostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when LOCK_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND %q is not one of dynamodb, postgres", cfg.LockBackend))
	}

	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	level, err := parseLevel(get("LOG_LEVEL"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LogLevel = level

	var derr error
	if cfg.DebounceWindow, derr = seconds(get, "DEBOUNCE_WINDOW_SECONDS", 2*time.Second); derr != nil {
		errs = append(errs, derr)
	}
	if cfg.DebounceHardCap, derr = seconds(get, "DEBOUNCE_HARD_CAP_SECONDS", 10*time.Second); derr != nil {
		errs = append(errs, derr)
	}
	if cfg.LockTTL, derr = seconds(get, "LOCK_TTL_SECONDS", 24*time.Hour); derr != nil {
		errs = append(errs, derr)
	}
	if cfg.DebounceHardCap < cfg.DebounceWindow {
		errs = append(errs, fmt.Errorf("DEBOUNCE_HARD_CAP_SECONDS (%s) must not be shorter than DEBOUNCE_WINDOW_SECONDS (%s)", cfg.DebounceHardCap, cfg.DebounceWindow))
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// TwilioEnabled reports whether outbound Twilio delivery is configured.
func (c Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioFrom != ""
}

func seconds(get func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", key, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func parseLevel(v string) (slog.Level, error) {
	switch strings.ToLower(v) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", v)
}
