package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envOf(map[string]string{
		"STATE_TABLE":  "medic-state",
		"PARAM_PREFIX": "/medic-agent/",
	}))
	require.NoError(t, err)
	require.Equal(t, "medic-state", cfg.StateTable)
	require.Equal(t, "/medic-agent", cfg.ParamPrefix)
	require.Equal(t, LockBackendDynamoDB, cfg.LockBackend)
	require.Equal(t, "gpt-4o-mini", cfg.OpenAIModel)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, 2*time.Second, cfg.DebounceWindow)
	require.Equal(t, 10*time.Second, cfg.DebounceHardCap)
	require.Equal(t, 86400*time.Second, cfg.LockTTL)
	require.False(t, cfg.TwilioEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(envOf(map[string]string{
		"STATE_TABLE":               "t",
		"PARAM_PREFIX":              "/p",
		"LOCK_BACKEND":              "Postgres",
		"DATABASE_URL":              "postgres://localhost/medic",
		"OPENAI_MODEL":              "gpt-4o",
		"TWILIO_ACCOUNT_SID":        "AC1",
		"TWILIO_FROM":               "whatsapp:+1",
		"TWILIO_WEBHOOK_URL":        "https://example.com/webhook/twilio",
		"PORT":                      "9000",
		"LOG_LEVEL":                 "debug",
		"DEBOUNCE_WINDOW_SECONDS":   "1.5",
		"DEBOUNCE_HARD_CAP_SECONDS": "6",
		"LOCK_TTL_SECONDS":          "3600",
	}))
	require.NoError(t, err)
	require.Equal(t, LockBackendPostgres, cfg.LockBackend)
	require.Equal(t, "postgres://localhost/medic", cfg.DatabaseURL)
	require.Equal(t, "gpt-4o", cfg.OpenAIModel)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, 1500*time.Millisecond, cfg.DebounceWindow)
	require.Equal(t, 6*time.Second, cfg.DebounceHardCap)
	require.Equal(t, time.Hour, cfg.LockTTL)
	require.True(t, cfg.TwilioEnabled())
	require.Equal(t, "https://example.com/webhook/twilio", cfg.TwilioWebhookURL)
}

func TestLoad_Errors(t *testing.T) {
	base := func(extra map[string]string) map[string]string {
		m := map[string]string{"STATE_TABLE": "t", "PARAM_PREFIX": "/p"}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing table", map[string]string{"PARAM_PREFIX": "/p"}, "STATE_TABLE"},
		{"missing prefix", map[string]string{"STATE_TABLE": "t"}, "PARAM_PREFIX"},
		{"postgres without url", base(map[string]string{"LOCK_BACKEND": "postgres"}), "DATABASE_URL"},
		{"unknown backend", base(map[string]string{"LOCK_BACKEND": "redis"}), "LOCK_BACKEND"},
		{"bad window", base(map[string]string{"DEBOUNCE_WINDOW_SECONDS": "soon"}), "DEBOUNCE_WINDOW_SECONDS"},
		{"zero ttl", base(map[string]string{"LOCK_TTL_SECONDS": "0"}), "LOCK_TTL_SECONDS"},
		{"cap below window", base(map[string]string{"DEBOUNCE_WINDOW_SECONDS": "5", "DEBOUNCE_HARD_CAP_SECONDS": "3"}), "must not be shorter"},
		{"bad level", base(map[string]string{"LOG_LEVEL": "verbose"}), "LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(envOf(tc.env))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_NilGetenv(t *testing.T) {
	_, err := Load(nil)
	require.Error(t, err)
}
