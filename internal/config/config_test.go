package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Errorf("AuthMode=%q, want none", cfg.AuthMode)
	}
	if cfg.MatchRetryLimit != DefaultMatchRetryLimit {
		t.Errorf("MatchRetryLimit=%d, want %d", cfg.MatchRetryLimit, DefaultMatchRetryLimit)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
}

func TestLoad_ProdModeDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"DUETCHAT_MODE": "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat=%q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel=%v, want info in prod", cfg.LogLevel)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"PORT": "9090"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Errorf("ListenAddr=%q, want 0.0.0.0:9090", cfg.ListenAddr)
	}

	// Explicit listen addr wins over PORT.
	cfg, err = load(lookupFrom(map[string]string{
		"PORT":                 "9090",
		"DUETCHAT_LISTEN_ADDR": "127.0.0.1:7000",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("ListenAddr=%q, want 127.0.0.1:7000", cfg.ListenAddr)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{"DUETCHAT_LISTEN_ADDR": "127.0.0.1:7000"}),
		[]string{"-listen-addr", "127.0.0.1:7001"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7001" {
		t.Errorf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"ALLOWED_ORIGINS": "https://app.example.com, https://staging.example.com ,",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins=%v, want 2 entries", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("first origin %q", cfg.AllowedOrigins[0])
	}
}

func TestLoad_AuthValidation(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "jwt mode without secret",
			env:     map[string]string{"AUTH_MODE": "jwt"},
			wantErr: "JWT_SECRET",
		},
		{
			name:    "require auth without jwt",
			env:     map[string]string{"REQUIRE_AUTH": "true"},
			wantErr: "REQUIRE_AUTH",
		},
		{
			name:    "unknown auth mode",
			env:     map[string]string{"AUTH_MODE": "api_key"},
			wantErr: "AUTH_MODE",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFrom(tc.env), nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tc.wantErr)
			}
		})
	}

	cfg, err := load(lookupFrom(map[string]string{
		"AUTH_MODE":    "jwt",
		"JWT_SECRET":   "sekrit",
		"REQUIRE_AUTH": "true",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.RequireAuth || cfg.AuthMode != AuthModeJWT {
		t.Fatalf("cfg=%+v, want jwt + required auth", cfg)
	}
}

func TestLoad_PingMustBeShorterThanIdle(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{
		"WS_PING_INTERVAL": "1m",
		"WS_IDLE_TIMEOUT":  "30s",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "WS_PING_INTERVAL") {
		t.Fatalf("err=%v, want ping interval validation error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{"AUTH_TIMEOUT": "soon"}), nil)
	if err == nil || !strings.Contains(err.Error(), "AUTH_TIMEOUT") {
		t.Fatalf("err=%v, want duration parse error", err)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"DUETCHAT_SHUTDOWN_TIMEOUT": "5s",
		"WS_IDLE_TIMEOUT":           "90s",
		"WS_PING_INTERVAL":          "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.WSIdleTimeout != 90*time.Second || cfg.WSPingInterval != 30*time.Second {
		t.Errorf("ws timeouts %v/%v", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
}
