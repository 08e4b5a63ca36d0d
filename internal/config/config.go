package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "DUETCHAT_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "DUETCHAT_MODE"
	envVarLogFormat       = "DUETCHAT_LOG_FORMAT"
	envVarLogLevel        = "DUETCHAT_LOG_LEVEL"
	envVarShutdownTimeout = "DUETCHAT_SHUTDOWN_TIMEOUT"

	// Authentication.
	envVarAuthMode    = "AUTH_MODE"
	envVarJWTSecret   = "JWT_SECRET"
	envVarRequireAuth = "REQUIRE_AUTH"
	envVarAuthTimeout = "AUTH_TIMEOUT"

	// WebSocket inbound hardening + keepalive.
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"
	envVarSendQueueSize        = "SEND_QUEUE_SIZE"

	// Matchmaking.
	envVarMatchRetryLimit = "MATCH_RETRY_LIMIT"
)

const (
	DefaultListenAddr       = "0.0.0.0:8080"
	DefaultShutdown         = 15 * time.Second
	DefaultMode        Mode = ModeDev

	DefaultAuthMode    AuthMode = AuthModeNone
	DefaultAuthTimeout          = 5 * time.Second

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 25 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueSize        = 32

	DefaultMatchRetryLimit = 10
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	// AuthModeNone accepts any token without verification. Dev only.
	AuthModeNone AuthMode = "none"
	// AuthModeJWT verifies tokens as HS256 JWTs and uses the `sub` claim as
	// the stable user identifier.
	AuthModeJWT AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	JWTSecret string
	// RequireAuth forces clients to authenticate before any other inbound
	// event is accepted.
	RequireAuth bool
	AuthTimeout time.Duration

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int

	// MatchRetryLimit bounds how many stale waiting-queue entries a single
	// pairing attempt may discard before giving up and enqueueing.
	MatchRetryLimit int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	mode := Mode(envOrDefault(lookup, envVarMode, string(DefaultMode)))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want dev|prod)", envVarMode, mode)
	}

	logFormat := LogFormat(envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text|json)", envVarLogFormat, logFormat)
	}

	logLevel, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode)))
	if err != nil {
		return Config{}, err
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, "")
	if listenAddr == "" {
		// The original deployment configured only PORT.
		if port := envOrDefault(lookup, envVarPort, ""); port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return Config{}, fmt.Errorf("invalid %s %q: %w", envVarPort, port, err)
			}
			listenAddr = net.JoinHostPort("0.0.0.0", port)
		} else {
			listenAddr = DefaultListenAddr
		}
	}

	allowedOrigins := splitCommaList(envOrDefault(lookup, envVarAllowedOrigins, ""))

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authMode := AuthMode(envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode)))
	switch authMode {
	case AuthModeNone, AuthModeJWT:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want none|jwt)", envVarAuthMode, authMode)
	}
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	if authMode == AuthModeJWT && jwtSecret == "" {
		return Config{}, fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
	}

	requireAuth, err := envBoolOrDefault(lookup, envVarRequireAuth, false)
	if err != nil {
		return Config{}, err
	}
	if requireAuth && authMode == AuthModeNone {
		return Config{}, fmt.Errorf("%s=true requires %s=jwt", envVarRequireAuth, envVarAuthMode)
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}

	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if wsPingInterval > 0 && wsIdleTimeout > 0 && wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)",
			envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}
	if sendQueueSize <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be positive", envVarSendQueueSize, sendQueueSize)
	}

	matchRetryLimit, err := envIntOrDefault(lookup, envVarMatchRetryLimit, DefaultMatchRetryLimit)
	if err != nil {
		return Config{}, err
	}
	if matchRetryLimit <= 0 {
		return Config{}, fmt.Errorf("invalid %s %d: must be positive", envVarMatchRetryLimit, matchRetryLimit)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AuthMode:    authMode,
		JWTSecret:   jwtSecret,
		RequireAuth: requireAuth,
		AuthTimeout: authTimeout,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueSize:        sendQueueSize,

		MatchRetryLimit: matchRetryLimit,
	}

	fs := flag.NewFlagSet("duetchat-signaling", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address (host:port)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// NewLogger builds the process-wide slog logger from the loaded config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q (want debug|info|warn|error)", envVarLogLevel, raw)
	}
}

func splitCommaList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return d, nil
}
