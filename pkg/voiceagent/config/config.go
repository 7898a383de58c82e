package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/EchoLoomAI/EchoSpark/pkg/voiceagent/session"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	// Credential service (token issuing).
	CredentialsURL    string
	CredentialsBearer string
	AppID             string
	TokenTTL          time.Duration

	// Signaling WebSocket.
	SignalingURL          string
	SignalingPingInterval time.Duration
	SignalingWriteTimeout time.Duration

	// Media gateway (SDP offer/answer over HTTP).
	MediaGatewayURL  string
	ICEServers       []string
	ICEGatherTimeout time.Duration

	// Agent control plane.
	AgentAPIURL    string
	AgentAPIKey    string
	AgentAPISecret string
	AgentAPIBearer string

	// Session timing.
	StartTimeout         time.Duration
	TeardownTimeout      time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HeartbeatMaxFailures int
	EventBuffer          int

	PresetsPath     string
	DefaultScenario string

	// Optional transcript archive. Empty disables it.
	DatabaseURL    string
	MigrateOnStart bool

	// Optional model-backed profile extraction. Empty key disables it.
	GeminiAPIKey    string
	GeminiModel     string
	FallbackTimeout time.Duration

	MetricsNamespace    string
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// HTTP control surface.
	CORSAllowedOrigins map[string]struct{}
	MaxBodyBytes       int64
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration
	WSSubscriberBuffer int
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("ECHOSPARK_ADDR", "127.0.0.1:8787"),
		LogLevel:              strings.ToLower(envOr("ECHOSPARK_LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(envOr("ECHOSPARK_LOG_FORMAT", "text")),
		CredentialsURL:        envOr("ECHOSPARK_CREDENTIALS_URL", ""),
		CredentialsBearer:     envOr("ECHOSPARK_CREDENTIALS_BEARER", ""),
		AppID:                 envOr("ECHOSPARK_APP_ID", ""),
		TokenTTL:              envDurationOr("ECHOSPARK_TOKEN_TTL", time.Hour),
		SignalingURL:          envOr("ECHOSPARK_SIGNALING_URL", ""),
		SignalingPingInterval: envDurationOr("ECHOSPARK_SIGNALING_PING_INTERVAL", 15*time.Second),
		SignalingWriteTimeout: envDurationOr("ECHOSPARK_SIGNALING_WRITE_TIMEOUT", 5*time.Second),
		MediaGatewayURL:       envOr("ECHOSPARK_MEDIA_GATEWAY_URL", ""),
		ICEServers:            splitCSV(envOr("ECHOSPARK_ICE_SERVERS", "stun:stun.l.google.com:19302")),
		ICEGatherTimeout:      envDurationOr("ECHOSPARK_ICE_GATHER_TIMEOUT", 5*time.Second),
		AgentAPIURL:           envOr("ECHOSPARK_AGENT_API_URL", ""),
		AgentAPIKey:           envOr("ECHOSPARK_AGENT_API_KEY", ""),
		AgentAPISecret:        envOr("ECHOSPARK_AGENT_API_SECRET", ""),
		AgentAPIBearer:        envOr("ECHOSPARK_AGENT_API_BEARER", ""),
		StartTimeout:          envDurationOr("ECHOSPARK_START_TIMEOUT", 30*time.Second),
		TeardownTimeout:       envDurationOr("ECHOSPARK_TEARDOWN_TIMEOUT", 10*time.Second),
		HeartbeatInterval:     envDurationOr("ECHOSPARK_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTimeout:      envDurationOr("ECHOSPARK_HEARTBEAT_TIMEOUT", 5*time.Second),
		HeartbeatMaxFailures:  envIntOr("ECHOSPARK_HEARTBEAT_MAX_FAILURES", 3),
		EventBuffer:           envIntOr("ECHOSPARK_EVENT_BUFFER", 256),
		PresetsPath:           envOr("ECHOSPARK_PRESETS", ""),
		DefaultScenario:       strings.ToLower(envOr("ECHOSPARK_DEFAULT_SCENARIO", ScenarioChat)),
		DatabaseURL:           envOr("ECHOSPARK_DATABASE_URL", ""),
		MigrateOnStart:        envBoolOr("ECHOSPARK_MIGRATE_ON_START", true),
		GeminiAPIKey:          envOr("ECHOSPARK_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		GeminiModel:           envOr("ECHOSPARK_GEMINI_MODEL", "gemini-2.5-flash"),
		FallbackTimeout:       envDurationOr("ECHOSPARK_FALLBACK_TIMEOUT", 15*time.Second),
		MetricsNamespace:      envOr("ECHOSPARK_METRICS_NAMESPACE", "echospark"),
		ReadHeaderTimeout:     envDurationOr("ECHOSPARK_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("ECHOSPARK_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		CORSAllowedOrigins:    make(map[string]struct{}),
		MaxBodyBytes:          int64(envIntOr("ECHOSPARK_MAX_BODY_BYTES", 64<<10)),
		WSPingInterval:        envDurationOr("ECHOSPARK_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:        envDurationOr("ECHOSPARK_WS_WRITE_TIMEOUT", 5*time.Second),
		WSSubscriberBuffer:    envIntOr("ECHOSPARK_WS_SUBSCRIBER_BUFFER", 64),
	}
	for _, origin := range splitCSV(envOr("ECHOSPARK_CORS_ORIGINS", "")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	for key, raw := range map[string]string{
		"ECHOSPARK_CREDENTIALS_URL":   cfg.CredentialsURL,
		"ECHOSPARK_SIGNALING_URL":     cfg.SignalingURL,
		"ECHOSPARK_MEDIA_GATEWAY_URL": cfg.MediaGatewayURL,
		"ECHOSPARK_AGENT_API_URL":     cfg.AgentAPIURL,
	} {
		if err := validateURL(key, raw); err != nil {
			return Config{}, err
		}
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("ECHOSPARK_LOG_FORMAT must be one of text|json")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("ECHOSPARK_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if (cfg.AgentAPIKey == "") != (cfg.AgentAPISecret == "") {
		return Config{}, fmt.Errorf("ECHOSPARK_AGENT_API_KEY and ECHOSPARK_AGENT_API_SECRET must be set together")
	}
	if cfg.TokenTTL <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_TOKEN_TTL must be > 0")
	}
	if cfg.SignalingPingInterval <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_SIGNALING_PING_INTERVAL must be > 0")
	}
	if cfg.SignalingWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_SIGNALING_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ICEGatherTimeout <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_ICE_GATHER_TIMEOUT must be > 0")
	}
	if cfg.StartTimeout <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_START_TIMEOUT must be > 0")
	}
	if cfg.TeardownTimeout <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_TEARDOWN_TIMEOUT must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.HeartbeatTimeout <= 0 || cfg.HeartbeatTimeout > cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("ECHOSPARK_HEARTBEAT_TIMEOUT must be > 0 and <= ECHOSPARK_HEARTBEAT_INTERVAL")
	}
	if cfg.HeartbeatMaxFailures <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_HEARTBEAT_MAX_FAILURES must be > 0")
	}
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_EVENT_BUFFER must be > 0")
	}
	if cfg.FallbackTimeout <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_FALLBACK_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_MAX_BODY_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 || cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("websocket ping interval and write timeout must be > 0")
	}
	if cfg.WSSubscriberBuffer <= 0 {
		return Config{}, fmt.Errorf("ECHOSPARK_WS_SUBSCRIBER_BUFFER must be > 0")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return Config{}, fmt.Errorf("ECHOSPARK_GEMINI_MODEL must not be empty")
	}
	return cfg, nil
}

// Session returns the orchestrator settings carried by cfg.
func (c Config) Session() session.Config {
	return session.Config{
		StartTimeout:         c.StartTimeout,
		TeardownTimeout:      c.TeardownTimeout,
		HeartbeatInterval:    c.HeartbeatInterval,
		HeartbeatTimeout:     c.HeartbeatTimeout,
		HeartbeatMaxFailures: c.HeartbeatMaxFailures,
		FallbackTimeout:      c.FallbackTimeout,
		EventBuffer:          c.EventBuffer,
	}
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s must be set", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
