// Package config loads the service configuration from environment variables
// with flag overrides. Env values become flag defaults, so flags win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangercast/rendezvous/internal/origin"
)

const (
	envListenAddr      = "RENDEZVOUS_LISTEN_ADDR"
	envPublicBaseURL   = "RENDEZVOUS_PUBLIC_BASE_URL"
	envMode            = "RENDEZVOUS_MODE"
	envLogFormat       = "RENDEZVOUS_LOG_FORMAT"
	envLogLevel        = "RENDEZVOUS_LOG_LEVEL"
	envShutdownTimeout = "RENDEZVOUS_SHUTDOWN_TIMEOUT"

	envAllowedOrigins = "ALLOWED_ORIGINS"

	// Signaling WebSocket auth + hardening.
	envAuthMode                      = "AUTH_MODE"
	envAPIKey                        = "API_KEY"
	envSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envSignalingIdleTimeout          = "SIGNALING_WS_IDLE_TIMEOUT"
	envSignalingPingInterval         = "SIGNALING_WS_PING_INTERVAL"
	envMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Abuse report delivery.
	envReportWebhookURL = "REPORT_WEBHOOK_URL"

	// Matchmaking quotas and timeouts.
	envMaxWaiting      = "MAX_WAITING"
	envMaxRooms        = "MAX_ROOMS"
	envMatchTimeout    = "MATCH_TIMEOUT"
	envRoomIdleTimeout = "ROOM_IDLE_TIMEOUT"

	// coturn TURN REST (ephemeral) credentials.
	envTURNRESTSharedSecret = "TURN_REST_SHARED_SECRET"
	envTURNRESTTTL          = "TURN_REST_TTL"
	envTURNRESTPrefix       = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMode            = ModeDev

	DefaultAuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingIdleTimeout          = 60 * time.Second
	DefaultSignalingPingInterval         = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	// DefaultMaxWaiting and DefaultMaxRooms bound memory against clients that
	// enqueue and never leave.
	DefaultMaxWaiting = 10_000
	DefaultMaxRooms   = 10_000

	// DefaultMatchTimeout of zero means a client waits until it cancels.
	DefaultMatchTimeout time.Duration = 0
	// DefaultRoomIdleTimeout bounds how long a room with no attached
	// subscriber survives before the janitor reclaims it.
	DefaultRoomIdleTimeout = 5 * time.Minute

	DefaultTURNRESTTTL    = time.Hour
	DefaultTURNRESTPrefix = "rdv"
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
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

// TURNRESTConfig configures coturn-compatible ephemeral TURN credentials.
// Enabled when the shared secret is set.
type TURNRESTConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode AuthMode
	APIKey   string

	SignalingAuthTimeout          time.Duration
	SignalingIdleTimeout          time.Duration
	SignalingPingInterval         time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// MaxWaiting and MaxRooms are admission quotas; 0 means unlimited.
	MaxWaiting int
	MaxRooms   int
	// MatchTimeout bounds one wait in the pool; 0 means unbounded.
	MatchTimeout time.Duration
	// ReportWebhookURL receives abuse reports as JSON POSTs. Empty means
	// reports only go to the log.
	ReportWebhookURL string
	// RoomIdleTimeout is how long a subscriber-less room survives.
	RoomIdleTimeout time.Duration

	// ICEServers is the client-facing list served on /rtc/ice. TURN entries
	// may omit credentials when TURN REST injects them per request.
	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if raw, ok := lookup(envMode); ok && strings.TrimSpace(raw) != "" {
		modeDefault = strings.TrimSpace(raw)
	}

	envLogFormatVal, envLogFormatSet := nonEmpty(lookup, envLogFormat)
	logFormatDefault := envLogFormatVal
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	envLogLevelVal, envLogLevelSet := nonEmpty(lookup, envLogLevel)
	logLevelDefault := envLogLevelVal
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envAllowedOrigins, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := nonEmpty(lookup, envAuthMode); ok {
		authModeDefault = raw
	}
	apiKey := envOrDefault(lookup, envAPIKey, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingIdleTimeout, err := envDurationOrDefault(lookup, envSignalingIdleTimeout, DefaultSignalingIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingPingInterval, err := envDurationOrDefault(lookup, envSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes, err := envInt64OrDefault(lookup, envMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxWaiting, err := envIntOrDefault(lookup, envMaxWaiting, DefaultMaxWaiting)
	if err != nil {
		return Config{}, err
	}
	maxRooms, err := envIntOrDefault(lookup, envMaxRooms, DefaultMaxRooms)
	if err != nil {
		return Config{}, err
	}
	matchTimeout, err := envDurationOrDefault(lookup, envMatchTimeout, DefaultMatchTimeout)
	if err != nil {
		return Config{}, err
	}
	roomIdleTimeout, err := envDurationOrDefault(lookup, envRoomIdleTimeout, DefaultRoomIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	reportWebhookURL := envOrDefault(lookup, envReportWebhookURL, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envTURNRESTSharedSecret, "")
	turnRESTTTL, err := envDurationOrDefault(lookup, envTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}
	turnRESTPrefix := envOrDefault(lookup, envTURNRESTPrefix, DefaultTURNRESTPrefix)

	fs := flag.NewFlagSet("rendezvousd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL, used for logging only (env "+envPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins (env "+envAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envShutdownTimeout+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none or api_key (env "+envAuthMode+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Time allowed for the auth message after WS connect (env "+envSignalingAuthTimeout+")")
	fs.DurationVar(&signalingIdleTimeout, "signaling-ws-idle-timeout", signalingIdleTimeout, "Close idle signaling connections after this duration (env "+envSignalingIdleTimeout+")")
	fs.DurationVar(&signalingPingInterval, "signaling-ws-ping-interval", signalingPingInterval, "Ping interval on signaling connections, must be < idle timeout (env "+envSignalingPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envMaxSignalingMessagesPerSecond+")")

	fs.IntVar(&maxWaiting, "max-waiting", maxWaiting, "Max clients in the waiting pool, 0 = unlimited (env "+envMaxWaiting+")")
	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Max concurrent rooms, 0 = unlimited (env "+envMaxRooms+")")
	fs.DurationVar(&matchTimeout, "match-timeout", matchTimeout, "Max time a client waits for a partner, 0 = unbounded (env "+envMatchTimeout+")")
	fs.DurationVar(&roomIdleTimeout, "room-idle-timeout", roomIdleTimeout, "Reclaim rooms with no attached client after this duration (env "+envRoomIdleTimeout+")")
	fs.StringVar(&reportWebhookURL, "report-webhook-url", reportWebhookURL, "Webhook URL for abuse reports; empty logs them instead (env "+envReportWebhookURL+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "Static TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "Static TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret; enables ephemeral TURN credentials (env "+envTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "TURN REST credential TTL (env "+envTURNRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "TURN REST username prefix (env "+envTURNRESTPrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envShutdownTimeout)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envAPIKey, envAuthMode, AuthModeAPIKey)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envSignalingAuthTimeout)
	}
	if signalingIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envSignalingIdleTimeout)
	}
	if signalingPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envSignalingPingInterval)
	}
	if signalingPingInterval >= signalingIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envSignalingPingInterval, envSignalingIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envMaxSignalingMessagesPerSecond)
	}
	if maxWaiting < 0 {
		return Config{}, fmt.Errorf("%s/--max-waiting must be >= 0 (0 = unlimited)", envMaxWaiting)
	}
	if maxRooms < 0 {
		return Config{}, fmt.Errorf("%s/--max-rooms must be >= 0 (0 = unlimited)", envMaxRooms)
	}
	if matchTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--match-timeout must be >= 0 (0 = unbounded)", envMatchTimeout)
	}
	if roomIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--room-idle-timeout must be > 0", envRoomIdleTimeout)
	}
	reportWebhookURL = strings.TrimSpace(reportWebhookURL)
	if reportWebhookURL != "" {
		u, err := url.Parse(reportWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("%s/--report-webhook-url must be an http(s) URL", envReportWebhookURL)
		}
	}

	turnREST := TURNRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTL:            turnRESTTTL,
		UsernamePrefix: turnRESTPrefix,
	}
	if turnREST.Enabled() {
		if turnREST.TTL <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be > 0 when %s is set", envTURNRESTTTL, envTURNRESTSharedSecret)
		}
		prefix := strings.TrimSpace(turnREST.UsernamePrefix)
		if prefix == "" || strings.Contains(prefix, ":") {
			return Config{}, fmt.Errorf("%s must be non-empty and contain no ':'", envTURNRESTPrefix)
		}
		turnREST.UsernamePrefix = prefix
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envAllowedOrigins, err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AuthMode: authMode,
		APIKey:   apiKey,

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingIdleTimeout:          signalingIdleTimeout,
		SignalingPingInterval:         signalingPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		MaxWaiting:       maxWaiting,
		MaxRooms:         maxRooms,
		MatchTimeout:     matchTimeout,
		RoomIdleTimeout:  roomIdleTimeout,
		ReportWebhookURL: reportWebhookURL,

		ICEServers: iceServers,
		TURNREST:   turnREST,
	}, nil
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func nonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, def int64) (int64, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn, or error)", s)
	}
}

func parseAuthMode(s string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(s))) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeAPIKey:
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none or api_key)", s)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return "info"
	}
	return "debug"
}

func parseAllowedOrigins(s string) ([]string, error) {
	parts := splitCommaSeparated(s)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "*" || part == "null" {
			out = append(out, part)
			continue
		}
		normalized, _, ok := origin.Normalize(part)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", part)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
