package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
)

const (
	envVarConfigFile      = "AERO_SIGNAL_RELAY_CONFIG"
	envVarListenAddr      = "AERO_SIGNAL_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_SIGNAL_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_SIGNAL_RELAY_MODE"

	// Mailbox retention.
	envVarMailboxTTL               = "MAILBOX_TTL"
	envVarMailboxMaxPerParticipant = "MAILBOX_MAX_PER_PARTICIPANT"
	envVarMailboxSweepInterval     = "MAILBOX_SWEEP_INTERVAL"

	// Long-poll delivery.
	envVarPollInterval       = "POLL_INTERVAL"
	envVarPollDefaultTimeout = "POLL_DEFAULT_TIMEOUT"
	envVarPollMaxTimeout     = "POLL_MAX_TIMEOUT"

	// Session tracking.
	envVarSessionEndGrace = "SESSION_END_GRACE"
	envVarMaxSessions     = "MAX_SESSIONS"

	envVarPayloadValidation     = "PAYLOAD_VALIDATION"
	envVarMaxSignalMessageBytes = "MAX_SIGNAL_MESSAGE_BYTES"
	envVarMaxSignalsPerSecond   = "MAX_SIGNALS_PER_SECOND"

	// Signaling auth + WebSocket hardening.
	envVarAuthMode                = "AUTH_MODE"
	envVarAPIKey                  = "API_KEY"
	envVarJWTSecret               = "JWT_SECRET"
	envVarSignalingAuthTimeout    = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout  = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval = "SIGNALING_WS_PING_INTERVAL"

	DefaultListenAddr                 = "127.0.0.1:8080"
	DefaultShutdown                   = 15 * time.Second
	DefaultMode              Mode     = ModeDev
	DefaultAuthMode          AuthMode = AuthModeNone
	DefaultPayloadValidation          = PayloadValidationOpaque

	DefaultMailboxTTL               = 30 * time.Second
	DefaultMailboxMaxPerParticipant = 256
	DefaultMailboxSweepInterval     = 10 * time.Second

	DefaultPollInterval       = 500 * time.Millisecond
	DefaultPollDefaultTimeout = 25 * time.Second
	DefaultPollMaxTimeout     = 30 * time.Second

	DefaultSessionEndGrace = 10 * time.Second

	DefaultMaxSignalMessageBytes = int64(64 * 1024)
	DefaultMaxSignalsPerSecond   = 50

	DefaultSignalingAuthTimeout    = 2 * time.Second
	DefaultSignalingWSIdleTimeout  = 60 * time.Second
	DefaultSignalingWSPingInterval = 20 * time.Second
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
	AuthModeJWT    AuthMode = "jwt"
)

// PayloadValidation selects how much of a signal payload the relay inspects.
type PayloadValidation string

const (
	// PayloadValidationOpaque only requires the payload to be JSON.
	PayloadValidationOpaque PayloadValidation = "opaque"
	// PayloadValidationWebRTC additionally parses SDP and ICE candidates.
	PayloadValidationWebRTC PayloadValidation = "webrtc"
)

type Config struct {
	// ConfigFile is the YAML overlay the config was read from, if any.
	ConfigFile string

	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode AuthMode
	// APIKey is a comma-separated list; any entry is accepted.
	APIKey    string
	JWTSecret string

	MailboxTTL               time.Duration
	MailboxMaxPerParticipant int
	MailboxSweepInterval     time.Duration

	// PollInterval is the fallback re-check period of a long poll. Values
	// outside 500ms-1s are clamped by the pull strategy.
	PollInterval       time.Duration
	PollDefaultTimeout time.Duration
	PollMaxTimeout     time.Duration

	SessionEndGrace time.Duration
	// MaxSessions caps live signaling sessions. 0 means unlimited.
	MaxSessions int

	PayloadValidation     PayloadValidation
	MaxSignalMessageBytes int64
	MaxSignalsPerSecond   int

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a malformed ICE server configuration. It is kept out
// of Load's error so the relay can still start and serve signaling; only
// GET /webrtc/ice fails.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = envOrDefault(envLookup, envVarConfigFile, "")
	}
	lookup := envLookup
	if configFile != "" {
		fileValues, err := readConfigFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = overlayLookup(envLookup, fileValues)
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	env := &envReader{lookup: lookup}

	listenAddr := env.str(envVarListenAddr, DefaultListenAddr)
	publicBaseURL := env.str(envVarPublicBaseURL, "")
	allowedOriginsStr := env.str(envVarAllowedOrigins, "")
	shutdownTimeout := env.duration(envVarShutdownTimeout, DefaultShutdown)

	iceServersJSON := env.str(envICEServersJSON, "")
	stunURLs := env.str(envStunURLs, "")
	turnURLs := env.str(envTurnURLs, "")
	turnUsername := env.str(envTurnUsername, "")
	turnCredential := env.str(envTurnCredential, "")

	mailboxTTL := env.duration(envVarMailboxTTL, DefaultMailboxTTL)
	mailboxMaxPerParticipant := env.int(envVarMailboxMaxPerParticipant, DefaultMailboxMaxPerParticipant)
	mailboxSweepInterval := env.duration(envVarMailboxSweepInterval, DefaultMailboxSweepInterval)

	pollInterval := env.duration(envVarPollInterval, DefaultPollInterval)
	pollDefaultTimeout := env.duration(envVarPollDefaultTimeout, DefaultPollDefaultTimeout)
	pollMaxTimeout := env.duration(envVarPollMaxTimeout, DefaultPollMaxTimeout)

	sessionEndGrace := env.duration(envVarSessionEndGrace, DefaultSessionEndGrace)
	maxSessions := env.int(envVarMaxSessions, 0)

	payloadValidationStr := env.str(envVarPayloadValidation, string(DefaultPayloadValidation))
	maxSignalMessageBytes := env.int64(envVarMaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	maxSignalsPerSecond := env.int(envVarMaxSignalsPerSecond, DefaultMaxSignalsPerSecond)

	authModeDefault := env.str(envVarAuthMode, string(DefaultAuthMode))
	apiKey := env.str(envVarAPIKey, "")
	jwtSecret := env.str(envVarJWTSecret, "")
	signalingAuthTimeout := env.duration(envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	signalingWSIdleTimeout := env.duration(envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	signalingWSPingInterval := env.duration(envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)

	if env.err != nil {
		return Config{}, env.err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
		configFlag   string
	)

	fs := flag.NewFlagSet("aero-webrtc-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&configFlag, "config", configFile, "YAML config file whose keys are env var names (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")

	fs.DurationVar(&mailboxTTL, "mailbox-ttl", mailboxTTL, "Drop undelivered signals older than this (env "+envVarMailboxTTL+")")
	fs.IntVar(&mailboxMaxPerParticipant, "mailbox-max-per-participant", mailboxMaxPerParticipant, "Max queued signals per recipient; oldest are dropped (env "+envVarMailboxMaxPerParticipant+")")
	fs.DurationVar(&mailboxSweepInterval, "mailbox-sweep-interval", mailboxSweepInterval, "How often expired signals are swept (env "+envVarMailboxSweepInterval+")")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "Long-poll re-check interval, clamped to 500ms-1s (env "+envVarPollInterval+")")
	fs.DurationVar(&pollDefaultTimeout, "poll-default-timeout", pollDefaultTimeout, "Long-poll timeout when the client sends none (env "+envVarPollDefaultTimeout+")")
	fs.DurationVar(&pollMaxTimeout, "poll-max-timeout", pollMaxTimeout, "Upper bound for client-requested long-poll timeouts (env "+envVarPollMaxTimeout+")")
	fs.DurationVar(&sessionEndGrace, "session-end-grace", sessionEndGrace, "How long an ended session keeps swallowing late signals (env "+envVarSessionEndGrace+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent signaling sessions (0 = unlimited)")
	fs.StringVar(&payloadValidationStr, "payload-validation", payloadValidationStr, "Signal payload validation: opaque or webrtc (env "+envVarPayloadValidation+")")
	fs.Int64Var(&maxSignalMessageBytes, "max-signal-message-bytes", maxSignalMessageBytes, "Max signal request body / WebSocket frame size in bytes (env "+envVarMaxSignalMessageBytes+")")
	fs.IntVar(&maxSignalsPerSecond, "max-signals-per-second", maxSignalsPerSecond, "Max signals per second per sender over HTTP and per WebSocket connection (env "+envVarMaxSignalsPerSecond+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

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

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	payloadValidation, err := parsePayloadValidation(payloadValidationStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if mailboxTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-ttl must be > 0", envVarMailboxTTL)
	}
	if mailboxMaxPerParticipant <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-max-per-participant must be > 0", envVarMailboxMaxPerParticipant)
	}
	if mailboxSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--mailbox-sweep-interval must be > 0", envVarMailboxSweepInterval)
	}
	if pollInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--poll-interval must be > 0", envVarPollInterval)
	}
	if pollMaxTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--poll-max-timeout must be > 0", envVarPollMaxTimeout)
	}
	if pollDefaultTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--poll-default-timeout must be >= 0", envVarPollDefaultTimeout)
	}
	if pollDefaultTimeout > pollMaxTimeout {
		return Config{}, fmt.Errorf("%s/--poll-default-timeout must be <= %s/--poll-max-timeout", envVarPollDefaultTimeout, envVarPollMaxTimeout)
	}
	if sessionEndGrace < 0 {
		return Config{}, fmt.Errorf("%s/--session-end-grace must be >= 0", envVarSessionEndGrace)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", envVarMaxSessions)
	}
	if maxSignalMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signal-message-bytes must be > 0", envVarMaxSignalMessageBytes)
	}
	if maxSignalsPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signals-per-second must be > 0", envVarMaxSignalsPerSecond)
	}
	if authMode == AuthModeAPIKey && strings.Trim(apiKey, " \t,") == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ConfigFile:      configFlag,
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		MailboxTTL:               mailboxTTL,
		MailboxMaxPerParticipant: mailboxMaxPerParticipant,
		MailboxSweepInterval:     mailboxSweepInterval,

		PollInterval:       pollInterval,
		PollDefaultTimeout: pollDefaultTimeout,
		PollMaxTimeout:     pollMaxTimeout,

		SessionEndGrace: sessionEndGrace,
		MaxSessions:     maxSessions,

		PayloadValidation:     payloadValidation,
		MaxSignalMessageBytes: maxSignalMessageBytes,
		MaxSignalsPerSecond:   maxSignalsPerSecond,

		SignalingAuthTimeout:    signalingAuthTimeout,
		SignalingWSIdleTimeout:  signalingWSIdleTimeout,
		SignalingWSPingInterval: signalingWSPingInterval,
	}

	iceServers, err := parseICEServers(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

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

// envReader parses typed env values, keeping the first error so a block of
// reads can be checked once.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(key, raw string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}

func (r *envReader) str(key, fallback string) string {
	return envOrDefault(r.lookup, key, fallback)
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := r.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return d
}

func (r *envReader) int(key string, fallback int) int {
	raw, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return n
}

func (r *envReader) int64(key string, fallback int64) int64 {
	raw, ok := r.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.fail(key, raw, err)
		return fallback
	}
	return n
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
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
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parsePayloadValidation(raw string) (PayloadValidation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PayloadValidationOpaque), "":
		return PayloadValidationOpaque, nil
	case string(PayloadValidationWebRTC):
		return PayloadValidationWebRTC, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarPayloadValidation, raw, PayloadValidationOpaque, PayloadValidationWebRTC)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil, errors.New("no origins listed")
	}

	return out, nil
}
