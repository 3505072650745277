package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication (any client may send as and read for any participant)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeAPIKey && cfg.Mode == config.ModeProd && shortestAPIKey(cfg.APIKey) < 16 {
		logger.Warn("startup security warning: an API_KEY entry is shorter than 16 characters while --mode=prod",
			"warning_code", "api_key_short_in_prod",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALS_PER_SECOND disables rate limiting while --mode=prod",
			"warning_code", "signal_rate_limit_disabled_in_prod",
			"max_signals_per_second", cfg.MaxSignalsPerSecond,
			"mode", cfg.Mode,
		)
	}

	// Every queued message is held in memory until delivered or expired.
	if cfg.MaxSignalMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNAL_MESSAGE_BYTES is very large (increases per-message allocation and mailbox memory exposure)",
			"warning_code", "max_signal_message_large",
			"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
			"mode", cfg.Mode,
		)
	}
	if cfg.MailboxMaxPerParticipant > 4096 {
		logger.Warn("startup security warning: MAILBOX_MAX_PER_PARTICIPANT is very large (an unread mailbox can hold a lot of memory)",
			"warning_code", "mailbox_max_per_participant_large",
			"mailbox_max_per_participant", cfg.MailboxMaxPerParticipant,
			"mode", cfg.Mode,
		)
	}
	if cfg.MailboxTTL > 5*time.Minute {
		logger.Warn("startup security warning: MAILBOX_TTL is very large (undelivered signals are kept in memory for a long time)",
			"warning_code", "mailbox_ttl_large",
			"mailbox_ttl", cfg.MailboxTTL,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(strings.TrimSpace(cfg.PublicBaseURL)), "http://") {
		logger.Warn("startup security warning: public base URL is plain http while --mode=prod (credentials are sent in the clear)",
			"warning_code", "public_base_url_insecure_in_prod",
			"public_base_url_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}

func shortestAPIKey(keys string) int {
	shortest := -1
	for _, k := range auth.SplitAPIKeys(keys) {
		if shortest < 0 || len(k) < shortest {
			shortest = len(k)
		}
	}
	return shortest
}
