package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

// warningCodes runs the startup checks against cfg and returns the
// warning_code of every WARN record.
func warningCodes(t *testing.T, cfg config.Config) map[string]map[string]any {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logStartupSecurityWarnings(logger, cfg)

	out := map[string]map[string]any{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", sc.Text(), err)
		}
		if rec["level"] != "WARN" {
			continue
		}
		code, _ := rec["warning_code"].(string)
		out[code] = rec
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	got := warningCodes(t, config.Config{
		Mode:     config.ModeDev,
		AuthMode: config.AuthModeNone,
	})
	rec, ok := got["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %v", got)
	}
	if rec["auth_mode"] != string(config.AuthModeNone) {
		t.Fatalf("auth_mode attr = %#v, want %q", rec["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	got := warningCodes(t, config.Config{
		Mode:           config.ModeDev,
		AuthMode:       config.AuthModeAPIKey,
		AllowedOrigins: []string{"*"},
		APIKey:         "secret",
	})
	if _, ok := got["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %v", got)
	}
	if _, ok := got["auth_mode_none"]; ok {
		t.Fatalf("unexpected auth_mode_none warning with AUTH_MODE=api_key")
	}
}

func TestStartupSecurityWarnings_ProdLimits(t *testing.T) {
	got := warningCodes(t, config.Config{
		Mode:                     config.ModeProd,
		AuthMode:                 config.AuthModeAPIKey,
		APIKey:                   "a-long-enough-primary-key,short",
		PublicBaseURL:            "http://relay.example.com",
		MaxSignalMessageBytes:    4 << 20,
		MailboxMaxPerParticipant: 1 << 16,
		MailboxTTL:               time.Hour,
	})
	for _, code := range []string{
		"api_key_short_in_prod",
		"max_sessions_unlimited_in_prod",
		"signal_rate_limit_disabled_in_prod",
		"max_signal_message_large",
		"mailbox_max_per_participant_large",
		"mailbox_ttl_large",
		"public_base_url_insecure_in_prod",
	} {
		if _, ok := got[code]; !ok {
			t.Errorf("missing warning_code=%s", code)
		}
	}
	if rec := got["public_base_url_insecure_in_prod"]; rec != nil && rec["public_base_url_host"] != "relay.example.com" {
		t.Fatalf("public_base_url_host=%v", rec["public_base_url_host"])
	}
}

func TestStartupSecurityWarnings_QuietDefaults(t *testing.T) {
	got := warningCodes(t, config.Config{
		Mode:                     config.ModeProd,
		AuthMode:                 config.AuthModeJWT,
		JWTSecret:                "0123456789abcdef0123456789abcdef",
		PublicBaseURL:            "https://relay.example.com",
		MaxSessions:              1000,
		MaxSignalsPerSecond:      config.DefaultMaxSignalsPerSecond,
		MaxSignalMessageBytes:    config.DefaultMaxSignalMessageBytes,
		MailboxMaxPerParticipant: config.DefaultMailboxMaxPerParticipant,
		MailboxTTL:               config.DefaultMailboxTTL,
	})
	if len(got) != 0 {
		t.Fatalf("unexpected warnings: %v", got)
	}
}
