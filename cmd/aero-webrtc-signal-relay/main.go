package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"auth_mode", cfg.AuthMode,
		"payload_validation", cfg.PayloadValidation,
		"mailbox_ttl", cfg.MailboxTTL,
		"mailbox_max_per_participant", cfg.MailboxMaxPerParticipant,
		"poll_max_timeout", cfg.PollMaxTimeout,
		"max_sessions", cfg.MaxSessions,
		"ice_servers", len(cfg.ICEServers),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server config; GET /webrtc/ice will fail", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	a, err := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	if err != nil {
		logger.Error("failed to configure relay", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.run(ctx, ln, cfg); err != nil {
		logger.Error("http server exited", "err", err)
		os.Exit(1)
	}
}

// app is the assembled relay: mailbox, sessions and delivery behind the
// signaling routes, mounted on the shared HTTP server.
type app struct {
	log   *slog.Logger
	http  *httpserver.Server
	relay *relay.Relay
	sig   *signaling.Server
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()

	mb := mailbox.New(mailbox.Config{
		TTL:               cfg.MailboxTTL,
		MaxPerParticipant: cfg.MailboxMaxPerParticipant,
		Metrics:           m,
	})
	sessions := session.NewRegistry(session.Config{
		EndGrace:    cfg.SessionEndGrace,
		IdleTTL:     cfg.MailboxTTL,
		MaxSessions: cfg.MaxSessions,
		Metrics:     m,
		Logger:      logger,
	})
	r := relay.New(relay.Config{
		Mailbox:              mb,
		Sessions:             sessions,
		PollInterval:         cfg.PollInterval,
		PollMaxTimeout:       cfg.PollMaxTimeout,
		MailboxSweepInterval: cfg.MailboxSweepInterval,
		SessionSweepInterval: cfg.MailboxSweepInterval,
		Payloads:             signaling.PayloadValidatorFor(cfg.PayloadValidation),
		Metrics:              m,
		Logger:               logger,
	})

	authz, err := signaling.NewAuthAuthorizer(cfg)
	if err != nil {
		return nil, fmt.Errorf("signaling auth: %w", err)
	}

	sig := signaling.NewServer(signaling.Config{
		Relay:                 r,
		Authorizer:            authz,
		ICEServers:            cfg.ICEServers,
		ICEConfigErr:          cfg.ICEConfigError(),
		Origins:               origin.Policy{Allowed: cfg.AllowedOrigins},
		PollDefaultTimeout:    cfg.PollDefaultTimeout,
		MaxSignalMessageBytes: cfg.MaxSignalMessageBytes,
		MaxSignalsPerSecond:   cfg.MaxSignalsPerSecond,
		SignalingAuthTimeout:  cfg.SignalingAuthTimeout,
		WSIdleTimeout:         cfg.SignalingWSIdleTimeout,
		WSPingInterval:        cfg.SignalingWSPingInterval,
		Logger:                logger,
	})

	srv := httpserver.New(cfg, logger, build)
	sig.RegisterRoutes(srv.Mux())
	srv.SetMetrics(m, relayGauges(r)...)

	return &app{log: logger, http: srv, relay: r, sig: sig}, nil
}

func relayGauges(r *relay.Relay) []metrics.Gauge {
	return []metrics.Gauge{
		{Name: "sessions", Help: "Tracked signaling sessions, ended ones included until swept.", Value: func() int64 { return int64(r.Sessions().Len()) }},
		{Name: "mailbox_messages", Help: "Signals queued for delivery.", Value: func() int64 { return int64(r.Mailbox().Stats().Messages) }},
		{Name: "mailbox_participants", Help: "Participants with a mailbox queue.", Value: func() int64 { return int64(r.Mailbox().Stats().Participants) }},
		{Name: "push_connections", Help: "Joined push connections.", Value: func() int64 { return int64(r.Push().Connections()) }},
		{Name: "polls_waiting", Help: "Long polls currently parked.", Value: func() int64 { return int64(r.Pull().Waiting()) }},
	}
}

// run serves on ln until ctx is done or the server fails, then drains: HTTP
// requests (long polls included) get cfg.ShutdownTimeout, WebSockets are
// closed with 1001.
func (a *app) run(ctx context.Context, ln net.Listener, cfg config.Config) error {
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.relay.Run(sweepCtx)
	}()
	defer func() {
		stopSweep()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		a.sig.Close()
		a.relay.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	a.sig.Close()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown failed", "err", err)
	}
	a.relay.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("after shutdown: %w", err)
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
