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
	"syscall"

	"github.com/strangercast/rendezvous/internal/config"
	"github.com/strangercast/rendezvous/internal/httpserver"
	"github.com/strangercast/rendezvous/internal/match"
	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/moderation"
	"github.com/strangercast/rendezvous/internal/ratelimit"
	"github.com/strangercast/rendezvous/internal/relay"
	"github.com/strangercast/rendezvous/internal/session"
	"github.com/strangercast/rendezvous/internal/signaling"
	"github.com/strangercast/rendezvous/internal/store"
	"github.com/strangercast/rendezvous/internal/turnrest"
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

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting rendezvousd",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_waiting", cfg.MaxWaiting,
		"max_rooms", cfg.MaxRooms,
		"match_timeout", cfg.MatchTimeout,
		"room_idle_timeout", cfg.RoomIdleTimeout,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	st := store.New(store.Config{MaxWaiting: cfg.MaxWaiting, MaxRooms: cfg.MaxRooms}, m, ratelimit.RealClock{})
	rl := relay.New(m)
	mm := match.New(st, m, rl.CloseRoom)

	var reporter moderation.Reporter
	if cfg.ReportWebhookURL != "" {
		reporter = &moderation.WebhookReporter{URL: cfg.ReportWebhookURL, Log: logger, Metrics: m}
	} else {
		reporter = &moderation.LogReporter{Log: logger, Metrics: m}
	}

	var minter *turnrest.Minter
	if cfg.TURNREST.Enabled() {
		minter, err = turnrest.New(turnrest.Config{
			SharedSecret: cfg.TURNREST.SharedSecret,
			TTL:          cfg.TURNREST.TTL,
			Prefix:       cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	sig := signaling.NewServer(signaling.Config{
		Store:                st,
		Match:                mm,
		Relay:                rl,
		Reporter:             reporter,
		Authorizer:           signaling.NewAuthorizer(cfg),
		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.SignalingIdleTimeout,
		PingInterval:         cfg.SignalingPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MatchTimeout:         cfg.MatchTimeout,
		Metrics:              m,
		Logger:               logger,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Signal:  sig,
		Metrics: m,
		Minter:  minter,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitor := &session.Janitor{
		Store:       st,
		Relay:       rl,
		IdleTimeout: cfg.RoomIdleTimeout,
		Logger:      logger,
	}
	go janitor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
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
