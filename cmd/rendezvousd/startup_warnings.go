package main

import (
	"log/slog"
	"time"

	"github.com/strangercast/rendezvous/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: AUTH_MODE=none disables signaling authentication while --mode=prod",
			"warning_code", "auth_mode_none_in_prod",
			"auth_mode", cfg.AuthMode,
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

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty while --mode=prod (only same-host browser origins are accepted)",
			"warning_code", "allowed_origins_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && (cfg.MaxWaiting <= 0 || cfg.MaxRooms <= 0) {
		logger.Warn("startup security warning: MAX_WAITING/MAX_ROOMS unset or 0 (unlimited) while --mode=prod",
			"warning_code", "quotas_unlimited_in_prod",
			"max_waiting", cfg.MaxWaiting,
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup security warning: no ICE servers configured; clients behind NAT will fail to connect",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL is very large (long-lived TURN credentials extend abuse windows)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl", cfg.TURNREST.TTL,
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
