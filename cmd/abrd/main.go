// Command abrd serves format decisions over HTTP.
//
// Players open a session per playback, report completed chunk transfers and
// stalls, and ask which format to load next. Settings are read from the
// environment (ABRD_*), optionally seeded from a .env file.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thesyncim/abr/internal/config"
	"github.com/thesyncim/abr/internal/logger"
	"github.com/thesyncim/abr/internal/metrics"
	"github.com/thesyncim/abr/internal/server"
	"github.com/thesyncim/abr/pkg/abr/ladder"
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = ":" + cfg.Port
	srvCfg.MaxSessions = cfg.MaxSessions
	srvCfg.SessionTTL = cfg.SessionTTL
	srvCfg.Selector.RateBased.BandwidthFraction = cfg.BandwidthFraction

	if cfg.LadderFile != "" {
		l, err := ladder.LoadFile(cfg.LadderFile)
		if err != nil {
			log.Error("load ladder", slog.String("error", err.Error()))
			os.Exit(1)
		}
		srvCfg.Ladder = l
		log.Info("default ladder loaded",
			slog.String("name", l.Name),
			slog.Int("formats", len(l.Formats)),
			slog.Duration("duration", l.Duration))
	}

	met := metrics.New()
	srv, err := server.NewServer(srvCfg, logger.WithComponent(log, "server"), met)
	if err != nil {
		log.Error("create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	addr, err := srv.Start()
	if err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server starting",
		slog.String("addr", addr),
		slog.Int("max_sessions", cfg.MaxSessions),
		slog.Duration("session_ttl", cfg.SessionTTL),
		slog.String("log_level", cfg.LogLevel),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server stopped")
}
