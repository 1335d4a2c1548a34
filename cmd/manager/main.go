// Command manager is the Manager process entry point: it loads the
// account configuration, spawns one Trader subprocess per enabled
// account, and serves the HTTP API that routes requests to them (spec
// §2). Shutdown order: stop accepting new work, drain what's in flight,
// then close owned resources.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/csuduan/qtrader-sub001/internal/api"
	"github.com/csuduan/qtrader-sub001/internal/config"
	"github.com/csuduan/qtrader-sub001/internal/manager"
	"github.com/csuduan/qtrader-sub001/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the Manager config file")
	traderBin := flag.String("trader-bin", "./trader", "path to the Trader executable")
	runDir := flag.String("run-dir", "./run", "directory for Trader sockets and pid files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("load config")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Int("accounts", len(cfg.Accounts)).Msg("starting manager")

	mgr, err := manager.New(cfg, *traderBin, *runDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("construct manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start manager")
	}

	srv := api.New(api.Config{Log: log, Manager: mgr, Host: cfg.API.Host, Port: cfg.API.Port})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("api server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api server shutdown")
	}

	mgr.Stop()
	log.Info().Msg("manager stopped")
}
