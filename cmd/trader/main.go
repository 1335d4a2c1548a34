// Command trader is one account's Trader process (spec §4.3): it loads
// its own AccountConfig out of the shared config file, wires every
// per-account subsystem, binds its IPC socket, and serves @request RPCs
// until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/csuduan/qtrader-sub001/internal/config"
	"github.com/csuduan/qtrader-sub001/internal/gateway"
	"github.com/csuduan/qtrader-sub001/internal/trader"
	"github.com/csuduan/qtrader-sub001/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the shared config file")
	accountID := flag.String("account-id", "", "account this Trader process serves")
	socketPath := flag.String("socket", "", "unix socket path to bind")
	flag.Parse()

	if *accountID == "" || *socketPath == "" {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Msg("--account-id and --socket are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("load config")
	}

	acc, ok := cfg.Find(*accountID)
	if !ok {
		logger.New(logger.Config{Level: "info", Pretty: true}).Fatal().Str("account_id", *accountID).Msg("unknown account")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("account_id", acc.AccountID).Msg("starting trader")

	gw := gateway.NewSimGateway() // real brokerage binding is out of core scope (spec §1)

	t, err := trader.New(acc, gw, log)
	if err != nil {
		log.Fatal().Err(err).Msg("construct trader")
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := t.Run(ctx, *socketPath); err != nil {
		log.Fatal().Err(err).Msg("trader run failed")
	}
	log.Info().Str("account_id", acc.AccountID).Msg("trader stopped")
}
