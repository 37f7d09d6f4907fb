package main

import (
	"buttonsync/internal/app"
	"buttonsync/internal/config"
	"buttonsync/internal/logger"
	"buttonsync/internal/service"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.AppEnv)

	flagSet := pflag.NewFlagSet("buttonsync-sweep", pflag.ContinueOnError)
	retention := flagSet.Duration("retention", cfg.SweepRetention, "keep sessions this long past their expiry")
	timeout := flagSet.Duration("timeout", 30*time.Second, "give up after this long")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	clock := clockwork.NewRealClock()
	backend, err := app.New(ctx, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer backend.Close(context.Background())

	sweeper := service.NewSweeper(backend.Store, clock, cfg.SweepInterval, *retention)
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("sweep failed")
	}

	fmt.Printf("Removed %d expired session(s)\n", n)
}
