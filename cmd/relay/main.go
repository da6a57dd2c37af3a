package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/duo/internal/adapters/http"
	"github.com/dkeye/duo/internal/app"
	"github.com/dkeye/duo/internal/app/orch"
	"github.com/dkeye/duo/internal/config"
	"github.com/dkeye/duo/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	config.RelayFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// Console output until the config says otherwise.
	logging.Setup(os.Stderr, "debug", "info")

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(os.Stderr, cfg.Mode, cfg.LogLevel)
	cfg.OnChange(func(next *config.Config) { logging.SetLevel(next.LogLevel) })

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Policy:   app.SimplePolicy{},
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("relay exited")
}
