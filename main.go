package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"

	"github.com/castbridge/castbridge/internal/api"
	"github.com/castbridge/castbridge/internal/buildinfo"
	"github.com/castbridge/castbridge/internal/cast"
	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/description"
	"github.com/castbridge/castbridge/internal/devcache"
	"github.com/castbridge/castbridge/internal/lifecycle"
	"github.com/castbridge/castbridge/internal/registry"
	"github.com/castbridge/castbridge/internal/soap"
	"github.com/castbridge/castbridge/internal/ssdp"
)

const shutdownTimeout = 5 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging.Level)
	logger.Info().
		Str("version", buildinfo.Version).
		Str("listen", cfg.Listen).
		Msg("castbridge starting")

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	fetcher := description.NewFetcher(logger)
	reg := registry.New(fetcher, registry.WithLogger(logger))
	cache := devcache.New(cfg.Cache.Path, logger)
	messenger := ssdp.NewMessenger(ssdp.WithLogger(logger))
	soapClient := soap.NewClient(soap.WithLogger(logger))

	manager := cast.NewManager(messenger, fetcher, soapClient, reg, cache, cast.Options{
		DiscoveryTimeout: cfg.Discovery.Timeout,
		CacheTTL:         cfg.Cache.TTL,
		Logger:           logger,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(manager, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case serveErr = <-serveErrCh:
	case <-runCtx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown was not clean")
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("cast manager shutdown was not clean")
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error().Err(serveErr).Msg("server error")
		os.Exit(1)
	}
	logger.Info().Msg("castbridge stopped")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
