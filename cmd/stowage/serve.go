package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stowage-dev/stowage/internal/config"
	"github.com/stowage-dev/stowage/internal/server"
)

// runServe runs the HTTP download service until interrupted.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	listen := fs.String("listen", "", "Listen address (overrides config)")
	journalURL := fs.String("journal", "", "Journal bucket URL (overrides config)")
	output := fs.String("output", "", "Default output URL (overrides config)")
	pretty := fs.Bool("pretty", false, "Human-readable log output")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: stowage serve [options]

Run the HTTP download service. POST /download takes a source URL and an
object-store output and drives the transfer, resuming recorded progress
when the same request ran before.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	cfg = cfg.Merge(config.Config{Listen: *listen, Journal: *journalURL, Output: *output})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	log := newLogger(cfg.LogLevel, *pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, cleanup, err := buildTransfer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer cleanup()

	srv := server.New(m, server.Options{
		Log:             log.With().Str("pkg", "server").Logger(),
		DefaultOutput:   cfg.Output,
		RetryAttempts:   cfg.Retry.Attempts,
		RetryBackoff:    cfg.Retry.Backoff,
		RetryMaxBackoff: cfg.Retry.MaxBackoff,
	})

	// Transfers hold the request open for as long as they run, so the
	// server gets no write timeout.
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown timed out, closing connections")
			httpSrv.Close()
		}
	}()

	log.Info().Str("listen", cfg.Listen).Str("journal", cfg.Journal).Msg("stowage listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	return ExitSuccess
}
