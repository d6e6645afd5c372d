package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/stowage-dev/stowage/internal/config"
	"github.com/stowage-dev/stowage/internal/progress"
	"github.com/stowage-dev/stowage/internal/transfer"
)

// runFetch transfers one URL into object storage and exits. Without a
// configured journal the state lives in process memory, so only a
// journal-backed run can resume after a crash.
func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)

	url := fs.String("url", "", "Source URL to fetch (required)")
	output := fs.String("output", "", "Destination URL, e.g. s3://bucket/key (required unless configured)")
	id := fs.String("id", "", "Transfer id (default derived from url and output)")
	force := fs.Bool("force", false, "Discard recorded state and restart from scratch")
	chunkSize := fs.String("chunk-size", "", "Chunk size, e.g. 16MB (overrides config)")
	journalURL := fs.String("journal", "", "Journal bucket URL for crash-resume (overrides config)")
	configPath := fs.String("config", "", "Path to YAML config file")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0 means no bound)")
	contentType := fs.String("content-type", "", "Store the object with this content type")
	setContentType := fs.Bool("set-content-type", false, "Detect and store the content type")
	pretty := fs.Bool("pretty", true, "Human-readable log output")

	headers := map[string]string{}
	fs.Func("header", "Extra source request header, 'Name: value' (repeatable)", func(v string) error {
		name, value, ok := strings.Cut(v, ":")
		if !ok {
			return fmt.Errorf("header %q: want 'Name: value'", v)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		return nil
	})

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: stowage fetch [options]

Transfer one URL into object storage. The transfer is journaled per
chunk: when a journal is configured, re-running the same fetch after a
crash resumes from the last committed chunk instead of starting over.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *url == "" {
		fmt.Fprintln(os.Stderr, "Error: -url is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	cfg = cfg.Merge(config.Config{Journal: *journalURL})
	if *chunkSize != "" {
		n, err := progress.ParseBytes(*chunkSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid chunk size: %v\n", err)
			return ExitInvalidArgs
		}
		cfg.ChunkSize = n
	}
	if cfg.Journal == "" {
		cfg.Journal = "mem://"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	resumable := cfg.Journal != "mem://"

	dest := *output
	if dest == "" {
		dest = cfg.Output
	}
	if dest == "" {
		fmt.Fprintln(os.Stderr, "Error: -output is required (no default output configured)")
		fs.Usage()
		return ExitInvalidArgs
	}

	log := newLogger(cfg.LogLevel, *pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\n[stowage] Received interrupt, shutting down...")
		cancel()
	}()

	m, cleanup, err := buildTransfer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer cleanup()

	res, err := m.Run(ctx, transfer.Request{
		Source:         *url,
		Destination:    dest,
		TransferID:     *id,
		Force:          *force,
		Headers:        headers,
		Timeout:        *timeout,
		ContentType:    *contentType,
		SetContentType: *setContentType,
	})
	if err != nil {
		if ctx.Err() != nil {
			if resumable {
				fmt.Fprintln(os.Stderr, "[stowage] Interrupted, state saved for resume")
			} else {
				fmt.Fprintln(os.Stderr, "[stowage] Interrupted")
			}
			return ExitGeneralError
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if transfer.KindOf(err) == transfer.KindSourceChanged {
			fmt.Fprintln(os.Stderr, "Use -force to restart from scratch")
		} else if resumable && transfer.Retryable(err) {
			fmt.Fprintln(os.Stderr, "[stowage] Run again to resume from the last committed chunk")
		}
		return exitCodeFor(err)
	}

	fmt.Fprintf(os.Stderr, "[stowage] Complete: %s (%s)\n", res.Location, progress.FormatBytes(res.Bytes))
	return ExitSuccess
}
