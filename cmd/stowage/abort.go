package main

import (
	"bufio"
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

// runAbort tears down a recorded transfer: the destination upload is
// aborted and the journal entry removed, so the next run starts from
// scratch. It identifies the transfer the way fetch does, so pass the
// same url and output (and id, if one was used).
func runAbort(args []string) int {
	fs := flag.NewFlagSet("abort", flag.ExitOnError)

	url := fs.String("url", "", "Source URL of the recorded transfer (required)")
	output := fs.String("output", "", "Destination URL of the recorded transfer (required unless configured)")
	id := fs.String("id", "", "Transfer id, if one was used")
	force := fs.Bool("force", false, "Skip confirmation prompt")
	journalURL := fs.String("journal", "", "Journal bucket URL (overrides config)")
	configPath := fs.String("config", "", "Path to YAML config file")
	pretty := fs.Bool("pretty", true, "Human-readable log output")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: stowage abort [options]

Tear down a recorded transfer. The destination upload and its staged
parts are removed along with the journal entry.

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
	if cfg.Journal == "" {
		fmt.Fprintln(os.Stderr, "Error: a journal must be configured, abort works on recorded state")
		return ExitInvalidArgs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	dest := *output
	if dest == "" {
		dest = cfg.Output
	}
	if dest == "" {
		fmt.Fprintln(os.Stderr, "Error: -output is required (no default output configured)")
		fs.Usage()
		return ExitInvalidArgs
	}

	if !*force {
		fmt.Printf("Abort transfer of %s to %s? [y/N]: ", *url, dest)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return ExitSuccess
		}
	}

	log := newLogger(cfg.LogLevel, *pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	m, cleanup, err := buildTransfer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer cleanup()

	st, err := m.Abort(ctx, transfer.Request{
		Source:      *url,
		Destination: dest,
		TransferID:  *id,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeFor(err)
	}
	if st == nil {
		fmt.Fprintln(os.Stderr, "[stowage] No recorded transfer")
		return ExitSuccess
	}

	fmt.Fprintf(os.Stderr, "[stowage] Aborted: %s (%s transferred)\n",
		st.TransferID, progress.FormatBytes(st.BytesTransferred))
	return ExitSuccess
}
