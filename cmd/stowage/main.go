package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/stowage-dev/stowage/internal/config"
	"github.com/stowage-dev/stowage/internal/source"
	"github.com/stowage-dev/stowage/internal/transfer"
	"github.com/stowage-dev/stowage/pkg/journal"
	"github.com/stowage-dev/stowage/pkg/upload"
	"github.com/stowage-dev/stowage/pkg/upload/blobstore"
	"github.com/stowage-dev/stowage/pkg/upload/s3store"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitInvalidArgs   = 2
	ExitSourceError   = 3
	ExitStorageError  = 4
	ExitSourceChanged = 5
	ExitCorruptState  = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "fetch":
		return runFetch(cmdArgs)
	case "abort":
		return runAbort(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: stowage <command> [options]

Commands:
  serve   Run the HTTP download service
  fetch   Transfer one URL into object storage and exit
  abort   Tear down a recorded transfer and its destination upload

Run 'stowage <command> -h' for command-specific help.`)
}

// exitCodeFor maps transfer failures onto the exit code table.
func exitCodeFor(err error) int {
	switch transfer.KindOf(err) {
	case transfer.KindInvalidRequest:
		return ExitInvalidArgs
	case transfer.KindSourceNotFound, transfer.KindSourceUnauthorized,
		transfer.KindSourceForbidden, transfer.KindSourceUnreachable:
		return ExitSourceError
	case transfer.KindDestinationDenied, transfer.KindDestinationUnreachable,
		transfer.KindStateUnavailable:
		return ExitStorageError
	case transfer.KindSourceChanged:
		return ExitSourceChanged
	case transfer.KindStateCorruption:
		return ExitCorruptState
	}
	return ExitGeneralError
}

// loadConfig layers the optional file and the environment over the
// defaults.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.LoadFromFile(path)
		if err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newLogger builds the process logger: console output for terminals,
// JSON for everything else.
func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// buildTransfer assembles the transfer manager from configuration. The
// returned cleanup closes journal and backend handles.
func buildTransfer(ctx context.Context, cfg config.Config, log zerolog.Logger) (*transfer.Manager, func(), error) {
	var s3opts s3store.Options
	if err := cfg.DecodeBackend("s3", &s3opts); err != nil {
		return nil, nil, err
	}

	blobs := blobstore.New(log.With().Str("pkg", "blobstore").Logger())
	reg := upload.NewRegistry()
	reg.Register(s3store.New(s3opts, log.With().Str("pkg", "s3store").Logger()), "s3")
	reg.Register(blobs, "gs", "azblob", "file", "mem")

	store, err := journal.OpenBucket(ctx, cfg.Journal)
	if err != nil {
		blobs.Close()
		return nil, nil, err
	}

	m := transfer.NewManager(
		source.NewClient(cfg.Source.Options()),
		reg,
		store,
		transfer.WithChunkSize(cfg.ChunkSize),
		transfer.WithProgressInterval(cfg.ProgressInterval),
		transfer.WithLogger(log.With().Str("pkg", "transfer").Logger()),
	)

	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("closing journal")
		}
		if err := blobs.Close(); err != nil {
			log.Warn().Err(err).Msg("closing blob buckets")
		}
	}
	return m, cleanup, nil
}
