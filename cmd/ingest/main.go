// Command ingest is the scheduled entrypoint: one pipeline run for the
// configured window followed by the workbook export.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dvloznov/txsync/internal/app"
	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/logger"
)

func main() {
	skipExport := flag.Bool("skip-export", false, "Only ingest; do not write the workbook")
	flag.Parse()

	if err := run(*skipExport); err != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		os.Exit(1)
	}
}

func run(skipExport bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogFormat == "json"})

	if err := cfg.ValidateIngest(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return err
	}

	// Create context with timeout so a stuck run doesn't hang the scheduler
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return err
	}
	defer a.Close()

	window := a.Window()
	log.Info().Str("window", window.String()).Msg("Starting ingestion")

	summary, err := a.Ingest(ctx, window)
	if err != nil {
		log.Error().Err(err).Msg("Ingestion failed")
		return err
	}

	if !skipExport {
		res, err := a.Export(ctx, window)
		if err != nil {
			log.Error().Err(err).Msg("Export failed")
			return err
		}
		fmt.Printf("Wrote %d rows to %s\n", res.Rows, res.Path)
		if res.UploadedURI != "" {
			fmt.Printf("Uploaded to %s\n", res.UploadedURI)
		}
		if res.SheetsLink != "" {
			fmt.Printf("Google Sheet: %s\n", res.SheetsLink)
		}
	}

	fmt.Printf("Run %s: fetched %d of %d, upserted %d, skipped %d\n",
		summary.RunID, summary.Fetched, summary.TotalCount, summary.Upserted, summary.Skipped)
	if summary.Truncated {
		fmt.Println("Warning: the remote returned an empty page before the reported total; results are truncated.")
	}
	return nil
}
