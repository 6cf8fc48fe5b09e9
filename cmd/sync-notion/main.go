package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/infra"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/notionsync"
	"github.com/dvloznov/txsync/internal/pipeline"
)

func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	startDateStr := flag.String("start-date", "", "Start date in YYYY-MM-DD format (default: DAYS_BACK days before end)")
	endDateStr := flag.String("end-date", "", "End date in YYYY-MM-DD format (default: today)")
	dryRun := flag.Bool("dry-run", false, "Dry run mode - preview changes without syncing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogFormat == "json"})

	if err := cfg.ValidateNotion(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	window := pipeline.WindowEndingToday(time.Now(), cfg.DaysBack)
	if *endDateStr != "" {
		end, err := civil.ParseDate(*endDateStr)
		if err != nil {
			log.Fatal().Err(err).Str("end_date", *endDateStr).Msg("Error: invalid end-date format, expected YYYY-MM-DD")
		}
		window = domain.WindowEndingOn(end, cfg.DaysBack)
	}
	if *startDateStr != "" {
		start, err := civil.ParseDate(*startDateStr)
		if err != nil {
			log.Fatal().Err(err).Str("start_date", *startDateStr).Msg("Error: invalid start-date format, expected YYYY-MM-DD")
		}
		window.Start = start
	}
	if err := window.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Error: invalid date range")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	repo, err := infra.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer repo.Close()

	notionClient := notionsync.NewNotionClient(cfg.NotionConfig.Token, cfg.NotionConfig.MaxRetries)

	res, err := notionsync.SyncTransactions(ctx, repo, notionClient, cfg.DatabaseID, window, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	fmt.Printf("Sync completed: %d created, %d updated, %d unchanged, %d archived, %d failed.\n",
		res.Created, res.Updated, res.Unchanged, res.Archived, res.Failed)
}
