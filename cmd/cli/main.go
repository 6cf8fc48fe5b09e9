package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/txsync/internal/app"
	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/gcsuploader"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/session"
	"github.com/dvloznov/txsync/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, JSON: cfg.LogFormat == "json"})

	args := os.Args[2:]
	switch os.Args[1] {
	case "ingest":
		err = runIngest(cfg, log, args)
	case "export":
		err = runExport(cfg, log, args)
	case "count":
		err = runCount(cfg, log, args)
	case "inspect":
		err = runInspect(cfg, log, args)
	case "logout":
		err = runLogout(cfg, log)
	case "init-db":
		err = runInitDB(cfg, log)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Error().Err(err).Str("command", os.Args[1]).Msg("Command failed")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Transaction sync CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  ingest    Fetch and store transactions for a date window")
	fmt.Println("  export    Write the spreadsheet report from stored transactions")
	fmt.Println("  count     Show the remote transaction total for a date window")
	fmt.Println("  inspect   Show one transaction, stored or remote")
	fmt.Println("  logout    Forget the cached session")
	fmt.Println("  init-db   Create missing tables")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// windowFlags registers -start and -end on fs.
func windowFlags(fs *flag.FlagSet) (start, end *string) {
	start = fs.String("start", "", "Start date YYYY-MM-DD (default: DAYS_BACK days before end)")
	end = fs.String("end", "", "End date YYYY-MM-DD (default: today)")
	return start, end
}

func resolveWindow(def domain.DateRange, daysBack int, start, end string) (domain.DateRange, error) {
	w := def
	if end != "" {
		d, err := civil.ParseDate(end)
		if err != nil {
			return w, &config.Error{Field: "-end", Msg: "must be YYYY-MM-DD"}
		}
		w = domain.WindowEndingOn(d, daysBack)
	}
	if start != "" {
		d, err := civil.ParseDate(start)
		if err != nil {
			return w, &config.Error{Field: "-start", Msg: "must be YYYY-MM-DD"}
		}
		w.Start = d
	}
	if err := w.Validate(); err != nil {
		return w, &config.Error{Field: "-start/-end", Msg: err.Error()}
	}
	return w, nil
}

// open builds the app under a RUN_TIMEOUT context carrying log.
func open(cfg *config.Config, log zerolog.Logger) (context.Context, context.CancelFunc, *app.App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, a, nil
}

func runIngest(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	start, end := windowFlags(fs)
	export := fs.Bool("export", false, "Also write the report after ingesting")
	fs.Parse(args)

	if err := cfg.ValidateIngest(); err != nil {
		return err
	}

	ctx, cancel, a, err := open(cfg, log)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	window, err := resolveWindow(a.Window(), cfg.DaysBack, *start, *end)
	if err != nil {
		return err
	}

	summary, err := a.Ingest(ctx, window)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s (%s): fetched %d of %d, upserted %d, skipped %d, truncated=%t\n",
		summary.RunID, window, summary.Fetched, summary.TotalCount, summary.Upserted, summary.Skipped, summary.Truncated)
	for _, r := range summary.Rejections {
		fmt.Printf("  skipped %s: %s\n", r.TransactionID, r.Reason)
	}

	if *export {
		res, err := a.Export(ctx, window)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %d rows to %s\n", res.Rows, res.Path)
	}
	return nil
}

func runExport(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	start, end := windowFlags(fs)
	out := fs.String("out", "", "Output .xlsx path (default: OUT_XLSX)")
	fs.Parse(args)

	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	if *out != "" {
		cfg.OutXLSX = *out
	}

	ctx, cancel, a, err := open(cfg, log)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	window, err := resolveWindow(a.Window(), cfg.DaysBack, *start, *end)
	if err != nil {
		return err
	}

	res, err := a.Export(ctx, window)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %d rows to %s\n", res.Rows, res.Path)
	if res.UploadedURI != "" {
		fmt.Printf("Uploaded to %s\n", res.UploadedURI)
	}
	if res.SheetsLink != "" {
		fmt.Printf("Google Sheet: %s\n", res.SheetsLink)
	}
	if res.PublishError != nil {
		fmt.Printf("Google Sheets publish failed: %v\n", res.PublishError)
	}
	return nil
}

func runCount(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	start, end := windowFlags(fs)
	fs.Parse(args)

	if err := cfg.ValidateIngest(); err != nil {
		return err
	}

	ctx, cancel, a, err := open(cfg, log)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	window, err := resolveWindow(a.Window(), cfg.DaysBack, *start, *end)
	if err != nil {
		return err
	}

	remote, err := a.RemoteCount(ctx, window)
	if err != nil {
		return err
	}
	stored, err := a.Repo.CountTransactions(ctx, window)
	if err != nil {
		return err
	}

	fmt.Printf("Window:  %s\n", window)
	fmt.Printf("Remote:  %d\n", remote)
	fmt.Printf("Stored:  %d\n", stored)
	return nil
}

func runInspect(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	id := fs.String("id", "", "Transaction ID to inspect")
	remote := fs.Bool("remote", false, "Fetch the full detail record from the remote service")
	fs.Parse(args)

	if *id == "" {
		return &config.Error{Field: "-id", Msg: "is required"}
	}
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}
	if *remote {
		if err := cfg.ValidateIngest(); err != nil {
			return err
		}
	}

	ctx, cancel, a, err := open(cfg, log)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	var v any
	if *remote {
		v, err = a.RemoteTransaction(ctx, *id)
	} else {
		v, err = a.Repo.GetTransaction(ctx, *id)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Printf("Transaction %s is not stored\n", *id)
			return nil
		}
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runLogout(cfg *config.Config, log zerolog.Logger) error {
	ctx := logger.WithContext(context.Background(), log)

	var store session.SessionStore = session.NewFileStore(cfg.SessionConfig.File)
	if cfg.SessionConfig.GCSURI != "" {
		objects, err := gcsuploader.NewGCSStorageService(ctx)
		if err != nil {
			return err
		}
		defer objects.Close()
		store = session.NewGCSStore(objects, cfg.SessionConfig.GCSURI)
	}

	if err := session.NewManager(cfg.Credential, nil, store).Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Cached session cleared.")
	return nil
}

func runInitDB(cfg *config.Config, log zerolog.Logger) error {
	if err := cfg.ValidateStorage(); err != nil {
		return err
	}

	_, cancel, a, err := open(cfg, log)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	log.Info().Msg("Schema is up to date")
	fmt.Println("Schema is up to date.")
	return nil
}
