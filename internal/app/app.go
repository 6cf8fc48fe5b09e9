// Package app wires configuration into the concrete collaborators shared by
// the commands: store, remote client, session manager and report outputs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/gcsuploader"
	"github.com/dvloznov/txsync/internal/infra"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/monarch"
	"github.com/dvloznov/txsync/internal/pipeline"
	"github.com/dvloznov/txsync/internal/report"
	"github.com/dvloznov/txsync/internal/session"
	"github.com/dvloznov/txsync/internal/storage"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Config   *config.Config
	Repo     storage.Repository
	Monarch  *monarch.Client
	Sessions *session.Manager

	objects   *gcsuploader.GCSStorageService
	publisher report.Publisher
}

// New opens the store and creates its schema, then builds the remote
// client and session manager. Cloud Storage and Google Sheets clients are
// only created when their settings are present. Nothing here talks to the
// remote service.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	repo, err := infra.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("New: %w", err)
	}

	a := &App{
		Config:  cfg,
		Repo:    repo,
		Monarch: monarch.NewClient(cfg.BaseURL),
	}

	if cfg.SessionConfig.GCSURI != "" || cfg.ReportConfig.GCSURI != "" {
		objects, err := gcsuploader.NewGCSStorageService(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		a.objects = objects
	}

	var store session.SessionStore = session.NewFileStore(cfg.SessionConfig.File)
	if cfg.SessionConfig.GCSURI != "" {
		store = session.NewGCSStore(a.objects, cfg.SessionConfig.GCSURI)
	}
	a.Sessions = session.NewManager(cfg.Credential, a.Monarch, store)

	if cfg.GoogleSheetID != "" {
		pub, err := report.NewSheetsPublisher(ctx, cfg.GoogleClientFile, cfg.GoogleTokenFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("New: %w", err)
		}
		a.publisher = pub
	}

	return a, nil
}

// Close releases the store and the storage client.
func (a *App) Close() error {
	var errs []error
	if a.objects != nil {
		errs = append(errs, a.objects.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	return errors.Join(errs...)
}

// Window returns the configured default window ending today.
func (a *App) Window() domain.DateRange {
	return pipeline.WindowEndingToday(time.Now(), a.Config.DaysBack)
}

// Ingest runs the pipeline for window.
func (a *App) Ingest(ctx context.Context, window domain.DateRange) (*pipeline.Summary, error) {
	return pipeline.Run(ctx, pipeline.Deps{
		Sessions: a.Sessions,
		Lister:   a.Monarch,
		Store:    a.Repo,
		PageSize: a.Config.PageSize,
	}, window)
}

// Export writes the workbook for window and fans it out to the configured
// destinations.
func (a *App) Export(ctx context.Context, window domain.DateRange) (*report.Result, error) {
	opts := report.Options{
		OutXLSX: a.Config.OutXLSX,
		Views:   a.Config.Views,
		SheetID: a.Config.GoogleSheetID,
	}
	if a.objects != nil && a.Config.ReportConfig.GCSURI != "" {
		opts.GCSURI = a.Config.ReportConfig.GCSURI
		opts.Objects = a.objects
	}
	if a.publisher != nil {
		opts.Publisher = a.publisher
	}
	return report.Export(ctx, a.Repo, window, opts)
}

// RunJob is the jobs.JobHandler used by the API worker. Each job gets its
// own RUN_TIMEOUT.
func (a *App) RunJob(ctx context.Context, job *jobs.IngestRunJob) error {
	ctx, cancel := context.WithTimeout(ctx, a.Config.RunTimeout)
	defer cancel()

	log := logger.FromContext(ctx).With().Str("job_id", job.JobID).Logger()
	ctx = logger.WithContext(ctx, log)

	window := domain.DateRange{Start: job.StartDate, End: job.EndDate}
	summary, err := a.Ingest(ctx, window)
	if err != nil {
		return err
	}
	job.Summary = summary

	if job.Export {
		if _, err := a.Export(ctx, window); err != nil {
			return fmt.Errorf("RunJob: %w", err)
		}
	}
	return nil
}

// RemoteCount returns the total the remote reports for window.
func (a *App) RemoteCount(ctx context.Context, window domain.DateRange) (int, error) {
	return pipeline.NewFetcher(a.Sessions, a.Monarch, a.Config.PageSize).TotalCount(ctx, window)
}

// RemoteTransaction fetches the detail record of one transaction,
// re-authenticating once if the cached session is rejected.
func (a *App) RemoteTransaction(ctx context.Context, id string) (*monarch.Transaction, error) {
	sess, err := a.Sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("RemoteTransaction: %w", err)
	}
	tx, err := a.Monarch.GetTransaction(ctx, sess.Token, id)
	if monarch.IsAuthorizationFailure(err) {
		if sess, err = a.Sessions.InvalidateAndReauthenticate(ctx); err != nil {
			return nil, fmt.Errorf("RemoteTransaction: %w", err)
		}
		tx, err = a.Monarch.GetTransaction(ctx, sess.Token, id)
	}
	if err != nil {
		return nil, fmt.Errorf("RemoteTransaction: %w", err)
	}
	return tx, nil
}
