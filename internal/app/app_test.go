package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/jobs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DaysBack:   30,
		RunTimeout: time.Minute,
	}
	cfg.DatabaseURL = "sqlite::memory:"
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.PageSize = 100
	cfg.SessionConfig.File = filepath.Join(dir, "session.json")
	cfg.OutXLSX = filepath.Join(dir, "out.xlsx")
	return cfg
}

func TestNew_OpensStoreWithSchema(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	n, err := a.Repo.CountTransactions(ctx, a.Window())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, a.Sessions.Current())
}

func TestNew_BadDatabaseURLIsConfigError(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseURL = "mysql://nope"

	_, err := New(context.Background(), cfg)

	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestNew_SheetsWithoutTokenIsConfigError(t *testing.T) {
	cfg := testConfig(t)
	cfg.GoogleSheetID = "sheet-1"
	cfg.GoogleTokenFile = filepath.Join(t.TempDir(), "missing-token.json")
	cfg.GoogleClientFile = filepath.Join(t.TempDir(), "missing-secret.json")

	_, err := New(context.Background(), cfg)

	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestExport_WritesWorkbookForEmptyStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Export(ctx, a.Window())
	require.NoError(t, err)
	assert.Equal(t, cfg.OutXLSX, res.Path)
	assert.Zero(t, res.Rows)
	assert.FileExists(t, cfg.OutXLSX)
	assert.Empty(t, res.UploadedURI)
}

func TestRunJob_FailureLeavesNoSummary(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	// No MFA secret: the login cannot even be attempted.
	cfg.Email = "jane@example.com"
	cfg.Password = "pw"

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	job := &jobs.IngestRunJob{
		JobID:     "job-1",
		StartDate: civil.Date{Year: 2024, Month: time.January, Day: 1},
		EndDate:   civil.Date{Year: 2024, Month: time.January, Day: 31},
	}
	err = a.RunJob(ctx, job)

	require.Error(t, err)
	assert.Nil(t, job.Summary)

	runs, err := a.Repo.ListIngestionRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.IngestionRunFailed, runs[0].Status)
}
