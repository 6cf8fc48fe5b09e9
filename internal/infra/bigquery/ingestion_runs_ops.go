package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/storage"
)

// StartIngestionRunWithClient inserts a RUNNING row for window and returns
// the generated run id.
func StartIngestionRunWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, window domain.DateRange) (string, error) {
	runID := uuid.NewString()

	q := client.Query(fmt.Sprintf(`
		INSERT %s (run_id, started_ts, status, window_start, window_end)
		VALUES (@run_id, @started_ts, @status, @window_start, @window_end)
	`, ds.table(ingestionRunsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: runID},
		{Name: "started_ts", Value: time.Now().UTC()},
		{Name: "status", Value: string(domain.IngestionRunRunning)},
		{Name: "window_start", Value: window.Start},
		{Name: "window_end", Value: window.End},
	}

	if _, err := runJob(ctx, q); err != nil {
		return "", fmt.Errorf("StartIngestionRun: %w", err)
	}
	return runID, nil
}

// MarkIngestionRunSucceededWithClient records the counts of a finished run
// and sets status=SUCCESS.
func MarkIngestionRunSucceededWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, run *domain.IngestionRun) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    total_count = @total_count,
		    fetched = @fetched,
		    upserted = @upserted,
		    skipped = @skipped,
		    truncated = @truncated
		WHERE run_id = @run_id
	`, ds.table(ingestionRunsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: string(domain.IngestionRunSucceeded)},
		{Name: "finished_ts", Value: time.Now().UTC()},
		{Name: "total_count", Value: int64(run.TotalCount)},
		{Name: "fetched", Value: int64(run.Fetched)},
		{Name: "upserted", Value: int64(run.Upserted)},
		{Name: "skipped", Value: int64(run.Skipped)},
		{Name: "truncated", Value: run.Truncated},
		{Name: "run_id", Value: run.RunID},
	}

	affected, err := runJob(ctx, q)
	if err != nil {
		return fmt.Errorf("MarkIngestionRunSucceeded: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("MarkIngestionRunSucceeded: run %s: %w", run.RunID, storage.ErrNotFound)
	}
	return nil
}

// MarkIngestionRunFailedWithClient sets status=FAILED, finished_ts and
// error_message. Errors are logged, never returned.
func MarkIngestionRunFailedWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, runID string, runErr error) {
	log := logger.FromContext(ctx)

	q := client.Query(fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, ds.table(ingestionRunsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: string(domain.IngestionRunFailed)},
		{Name: "finished_ts", Value: time.Now().UTC()},
		{Name: "error_message", Value: storage.TruncateError(runErr)},
		{Name: "run_id", Value: runID},
	}

	if _, err := runJob(ctx, q); err != nil {
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkIngestionRunFailed: update failed")
	}
}

// ListIngestionRunsWithClient returns the most recent runs, newest first.
func ListIngestionRunsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, limit int) ([]*domain.IngestionRun, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT run_id, started_ts, finished_ts, status, window_start, window_end,
		       total_count, fetched, upserted, skipped, truncated, error_message
		FROM %s
		ORDER BY started_ts DESC
		LIMIT @limit
	`, ds.table(ingestionRunsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: int64(limit)}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListIngestionRuns: executing query: %w", err)
	}

	var runs []*domain.IngestionRun
	for {
		var row IngestionRunRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: reading row: %w", err)
		}
		runs = append(runs, row.toDomain())
	}
	return runs, nil
}
