package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/txsync/internal/domain"
)

// IngestionRunRow mirrors one row of the ingestion_runs table.
type IngestionRunRow struct {
	RunID        string                 `bigquery:"run_id"`
	StartedTS    time.Time              `bigquery:"started_ts"`
	FinishedTS   bigquery.NullTimestamp `bigquery:"finished_ts"`
	Status       string                 `bigquery:"status"`
	WindowStart  civil.Date             `bigquery:"window_start"`
	WindowEnd    civil.Date             `bigquery:"window_end"`
	TotalCount   bigquery.NullInt64     `bigquery:"total_count"`
	Fetched      bigquery.NullInt64     `bigquery:"fetched"`
	Upserted     bigquery.NullInt64     `bigquery:"upserted"`
	Skipped      bigquery.NullInt64     `bigquery:"skipped"`
	Truncated    bigquery.NullBool      `bigquery:"truncated"`
	ErrorMessage bigquery.NullString    `bigquery:"error_message"`
}

func (r *IngestionRunRow) toDomain() *domain.IngestionRun {
	return &domain.IngestionRun{
		RunID:        r.RunID,
		StartedAt:    r.StartedTS,
		FinishedAt:   timePtr(r.FinishedTS),
		Status:       domain.IngestionRunStatus(r.Status),
		WindowStart:  r.WindowStart,
		WindowEnd:    r.WindowEnd,
		TotalCount:   int(r.TotalCount.Int64),
		Fetched:      int(r.Fetched.Int64),
		Upserted:     int(r.Upserted.Int64),
		Skipped:      int(r.Skipped.Int64),
		Truncated:    r.Truncated.Bool,
		ErrorMessage: r.ErrorMessage.StringVal,
	}
}
