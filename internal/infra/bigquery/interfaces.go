package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/storage"
)

// Dataset addresses the tables of one deployment.
type Dataset struct {
	ProjectID string
	DatasetID string
}

// table returns the backquoted, fully qualified name of a table.
func (d Dataset) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", d.ProjectID, d.DatasetID, name)
}

// BigQueryRepository is the storage.Repository implementation backed by
// BigQuery. It holds a shared BigQuery client to avoid creating a new
// connection for each operation.
type BigQueryRepository struct {
	client *bigquery.Client
	ds     Dataset
}

var _ storage.Repository = (*BigQueryRepository)(nil)

// NewBigQueryRepository creates a repository with a shared client.
func NewBigQueryRepository(ctx context.Context, ds Dataset) (*BigQueryRepository, error) {
	client, err := bigquery.NewClient(ctx, ds.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryRepository: creating client: %w", err)
	}
	return &BigQueryRepository{client: client, ds: ds}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *BigQueryRepository) EnsureSchema(ctx context.Context) error {
	return EnsureSchemaWithClient(ctx, r.client, r.ds)
}

func (r *BigQueryRepository) UpsertTransactions(ctx context.Context, rows []*domain.TransactionRow) (int, error) {
	return UpsertTransactionsWithClient(ctx, r.client, r.ds, rows)
}

func (r *BigQueryRepository) QueryTransactionsByDateRange(ctx context.Context, dr domain.DateRange) ([]*domain.TransactionRow, error) {
	return QueryTransactionsByDateRangeWithClient(ctx, r.client, r.ds, dr)
}

func (r *BigQueryRepository) GetTransaction(ctx context.Context, transactionID string) (*domain.TransactionRow, error) {
	return GetTransactionWithClient(ctx, r.client, r.ds, transactionID)
}

func (r *BigQueryRepository) CountTransactions(ctx context.Context, dr domain.DateRange) (int, error) {
	return CountTransactionsWithClient(ctx, r.client, r.ds, dr)
}

func (r *BigQueryRepository) StartIngestionRun(ctx context.Context, window domain.DateRange) (string, error) {
	return StartIngestionRunWithClient(ctx, r.client, r.ds, window)
}

func (r *BigQueryRepository) MarkIngestionRunSucceeded(ctx context.Context, run *domain.IngestionRun) error {
	return MarkIngestionRunSucceededWithClient(ctx, r.client, r.ds, run)
}

func (r *BigQueryRepository) MarkIngestionRunFailed(ctx context.Context, runID string, runErr error) {
	MarkIngestionRunFailedWithClient(ctx, r.client, r.ds, runID, runErr)
}

func (r *BigQueryRepository) ListIngestionRuns(ctx context.Context, limit int) ([]*domain.IngestionRun, error) {
	return ListIngestionRunsWithClient(ctx, r.client, r.ds, limit)
}

func (r *BigQueryRepository) QueryView(ctx context.Context, name string) (*storage.Table, error) {
	return QueryViewWithClient(ctx, r.client, r.ds, name)
}

// runJob runs a DDL or DML statement to completion and returns the number
// of affected rows, when BigQuery reports one.
func runJob(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}
