package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

const (
	transactionsTable  = "transactions"
	ingestionRunsTable = "ingestion_runs"
)

func schemaStatements(ds Dataset) []string {
	return []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS `%s.%s`", ds.ProjectID, ds.DatasetID),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			transaction_id STRING NOT NULL,
			txn_date DATE NOT NULL,
			amount NUMERIC NOT NULL,
			account_id STRING,
			account_name STRING,
			merchant_id STRING,
			merchant_name STRING,
			merchant_transaction_count INT64,
			category_id STRING,
			category_name STRING,
			is_pending BOOL,
			is_transfer BOOL NOT NULL,
			is_split_transaction BOOL NOT NULL,
			is_recurring BOOL NOT NULL,
			hide_from_reports BOOL NOT NULL,
			needs_review BOOL NOT NULL,
			review_status STRING,
			reviewed_at TIMESTAMP,
			plaid_name STRING,
			tags JSON,
			attachments JSON,
			notes STRING,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			ingested_at TIMESTAMP NOT NULL,
			raw_json JSON NOT NULL
		)
		PARTITION BY txn_date
		CLUSTER BY transaction_id`, ds.table(transactionsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id STRING NOT NULL,
			started_ts TIMESTAMP NOT NULL,
			finished_ts TIMESTAMP,
			status STRING NOT NULL,
			window_start DATE NOT NULL,
			window_end DATE NOT NULL,
			total_count INT64,
			fetched INT64,
			upserted INT64,
			skipped INT64,
			truncated BOOL,
			error_message STRING
		)`, ds.table(ingestionRunsTable)),
	}
}

// EnsureSchemaWithClient creates the dataset and tables when missing.
func EnsureSchemaWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) error {
	for _, stmt := range schemaStatements(ds) {
		if _, err := runJob(ctx, client.Query(stmt)); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}
