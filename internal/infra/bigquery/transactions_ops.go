package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/storage"
)

const selectTransactionColumns = `
	transaction_id,
	txn_date,
	CAST(amount AS STRING) AS amount,
	account_id,
	account_name,
	merchant_id,
	merchant_name,
	merchant_transaction_count,
	category_id,
	category_name,
	is_pending,
	is_transfer,
	is_split_transaction,
	is_recurring,
	hide_from_reports,
	needs_review,
	review_status,
	reviewed_at,
	plaid_name,
	TO_JSON_STRING(tags) AS tags,
	TO_JSON_STRING(attachments) AS attachments,
	notes,
	created_at,
	updated_at,
	ingested_at,
	TO_JSON_STRING(raw_json) AS raw_json`

// UpsertTransactionsWithClient merges rows into the transactions table by
// transaction_id in a single DML statement, so the batch lands atomically.
// It returns the number of rows written.
func UpsertTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, rows []*domain.TransactionRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	unique := dedupeLast(rows)
	params := make([]mergeRow, 0, len(unique))
	for _, r := range unique {
		params = append(params, toMergeRow(r))
	}

	q := client.Query(fmt.Sprintf(`
		MERGE %s T
		USING (
			SELECT * EXCEPT (tags, attachments, raw_json),
				IF(tags IS NULL, NULL, PARSE_JSON(tags)) AS tags,
				IF(attachments IS NULL, NULL, PARSE_JSON(attachments)) AS attachments,
				PARSE_JSON(raw_json) AS raw_json
			FROM UNNEST(@rows)
		) S
		ON T.transaction_id = S.transaction_id
		WHEN MATCHED THEN UPDATE SET
			txn_date = S.txn_date,
			amount = S.amount,
			account_id = S.account_id,
			account_name = S.account_name,
			merchant_id = S.merchant_id,
			merchant_name = S.merchant_name,
			merchant_transaction_count = S.merchant_transaction_count,
			category_id = S.category_id,
			category_name = S.category_name,
			is_pending = S.is_pending,
			is_transfer = S.is_transfer,
			is_split_transaction = S.is_split_transaction,
			is_recurring = S.is_recurring,
			hide_from_reports = S.hide_from_reports,
			needs_review = S.needs_review,
			review_status = S.review_status,
			reviewed_at = S.reviewed_at,
			plaid_name = S.plaid_name,
			tags = S.tags,
			attachments = S.attachments,
			notes = S.notes,
			created_at = S.created_at,
			updated_at = S.updated_at,
			ingested_at = CURRENT_TIMESTAMP(),
			raw_json = S.raw_json
		WHEN NOT MATCHED THEN INSERT (
			transaction_id, txn_date, amount, account_id, account_name,
			merchant_id, merchant_name, merchant_transaction_count,
			category_id, category_name, is_pending, is_transfer,
			is_split_transaction, is_recurring, hide_from_reports,
			needs_review, review_status, reviewed_at, plaid_name,
			tags, attachments, notes, created_at, updated_at,
			ingested_at, raw_json
		) VALUES (
			S.transaction_id, S.txn_date, S.amount, S.account_id, S.account_name,
			S.merchant_id, S.merchant_name, S.merchant_transaction_count,
			S.category_id, S.category_name, S.is_pending, S.is_transfer,
			S.is_split_transaction, S.is_recurring, S.hide_from_reports,
			S.needs_review, S.review_status, S.reviewed_at, S.plaid_name,
			S.tags, S.attachments, S.notes, S.created_at, S.updated_at,
			CURRENT_TIMESTAMP(), S.raw_json
		)
	`, ds.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "rows", Value: params}}

	if _, err := runJob(ctx, q); err != nil {
		return 0, fmt.Errorf("UpsertTransactions: merging %d rows: %w", len(params), err)
	}
	return len(rows), nil
}

// QueryTransactionsByDateRangeWithClient returns the transactions whose
// txn_date falls inside dr, newest first.
func QueryTransactionsByDateRangeWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, dr domain.DateRange) ([]*domain.TransactionRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE txn_date BETWEEN @start_date AND @end_date
		ORDER BY txn_date DESC, updated_at DESC
	`, selectTransactionColumns, ds.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: dr.Start},
		{Name: "end_date", Value: dr.End},
	}

	rows, err := readTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: %w", err)
	}
	return rows, nil
}

// GetTransactionWithClient returns one stored transaction or
// storage.ErrNotFound.
func GetTransactionWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, transactionID string) (*domain.TransactionRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE transaction_id = @transaction_id
		LIMIT 1
	`, selectTransactionColumns, ds.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "transaction_id", Value: transactionID}}

	rows, err := readTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("GetTransaction: %s: %w", transactionID, storage.ErrNotFound)
	}
	return rows[0], nil
}

// CountTransactionsWithClient counts the stored transactions inside dr.
func CountTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, dr domain.DateRange) (int, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT COUNT(*) AS n
		FROM %s
		WHERE txn_date BETWEEN @start_date AND @end_date
	`, ds.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: dr.Start},
		{Name: "end_date", Value: dr.End},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("CountTransactions: executing query: %w", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return 0, fmt.Errorf("CountTransactions: reading row: %w", err)
	}
	return int(row.N), nil
}

func readTransactions(ctx context.Context, q *bigquery.Query) ([]*domain.TransactionRow, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}

	var out []*domain.TransactionRow
	for {
		var row TransactionRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		tx, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
