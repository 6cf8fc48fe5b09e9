// Package postgres is the production backend: tables raw.transactions and
// raw.ingestion_runs on PostgreSQL, accessed through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/storage"
)

const defaultMaxConns = 4

// Store implements storage.Repository on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: parse DATABASE_URL: %w", err)
	}
	if cfg.MaxConns <= 0 || cfg.MaxConns > defaultMaxConns {
		cfg.MaxConns = defaultMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.Open: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS raw`,
	`CREATE TABLE IF NOT EXISTS raw.transactions (
		transaction_id TEXT PRIMARY KEY,
		txn_date DATE NOT NULL,
		amount NUMERIC NOT NULL,
		account_id TEXT,
		account_name TEXT,
		merchant_id TEXT,
		merchant_name TEXT,
		merchant_transaction_count BIGINT,
		category_id TEXT,
		category_name TEXT,
		is_pending BOOLEAN,
		is_transfer BOOLEAN NOT NULL DEFAULT FALSE,
		is_split_transaction BOOLEAN NOT NULL DEFAULT FALSE,
		is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
		hide_from_reports BOOLEAN NOT NULL DEFAULT FALSE,
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		review_status TEXT,
		reviewed_at TIMESTAMPTZ,
		plaid_name TEXT,
		tags JSONB,
		attachments JSONB,
		notes TEXT,
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		raw_json JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_txn_date_idx ON raw.transactions (txn_date)`,
	`CREATE TABLE IF NOT EXISTS raw.ingestion_runs (
		run_id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		window_start DATE NOT NULL,
		window_end DATE NOT NULL,
		total_count INTEGER NOT NULL DEFAULT 0,
		fetched INTEGER NOT NULL DEFAULT 0,
		upserted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		truncated BOOLEAN NOT NULL DEFAULT FALSE,
		error_message TEXT
	)`,
	// Tables created with a fixed scale rounded sub-cent amounts.
	`ALTER TABLE raw.transactions ALTER COLUMN amount TYPE NUMERIC`,
}

// EnsureSchema creates the raw schema and its tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}

const upsertSQL = `INSERT INTO raw.transactions (
	transaction_id, txn_date, amount, account_id, account_name,
	merchant_id, merchant_name, merchant_transaction_count, category_id, category_name,
	is_pending, is_transfer, is_split_transaction, is_recurring, hide_from_reports, needs_review,
	review_status, reviewed_at, plaid_name, tags, attachments, notes, created_at, updated_at,
	ingested_at, raw_json
) VALUES (
	$1, $2::date, $3::numeric, $4, $5,
	$6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15, $16,
	$17, $18, $19, $20::jsonb, $21::jsonb, $22, $23, $24,
	NOW(), $25::jsonb
)
ON CONFLICT (transaction_id) DO UPDATE SET
	txn_date = EXCLUDED.txn_date,
	amount = EXCLUDED.amount,
	account_id = EXCLUDED.account_id,
	account_name = EXCLUDED.account_name,
	merchant_id = EXCLUDED.merchant_id,
	merchant_name = EXCLUDED.merchant_name,
	merchant_transaction_count = EXCLUDED.merchant_transaction_count,
	category_id = EXCLUDED.category_id,
	category_name = EXCLUDED.category_name,
	is_pending = EXCLUDED.is_pending,
	is_transfer = EXCLUDED.is_transfer,
	is_split_transaction = EXCLUDED.is_split_transaction,
	is_recurring = EXCLUDED.is_recurring,
	hide_from_reports = EXCLUDED.hide_from_reports,
	needs_review = EXCLUDED.needs_review,
	review_status = EXCLUDED.review_status,
	reviewed_at = EXCLUDED.reviewed_at,
	plaid_name = EXCLUDED.plaid_name,
	tags = EXCLUDED.tags,
	attachments = EXCLUDED.attachments,
	notes = EXCLUDED.notes,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	ingested_at = NOW(),
	raw_json = EXCLUDED.raw_json`

// upsertArgs returns the positional parameters of upsertSQL for one row.
func upsertArgs(r *domain.TransactionRow) []any {
	return []any{
		r.TransactionID,
		r.TxnDate.String(),
		r.Amount.String(),
		r.AccountID,
		r.AccountName,
		r.MerchantID,
		r.MerchantName,
		r.MerchantTransactionCount,
		r.CategoryID,
		r.CategoryName,
		r.IsPending,
		r.IsTransfer,
		r.IsSplitTransaction,
		r.IsRecurring,
		r.HideFromReports,
		r.NeedsReview,
		r.ReviewStatus,
		r.ReviewedAt,
		r.PlaidName,
		jsonArg(r.Tags),
		jsonArg(r.Attachments),
		r.Notes,
		r.CreatedAt,
		r.UpdatedAt,
		jsonArg(r.RawJSON),
	}
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// UpsertTransactions sends every row in one pgx batch inside a single
// transaction. Any error, including cancellation, rolls back the batch.
func (s *Store) UpsertTransactions(ctx context.Context, rows []*domain.TransactionRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("UpsertTransactions: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(upsertSQL, upsertArgs(r)...)
	}

	br := tx.SendBatch(ctx, b)
	for _, r := range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("UpsertTransactions: %s: %w", r.TransactionID, err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("UpsertTransactions: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("UpsertTransactions: commit: %w", err)
	}
	return len(rows), nil
}

const selectTransactionSQL = `SELECT
	transaction_id, txn_date::text, amount::text, account_id, account_name,
	merchant_id, merchant_name, merchant_transaction_count, category_id, category_name,
	is_pending, is_transfer, is_split_transaction, is_recurring, hide_from_reports, needs_review,
	review_status, reviewed_at, plaid_name, tags::text, attachments::text, notes, created_at, updated_at,
	ingested_at, raw_json::text
FROM raw.transactions`

func (s *Store) QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*domain.TransactionRow, error) {
	rows, err := s.pool.Query(ctx, selectTransactionSQL+`
		WHERE txn_date >= $1::date AND txn_date <= $2::date
		ORDER BY txn_date DESC, updated_at DESC NULLS LAST, transaction_id`,
		r.Start.String(), r.End.String())
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: %w", err)
	}
	defer rows.Close()

	var out []*domain.TransactionRow
	for rows.Next() {
		row, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: %w", err)
	}
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.TransactionRow, error) {
	row, err := scanTransaction(s.pool.QueryRow(ctx, selectTransactionSQL+` WHERE transaction_id = $1`, transactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return row, nil
}

func (s *Store) CountTransactions(ctx context.Context, r domain.DateRange) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM raw.transactions WHERE txn_date >= $1::date AND txn_date <= $2::date`,
		r.Start.String(), r.End.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountTransactions: %w", err)
	}
	return n, nil
}

func scanTransaction(row pgx.Row) (*domain.TransactionRow, error) {
	var (
		r                        domain.TransactionRow
		txnDate, amount, raw     string
		tags, attachments        *string
	)
	err := row.Scan(
		&r.TransactionID, &txnDate, &amount, &r.AccountID, &r.AccountName,
		&r.MerchantID, &r.MerchantName, &r.MerchantTransactionCount, &r.CategoryID, &r.CategoryName,
		&r.IsPending, &r.IsTransfer, &r.IsSplitTransaction, &r.IsRecurring, &r.HideFromReports, &r.NeedsReview,
		&r.ReviewStatus, &r.ReviewedAt, &r.PlaidName, &tags, &attachments, &r.Notes, &r.CreatedAt, &r.UpdatedAt,
		&r.IngestedAt, &raw,
	)
	if err != nil {
		return nil, err
	}
	if r.TxnDate, err = civil.ParseDate(txnDate); err != nil {
		return nil, fmt.Errorf("txn_date %q: %w", txnDate, err)
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	if tags != nil {
		r.Tags = json.RawMessage(*tags)
	}
	if attachments != nil {
		r.Attachments = json.RawMessage(*attachments)
	}
	r.RawJSON = json.RawMessage(raw)
	return &r, nil
}

func (s *Store) StartIngestionRun(ctx context.Context, window domain.DateRange) (string, error) {
	runID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO raw.ingestion_runs (run_id, started_at, status, window_start, window_end)
		VALUES ($1, NOW(), $2, $3::date, $4::date)`,
		runID, string(domain.IngestionRunRunning), window.Start.String(), window.End.String())
	if err != nil {
		return "", fmt.Errorf("StartIngestionRun: %w", err)
	}
	return runID, nil
}

func (s *Store) MarkIngestionRunSucceeded(ctx context.Context, run *domain.IngestionRun) error {
	tag, err := s.pool.Exec(ctx, `UPDATE raw.ingestion_runs
		SET status = $1, finished_at = NOW(), total_count = $2, fetched = $3, upserted = $4,
		    skipped = $5, truncated = $6, error_message = NULL
		WHERE run_id = $7`,
		string(domain.IngestionRunSucceeded), run.TotalCount, run.Fetched, run.Upserted,
		run.Skipped, run.Truncated, run.RunID)
	if err != nil {
		return fmt.Errorf("MarkIngestionRunSucceeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("MarkIngestionRunSucceeded: run %s: %w", run.RunID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkIngestionRunFailed(ctx context.Context, runID string, runErr error) {
	_, err := s.pool.Exec(ctx, `UPDATE raw.ingestion_runs
		SET status = $1, finished_at = NOW(), error_message = $2
		WHERE run_id = $3`,
		string(domain.IngestionRunFailed), storage.TruncateError(runErr), runID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("run_id", runID).Msg("MarkIngestionRunFailed: update failed")
	}
}

func (s *Store) ListIngestionRuns(ctx context.Context, limit int) ([]*domain.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT run_id::text, started_at, finished_at, status,
		window_start::text, window_end::text, total_count, fetched, upserted, skipped, truncated,
		COALESCE(error_message, '')
		FROM raw.ingestion_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListIngestionRuns: %w", err)
	}
	defer rows.Close()

	var out []*domain.IngestionRun
	for rows.Next() {
		var (
			run          domain.IngestionRun
			status       string
			wStart, wEnd string
		)
		if err := rows.Scan(&run.RunID, &run.StartedAt, &run.FinishedAt, &status, &wStart, &wEnd,
			&run.TotalCount, &run.Fetched, &run.Upserted, &run.Skipped, &run.Truncated, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: %w", err)
		}
		run.Status = domain.IngestionRunStatus(status)
		if run.WindowStart, err = civil.ParseDate(wStart); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: window_start: %w", err)
		}
		if run.WindowEnd, err = civil.ParseDate(wEnd); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: window_end: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// QueryView returns every row of a table or view such as mart.monthly_spend.
func (s *Store) QueryView(ctx context.Context, name string) (*storage.Table, error) {
	if err := storage.ValidateViewName(name); err != nil {
		return nil, err
	}
	ident := pgx.Identifier(strings.Split(name, ".")).Sanitize()

	rows, err := s.pool.Query(ctx, "SELECT * FROM "+ident)
	if err != nil {
		return nil, fmt.Errorf("QueryView %s: %w", name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	t := &storage.Table{Columns: make([]string, len(fields))}
	for i, f := range fields {
		t.Columns[i] = f.Name
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("QueryView %s: %w", name, err)
		}
		for i, v := range vals {
			vals[i] = plainValue(v)
		}
		t.Rows = append(t.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("QueryView %s: %w", name, err)
	}
	return t, nil
}

// plainValue converts pgx-specific values into types a spreadsheet writer
// understands.
func plainValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		dv, err := x.Value()
		if err != nil {
			return nil
		}
		if s, ok := dv.(string); ok {
			if d, err := decimal.NewFromString(s); err == nil {
				return d
			}
		}
		return dv
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return x
	default:
		return v
	}
}
