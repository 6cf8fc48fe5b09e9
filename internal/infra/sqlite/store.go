// Package sqlite is a single-file backend for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/storage"
)

// Timestamps are stored as fixed-width UTC text so that lexical order in
// ORDER BY matches time order. Parsing accepts any RFC 3339 fraction.
const (
	tsLayout      = "2006-01-02T15:04:05.000000000Z07:00"
	tsParseLayout = time.RFC3339Nano
)

// Store implements storage.Repository on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the clock used for ingested_at and run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens path, which may be ":memory:". The schema is created if
// missing.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite.Open: %w", err)
	}
	// One connection: an in-memory database lives and dies with it, and a
	// file database serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT PRIMARY KEY,
			txn_date TEXT NOT NULL,
			amount TEXT NOT NULL,
			account_id TEXT,
			account_name TEXT,
			merchant_id TEXT,
			merchant_name TEXT,
			merchant_transaction_count INTEGER,
			category_id TEXT,
			category_name TEXT,
			is_pending INTEGER,
			is_transfer INTEGER NOT NULL DEFAULT 0,
			is_split_transaction INTEGER NOT NULL DEFAULT 0,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			hide_from_reports INTEGER NOT NULL DEFAULT 0,
			needs_review INTEGER NOT NULL DEFAULT 0,
			review_status TEXT,
			reviewed_at TEXT,
			plaid_name TEXT,
			tags TEXT,
			attachments TEXT,
			notes TEXT,
			created_at TEXT,
			updated_at TEXT,
			ingested_at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_txn_date ON transactions(txn_date)`,
		`CREATE TABLE IF NOT EXISTS ingestion_runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			total_count INTEGER NOT NULL DEFAULT 0,
			fetched INTEGER NOT NULL DEFAULT 0,
			upserted INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			error_message TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}

const transactionColumns = `transaction_id, txn_date, amount, account_id, account_name,
	merchant_id, merchant_name, merchant_transaction_count, category_id, category_name,
	is_pending, is_transfer, is_split_transaction, is_recurring, hide_from_reports, needs_review,
	review_status, reviewed_at, plaid_name, tags, attachments, notes, created_at, updated_at,
	ingested_at, raw_json`

const upsertSQL = `INSERT INTO transactions (` + transactionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (transaction_id) DO UPDATE SET
	txn_date = excluded.txn_date,
	amount = excluded.amount,
	account_id = excluded.account_id,
	account_name = excluded.account_name,
	merchant_id = excluded.merchant_id,
	merchant_name = excluded.merchant_name,
	merchant_transaction_count = excluded.merchant_transaction_count,
	category_id = excluded.category_id,
	category_name = excluded.category_name,
	is_pending = excluded.is_pending,
	is_transfer = excluded.is_transfer,
	is_split_transaction = excluded.is_split_transaction,
	is_recurring = excluded.is_recurring,
	hide_from_reports = excluded.hide_from_reports,
	needs_review = excluded.needs_review,
	review_status = excluded.review_status,
	reviewed_at = excluded.reviewed_at,
	plaid_name = excluded.plaid_name,
	tags = excluded.tags,
	attachments = excluded.attachments,
	notes = excluded.notes,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	ingested_at = excluded.ingested_at,
	raw_json = excluded.raw_json`

// UpsertTransactions writes rows inside one SQL transaction. Any failure,
// including cancellation of ctx, rolls the whole batch back.
func (s *Store) UpsertTransactions(ctx context.Context, rows []*domain.TransactionRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("UpsertTransactions: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return 0, fmt.Errorf("UpsertTransactions: prepare: %w", err)
	}
	defer stmt.Close()

	ingestedAt := s.now().UTC()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, upsertArgs(r, ingestedAt)...); err != nil {
			return 0, fmt.Errorf("UpsertTransactions: %s: %w", r.TransactionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("UpsertTransactions: commit: %w", err)
	}
	return len(rows), nil
}

func upsertArgs(r *domain.TransactionRow, ingestedAt time.Time) []any {
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
		formatTime(r.ReviewedAt),
		r.PlaidName,
		jsonText(r.Tags),
		jsonText(r.Attachments),
		r.Notes,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		ingestedAt.UTC().Format(tsLayout),
		string(r.RawJSON),
	}
}

func (s *Store) QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*domain.TransactionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE txn_date >= ? AND txn_date <= ?
		ORDER BY txn_date DESC, updated_at DESC, transaction_id`, r.Start.String(), r.End.String())
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
	row, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = ?`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return row, nil
}

func (s *Store) CountTransactions(ctx context.Context, r domain.DateRange) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE txn_date >= ? AND txn_date <= ?`,
		r.Start.String(), r.End.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountTransactions: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*domain.TransactionRow, error) {
	var (
		r                                           domain.TransactionRow
		txnDate, amount, ingestedAt, raw            string
		accountID, accountName, merchantID          sql.NullString
		merchantName, categoryID, categoryName      sql.NullString
		reviewStatus, reviewedAt, plaidName, notes  sql.NullString
		tags, attachments, createdAt, updatedAt     sql.NullString
		merchantCount                               sql.NullInt64
		isPending                                   sql.NullBool
	)
	err := sc.Scan(
		&r.TransactionID, &txnDate, &amount, &accountID, &accountName,
		&merchantID, &merchantName, &merchantCount, &categoryID, &categoryName,
		&isPending, &r.IsTransfer, &r.IsSplitTransaction, &r.IsRecurring, &r.HideFromReports, &r.NeedsReview,
		&reviewStatus, &reviewedAt, &plaidName, &tags, &attachments, &notes, &createdAt, &updatedAt,
		&ingestedAt, &raw,
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
	if r.IngestedAt, err = time.Parse(tsParseLayout, ingestedAt); err != nil {
		return nil, fmt.Errorf("ingested_at %q: %w", ingestedAt, err)
	}

	r.AccountID = nullString(accountID)
	r.AccountName = nullString(accountName)
	r.MerchantID = nullString(merchantID)
	r.MerchantName = nullString(merchantName)
	if merchantCount.Valid {
		r.MerchantTransactionCount = &merchantCount.Int64
	}
	r.CategoryID = nullString(categoryID)
	r.CategoryName = nullString(categoryName)
	if isPending.Valid {
		r.IsPending = &isPending.Bool
	}
	r.ReviewStatus = nullString(reviewStatus)
	r.ReviewedAt = parseTime(reviewedAt)
	r.PlaidName = nullString(plaidName)
	if tags.Valid {
		r.Tags = json.RawMessage(tags.String)
	}
	if attachments.Valid {
		r.Attachments = json.RawMessage(attachments.String)
	}
	r.Notes = nullString(notes)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	r.RawJSON = json.RawMessage(raw)
	return &r, nil
}

func (s *Store) StartIngestionRun(ctx context.Context, window domain.DateRange) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO ingestion_runs (run_id, started_at, status, window_start, window_end)
		VALUES (?, ?, ?, ?, ?)`,
		runID, s.now().UTC().Format(tsLayout), string(domain.IngestionRunRunning), window.Start.String(), window.End.String())
	if err != nil {
		return "", fmt.Errorf("StartIngestionRun: %w", err)
	}
	return runID, nil
}

func (s *Store) MarkIngestionRunSucceeded(ctx context.Context, run *domain.IngestionRun) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ingestion_runs
		SET status = ?, finished_at = ?, total_count = ?, fetched = ?, upserted = ?, skipped = ?, truncated = ?, error_message = NULL
		WHERE run_id = ?`,
		string(domain.IngestionRunSucceeded), s.now().UTC().Format(tsLayout),
		run.TotalCount, run.Fetched, run.Upserted, run.Skipped, run.Truncated, run.RunID)
	if err != nil {
		return fmt.Errorf("MarkIngestionRunSucceeded: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("MarkIngestionRunSucceeded: run %s: %w", run.RunID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkIngestionRunFailed(ctx context.Context, runID string, runErr error) {
	_, err := s.db.ExecContext(ctx, `UPDATE ingestion_runs SET status = ?, finished_at = ?, error_message = ? WHERE run_id = ?`,
		string(domain.IngestionRunFailed), s.now().UTC().Format(tsLayout), storage.TruncateError(runErr), runID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("run_id", runID).Msg("MarkIngestionRunFailed: update failed")
	}
}

func (s *Store) ListIngestionRuns(ctx context.Context, limit int) ([]*domain.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, started_at, finished_at, status, window_start, window_end,
		total_count, fetched, upserted, skipped, truncated, error_message
		FROM ingestion_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListIngestionRuns: %w", err)
	}
	defer rows.Close()

	var out []*domain.IngestionRun
	for rows.Next() {
		var (
			run                                 domain.IngestionRun
			startedAt, status, wStart, wEnd     string
			finishedAt, errMsg                  sql.NullString
		)
		if err := rows.Scan(&run.RunID, &startedAt, &finishedAt, &status, &wStart, &wEnd,
			&run.TotalCount, &run.Fetched, &run.Upserted, &run.Skipped, &run.Truncated, &errMsg); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: %w", err)
		}
		if run.StartedAt, err = time.Parse(tsParseLayout, startedAt); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: started_at: %w", err)
		}
		run.FinishedAt = parseTime(finishedAt)
		run.Status = domain.IngestionRunStatus(status)
		if run.WindowStart, err = civil.ParseDate(wStart); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: window_start: %w", err)
		}
		if run.WindowEnd, err = civil.ParseDate(wEnd); err != nil {
			return nil, fmt.Errorf("ListIngestionRuns: window_end: %w", err)
		}
		run.ErrorMessage = errMsg.String
		out = append(out, &run)
	}
	return out, rows.Err()
}

// QueryView returns every row of a table or view. A "schema.view" name
// refers to an attached database.
func (s *Store) QueryView(ctx context.Context, name string) (*storage.Table, error) {
	if err := storage.ValidateViewName(name); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(name))
	if err != nil {
		return nil, fmt.Errorf("QueryView %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("QueryView %s: %w", name, err)
	}
	t := &storage.Table{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("QueryView %s: %w", name, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		t.Rows = append(t.Rows, vals)
	}
	return t, rows.Err()
}

func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(tsLayout)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(tsParseLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func jsonText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
