// Package storage defines the repository contracts shared by every durable
// backend. Implementations live under internal/infra.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/dvloznov/txsync/internal/domain"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// TransactionRepository provides transaction persistence.
type TransactionRepository interface {
	// UpsertTransactions inserts or fully overwrites each row keyed by
	// transaction_id and refreshes ingested_at. The batch is atomic: either
	// every row is written or none is. It returns the number of rows written.
	UpsertTransactions(ctx context.Context, rows []*domain.TransactionRow) (int, error)

	// QueryTransactionsByDateRange returns rows with txn_date in the inclusive
	// range, newest first.
	QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*domain.TransactionRow, error)

	// GetTransaction returns one row or ErrNotFound.
	GetTransaction(ctx context.Context, transactionID string) (*domain.TransactionRow, error)

	// CountTransactions returns the number of rows in the inclusive range.
	CountTransactions(ctx context.Context, r domain.DateRange) (int, error)
}

// RunRepository records the accounting of each pipeline run.
type RunRepository interface {
	// StartIngestionRun inserts a run with status RUNNING and returns its id.
	StartIngestionRun(ctx context.Context, window domain.DateRange) (string, error)

	// MarkIngestionRunSucceeded stores the final counts with status SUCCESS.
	MarkIngestionRunSucceeded(ctx context.Context, run *domain.IngestionRun) error

	// MarkIngestionRunFailed sets status FAILED and the error message. It is
	// best effort and only logs its own failures.
	MarkIngestionRunFailed(ctx context.Context, runID string, runErr error)

	// ListIngestionRuns returns the most recent runs first.
	ListIngestionRuns(ctx context.Context, limit int) ([]*domain.IngestionRun, error)
}

// Table is a generic tabular result, used for report views.
type Table struct {
	Columns []string
	Rows    [][]any
}

// ViewReader reads a whole view or table for reporting.
type ViewReader interface {
	QueryView(ctx context.Context, name string) (*Table, error)
}

// Repository is everything a backend provides.
type Repository interface {
	TransactionRepository
	RunRepository
	ViewReader

	// EnsureSchema creates missing tables. It never alters existing ones.
	EnsureSchema(ctx context.Context) error
	Close() error
}

// MaxErrorMessageLen caps the error message stored on a failed run.
const MaxErrorMessageLen = 2000

// TruncateError renders err for storage.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxErrorMessageLen {
		msg = msg[:MaxErrorMessageLen]
	}
	return msg
}

var viewNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateViewName accepts "view" or "schema.view" made of identifier
// characters only, since the name is interpolated into SQL.
func ValidateViewName(name string) error {
	if !viewNameRe.MatchString(name) {
		return fmt.Errorf("storage: invalid view name %q", name)
	}
	return nil
}
