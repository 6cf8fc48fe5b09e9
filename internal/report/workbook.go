// Package report exports stored transactions and reporting views to an
// xlsx workbook and, optionally, to Google Sheets and Cloud Storage.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/storage"
)

// TransactionsSheet is the name of the sheet holding the raw rows.
const TransactionsSheet = "transactions"

// ExcludedMerchant is the placeholder merchant of manual test rows.
const ExcludedMerchant = "Test Merchant"

var transactionColumns = []string{
	"txn_date",
	"amount",
	"merchant_name",
	"category_name",
	"account_name",
	"notes",
	"is_pending",
	"is_split_transaction",
	"is_recurring",
	"needs_review",
	"review_status",
	"plaid_name",
	"updated_at",
}

// Sheet is one tab of a workbook. Cells hold nil, string, bool, integer,
// float, decimal.Decimal or time.Time values.
type Sheet struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// Workbook is an ordered set of sheets.
type Workbook struct {
	Sheets []Sheet
}

// Sheet returns the named sheet, or nil.
func (w *Workbook) Sheet(name string) *Sheet {
	for i := range w.Sheets {
		if w.Sheets[i].Name == name {
			return &w.Sheets[i]
		}
	}
	return nil
}

// Source is the read side of the store a report is built from.
type Source interface {
	QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*domain.TransactionRow, error)
	storage.ViewReader
}

// BuildWorkbook reads the transactions in window, newest first, followed by
// one sheet per view in the order given.
func BuildWorkbook(ctx context.Context, src Source, window domain.DateRange, views []string) (*Workbook, error) {
	rows, err := src.QueryTransactionsByDateRange(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("BuildWorkbook: transactions: %w", err)
	}

	wb := &Workbook{Sheets: []Sheet{transactionsSheet(rows)}}

	for _, view := range views {
		table, err := src.QueryView(ctx, view)
		if err != nil {
			return nil, fmt.Errorf("BuildWorkbook: view %s: %w", view, err)
		}
		wb.Sheets = append(wb.Sheets, Sheet{
			Name:    sheetNameForView(view),
			Columns: table.Columns,
			Rows:    table.Rows,
		})
	}
	return wb, nil
}

func transactionsSheet(rows []*domain.TransactionRow) Sheet {
	s := Sheet{Name: TransactionsSheet, Columns: transactionColumns}
	for _, r := range rows {
		if r.MerchantName != nil && *r.MerchantName == ExcludedMerchant {
			continue
		}
		s.Rows = append(s.Rows, []any{
			r.TxnDate.String(),
			r.Amount,
			str(r.MerchantName),
			str(r.CategoryName),
			str(r.AccountName),
			str(r.Notes),
			boolean(r.IsPending),
			r.IsSplitTransaction,
			r.IsRecurring,
			r.NeedsReview,
			str(r.ReviewStatus),
			str(r.PlaidName),
			timestamp(r.UpdatedAt),
		})
	}
	return s
}

// sheetNameForView drops the schema prefix: mart.colin_monthly_spend
// becomes colin_monthly_spend.
func sheetNameForView(view string) string {
	if i := strings.LastIndex(view, "."); i >= 0 {
		return view[i+1:]
	}
	return view
}

func str(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolean(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func timestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
