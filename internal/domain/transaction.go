package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// TransactionRow is the flattened, typed projection of one aggregator
// transaction as it is persisted. There is exactly one row per
// TransactionID; re-ingesting the same ID overwrites every other column.
//
// Pointer fields are nullable columns. The flag fields without pointers
// default to false when the source omits them.
type TransactionRow struct {
	TransactionID string          `json:"transaction_id"`
	TxnDate       civil.Date      `json:"txn_date"`
	Amount        decimal.Decimal `json:"amount"`

	AccountID   *string `json:"account_id,omitempty"`
	AccountName *string `json:"account_name,omitempty"`

	MerchantID               *string `json:"merchant_id,omitempty"`
	MerchantName             *string `json:"merchant_name,omitempty"`
	MerchantTransactionCount *int64  `json:"merchant_transaction_count,omitempty"`

	CategoryID   *string `json:"category_id,omitempty"`
	CategoryName *string `json:"category_name,omitempty"`

	IsPending          *bool `json:"is_pending,omitempty"`
	IsTransfer         bool  `json:"is_transfer"`
	IsSplitTransaction bool  `json:"is_split_transaction"`
	IsRecurring        bool  `json:"is_recurring"`
	HideFromReports    bool  `json:"hide_from_reports"`
	NeedsReview        bool  `json:"needs_review"`

	ReviewStatus *string    `json:"review_status,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	PlaidName    *string    `json:"plaid_name,omitempty"`

	// Tags and Attachments hold the source sub-record arrays as JSON, or nil
	// when the source had none.
	Tags        json.RawMessage `json:"tags,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`

	Notes     *string    `json:"notes,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// IngestedAt is assigned by the store on every write.
	IngestedAt time.Time `json:"ingested_at"`

	// RawJSON is the complete source record, stored verbatim.
	RawJSON json.RawMessage `json:"raw_json"`
}

// DateRange is an inclusive window of calendar dates.
type DateRange struct {
	Start civil.Date
	End   civil.Date
}

// WindowEndingOn returns the range [end - daysBack, end].
func WindowEndingOn(end civil.Date, daysBack int) DateRange {
	return DateRange{Start: end.AddDays(-daysBack), End: end}
}

// Validate checks that both bounds are valid dates and Start <= End.
func (r DateRange) Validate() error {
	if !r.Start.IsValid() || !r.End.IsValid() {
		return fmt.Errorf("invalid date range %s..%s", r.Start, r.End)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("end date %s is before start date %s", r.End, r.Start)
	}
	return nil
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// IngestionRunStatus is the lifecycle state of one pipeline run.
type IngestionRunStatus string

const (
	IngestionRunRunning   IngestionRunStatus = "RUNNING"
	IngestionRunSucceeded IngestionRunStatus = "SUCCESS"
	IngestionRunFailed    IngestionRunStatus = "FAILED"
)

// IngestionRun records the accounting of one pipeline run.
type IngestionRun struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Status     IngestionRunStatus `json:"status"`

	WindowStart civil.Date `json:"window_start"`
	WindowEnd   civil.Date `json:"window_end"`

	TotalCount int  `json:"total_count"`
	Fetched    int  `json:"fetched"`
	Upserted   int  `json:"upserted"`
	Skipped    int  `json:"skipped"`
	Truncated  bool `json:"truncated"`

	ErrorMessage string `json:"error_message,omitempty"`
}
