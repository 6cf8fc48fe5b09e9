package pipeline

import (
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/monarch"
)

// RejectReason says why a remote record was not persisted.
type RejectReason string

const (
	RejectMissingID     RejectReason = "missing_id"
	RejectMissingDate   RejectReason = "missing_date"
	RejectInvalidDate   RejectReason = "invalid_date"
	RejectMissingAmount RejectReason = "missing_amount"
	RejectUndecodable   RejectReason = "undecodable"
)

// Rejection describes one skipped record. TransactionID may be empty.
type Rejection struct {
	TransactionID string       `json:"transaction_id,omitempty"`
	Reason        RejectReason `json:"reason"`
	Detail        string       `json:"detail,omitempty"`
}

// FetchResult is everything one FetchAll call gathered.
type FetchResult struct {
	Transactions []monarch.Transaction
	// TotalCount is the total reported with the first page.
	TotalCount  int
	Pages       int
	AuthRetries int
	// Truncated is set when an empty page arrived before TotalCount records
	// were accumulated.
	Truncated bool
}

// Summary is the user-visible outcome of one run.
type Summary struct {
	RunID       string           `json:"run_id"`
	Window      domain.DateRange `json:"-"`
	TotalCount  int              `json:"total_count"`
	Fetched     int              `json:"fetched"`
	Upserted    int              `json:"upserted"`
	Skipped     int              `json:"skipped"`
	Truncated   bool             `json:"truncated"`
	AuthRetries int              `json:"auth_retries"`
	Rejections  []Rejection      `json:"rejections,omitempty"`
}
