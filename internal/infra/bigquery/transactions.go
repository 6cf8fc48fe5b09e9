package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/txsync/internal/domain"
)

// mergeRow is one element of the ARRAY<STRUCT> parameter fed to MERGE.
// JSON columns travel as strings and are parsed server-side.
type mergeRow struct {
	TransactionID            string                 `bigquery:"transaction_id"`
	TxnDate                  civil.Date             `bigquery:"txn_date"`
	Amount                   *big.Rat               `bigquery:"amount"`
	AccountID                bigquery.NullString    `bigquery:"account_id"`
	AccountName              bigquery.NullString    `bigquery:"account_name"`
	MerchantID               bigquery.NullString    `bigquery:"merchant_id"`
	MerchantName             bigquery.NullString    `bigquery:"merchant_name"`
	MerchantTransactionCount bigquery.NullInt64     `bigquery:"merchant_transaction_count"`
	CategoryID               bigquery.NullString    `bigquery:"category_id"`
	CategoryName             bigquery.NullString    `bigquery:"category_name"`
	IsPending                bigquery.NullBool      `bigquery:"is_pending"`
	IsTransfer               bool                   `bigquery:"is_transfer"`
	IsSplitTransaction       bool                   `bigquery:"is_split_transaction"`
	IsRecurring              bool                   `bigquery:"is_recurring"`
	HideFromReports          bool                   `bigquery:"hide_from_reports"`
	NeedsReview              bool                   `bigquery:"needs_review"`
	ReviewStatus             bigquery.NullString    `bigquery:"review_status"`
	ReviewedAt               bigquery.NullTimestamp `bigquery:"reviewed_at"`
	PlaidName                bigquery.NullString    `bigquery:"plaid_name"`
	Tags                     bigquery.NullString    `bigquery:"tags"`
	Attachments              bigquery.NullString    `bigquery:"attachments"`
	Notes                    bigquery.NullString    `bigquery:"notes"`
	CreatedAt                bigquery.NullTimestamp `bigquery:"created_at"`
	UpdatedAt                bigquery.NullTimestamp `bigquery:"updated_at"`
	RawJSON                  string                 `bigquery:"raw_json"`
}

// TransactionRow is a transaction as read back from BigQuery. Amount and
// the JSON columns are selected as strings.
type TransactionRow struct {
	TransactionID            string                 `bigquery:"transaction_id"`
	TxnDate                  civil.Date             `bigquery:"txn_date"`
	Amount                   string                 `bigquery:"amount"`
	AccountID                bigquery.NullString    `bigquery:"account_id"`
	AccountName              bigquery.NullString    `bigquery:"account_name"`
	MerchantID               bigquery.NullString    `bigquery:"merchant_id"`
	MerchantName             bigquery.NullString    `bigquery:"merchant_name"`
	MerchantTransactionCount bigquery.NullInt64     `bigquery:"merchant_transaction_count"`
	CategoryID               bigquery.NullString    `bigquery:"category_id"`
	CategoryName             bigquery.NullString    `bigquery:"category_name"`
	IsPending                bigquery.NullBool      `bigquery:"is_pending"`
	IsTransfer               bool                   `bigquery:"is_transfer"`
	IsSplitTransaction       bool                   `bigquery:"is_split_transaction"`
	IsRecurring              bool                   `bigquery:"is_recurring"`
	HideFromReports          bool                   `bigquery:"hide_from_reports"`
	NeedsReview              bool                   `bigquery:"needs_review"`
	ReviewStatus             bigquery.NullString    `bigquery:"review_status"`
	ReviewedAt               bigquery.NullTimestamp `bigquery:"reviewed_at"`
	PlaidName                bigquery.NullString    `bigquery:"plaid_name"`
	Tags                     bigquery.NullString    `bigquery:"tags"`
	Attachments              bigquery.NullString    `bigquery:"attachments"`
	Notes                    bigquery.NullString    `bigquery:"notes"`
	CreatedAt                bigquery.NullTimestamp `bigquery:"created_at"`
	UpdatedAt                bigquery.NullTimestamp `bigquery:"updated_at"`
	IngestedAt               time.Time              `bigquery:"ingested_at"`
	RawJSON                  string                 `bigquery:"raw_json"`
}

func toMergeRow(r *domain.TransactionRow) mergeRow {
	return mergeRow{
		TransactionID:            r.TransactionID,
		TxnDate:                  r.TxnDate,
		Amount:                   r.Amount.Rat(),
		AccountID:                nullString(r.AccountID),
		AccountName:              nullString(r.AccountName),
		MerchantID:               nullString(r.MerchantID),
		MerchantName:             nullString(r.MerchantName),
		MerchantTransactionCount: nullInt64(r.MerchantTransactionCount),
		CategoryID:               nullString(r.CategoryID),
		CategoryName:             nullString(r.CategoryName),
		IsPending:                nullBool(r.IsPending),
		IsTransfer:               r.IsTransfer,
		IsSplitTransaction:       r.IsSplitTransaction,
		IsRecurring:              r.IsRecurring,
		HideFromReports:          r.HideFromReports,
		NeedsReview:              r.NeedsReview,
		ReviewStatus:             nullString(r.ReviewStatus),
		ReviewedAt:               nullTimestamp(r.ReviewedAt),
		PlaidName:                nullString(r.PlaidName),
		Tags:                     nullJSON(r.Tags),
		Attachments:              nullJSON(r.Attachments),
		Notes:                    nullString(r.Notes),
		CreatedAt:                nullTimestamp(r.CreatedAt),
		UpdatedAt:                nullTimestamp(r.UpdatedAt),
		RawJSON:                  string(r.RawJSON),
	}
}

func (t *TransactionRow) toDomain() (*domain.TransactionRow, error) {
	amount, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: amount %q: %w", t.TransactionID, t.Amount, err)
	}
	r := &domain.TransactionRow{
		TransactionID:            t.TransactionID,
		TxnDate:                  t.TxnDate,
		Amount:                   amount,
		AccountID:                stringPtr(t.AccountID),
		AccountName:              stringPtr(t.AccountName),
		MerchantID:               stringPtr(t.MerchantID),
		MerchantName:             stringPtr(t.MerchantName),
		MerchantTransactionCount: int64Ptr(t.MerchantTransactionCount),
		CategoryID:               stringPtr(t.CategoryID),
		CategoryName:             stringPtr(t.CategoryName),
		IsPending:                boolPtr(t.IsPending),
		IsTransfer:               t.IsTransfer,
		IsSplitTransaction:       t.IsSplitTransaction,
		IsRecurring:              t.IsRecurring,
		HideFromReports:          t.HideFromReports,
		NeedsReview:              t.NeedsReview,
		ReviewStatus:             stringPtr(t.ReviewStatus),
		ReviewedAt:               timePtr(t.ReviewedAt),
		PlaidName:                stringPtr(t.PlaidName),
		Notes:                    stringPtr(t.Notes),
		CreatedAt:                timePtr(t.CreatedAt),
		UpdatedAt:                timePtr(t.UpdatedAt),
		IngestedAt:               t.IngestedAt,
		RawJSON:                  json.RawMessage(t.RawJSON),
	}
	if t.Tags.Valid {
		r.Tags = json.RawMessage(t.Tags.StringVal)
	}
	if t.Attachments.Valid {
		r.Attachments = json.RawMessage(t.Attachments.StringVal)
	}
	return r, nil
}

// dedupeLast keeps the last occurrence of each transaction id, since MERGE
// rejects a target row matched by more than one source row.
func dedupeLast(rows []*domain.TransactionRow) []*domain.TransactionRow {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.TransactionID] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([]*domain.TransactionRow, 0, len(last))
	for i, r := range rows {
		if last[r.TransactionID] == i {
			out = append(out, r)
		}
	}
	return out
}

func nullString(s *string) bigquery.NullString {
	if s == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

func nullInt64(n *int64) bigquery.NullInt64 {
	if n == nil {
		return bigquery.NullInt64{}
	}
	return bigquery.NullInt64{Int64: *n, Valid: true}
}

func nullBool(b *bool) bigquery.NullBool {
	if b == nil {
		return bigquery.NullBool{}
	}
	return bigquery.NullBool{Bool: *b, Valid: true}
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func nullJSON(raw json.RawMessage) bigquery.NullString {
	if len(raw) == 0 {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: string(raw), Valid: true}
}

func stringPtr(ns bigquery.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.StringVal
	return &s
}

func int64Ptr(n bigquery.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolPtr(b bigquery.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

func timePtr(t bigquery.NullTimestamp) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Timestamp
	return &v
}
