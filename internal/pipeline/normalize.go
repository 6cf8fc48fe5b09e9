package pipeline

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/monarch"
)

// Normalize maps one remote record to a storable row. It has no side
// effects. Exactly one of the results is non-nil.
func Normalize(tx *monarch.Transaction) (*domain.TransactionRow, *Rejection) {
	id := ""
	if tx.ID != nil {
		id = strings.TrimSpace(*tx.ID)
	}

	if err := tx.DecodeErr(); err != nil {
		return nil, &Rejection{TransactionID: id, Reason: RejectUndecodable, Detail: err.Error()}
	}
	if id == "" {
		return nil, &Rejection{Reason: RejectMissingID}
	}
	if tx.Date == nil || strings.TrimSpace(*tx.Date) == "" {
		return nil, &Rejection{TransactionID: id, Reason: RejectMissingDate}
	}
	date, err := civil.ParseDate(strings.TrimSpace(*tx.Date))
	if err != nil {
		return nil, &Rejection{TransactionID: id, Reason: RejectInvalidDate, Detail: *tx.Date}
	}
	// A zero amount is a real transaction; only an absent one is rejected.
	if tx.Amount == nil {
		return nil, &Rejection{TransactionID: id, Reason: RejectMissingAmount}
	}

	row := &domain.TransactionRow{
		TransactionID: id,
		TxnDate:       date,
		Amount:        *tx.Amount,

		IsPending:          tx.Pending,
		IsTransfer:         boolOrFalse(tx.IsTransfer),
		IsSplitTransaction: boolOrFalse(tx.IsSplitTransaction),
		IsRecurring:        boolOrFalse(tx.IsRecurring),
		HideFromReports:    boolOrFalse(tx.HideFromReports),
		NeedsReview:        boolOrFalse(tx.NeedsReview),

		ReviewStatus: tx.ReviewStatus,
		ReviewedAt:   parseTimestamp(tx.ReviewedAt),
		PlaidName:    tx.PlaidName,
		Notes:        tx.Notes,
		CreatedAt:    parseTimestamp(tx.CreatedAt),
		UpdatedAt:    parseTimestamp(tx.UpdatedAt),

		Tags:        nonEmptyArray(tx.Tags),
		Attachments: nonEmptyArray(tx.Attachments),

		RawJSON: rawOf(tx),
	}

	if a := tx.Account; a != nil {
		row.AccountID = a.ID
		row.AccountName = a.DisplayName
	}
	if m := tx.Merchant; m != nil {
		row.MerchantID = m.ID
		row.MerchantName = m.Name
		row.MerchantTransactionCount = m.TransactionsCount
	}
	if c := tx.Category; c != nil {
		row.CategoryID = c.ID
		row.CategoryName = c.Name
	}

	return row, nil
}

// NormalizeBatch normalizes every record, keeping input order for the rows.
func NormalizeBatch(txs []monarch.Transaction) ([]*domain.TransactionRow, []Rejection) {
	rows := make([]*domain.TransactionRow, 0, len(txs))
	var rejections []Rejection
	for i := range txs {
		row, rej := Normalize(&txs[i])
		if rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		rows = append(rows, row)
	}
	return rows, rejections
}

func boolOrFalse(b *bool) bool {
	return b != nil && *b
}

// unparsedTimestamps names the timestamp fields of tx that carry a value
// Normalize had to drop because it is not RFC 3339.
func unparsedTimestamps(tx *monarch.Transaction) []string {
	var fields []string
	for _, f := range []struct {
		name string
		val  *string
	}{
		{"reviewedAt", tx.ReviewedAt},
		{"createdAt", tx.CreatedAt},
		{"updatedAt", tx.UpdatedAt},
	} {
		if f.val != nil && strings.TrimSpace(*f.val) != "" && parseTimestamp(f.val) == nil {
			fields = append(fields, f.name)
		}
	}
	return fields
}

func parseTimestamp(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*s))
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// nonEmptyArray returns nil for an absent, null or empty JSON array.
func nonEmptyArray(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err == nil && len(items) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), trimmed...)
}

func rawOf(tx *monarch.Transaction) json.RawMessage {
	if len(tx.Raw) > 0 {
		return tx.Raw
	}
	b, err := json.Marshal(tx)
	if err != nil {
		return nil
	}
	return b
}
