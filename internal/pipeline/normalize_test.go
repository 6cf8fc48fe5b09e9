package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/monarch"
)

func decodeTx(t *testing.T, raw string) monarch.Transaction {
	t.Helper()
	var tx monarch.Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &tx))
	return tx
}

func TestNormalize_FullRecord(t *testing.T) {
	tx := decodeTx(t, `{
		"id": "t1", "date": "2024-03-05", "amount": -42.17,
		"account": {"id": "a1", "displayName": "Joint Checking"},
		"merchant": {"id": "m1", "name": "Grocer", "transactionsCount": 31},
		"category": {"id": "c1", "name": "Groceries"},
		"pending": false, "isRecurring": true, "needsReview": null,
		"reviewStatus": "reviewed", "reviewedAt": "2024-03-06T10:00:00.123+02:00",
		"plaidName": "GROCER #12", "notes": "weekly shop",
		"createdAt": "2024-03-05T08:00:00Z", "updatedAt": "not a timestamp",
		"tags": [{"id": "tg1", "name": "Household"}], "attachments": []
	}`)

	row, rej := Normalize(&tx)
	require.Nil(t, rej)
	require.NotNil(t, row)

	assert.Equal(t, "t1", row.TransactionID)
	assert.Equal(t, "2024-03-05", row.TxnDate.String())
	assert.Equal(t, "-42.17", row.Amount.String())
	assert.Equal(t, "Joint Checking", *row.AccountName)
	assert.Equal(t, "Grocer", *row.MerchantName)
	assert.EqualValues(t, 31, *row.MerchantTransactionCount)
	assert.Equal(t, "Groceries", *row.CategoryName)

	require.NotNil(t, row.IsPending)
	assert.False(t, *row.IsPending)
	assert.True(t, row.IsRecurring)
	assert.False(t, row.NeedsReview, "null flags default to false")
	assert.False(t, row.IsTransfer, "absent flags default to false")

	require.NotNil(t, row.ReviewedAt)
	assert.Equal(t, time.UTC, row.ReviewedAt.Location())
	assert.Equal(t, 8, row.ReviewedAt.Hour())
	assert.NotNil(t, row.CreatedAt)
	assert.Nil(t, row.UpdatedAt, "unparseable timestamps become null")

	assert.JSONEq(t, `[{"id": "tg1", "name": "Household"}]`, string(row.Tags))
	assert.Nil(t, row.Attachments, "empty arrays are stored as null")
	assert.Contains(t, string(row.RawJSON), `"plaidName": "GROCER #12"`)
}

func TestNormalize_ZeroAmountIsKept(t *testing.T) {
	tx := decodeTx(t, `{"id": "t0", "date": "2024-03-05", "amount": 0}`)
	row, rej := Normalize(&tx)
	require.Nil(t, rej)
	assert.True(t, row.Amount.IsZero())
}

func TestNormalize_MissingMerchantLeavesNulls(t *testing.T) {
	tx := decodeTx(t, `{"id": "t1", "date": "2024-03-05", "amount": 3, "merchant": null}`)
	row, rej := Normalize(&tx)
	require.Nil(t, rej)
	assert.Nil(t, row.MerchantID)
	assert.Nil(t, row.MerchantName)
	assert.Nil(t, row.MerchantTransactionCount)
	assert.Nil(t, row.AccountID)
	assert.Nil(t, row.IsPending, "pending stays null when absent")
}

func TestNormalize_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason RejectReason
		id     string
	}{
		{"missing id", `{"date": "2024-03-05", "amount": 1}`, RejectMissingID, ""},
		{"blank id", `{"id": "  ", "date": "2024-03-05", "amount": 1}`, RejectMissingID, ""},
		{"missing date", `{"id": "t1", "amount": 1}`, RejectMissingDate, "t1"},
		{"null date", `{"id": "t1", "date": null, "amount": 1}`, RejectMissingDate, "t1"},
		{"invalid date", `{"id": "t1", "date": "2024-02-30", "amount": 1}`, RejectInvalidDate, "t1"},
		{"not a date", `{"id": "t1", "date": "yesterday", "amount": 1}`, RejectInvalidDate, "t1"},
		{"missing amount", `{"id": "t1", "date": "2024-03-05"}`, RejectMissingAmount, "t1"},
		{"mistyped amount", `{"id": "t1", "date": "2024-03-05", "amount": {}}`, RejectUndecodable, "t1"},
		{"mistyped date", `{"id": "t1", "date": 20240305, "amount": 1}`, RejectUndecodable, "t1"},
		{"mistyped id", `{"id": 7, "date": "2024-03-05", "amount": 1}`, RejectUndecodable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := decodeTx(t, tt.raw)
			row, rej := Normalize(&tx)
			assert.Nil(t, row)
			require.NotNil(t, rej)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.id, rej.TransactionID)
		})
	}
}

func TestNormalize_MistypedOptionalFieldsAreTolerated(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, row *domain.TransactionRow)
	}{
		{
			name: "merchant is a string",
			raw:  `{"id": "t1", "date": "2024-03-05", "amount": 1, "merchant": "Coffee Shop"}`,
			check: func(t *testing.T, row *domain.TransactionRow) {
				assert.Nil(t, row.MerchantID)
				assert.Nil(t, row.MerchantName)
			},
		},
		{
			name: "notes is a number",
			raw:  `{"id": "t1", "date": "2024-03-05", "amount": 1, "notes": 42}`,
			check: func(t *testing.T, row *domain.TransactionRow) {
				assert.Nil(t, row.Notes)
			},
		},
		{
			name: "pending is a string",
			raw:  `{"id": "t1", "date": "2024-03-05", "amount": 1, "pending": "yes"}`,
			check: func(t *testing.T, row *domain.TransactionRow) {
				assert.Nil(t, row.IsPending)
			},
		},
		{
			name: "transactionsCount in exponent form",
			raw:  `{"id": "t1", "date": "2024-03-05", "amount": 1, "merchant": {"id": "m1", "name": "Shop", "transactionsCount": 3.0e0}}`,
			check: func(t *testing.T, row *domain.TransactionRow) {
				require.NotNil(t, row.MerchantTransactionCount)
				assert.Equal(t, int64(3), *row.MerchantTransactionCount)
				require.NotNil(t, row.MerchantName)
				assert.Equal(t, "Shop", *row.MerchantName)
			},
		},
		{
			name: "fractional transactionsCount",
			raw:  `{"id": "t1", "date": "2024-03-05", "amount": 1, "merchant": {"id": "m1", "transactionsCount": 2.5}}`,
			check: func(t *testing.T, row *domain.TransactionRow) {
				assert.Nil(t, row.MerchantTransactionCount)
				require.NotNil(t, row.MerchantID)
				assert.Equal(t, "m1", *row.MerchantID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := decodeTx(t, tt.raw)
			require.NoError(t, tx.DecodeErr())
			row, rej := Normalize(&tx)
			require.Nil(t, rej)
			require.NotNil(t, row)
			assert.Equal(t, "t1", row.TransactionID)
			assert.JSONEq(t, tt.raw, string(row.RawJSON))
			tt.check(t, row)
		})
	}
}

func TestUnparsedTimestamps(t *testing.T) {
	tx := decodeTx(t, `{"id": "t1", "date": "2024-03-05", "amount": 1,
		"reviewedAt": "", "createdAt": "2024-03-05T08:00:00Z", "updatedAt": "03/05/2024 08:00"}`)
	assert.Equal(t, []string{"updatedAt"}, unparsedTimestamps(&tx))

	clean := decodeTx(t, `{"id": "t2", "date": "2024-03-05", "amount": 1}`)
	assert.Empty(t, unparsedTimestamps(&clean))
}

func TestNormalizeTransactionsStep_LogsDroppedTimestamps(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.NewWithWriter(&buf).Level(zerolog.DebugLevel))

	state := &PipelineState{Fetch: &FetchResult{Transactions: []monarch.Transaction{
		decodeTx(t, `{"id": "t1", "date": "2024-03-05", "amount": 1, "createdAt": "yesterday"}`),
		decodeTx(t, `{"id": "t2", "date": "2024-03-05", "amount": 1, "createdAt": "2024-03-05T08:00:00Z"}`),
	}}}

	require.NoError(t, (&NormalizeTransactionsStep{}).Execute(ctx, state))
	require.Len(t, state.Rows, 2)
	assert.Nil(t, state.Rows[0].CreatedAt)

	out := buf.String()
	assert.Contains(t, out, "Dropped unparseable timestamps")
	assert.Contains(t, out, `"transaction_id":"t1"`)
	assert.Contains(t, out, "createdAt")
	assert.NotContains(t, out, `"transaction_id":"t2"`)
}

func TestNormalizeBatch(t *testing.T) {
	txs := []monarch.Transaction{
		remoteTx("a", "2024-03-01", "1"),
		remoteTx("b", "", "2"),
		remoteTx("c", "2024-03-03", "3"),
		remoteTx("a", "2024-03-04", "4"),
	}

	rows, rejections := NormalizeBatch(txs)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "c", "a"}, []string{rows[0].TransactionID, rows[1].TransactionID, rows[2].TransactionID})
	require.Len(t, rejections, 1)
	assert.Equal(t, Rejection{TransactionID: "b", Reason: RejectMissingDate}, rejections[0])
}

func TestNormalize_RawFallsBackToEncoding(t *testing.T) {
	tx := remoteTx("a", "2024-03-01", "1.5")
	tx.Pending = boolPtr(true)
	row, rej := Normalize(&tx)
	require.Nil(t, rej)
	assert.Contains(t, string(row.RawJSON), `"id":"a"`)
	assert.Contains(t, string(row.RawJSON), `"pending":true`)
}
