package bigquery

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/domain"
)

func bqRow(id, amount string) *domain.TransactionRow {
	return &domain.TransactionRow{
		TransactionID: id,
		TxnDate:       civil.Date{Year: 2024, Month: time.May, Day: 2},
		Amount:        decimal.RequireFromString(amount),
		RawJSON:       json.RawMessage(`{"id":"` + id + `"}`),
	}
}

func TestToMergeRow(t *testing.T) {
	name := "Cafe"
	pending := false
	reviewed := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	row := bqRow("t1", "-12.30")
	row.MerchantName = &name
	row.IsPending = &pending
	row.ReviewedAt = &reviewed
	row.Tags = json.RawMessage(`[{"id":"a"}]`)

	m := toMergeRow(row)
	assert.Equal(t, "t1", m.TransactionID)
	assert.Equal(t, 0, m.Amount.Cmp(big.NewRat(-123, 10)))
	assert.Equal(t, bigquery.NullString{StringVal: "Cafe", Valid: true}, m.MerchantName)
	assert.False(t, m.AccountID.Valid)
	assert.Equal(t, bigquery.NullBool{Bool: false, Valid: true}, m.IsPending, "explicit false is not null")
	assert.True(t, m.ReviewedAt.Valid)
	assert.Equal(t, `[{"id":"a"}]`, m.Tags.StringVal)
	assert.False(t, m.Attachments.Valid)
	assert.Equal(t, `{"id":"t1"}`, m.RawJSON)
}

func TestTransactionRowToDomain(t *testing.T) {
	ingested := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)
	r := TransactionRow{
		TransactionID: "t1",
		TxnDate:       civil.Date{Year: 2024, Month: time.May, Day: 2},
		Amount:        "0",
		CategoryName:  bigquery.NullString{StringVal: "Groceries", Valid: true},
		NeedsReview:   true,
		Attachments:   bigquery.NullString{StringVal: `[]`, Valid: true},
		IngestedAt:    ingested,
		RawJSON:       `{"id":"t1"}`,
	}

	got, err := r.toDomain()
	require.NoError(t, err)
	assert.True(t, got.Amount.IsZero())
	assert.Equal(t, "Groceries", *got.CategoryName)
	assert.Nil(t, got.MerchantName)
	assert.Nil(t, got.IsPending)
	assert.Nil(t, got.Tags)
	assert.Equal(t, json.RawMessage(`[]`), got.Attachments)
	assert.True(t, got.NeedsReview)
	assert.Equal(t, ingested, got.IngestedAt)

	r.Amount = "abc"
	_, err = r.toDomain()
	assert.Error(t, err)
}

func TestDedupeLast(t *testing.T) {
	first := bqRow("a", "1")
	second := bqRow("b", "2")
	again := bqRow("a", "3")

	out := dedupeLast([]*domain.TransactionRow{first, second, again})
	require.Len(t, out, 2)
	assert.Same(t, second, out[0])
	assert.Same(t, again, out[1], "the later record wins")

	unique := []*domain.TransactionRow{first, second}
	assert.Equal(t, unique, dedupeLast(unique))
}

func TestIngestionRunRowToDomain(t *testing.T) {
	started := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	r := IngestionRunRow{
		RunID:       "r1",
		StartedTS:   started,
		Status:      "SUCCESS",
		WindowStart: civil.Date{Year: 2024, Month: time.February, Day: 1},
		WindowEnd:   civil.Date{Year: 2024, Month: time.May, Day: 1},
		Fetched:     bigquery.NullInt64{Int64: 237, Valid: true},
		Upserted:    bigquery.NullInt64{Int64: 236, Valid: true},
		Skipped:     bigquery.NullInt64{Int64: 1, Valid: true},
	}

	run := r.toDomain()
	assert.Equal(t, domain.IngestionRunSucceeded, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Equal(t, 236, run.Upserted)
	assert.Zero(t, run.TotalCount)
	assert.Empty(t, run.ErrorMessage)
}

func TestViewRef(t *testing.T) {
	ds := Dataset{ProjectID: "p", DatasetID: "monarch"}
	assert.Equal(t, "`p.monarch.transactions`", ds.table("transactions"))
	assert.Equal(t, "`p.monarch.colin_monthly_spend`", viewRef(ds, "colin_monthly_spend"))
	assert.Equal(t, "`p.mart.colin_monthly_spend`", viewRef(ds, "mart.colin_monthly_spend"))
}

func TestPlainValue(t *testing.T) {
	assert.True(t, decimal.RequireFromString("12.5").Equal(plainValue(big.NewRat(25, 2)).(decimal.Decimal)))
	assert.Equal(t, "2024-05-02", plainValue(civil.Date{Year: 2024, Month: time.May, Day: 2}))
	assert.Equal(t, int64(3), plainValue(int64(3)))
	assert.Nil(t, plainValue(nil))
}
