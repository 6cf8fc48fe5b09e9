package monarch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ref is an {id, name} sub-record such as a category.
type Ref struct {
	ID   *string `json:"id"`
	Name *string `json:"name"`
}

type Account struct {
	ID          *string `json:"id"`
	DisplayName *string `json:"displayName"`
}

type Merchant struct {
	ID                *string `json:"id"`
	Name              *string `json:"name"`
	TransactionsCount *int64  `json:"transactionsCount"`
}

// Transaction is one record as returned by the remote service. Every field
// may be absent; Raw always holds the exact bytes received.
type Transaction struct {
	ID     *string          `json:"id"`
	Date   *string          `json:"date"`
	Amount *decimal.Decimal `json:"amount"`

	Account  *Account  `json:"account"`
	Merchant *Merchant `json:"merchant"`
	Category *Ref      `json:"category"`

	Pending            *bool `json:"pending"`
	IsTransfer         *bool `json:"isTransfer"`
	IsSplitTransaction *bool `json:"isSplitTransaction"`
	IsRecurring        *bool `json:"isRecurring"`
	HideFromReports    *bool `json:"hideFromReports"`
	NeedsReview        *bool `json:"needsReview"`

	ReviewStatus *string `json:"reviewStatus"`
	ReviewedAt   *string `json:"reviewedAt"`
	PlaidName    *string `json:"plaidName"`
	Notes        *string `json:"notes"`
	CreatedAt    *string `json:"createdAt"`
	UpdatedAt    *string `json:"updatedAt"`

	Tags        json.RawMessage `json:"tags"`
	Attachments json.RawMessage `json:"attachments"`

	Raw json.RawMessage `json:"-"`

	decodeErr error
}

// UnmarshalJSON never fails on a well-formed JSON object. The identity
// trio (id, date, amount) is decoded strictly and a type mismatch there is
// reported through DecodeErr. Every other field is decoded tolerantly: a
// value of the wrong type is left nil and the record stays usable. Raw
// always keeps the bytes received.
func (t *Transaction) UnmarshalJSON(b []byte) error {
	raw := append(json.RawMessage(nil), b...)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		if !json.Valid(b) {
			return err
		}
		*t = Transaction{Raw: raw, decodeErr: fmt.Errorf("transaction is not an object: %w", err)}
		return nil
	}

	*t = Transaction{Raw: raw}
	t.decodeErr = errors.Join(
		strictField(fields, "id", &t.ID),
		strictField(fields, "date", &t.Date),
		strictField(fields, "amount", &t.Amount),
	)

	t.Account = optAccount(fields["account"])
	t.Merchant = optMerchant(fields["merchant"])
	t.Category = optRef(fields["category"])

	t.Pending = optBool(fields["pending"])
	t.IsTransfer = optBool(fields["isTransfer"])
	t.IsSplitTransaction = optBool(fields["isSplitTransaction"])
	t.IsRecurring = optBool(fields["isRecurring"])
	t.HideFromReports = optBool(fields["hideFromReports"])
	t.NeedsReview = optBool(fields["needsReview"])

	t.ReviewStatus = optString(fields["reviewStatus"])
	t.ReviewedAt = optString(fields["reviewedAt"])
	t.PlaidName = optString(fields["plaidName"])
	t.Notes = optString(fields["notes"])
	t.CreatedAt = optString(fields["createdAt"])
	t.UpdatedAt = optString(fields["updatedAt"])

	t.Tags = fields["tags"]
	t.Attachments = fields["attachments"]
	return nil
}

// MarshalJSON returns the original bytes when known.
func (t Transaction) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	type alias Transaction
	return json.Marshal(alias(t))
}

// DecodeErr is non-nil when one of id, date or amount had an unexpected
// type or the record was not an object.
func (t *Transaction) DecodeErr() error { return t.decodeErr }

// strictField leaves *dst nil when the field is absent, null or mistyped.
func strictField[T any](fields map[string]json.RawMessage, name string, dst **T) error {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	var v *T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	*dst = v
	return nil
}

func optString(v json.RawMessage) *string {
	var s *string
	if len(v) == 0 || json.Unmarshal(v, &s) != nil {
		return nil
	}
	return s
}

func optBool(v json.RawMessage) *bool {
	var b *bool
	if len(v) == 0 || json.Unmarshal(v, &b) != nil {
		return nil
	}
	return b
}

// optInt64 accepts any integral JSON number, including forms such as 3.0
// or 3e0.
func optInt64(v json.RawMessage) *int64 {
	var n json.Number
	if len(v) == 0 || json.Unmarshal(v, &n) != nil || n == "" {
		return nil
	}
	if i, err := n.Int64(); err == nil {
		return &i
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil || !d.IsInteger() {
		return nil
	}
	i := d.IntPart()
	return &i
}

func optObject(v json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if len(v) == 0 || json.Unmarshal(v, &m) != nil {
		return nil
	}
	return m
}

func optRef(v json.RawMessage) *Ref {
	m := optObject(v)
	if m == nil {
		return nil
	}
	return &Ref{ID: optString(m["id"]), Name: optString(m["name"])}
}

func optAccount(v json.RawMessage) *Account {
	m := optObject(v)
	if m == nil {
		return nil
	}
	return &Account{ID: optString(m["id"]), DisplayName: optString(m["displayName"])}
}

func optMerchant(v json.RawMessage) *Merchant {
	m := optObject(v)
	if m == nil {
		return nil
	}
	return &Merchant{
		ID:                optString(m["id"]),
		Name:              optString(m["name"]),
		TransactionsCount: optInt64(m["transactionsCount"]),
	}
}

// TransactionPage is one slice of a paginated listing.
type TransactionPage struct {
	Results    []Transaction `json:"results"`
	TotalCount int           `json:"totalCount"`
}

// TransactionQuery selects a page of transactions in a date window.
// Dates are ISO-8601 calendar dates, both bounds inclusive.
type TransactionQuery struct {
	StartDate string
	EndDate   string
	Offset    int
	Limit     int
}

// LoginRequest carries the identity and a one-time second-factor code.
type LoginRequest struct {
	Email    string
	Password string
	TOTP     string
}
