package notionsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/txsync/internal/domain"
)

// Property names of the transactions database.
const (
	PropDescription  = "Description"
	PropTransaction  = "Transaction ID"
	PropDate         = "Date"
	PropAmount       = "Amount"
	PropAccount      = "Account"
	PropMerchant     = "Merchant"
	PropCategory     = "Category"
	PropNotes        = "Notes"
	PropPending      = "Pending"
	PropRecurring    = "Recurring"
	PropNeedsReview  = "Needs Review"
	PropReviewStatus = "Review Status"
	PropUpdatedAt    = "Updated At"
	PropSyncHash     = "Sync Hash"
)

const noMerchant = "(no merchant)"

// TransactionToNotionProperties converts a stored transaction to Notion
// properties. Absent optional values are left out so Notion keeps them
// empty.
func TransactionToNotionProperties(tx *domain.TransactionRow) notionapi.Properties {
	amount, _ := tx.Amount.Float64()
	props := notionapi.Properties{
		PropDescription: notionapi.TitleProperty{Title: richText(description(tx))},
		PropTransaction: notionapi.RichTextProperty{RichText: richText(tx.TransactionID)},
		PropDate: notionapi.DateProperty{
			Date: &notionapi.DateObject{Start: dateOf(tx.TxnDate.In(time.UTC))},
		},
		PropAmount:      notionapi.NumberProperty{Number: amount},
		PropPending:     notionapi.CheckboxProperty{Checkbox: tx.IsPending != nil && *tx.IsPending},
		PropRecurring:   notionapi.CheckboxProperty{Checkbox: tx.IsRecurring},
		PropNeedsReview: notionapi.CheckboxProperty{Checkbox: tx.NeedsReview},
		PropSyncHash:    notionapi.RichTextProperty{RichText: richText(SyncHash(tx))},
	}

	if tx.AccountName != nil && *tx.AccountName != "" {
		props[PropAccount] = notionapi.SelectProperty{Select: notionapi.Option{Name: selectName(*tx.AccountName)}}
	}
	if tx.MerchantName != nil && *tx.MerchantName != "" {
		props[PropMerchant] = notionapi.RichTextProperty{RichText: richText(*tx.MerchantName)}
	}
	if tx.CategoryName != nil && *tx.CategoryName != "" {
		props[PropCategory] = notionapi.SelectProperty{Select: notionapi.Option{Name: selectName(*tx.CategoryName)}}
	}
	if tx.Notes != nil && *tx.Notes != "" {
		props[PropNotes] = notionapi.RichTextProperty{RichText: richText(*tx.Notes)}
	}
	if tx.ReviewStatus != nil && *tx.ReviewStatus != "" {
		props[PropReviewStatus] = notionapi.SelectProperty{Select: notionapi.Option{Name: selectName(*tx.ReviewStatus)}}
	}
	if tx.UpdatedAt != nil {
		props[PropUpdatedAt] = notionapi.DateProperty{Date: &notionapi.DateObject{Start: dateOf(*tx.UpdatedAt)}}
	}

	return props
}

// SyncHash fingerprints the fields mirrored into Notion. A page whose
// stored hash matches needs no update.
func SyncHash(tx *domain.TransactionRow) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|%t|%t|%t|%s",
		tx.TransactionID,
		tx.TxnDate,
		tx.Amount.String(),
		deref(tx.AccountName),
		deref(tx.MerchantName),
		deref(tx.CategoryName),
		deref(tx.Notes),
		deref(tx.ReviewStatus),
		tx.IsPending != nil && *tx.IsPending,
		tx.IsRecurring,
		tx.NeedsReview,
		formatTime(tx.UpdatedAt),
	)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func description(tx *domain.TransactionRow) string {
	switch {
	case tx.MerchantName != nil && *tx.MerchantName != "":
		return *tx.MerchantName
	case tx.PlaidName != nil && *tx.PlaidName != "":
		return *tx.PlaidName
	default:
		return noMerchant
	}
}

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{
		Type: notionapi.ObjectTypeText,
		Text: &notionapi.Text{Content: s},
	}}
}

// selectName strips commas, which Notion rejects in select options.
func selectName(s string) string {
	return strings.ReplaceAll(s, ",", " ")
}

func dateOf(t time.Time) *notionapi.Date {
	d := notionapi.Date(t)
	return &d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
