// Package notionsync mirrors stored transactions into a Notion database.
package notionsync

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
)

const (
	// BatchSize defines the number of transactions to process in a single batch
	BatchSize = 100
)

// TransactionSource reads the rows to mirror.
type TransactionSource interface {
	QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*domain.TransactionRow, error)
}

// Result counts what a sync did, or would do in dry-run mode.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Archived  int
	Failed    int
}

// SyncTransactions makes the Notion database match the store for window:
//  1. pages dated inside window whose Transaction ID is no longer stored,
//     and pages with no Transaction ID, are archived
//  2. stored rows without a page are created
//  3. pages whose Sync Hash differs from the row are updated
//
// Pages dated outside window are left alone. Individual page failures are
// logged and counted; only reading either side fails the sync.
func SyncTransactions(ctx context.Context, src TransactionSource, notionClient NotionService, notionDBID string, window domain.DateRange, dryRun bool) (*Result, error) {
	log := logger.FromContext(ctx)

	log.Info().
		Str("window", window.String()).
		Bool("dry_run", dryRun).
		Msg("Starting transaction sync to Notion")

	transactions, err := src.QueryTransactionsByDateRange(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("SyncTransactions: query transactions: %w", err)
	}
	log.Info().Int("transaction_count", len(transactions)).Msg("Retrieved stored transactions")

	valid := make(map[string]bool, len(transactions))
	for _, tx := range transactions {
		valid[tx.TransactionID] = true
	}

	notionPages, err := notionClient.ListPages(ctx, notionDBID)
	if err != nil {
		return nil, fmt.Errorf("SyncTransactions: %w", err)
	}
	log.Info().Int("notion_page_count", len(notionPages)).Msg("Retrieved existing Notion pages")

	res := &Result{}
	existing := make(map[string]notionapi.Page, len(notionPages))

	for _, page := range notionPages {
		txID := extractTransactionID(page)
		if txID != "" && valid[txID] {
			existing[txID] = page
			continue
		}
		if txID != "" {
			if d, ok := extractDate(page); ok && !inWindow(d, window) {
				continue
			}
		}

		if dryRun {
			log.Info().Str("transaction_id", txID).Str("page_id", string(page.ID)).Msg("[DRY RUN] Would archive stale Notion page")
			res.Archived++
			continue
		}
		if err := notionClient.ArchivePage(ctx, string(page.ID)); err != nil {
			log.Warn().Err(err).Str("transaction_id", txID).Str("page_id", string(page.ID)).Msg("Failed to archive stale Notion page")
			res.Failed++
			continue
		}
		res.Archived++
	}

	for i := 0; i < len(transactions); i += BatchSize {
		end := min(i+BatchSize, len(transactions))
		log.Debug().Int("batch_start", i).Int("batch_end", end).Msg("Processing batch")

		for _, tx := range transactions[i:end] {
			if ctx.Err() != nil {
				return res, fmt.Errorf("SyncTransactions: %w", ctx.Err())
			}
			syncOne(ctx, notionClient, notionDBID, tx, existing, dryRun, res)
		}
	}

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("archived", res.Archived).
		Int("failed", res.Failed).
		Int("total", len(transactions)).
		Msg("Transaction sync completed")

	return res, nil
}

func syncOne(ctx context.Context, notionClient NotionService, notionDBID string, tx *domain.TransactionRow, existing map[string]notionapi.Page, dryRun bool, res *Result) {
	log := logger.FromContext(ctx).With().Str("transaction_id", tx.TransactionID).Logger()

	page, found := existing[tx.TransactionID]
	if found && extractSyncHash(page) == SyncHash(tx) {
		res.Unchanged++
		return
	}

	if dryRun {
		if found {
			log.Info().Str("page_id", string(page.ID)).Msg("[DRY RUN] Would update Notion page")
			res.Updated++
		} else {
			log.Info().Msg("[DRY RUN] Would create Notion page")
			res.Created++
		}
		return
	}

	props := TransactionToNotionProperties(tx)
	if found {
		if _, err := notionClient.UpdatePage(ctx, string(page.ID), props); err != nil {
			log.Warn().Err(err).Str("page_id", string(page.ID)).Msg("Failed to update Notion page")
			res.Failed++
			return
		}
		res.Updated++
		return
	}

	created, err := notionClient.CreatePage(ctx, notionDBID, props)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create Notion page")
		res.Failed++
		return
	}
	log.Debug().Str("page_id", string(created.ID)).Msg("Created Notion page")
	res.Created++
}

// extractTransactionID extracts the transaction ID from a Notion page's properties.
// Returns empty string if not found.
func extractTransactionID(page notionapi.Page) string {
	return plainText(page.Properties[PropTransaction])
}

func extractSyncHash(page notionapi.Page) string {
	return plainText(page.Properties[PropSyncHash])
}

func plainText(prop notionapi.Property) string {
	var parts []notionapi.RichText
	switch p := prop.(type) {
	case *notionapi.RichTextProperty:
		parts = p.RichText
	case *notionapi.TitleProperty:
		parts = p.Title
	default:
		return ""
	}
	s := ""
	for _, rt := range parts {
		if rt.PlainText != "" {
			s += rt.PlainText
		} else if rt.Text != nil {
			s += rt.Text.Content
		}
	}
	return s
}

func extractDate(page notionapi.Page) (time.Time, bool) {
	p, ok := page.Properties[PropDate].(*notionapi.DateProperty)
	if !ok || p.Date == nil || p.Date.Start == nil {
		return time.Time{}, false
	}
	return time.Time(*p.Date.Start), true
}

func inWindow(t time.Time, window domain.DateRange) bool {
	d := civil.DateOf(t)
	return !d.Before(window.Start) && !d.After(window.End)
}
