package report

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/gcs"
	"github.com/dvloznov/txsync/internal/logger"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Publisher mirrors a workbook into a spreadsheet service.
type Publisher interface {
	Publish(ctx context.Context, spreadsheetID string, wb *Workbook) error
}

var _ Publisher = (*SheetsPublisher)(nil)

// Options selects the outputs of one export. Empty fields disable the
// optional outputs.
type Options struct {
	OutXLSX string
	Views   []string

	// GCSURI is a gs:// folder the workbook is copied into.
	GCSURI  string
	Objects gcs.ObjectStore

	SheetID   string
	Publisher Publisher
}

// Result describes what an export produced.
type Result struct {
	Path         string
	Rows         int
	UploadedURI  string
	SheetsLink   string
	PublishError error
}

// Export builds the workbook, writes it to disk and then fans it out to
// the optional destinations. A failed Sheets publish is logged and reported
// in Result without failing the export.
func Export(ctx context.Context, src Source, window domain.DateRange, opts Options) (*Result, error) {
	log := logger.FromContext(ctx)

	wb, err := BuildWorkbook(ctx, src, window, opts.Views)
	if err != nil {
		return nil, fmt.Errorf("Export: %w", err)
	}
	if err := WriteXLSX(opts.OutXLSX, wb); err != nil {
		return nil, fmt.Errorf("Export: %w", err)
	}

	res := &Result{Path: opts.OutXLSX, Rows: len(wb.Sheet(TransactionsSheet).Rows)}
	log.Info().Str("path", res.Path).Int("rows", res.Rows).Int("sheets", len(wb.Sheets)).Msg("Exported workbook")

	if opts.GCSURI != "" && opts.Objects != nil {
		uri := gcs.JoinURI(opts.GCSURI, filepath.Base(opts.OutXLSX))
		if err := opts.Objects.Upload(ctx, uri, opts.OutXLSX, xlsxContentType); err != nil {
			return nil, fmt.Errorf("Export: upload: %w", err)
		}
		res.UploadedURI = uri
		log.Info().Str("uri", uri).Msg("Uploaded workbook")
	}

	if opts.SheetID != "" && opts.Publisher != nil {
		if err := opts.Publisher.Publish(ctx, opts.SheetID, wb); err != nil {
			res.PublishError = err
			log.Warn().Err(err).Str("sheet_id", opts.SheetID).Msg("Google Sheets publish failed")
		} else {
			res.SheetsLink = SheetLink(opts.SheetID)
			log.Info().Str("link", res.SheetsLink).Msg("Published to Google Sheets")
		}
	}

	return res, nil
}
