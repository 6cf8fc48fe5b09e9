// Package pipeline runs one ingestion: fetch every page for a date window,
// normalize the records and upsert them in a single atomic batch.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
)

// Deps are the collaborators of a run.
type Deps struct {
	Sessions SessionProvider
	Lister   TransactionLister
	Store    Store
	PageSize int
}

// WindowEndingToday returns [today - daysBack, today] in now's location.
func WindowEndingToday(now time.Time, daysBack int) domain.DateRange {
	return domain.WindowEndingOn(civil.DateOf(now), daysBack)
}

// Run executes the ingestion pipeline for window. On failure the run is
// marked FAILED (best effort) and the triggering error is returned; on
// cancellation no partial batch is written.
func Run(ctx context.Context, deps Deps, window domain.DateRange) (*Summary, error) {
	log := logger.FromContext(ctx)

	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	state := &PipelineState{Window: window}
	started := time.Now()

	if err := NewIngestionPipeline(deps).Execute(ctx, state); err != nil {
		if state.RunID != "" {
			markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markFailedTimeout)
			deps.Store.MarkIngestionRunFailed(markCtx, state.RunID, err)
			cancel()
		}
		log.Error().Err(err).Str("run_id", state.RunID).Msg("Ingestion run failed")
		return nil, fmt.Errorf("Run: %w", err)
	}

	summary := summarize(state)
	log.Info().
		Str("run_id", summary.RunID).
		Str("window", window.String()).
		Int("fetched", summary.Fetched).
		Int("upserted", summary.Upserted).
		Int("skipped", summary.Skipped).
		Int("total_count", summary.TotalCount).
		Bool("truncated", summary.Truncated).
		Int("auth_retries", summary.AuthRetries).
		Dur("elapsed", time.Since(started)).
		Msg("Ingestion run complete")

	return summary, nil
}

func summarize(state *PipelineState) *Summary {
	s := &Summary{
		RunID:      state.RunID,
		Window:     state.Window,
		Upserted:   state.Upserted,
		Skipped:    len(state.Rejections),
		Rejections: state.Rejections,
	}
	if f := state.Fetch; f != nil {
		s.TotalCount = f.TotalCount
		s.Fetched = len(f.Transactions)
		s.Truncated = f.Truncated
		s.AuthRetries = f.AuthRetries
	}
	return s
}
