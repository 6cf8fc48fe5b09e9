package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
)

// PipelineStep represents a single step in the ingestion pipeline.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Window     domain.DateRange
	RunID      string
	Fetch      *FetchResult
	Rows       []*domain.TransactionRow
	Rejections []Rejection
	Upserted   int
}

// StartIngestionRunStep records a RUNNING ingestion run.
type StartIngestionRunStep struct {
	Runs Store
}

func (s *StartIngestionRunStep) Name() string { return "start_ingestion_run" }

func (s *StartIngestionRunStep) Execute(ctx context.Context, state *PipelineState) error {
	runID, err := s.Runs.StartIngestionRun(ctx, state.Window)
	if err != nil {
		return err
	}
	state.RunID = runID
	return nil
}

// FetchTransactionsStep pulls every page for the window.
type FetchTransactionsStep struct {
	Fetcher *Fetcher
}

func (s *FetchTransactionsStep) Name() string { return "fetch_transactions" }

func (s *FetchTransactionsStep) Execute(ctx context.Context, state *PipelineState) error {
	res, err := s.Fetcher.FetchAll(ctx, state.Window)
	if err != nil {
		return err
	}
	state.Fetch = res
	return nil
}

// NormalizeTransactionsStep maps remote records to rows. Rejections are
// counted, never fatal.
type NormalizeTransactionsStep struct{}

func (s *NormalizeTransactionsStep) Name() string { return "normalize_transactions" }

func (s *NormalizeTransactionsStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Fetch == nil {
		return fmt.Errorf("no fetch result")
	}
	state.Rows, state.Rejections = NormalizeBatch(state.Fetch.Transactions)
	log := logger.FromContext(ctx)

	for i := range state.Fetch.Transactions {
		tx := &state.Fetch.Transactions[i]
		if tx.DecodeErr() != nil {
			continue
		}
		if fields := unparsedTimestamps(tx); len(fields) > 0 {
			ev := log.Debug().Strs("fields", fields)
			if tx.ID != nil {
				ev = ev.Str("transaction_id", *tx.ID)
			}
			ev.Msg("Dropped unparseable timestamps")
		}
	}

	if len(state.Rejections) > 0 {
		byReason := map[RejectReason]int{}
		for _, r := range state.Rejections {
			byReason[r.Reason]++
			log.Debug().Str("transaction_id", r.TransactionID).Str("reason", string(r.Reason)).Str("detail", r.Detail).Msg("Skipped record")
		}
		ev := log.Warn().Int("skipped", len(state.Rejections))
		for reason, n := range byReason {
			ev = ev.Int(string(reason), n)
		}
		ev.Msg("Skipped invalid transactions")
	}
	return nil
}

// UpsertTransactionsStep writes all rows in one atomic batch.
type UpsertTransactionsStep struct {
	Transactions Store
}

func (s *UpsertTransactionsStep) Name() string { return "upsert_transactions" }

func (s *UpsertTransactionsStep) Execute(ctx context.Context, state *PipelineState) error {
	n, err := s.Transactions.UpsertTransactions(ctx, state.Rows)
	if err != nil {
		return err
	}
	state.Upserted = n
	return nil
}

// MarkRunSucceededStep stores the final counts.
type MarkRunSucceededStep struct {
	Runs Store
}

func (s *MarkRunSucceededStep) Name() string { return "mark_run_succeeded" }

func (s *MarkRunSucceededStep) Execute(ctx context.Context, state *PipelineState) error {
	return s.Runs.MarkIngestionRunSucceeded(ctx, runRecord(state))
}

func runRecord(state *PipelineState) *domain.IngestionRun {
	run := &domain.IngestionRun{
		RunID:       state.RunID,
		WindowStart: state.Window.Start,
		WindowEnd:   state.Window.End,
		Upserted:    state.Upserted,
		Skipped:     len(state.Rejections),
	}
	if f := state.Fetch; f != nil {
		run.TotalCount = f.TotalCount
		run.Fetched = len(f.Transactions)
		run.Truncated = f.Truncated
	}
	return run
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially and stops at the
// first failure. No step starts once ctx is done.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline step %d (%s) not started: %w", i+1, step.Name(), err)
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
	}
	return nil
}

// NewIngestionPipeline creates the standard five-step ingestion pipeline.
func NewIngestionPipeline(deps Deps) *Pipeline {
	return NewPipeline(
		&StartIngestionRunStep{Runs: deps.Store},
		&FetchTransactionsStep{Fetcher: NewFetcher(deps.Sessions, deps.Lister, deps.PageSize)},
		&NormalizeTransactionsStep{},
		&UpsertTransactionsStep{Transactions: deps.Store},
		&MarkRunSucceededStep{Runs: deps.Store},
	)
}
