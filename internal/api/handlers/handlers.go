// Package handlers implements the HTTP endpoints of the API server.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/storage"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// RunsHandler handles ingestion job endpoints.
type RunsHandler struct {
	publisher jobs.Publisher
	store     jobs.JobStore
	daysBack  int
	now       func() time.Time
	log       zerolog.Logger
}

// NewRunsHandler creates a new runs handler. daysBack sizes the default
// window when a request names no dates.
func NewRunsHandler(publisher jobs.Publisher, store jobs.JobStore, daysBack int, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		publisher: publisher,
		store:     store,
		daysBack:  daysBack,
		now:       time.Now,
		log:       log,
	}
}

// CreateRun handles POST /api/runs
func (h *RunsHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
		Export    bool   `json:"export"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	window, err := parseWindow(req.StartDate, req.EndDate, h.daysBack, h.now())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &jobs.IngestRunJob{
		StartDate: window.Start,
		EndDate:   window.End,
		Export:    req.Export,
	}
	if err := h.publisher.PublishIngestRun(ctx, job); err != nil {
		h.log.Error().Err(err).Msg("Failed to publish ingestion job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to queue ingestion run")
		return
	}

	// The worker may already be mutating job; answer from the store.
	saved, err := h.store.GetJob(ctx, job.JobID)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to read queued job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read queued job")
		return
	}

	h.log.Info().Str("job_id", saved.JobID).Str("window", window.String()).Msg("Queued ingestion run")
	middleware.WriteJSON(w, http.StatusAccepted, saved)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"), defaultRunsLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			middleware.WriteError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}

	list, err := h.store.ListJobs(r.Context(), jobs.JobFilter{
		Status: jobs.JobStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetRun handles GET /api/runs/{id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// TransactionsHandler handles transaction endpoints.
type TransactionsHandler struct {
	repo     storage.TransactionRepository
	daysBack int
	now      func() time.Time
	log      zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(repo storage.TransactionRepository, daysBack int, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		repo:     repo,
		daysBack: daysBack,
		now:      time.Now,
		log:      log,
	}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	window, err := parseWindow(q.Get("start_date"), q.Get("end_date"), h.daysBack, h.now())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.repo.QueryTransactionsByDateRange(r.Context(), window)
	if err != nil {
		h.log.Error().Err(err).Str("window", window.String()).Msg("Failed to query transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to query transactions")
		return
	}
	if rows == nil {
		rows = []*domain.TransactionRow{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": rows,
		"count":        len(rows),
		"start_date":   window.Start,
		"end_date":     window.End,
	})
}

// GetTransaction handles GET /api/transactions/{id}
func (h *TransactionsHandler) GetTransaction(w http.ResponseWriter, r *http.Request, transactionID string) {
	row, err := h.repo.GetTransaction(r.Context(), transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("transaction_id", transactionID).Msg("Failed to get transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get transaction")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, row)
}

// IngestionRunsHandler exposes the run audit log.
type IngestionRunsHandler struct {
	repo storage.RunRepository
	log  zerolog.Logger
}

// NewIngestionRunsHandler creates a new ingestion runs handler.
func NewIngestionRunsHandler(repo storage.RunRepository, log zerolog.Logger) *IngestionRunsHandler {
	return &IngestionRunsHandler{repo: repo, log: log}
}

// ListIngestionRuns handles GET /api/ingestion-runs
func (h *IngestionRunsHandler) ListIngestionRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultRunsLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.repo.ListIngestionRuns(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list ingestion runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list ingestion runs")
		return
	}
	if runs == nil {
		runs = []*domain.IngestionRun{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// parseWindow resolves optional YYYY-MM-DD bounds. A missing end is today;
// a missing start is daysBack days before the end.
func parseWindow(start, end string, daysBack int, now time.Time) (domain.DateRange, error) {
	endDate := civil.DateOf(now)
	if end != "" {
		d, err := civil.ParseDate(end)
		if err != nil {
			return domain.DateRange{}, fmt.Errorf("end_date must be YYYY-MM-DD")
		}
		endDate = d
	}

	window := domain.WindowEndingOn(endDate, daysBack)
	if start != "" {
		d, err := civil.ParseDate(start)
		if err != nil {
			return domain.DateRange{}, fmt.Errorf("start_date must be YYYY-MM-DD")
		}
		window.Start = d
	}

	if err := window.Validate(); err != nil {
		return domain.DateRange{}, err
	}
	return window, nil
}

func parseLimit(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxRunsLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxRunsLimit)
	}
	return n, nil
}
