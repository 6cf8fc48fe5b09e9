// Package api assembles the HTTP server: routes plus the middleware chain.
package api

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/txsync/internal/api/handlers"
	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/storage"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Publisher jobs.Publisher
	Jobs      jobs.JobStore
	Repo      storage.Repository
	DaysBack  int
	APIToken  string
}

// NewHandler returns the routed and wrapped server handler.
func NewHandler(deps Deps, log zerolog.Logger) http.Handler {
	runsHandler := handlers.NewRunsHandler(deps.Publisher, deps.Jobs, deps.DaysBack, log)
	transactionsHandler := handlers.NewTransactionsHandler(deps.Repo, deps.DaysBack, log)
	ingestionRunsHandler := handlers.NewIngestionRunsHandler(deps.Repo, log)

	mux := http.NewServeMux()

	// Runs endpoints
	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			runsHandler.ListRuns(w, r)
		case http.MethodPost:
			runsHandler.CreateRun(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		runsHandler.GetRun(w, r, jobID)
	})

	// Transactions endpoints
	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			transactionsHandler.ListTransactions(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/transactions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
		if id == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Transaction ID is required")
			return
		}
		transactionsHandler.GetTransaction(w, r, id)
	})

	// Ingestion run audit log
	mux.HandleFunc("/api/ingestion-runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			ingestionRunsHandler.ListIngestionRuns(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/health", handlers.Health)

	return middleware.RequestID(
		middleware.Recovery(log)(
			middleware.Logger(log)(
				middleware.CORS(
					middleware.Auth(deps.APIToken)(mux),
				),
			),
		),
	)
}
