package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/infra/sqlite"
	"github.com/dvloznov/txsync/internal/monarch"
	"github.com/dvloznov/txsync/internal/pipeline"
	"github.com/dvloznov/txsync/internal/session"
)

// fakeMonarch serves total records in pages and rejects the first request
// for rejectOffset with 401.
type fakeMonarch struct {
	mu           sync.Mutex
	total        int
	rejectOffset int
	rejected     bool
	logins       int
	undated      string
	failAt       int
}

func (f *fakeMonarch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/auth/login/":
		f.logins++
		fmt.Fprintf(w, `{"token":"tok-%d"}`, f.logins)
	case "/graphql":
		var req struct {
			Variables struct {
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset := req.Variables.Offset
		if offset == f.rejectOffset && !f.rejected {
			f.rejected = true
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.failAt > 0 && offset == f.failAt {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		results := []map[string]any{}
		for i := offset; i < f.total && i < offset+req.Variables.Limit; i++ {
			id := fmt.Sprintf("tx-%03d", i)
			rec := map[string]any{
				"id":       id,
				"date":     "2024-03-01",
				"amount":   fmt.Sprintf("-%d.25", i),
				"merchant": map[string]any{"id": "m1", "name": "Cafe", "transactionsCount": 3},
				"pending":  i%2 == 0,
			}
			if id == f.undated {
				delete(rec, "date")
			}
			results = append(results, rec)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"allTransactions": map[string]any{"totalCount": f.total, "results": results},
			},
		})
	default:
		http.NotFound(w, r)
	}
}

func newDeps(t *testing.T, fake *fakeMonarch) (pipeline.Deps, *sqlite.Store) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := monarch.NewClient(srv.URL)
	cred := config.Credential{Email: "jane@example.com", Password: "pw", MFASecret: "JBSWY3DPEHPK3PXP"}
	sessions := session.NewManager(cred, client, session.NewMemoryStore())

	return pipeline.Deps{Sessions: sessions, Lister: client, Store: store, PageSize: 100}, store
}

var window = domain.DateRange{
	Start: civil.Date{Year: 2024, Month: time.January, Day: 1},
	End:   civil.Date{Year: 2024, Month: time.March, Day: 31},
}

func TestRun_EndToEnd(t *testing.T) {
	fake := &fakeMonarch{total: 237, rejectOffset: 100, undated: "tx-150"}
	deps, store := newDeps(t, fake)
	ctx := context.Background()

	summary, err := pipeline.Run(ctx, deps, window)
	require.NoError(t, err)

	assert.Equal(t, 237, summary.TotalCount)
	assert.Equal(t, 237, summary.Fetched)
	assert.Equal(t, 236, summary.Upserted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.AuthRetries)
	assert.False(t, summary.Truncated)
	require.Len(t, summary.Rejections, 1)
	assert.Equal(t, pipeline.RejectMissingDate, summary.Rejections[0].Reason)
	assert.Equal(t, "tx-150", summary.Rejections[0].TransactionID)
	assert.Equal(t, 2, fake.logins, "one initial login plus one re-login")

	n, err := store.CountTransactions(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 236, n)

	got, err := store.GetTransaction(ctx, "tx-042")
	require.NoError(t, err)
	assert.Equal(t, "-42.25", got.Amount.StringFixed(2))
	assert.Equal(t, "Cafe", *got.MerchantName)
	require.NotNil(t, got.IsPending)
	assert.True(t, *got.IsPending)

	runs, err := store.ListIngestionRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, summary.RunID, runs[0].RunID)
	assert.Equal(t, domain.IngestionRunSucceeded, runs[0].Status)
	assert.Equal(t, 237, runs[0].Fetched)
	assert.Equal(t, 236, runs[0].Upserted)
	assert.Equal(t, 1, runs[0].Skipped)
	assert.Equal(t, window.Start, runs[0].WindowStart)
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	fake := &fakeMonarch{total: 120, rejectOffset: -1}
	deps, store := newDeps(t, fake)
	ctx := context.Background()

	_, err := pipeline.Run(ctx, deps, window)
	require.NoError(t, err)
	_, err = pipeline.Run(ctx, deps, window)
	require.NoError(t, err)

	n, err := store.CountTransactions(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 120, n)
	assert.Equal(t, 1, fake.logins, "the cached session is reused")
}

func TestRun_RemoteFailureMarksRunFailed(t *testing.T) {
	fake := &fakeMonarch{total: 237, rejectOffset: -1, failAt: 200}
	deps, store := newDeps(t, fake)
	ctx := context.Background()

	_, err := pipeline.Run(ctx, deps, window)
	require.Error(t, err)
	assert.True(t, monarch.IsTransient(err))

	n, err := store.CountTransactions(ctx, window)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is written when fetching fails")

	runs, err := store.ListIngestionRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.IngestionRunFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "HTTP 500")
}
