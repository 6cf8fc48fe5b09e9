package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/monarch"
	"github.com/dvloznov/txsync/internal/session"
)

// mockLister is a TransactionLister whose behaviour is supplied per test.
type mockLister struct {
	mu    sync.Mutex
	calls []monarch.TransactionQuery
	// tokens records the token used for each call.
	tokens []string

	ListFunc func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error)
}

func (m *mockLister) ListTransactions(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, q)
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()
	if m.ListFunc != nil {
		return m.ListFunc(ctx, token, q)
	}
	return &monarch.TransactionPage{}, nil
}

func (m *mockLister) offsets() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.calls))
	for i, q := range m.calls {
		out[i] = q.Offset
	}
	return out
}

// mockSessions hands out numbered tokens: tok-1 first, then a new one per
// re-authentication.
type mockSessions struct {
	acquired int
	reauths  int

	AcquireErr error
	ReauthErr  error
}

func (m *mockSessions) Acquire(ctx context.Context) (*session.Session, error) {
	m.acquired++
	if m.AcquireErr != nil {
		return nil, m.AcquireErr
	}
	return &session.Session{Token: "tok-1"}, nil
}

func (m *mockSessions) InvalidateAndReauthenticate(ctx context.Context) (*session.Session, error) {
	m.reauths++
	if m.ReauthErr != nil {
		return nil, m.ReauthErr
	}
	return &session.Session{Token: fmt.Sprintf("tok-%d", m.reauths+1)}, nil
}

// mockStore records what a run wrote.
type mockStore struct {
	UpsertFunc func(ctx context.Context, rows []*domain.TransactionRow) (int, error)

	upserted  [][]*domain.TransactionRow
	started   []domain.DateRange
	succeeded []*domain.IngestionRun
	failed    map[string]error
}

func (m *mockStore) UpsertTransactions(ctx context.Context, rows []*domain.TransactionRow) (int, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, rows)
	}
	m.upserted = append(m.upserted, rows)
	return len(rows), nil
}

func (m *mockStore) QueryTransactionsByDateRange(ctx context.Context, r domain.DateRange) ([]*domain.TransactionRow, error) {
	return nil, nil
}

func (m *mockStore) GetTransaction(ctx context.Context, id string) (*domain.TransactionRow, error) {
	return nil, nil
}

func (m *mockStore) CountTransactions(ctx context.Context, r domain.DateRange) (int, error) {
	return 0, nil
}

func (m *mockStore) StartIngestionRun(ctx context.Context, window domain.DateRange) (string, error) {
	m.started = append(m.started, window)
	return fmt.Sprintf("run-%d", len(m.started)), nil
}

func (m *mockStore) MarkIngestionRunSucceeded(ctx context.Context, run *domain.IngestionRun) error {
	m.succeeded = append(m.succeeded, run)
	return nil
}

func (m *mockStore) MarkIngestionRunFailed(ctx context.Context, runID string, err error) {
	if m.failed == nil {
		m.failed = map[string]error{}
	}
	m.failed[runID] = err
}

func (m *mockStore) ListIngestionRuns(ctx context.Context, limit int) ([]*domain.IngestionRun, error) {
	return nil, nil
}

func unauthorized() error {
	return &monarch.Error{Kind: monarch.KindAuthorization, Op: "GetTransactionsList", StatusCode: http.StatusUnauthorized}
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func remoteTx(id, date, amount string) monarch.Transaction {
	tx := monarch.Transaction{ID: strPtr(id)}
	if date != "" {
		tx.Date = strPtr(date)
	}
	if amount != "" {
		a := decimal.RequireFromString(amount)
		tx.Amount = &a
	}
	return tx
}

// pagedLister serves total synthetic records in offset/limit slices.
func pagedLister(total int) *mockLister {
	return &mockLister{
		ListFunc: func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
			page := &monarch.TransactionPage{TotalCount: total}
			for i := q.Offset; i < total && i < q.Offset+q.Limit; i++ {
				page.Results = append(page.Results, remoteTx(fmt.Sprintf("t%03d", i), "2024-03-01", "-1.00"))
			}
			return page, nil
		},
	}
}
