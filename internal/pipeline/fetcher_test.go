package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/monarch"
)

var testWindow = domain.DateRange{
	Start: civil.Date{Year: 2024, Month: time.January, Day: 1},
	End:   civil.Date{Year: 2024, Month: time.March, Day: 31},
}

func TestFetchAll_Paginates(t *testing.T) {
	lister := pagedLister(250)
	f := NewFetcher(&mockSessions{}, lister, 100)

	res, err := f.FetchAll(context.Background(), testWindow)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 100, 200}, lister.offsets())
	assert.Len(t, res.Transactions, 250)
	assert.Equal(t, 250, res.TotalCount)
	assert.Equal(t, 3, res.Pages)
	assert.False(t, res.Truncated)
	assert.Equal(t, "t000", *res.Transactions[0].ID)
	assert.Equal(t, "t249", *res.Transactions[249].ID)

	for _, q := range lister.calls {
		assert.Equal(t, "2024-01-01", q.StartDate)
		assert.Equal(t, "2024-03-31", q.EndDate)
		assert.Equal(t, 100, q.Limit)
	}
}

func TestFetchAll_ExactMultipleStopsWithoutExtraRequest(t *testing.T) {
	lister := pagedLister(200)
	res, err := NewFetcher(&mockSessions{}, lister, 100).FetchAll(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100}, lister.offsets())
	assert.Len(t, res.Transactions, 200)
}

func TestFetchAll_EmptyWindowIsOneRequest(t *testing.T) {
	lister := pagedLister(0)
	res, err := NewFetcher(&mockSessions{}, lister, 100).FetchAll(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, lister.offsets())
	assert.Empty(t, res.Transactions)
	assert.False(t, res.Truncated)
}

func TestFetchAll_EmptyPageBeforeTotalStops(t *testing.T) {
	full := pagedLister(100)
	lister := &mockLister{}
	lister.ListFunc = func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
		page, _ := full.ListFunc(ctx, token, q)
		page.TotalCount = 250
		return page, nil
	}

	res, err := NewFetcher(&mockSessions{}, lister, 100).FetchAll(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100}, lister.offsets())
	assert.Len(t, res.Transactions, 100)
	assert.Equal(t, 250, res.TotalCount)
	assert.True(t, res.Truncated)
}

func TestFetchAll_TotalIsFixedAtFirstPage(t *testing.T) {
	lister := &mockLister{}
	inner := pagedLister(150)
	lister.ListFunc = func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
		page, _ := inner.ListFunc(ctx, token, q)
		if q.Offset > 0 {
			page.TotalCount = 10_000
		}
		return page, nil
	}

	res, err := NewFetcher(&mockSessions{}, lister, 100).FetchAll(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, 150, res.TotalCount)
	assert.Equal(t, []int{0, 100}, lister.offsets())
}

func TestFetchAll_ReauthenticatesOnceAndResumes(t *testing.T) {
	inner := pagedLister(250)
	failed := false
	lister := &mockLister{}
	lister.ListFunc = func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
		if q.Offset == 100 && !failed {
			failed = true
			return nil, unauthorized()
		}
		return inner.ListFunc(ctx, token, q)
	}
	sessions := &mockSessions{}

	res, err := NewFetcher(sessions, lister, 100).FetchAll(context.Background(), testWindow)
	require.NoError(t, err)

	assert.Equal(t, 1, res.AuthRetries)
	assert.Equal(t, 1, sessions.reauths)
	assert.Equal(t, []int{0, 100, 100, 200}, lister.offsets(), "the rejected page is retried, earlier pages are not")
	assert.Equal(t, []string{"tok-1", "tok-1", "tok-2", "tok-2"}, lister.tokens)
	assert.Len(t, res.Transactions, 250)
}

func TestFetchAll_SecondUnauthorizedFails(t *testing.T) {
	lister := &mockLister{
		ListFunc: func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
			return nil, unauthorized()
		},
	}
	sessions := &mockSessions{}

	_, err := NewFetcher(sessions, lister, 100).FetchAll(context.Background(), testWindow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRetryExhausted)
	assert.True(t, monarch.IsAuthorizationFailure(err))
	assert.Equal(t, 1, sessions.reauths)
	assert.Len(t, lister.calls, 2)
}

func TestFetchAll_ReauthFailureSurfaces(t *testing.T) {
	loginErr := errors.New("login refused")
	lister := &mockLister{
		ListFunc: func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
			return nil, unauthorized()
		},
	}

	_, err := NewFetcher(&mockSessions{ReauthErr: loginErr}, lister, 100).FetchAll(context.Background(), testWindow)
	assert.ErrorIs(t, err, loginErr)
}

func TestFetchAll_NonAuthErrorIsNotRetried(t *testing.T) {
	remoteErr := &monarch.Error{Kind: monarch.KindTransient, StatusCode: 503}
	lister := &mockLister{
		ListFunc: func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
			return nil, remoteErr
		},
	}
	sessions := &mockSessions{}

	_, err := NewFetcher(sessions, lister, 100).FetchAll(context.Background(), testWindow)
	assert.True(t, monarch.IsTransient(err))
	assert.Zero(t, sessions.reauths)
	assert.Len(t, lister.calls, 1)
}

func TestFetchAll_AcquireFailure(t *testing.T) {
	lister := pagedLister(10)
	_, err := NewFetcher(&mockSessions{AcquireErr: errors.New("no creds")}, lister, 100).FetchAll(context.Background(), testWindow)
	require.Error(t, err)
	assert.Empty(t, lister.calls)
}

func TestFetchAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFetcher(&mockSessions{}, pagedLister(10), 100).FetchAll(ctx, testWindow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchAll_InvalidWindow(t *testing.T) {
	bad := domain.DateRange{Start: testWindow.End, End: testWindow.Start}
	_, err := NewFetcher(&mockSessions{}, pagedLister(10), 100).FetchAll(context.Background(), bad)
	assert.Error(t, err)
}

func TestTotalCount_SingleRequest(t *testing.T) {
	lister := pagedLister(237)
	n, err := NewFetcher(&mockSessions{}, lister, 100).TotalCount(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, 237, n)
	require.Len(t, lister.calls, 1)
	assert.Equal(t, 1, lister.calls[0].Limit)
	assert.Equal(t, 0, lister.calls[0].Offset)
}

func TestTotalCount_ReauthenticatesOnce(t *testing.T) {
	sessions := &mockSessions{}
	lister := &mockLister{
		ListFunc: func(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error) {
			if token == "tok-1" {
				return nil, unauthorized()
			}
			return &monarch.TransactionPage{TotalCount: 5}, nil
		},
	}

	n, err := NewFetcher(sessions, lister, 100).TotalCount(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, sessions.reauths)
	assert.Equal(t, []string{"tok-1", "tok-2"}, lister.tokens)
}
