package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/monarch"
	"github.com/dvloznov/txsync/internal/session"
)

// ErrAuthRetryExhausted is returned when a page is rejected as unauthorized
// again right after a fresh login.
var ErrAuthRetryExhausted = errors.New("pipeline: page still unauthorized after re-authentication")

// Fetcher pulls every transaction in a date window, page by page.
type Fetcher struct {
	sessions SessionProvider
	lister   TransactionLister
	pageSize int
}

func NewFetcher(sessions SessionProvider, lister TransactionLister, pageSize int) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Fetcher{sessions: sessions, lister: lister, pageSize: pageSize}
}

// FetchAll requests pages at offsets 0, size, 2*size, ... until the total
// reported with the first page has been accumulated or a page comes back
// empty. Records are returned in arrival order without deduplication.
// Every call starts over from offset zero.
func (f *Fetcher) FetchAll(ctx context.Context, window domain.DateRange) (*FetchResult, error) {
	if err := window.Validate(); err != nil {
		return nil, fmt.Errorf("FetchAll: %w", err)
	}

	log := logger.FromContext(ctx).With().Str("window", window.String()).Logger()

	sess, err := f.sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("FetchAll: acquire session: %w", err)
	}

	res := &FetchResult{}
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("FetchAll: offset %d: %w", offset, err)
		}

		q := monarch.TransactionQuery{
			StartDate: window.Start.String(),
			EndDate:   window.End.String(),
			Offset:    offset,
			Limit:     f.pageSize,
		}

		var page *monarch.TransactionPage
		page, sess, err = f.fetchPage(ctx, sess, q, res)
		if err != nil {
			return nil, fmt.Errorf("FetchAll: offset %d: %w", offset, err)
		}

		if res.Pages == 0 {
			res.TotalCount = page.TotalCount
		}
		res.Pages++
		res.Transactions = append(res.Transactions, page.Results...)

		log.Info().
			Int("offset", offset).
			Int("page_size", f.pageSize).
			Int("got", len(page.Results)).
			Int("total_so_far", len(res.Transactions)).
			Int("total", res.TotalCount).
			Msg("Pulled page")

		if len(res.Transactions) >= res.TotalCount {
			break
		}
		if len(page.Results) == 0 {
			res.Truncated = true
			log.Warn().
				Int("offset", offset).
				Int("accumulated", len(res.Transactions)).
				Int("total", res.TotalCount).
				Msg("Empty page before reaching reported total, stopping early")
			break
		}

		offset += f.pageSize
	}

	return res, nil
}

// fetchPage requests one page, re-authenticating and retrying exactly once
// if the session is rejected.
func (f *Fetcher) fetchPage(ctx context.Context, sess *session.Session, q monarch.TransactionQuery, res *FetchResult) (*monarch.TransactionPage, *session.Session, error) {
	page, err := f.lister.ListTransactions(ctx, sess.Token, q)
	if err == nil {
		return page, sess, nil
	}
	if !monarch.IsAuthorizationFailure(err) {
		return nil, sess, err
	}

	log := logger.FromContext(ctx)
	log.Warn().Err(err).Int("offset", q.Offset).Msg("Session unauthorized mid-pagination, logging in fresh")

	sess, rerr := f.sessions.InvalidateAndReauthenticate(ctx)
	if rerr != nil {
		return nil, nil, fmt.Errorf("re-authenticate: %w", rerr)
	}
	res.AuthRetries++

	page, err = f.lister.ListTransactions(ctx, sess.Token, q)
	if err != nil {
		if monarch.IsAuthorizationFailure(err) {
			return nil, sess, errors.Join(ErrAuthRetryExhausted, err)
		}
		return nil, sess, err
	}
	return page, sess, nil
}

// TotalCount asks for a single record in window and returns the total the
// remote reports for it, without accumulating any pages.
func (f *Fetcher) TotalCount(ctx context.Context, window domain.DateRange) (int, error) {
	if err := window.Validate(); err != nil {
		return 0, fmt.Errorf("TotalCount: %w", err)
	}

	sess, err := f.sessions.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("TotalCount: acquire session: %w", err)
	}

	page, _, err := f.fetchPage(ctx, sess, monarch.TransactionQuery{
		StartDate: window.Start.String(),
		EndDate:   window.End.String(),
		Limit:     1,
	}, &FetchResult{})
	if err != nil {
		return 0, fmt.Errorf("TotalCount: %w", err)
	}
	return page.TotalCount, nil
}
