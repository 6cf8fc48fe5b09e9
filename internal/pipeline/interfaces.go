package pipeline

import (
	"context"

	"github.com/dvloznov/txsync/internal/monarch"
	"github.com/dvloznov/txsync/internal/session"
	"github.com/dvloznov/txsync/internal/storage"
)

// TransactionLister fetches one page of remote transactions.
type TransactionLister interface {
	ListTransactions(ctx context.Context, token string, q monarch.TransactionQuery) (*monarch.TransactionPage, error)
}

// SessionProvider is the part of session.Manager the fetcher needs.
type SessionProvider interface {
	Acquire(ctx context.Context) (*session.Session, error)
	InvalidateAndReauthenticate(ctx context.Context) (*session.Session, error)
}

// Store is the persistence a run writes to.
type Store interface {
	storage.TransactionRepository
	storage.RunRepository
}

var (
	_ TransactionLister = (*monarch.Client)(nil)
	_ SessionProvider   = (*session.Manager)(nil)
)
