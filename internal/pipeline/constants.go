package pipeline

import "time"

const (
	// DefaultPageSize is the number of transactions requested per page.
	DefaultPageSize = 100

	// DefaultDaysBack is the size of the default ingestion window.
	DefaultDaysBack = 90

	// markFailedTimeout bounds the best-effort FAILED update, which runs
	// even when the run's own context is already cancelled.
	markFailedTimeout = 15 * time.Second
)
