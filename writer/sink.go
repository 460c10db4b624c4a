package writer

import (
	"context"
	"errors"

	"optionflow/models"
)

var (
	// ErrSinkWriteFailed reports a write that failed after the sink's own
	// retry handling and should be retried by the caller.
	ErrSinkWriteFailed = errors.New("sink write failed")
	// ErrSinkUnreachable reports a sink whose backend cannot be reached at
	// all. The caller may buffer locally and replay later.
	ErrSinkUnreachable = errors.New("sink unreachable")
)

// Sink persists consolidated batches. Writes must be idempotent per batch
// ID so a retried or replayed batch never produces duplicate output.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch *models.Batch) error
	Close() error
}
