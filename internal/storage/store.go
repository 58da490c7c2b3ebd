package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
)

// ErrNotFound is returned when no report exists for the given ID
var ErrNotFound = errors.New("report not found")

// Store keeps the history of diagnostics reports. Writes of a single report are atomic:
// the report and all of its issues are stored in one transaction.
type Store interface {
	// StoreReport saves the metadata and issues of r. Spectra are not stored.
	StoreReport(ctx context.Context, r *diagnostics.Report) error

	// Report returns the stored report with the given ID, or ErrNotFound.
	Report(ctx context.Context, id uuid.UUID) (*Record, error)

	// Reports returns stored reports, newest first. See WithLimit and WithTimeRange.
	Reports(ctx context.Context, opts ...QueryOption) ([]*Record, error)

	// DeleteBefore removes reports created before t and returns how many were removed.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	// Close releases all database connections. It is safe to call Close multiple times.
	Close() error
}
