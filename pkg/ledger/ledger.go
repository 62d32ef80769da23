// Package ledger provides the monotonic version counter that orders every
// committed mutation (observation writes and attachment operations).
//
// The ledger value doubles as the sync cursor handed to clients. A value is
// only consumed when the transaction that stamped it commits.
package ledger

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrNotInitialized is returned when the ledger row is missing.
var ErrNotInitialized = errors.New("ledger: version row not initialized")

// Ledger is the durable interface for version assignment.
type Ledger interface {
	// GetCurrentVersion returns the last committed ledger value.
	GetCurrentVersion(ctx context.Context) (int64, error)

	// AssignNext advances the ledger inside tx and returns the new value.
	// The caller must stamp the value on its data row in the same tx.
	AssignNext(ctx context.Context, tx sqlx.QueryerContext) (int64, error)
}
