package recovery

import (
	"context"

	"invalidator/internal/domain"
)

// Result is what a recovery fetch returns: every payload newer than the client's version
// that the backend still has, and the object's current version.
type Result struct {
	Items          []domain.RecoveredItem
	CurrentVersion int64
}

// Recoverer fetches payloads the channel missed. Implementations may block; the channel
// always calls them off its executor.
type Recoverer interface {
	RecoverPayloads(ctx context.Context, id domain.ObjectID, currentClientVersion int64) (Result, error)
}

type RecovererFunc func(ctx context.Context, id domain.ObjectID, currentClientVersion int64) (Result, error)

func (f RecovererFunc) RecoverPayloads(ctx context.Context, id domain.ObjectID, currentClientVersion int64) (Result, error) {
	return f(ctx, id, currentClientVersion)
}

func (r Result) newestVersion() int64 {
	top := r.CurrentVersion
	for _, item := range r.Items {
		if item.Version > top {
			top = item.Version
		}
	}
	return top
}
