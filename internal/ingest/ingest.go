// Package ingest holds what every push transport shares: the dispatcher contract and the
// JSON invalidation envelope.
package ingest

import (
	"context"
	"errors"
)

// Dispatcher receives every decoded invalidation a transport delivers.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invalidation) error
}

type DispatcherFunc func(ctx context.Context, inv Invalidation) error

func (f DispatcherFunc) Dispatch(ctx context.Context, inv Invalidation) error {
	return f(ctx, inv)
}

// Fanout hands each invalidation to every dispatcher in order and joins their errors.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, inv Invalidation) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, inv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type temporaryError struct{ error }

func (temporaryError) Temporary() bool { return true }

func (e temporaryError) Unwrap() error { return e.error }

// Temporary marks err as worth redelivering. Transports that can requeue do so.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return temporaryError{err}
}

// IsTemporary reports whether any error in err's chain says it is temporary.
func IsTemporary(err error) bool {
	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
