package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout runs op under a deadline of d. A deadline hit is reported as
// ErrTimeout so callers can tell it apart from a failure returned by the
// backend itself. Cancellation of the parent context is passed through.
func WithTimeout(ctx context.Context, d time.Duration, op func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := op(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || (callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, d, err)
	}
	return err
}
