package misc

import (
	"context"
	"fmt"
	"time"
)

// CallWithTimeout runs f and waits at most d (or until ctx is done) for it to return.
// f keeps running in the background when the wait is abandoned; onLate, if set, is called with
// f's result once it eventually returns so the caller can undo late side effects.
func CallWithTimeout(ctx context.Context, d time.Duration, f func() error, onLate func(error)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	result := make(chan error, 1)
	go func() {
		result <- f()
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var cause error
	select {
	case err := <-result:
		return err
	case <-timer.C:
		cause = fmt.Errorf("timed out after %s: %w", d, context.DeadlineExceeded)
	case <-ctx.Done():
		cause = ctx.Err()
	}
	if onLate != nil {
		go func() {
			onLate(<-result)
		}()
	}
	return cause
}
