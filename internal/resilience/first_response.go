package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFirstResponseTimeout is the cancellation cause when a streaming
// exchange produced nothing within its first-response budget.
var ErrFirstResponseTimeout = errors.New("timed out waiting for first response")

// FirstResponse bounds the wait for the first message of a streaming call.
// The derived context is cancelled with ErrFirstResponseTimeout if
// Received is not called before the budget runs out.
type FirstResponse struct {
	name   string
	timer  *time.Timer
	cancel context.CancelCauseFunc
	once   sync.Once
}

// WithFirstResponse derives a context that is cancelled if no response
// arrives within d. A non-positive d disables the bound.
// Callers must call Stop when the exchange ends.
func WithFirstResponse(ctx context.Context, name string, d time.Duration) (context.Context, *FirstResponse) {
	ctx, cancel := context.WithCancelCause(ctx)
	fr := &FirstResponse{name: name, cancel: cancel}
	if d > 0 {
		fr.timer = time.AfterFunc(d, func() {
			cancel(fmt.Errorf("%s: %w after %v", name, ErrFirstResponseTimeout, d))
		})
	}
	return ctx, fr
}

// Received disarms the timer. Safe to call repeatedly.
func (f *FirstResponse) Received() {
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
	})
}

// Stop disarms the timer and releases the derived context
func (f *FirstResponse) Stop() {
	f.Received()
	f.cancel(context.Canceled)
}

// Cause translates an error observed on a stream into the timeout cause
// when the watchdog fired, so callers see why the stream was torn down.
func Cause(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrFirstResponseTimeout) {
		return cause
	}
	return err
}
