package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from primary (which carries the CDP target
// values) that is additionally cancelled when secondary ends. chromedp
// operations need the primary's values for the connection and the
// secondary's deadline for the operation.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext inherits values from its parent but ignores its deadline
// and cancellation, detaching cleanup work from a dying caller.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that keeps ctx's values (CDP connection info) but
// is not cancelled when ctx is.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
