// Package approval implements the generic suspend/resume gate between a
// running session loop and the human on the other side of the transport. A
// caller registers interest in a keyed decision and blocks until a response
// arrives, the timeout elapses, or the whole session is cancelled.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

// Namespace distinguishes what a pending approval is gating. Step and
// snapshot approvals share the same mechanics and differ only by key.
type Namespace string

const (
	NamespaceStep     Namespace = "step"
	NamespaceSnapshot Namespace = "snapshot"
)

// Key identifies one pending approval. At most one entry per key is
// outstanding at any time.
type Key struct {
	SessionID string
	Index     int
	Namespace Namespace
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.SessionID, k.Namespace, k.Index)
}

// ErrCancelled resolves every pending approval swept by CancelSession.
var ErrCancelled = errors.New("approval cancelled: session was cancelled")

// TimeoutError reports that no human response arrived in time. Callers treat
// it as an implicit rejection of the gated step, never as a retry signal.
type TimeoutError struct {
	Key     Key
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("approval for %s timed out after %s", e.Key, e.Timeout)
}

// Outcome is the resolution of one approval request: exactly one of Response
// and Err is set.
type Outcome struct {
	Response *schemas.ApprovalResponse
	Err      error
}

type pending struct {
	result chan Outcome // buffered, written exactly once by finalize
	done   chan struct{}
	timer  *time.Timer // nil when waiting indefinitely
}

// Broker is the shared pending-approval table. Safe for concurrent Request,
// Respond, and CancelSession across sessions.
type Broker struct {
	mu      sync.Mutex
	pending map[Key]*pending
	logger  *zap.Logger
}

func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		pending: make(map[Key]*pending),
		logger:  logger.Named("approval"),
	}
}

// Request registers a pending approval for key and blocks until it resolves.
// Resolution is one of: a matching Respond (its response is returned), the
// timeout elapsing (*TimeoutError), CancelSession (ErrCancelled), or ctx
// ending (its error). A timeout of zero means wait indefinitely. If an entry
// for the same key is already outstanding, Request waits for it to resolve
// before registering its own.
func (b *Broker) Request(ctx context.Context, key Key, timeout time.Duration) (*schemas.ApprovalResponse, error) {
	entry, err := b.register(ctx, key, timeout)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-entry.result:
		return out.Response, out.Err
	case <-ctx.Done():
		// The entry must not outlive the caller; whoever finalizes first
		// wins, so a concurrent Respond may still have resolved it.
		if b.finalize(key, entry, Outcome{Err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		out := <-entry.result
		return out.Response, out.Err
	}
}

func (b *Broker) register(ctx context.Context, key Key, timeout time.Duration) (*pending, error) {
	for {
		b.mu.Lock()
		prior, exists := b.pending[key]
		if !exists {
			entry := &pending{
				result: make(chan Outcome, 1),
				done:   make(chan struct{}),
			}
			if timeout > 0 {
				entry.timer = time.AfterFunc(timeout, func() {
					if b.finalize(key, entry, Outcome{Err: &TimeoutError{Key: key, Timeout: timeout}}) {
						b.logger.Warn("Approval timed out; treating as implicit rejection.",
							zap.String("key", key.String()),
							zap.Duration("timeout", timeout))
					}
				})
			}
			b.pending[key] = entry
			b.mu.Unlock()
			return entry, nil
		}
		b.mu.Unlock()

		b.logger.Debug("Approval key busy, waiting for prior request to resolve.",
			zap.String("key", key.String()))
		select {
		case <-prior.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Respond resolves the pending approval for key. It reports false when no
// such approval is outstanding (a late or duplicate response), in which case
// broker state is untouched.
func (b *Broker) Respond(key Key, resp schemas.ApprovalResponse) bool {
	b.mu.Lock()
	entry, ok := b.pending[key]
	b.mu.Unlock()
	if !ok || !b.finalize(key, entry, Outcome{Response: &resp}) {
		b.logger.Warn("Dropping approval response with no pending request.",
			zap.String("key", key.String()))
		return false
	}
	return true
}

// CancelSession rejects every pending approval belonging to sessionID with
// ErrCancelled. Approvals for other sessions are untouched. Safe against a
// concurrent Respond for the same key: whichever finalizes first wins.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	var victims []struct {
		key   Key
		entry *pending
	}
	for key, entry := range b.pending {
		if key.SessionID == sessionID {
			victims = append(victims, struct {
				key   Key
				entry *pending
			}{key, entry})
		}
	}
	b.mu.Unlock()

	swept := 0
	for _, v := range victims {
		if b.finalize(v.key, v.entry, Outcome{Err: ErrCancelled}) {
			swept++
		}
	}
	if swept > 0 {
		b.logger.Info("Swept pending approvals for cancelled session.",
			zap.String("session_id", sessionID),
			zap.Int("count", swept))
	}
	return swept
}

// PendingCount reports the number of outstanding approvals, for transport
// introspection.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// finalize resolves entry with out if it is still the registered entry for
// key. Every resolution path (respond, timeout, cancel, caller ctx) funnels
// through here so the entry is removed and its result delivered exactly once.
func (b *Broker) finalize(key Key, entry *pending, out Outcome) bool {
	b.mu.Lock()
	current, ok := b.pending[key]
	if !ok || current != entry {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, key)
	b.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.result <- out
	close(entry.done)
	return true
}
