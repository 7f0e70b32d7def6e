package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/webpilot-dev/webpilot/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func stepKey(session string, index int) Key {
	return Key{SessionID: session, Index: index, Namespace: NamespaceStep}
}

func TestRequest_ResolvedByRespond(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	key := stepKey("s1", 0)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotResp *schemas.ApprovalResponse
	var gotErr error
	go func() {
		defer wg.Done()
		gotResp, gotErr = broker.Request(context.Background(), key, 0)
	}()

	require.Eventually(t, func() bool { return broker.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	assert.True(t, broker.Respond(key, schemas.ApprovalResponse{Approved: true, Reason: "looks right"}))
	wg.Wait()

	require.NoError(t, gotErr)
	require.NotNil(t, gotResp)
	assert.True(t, gotResp.Approved)
	assert.Equal(t, "looks right", gotResp.Reason)
	assert.Zero(t, broker.PendingCount())
}

func TestRespond_UnknownKeyIsNoOp(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	key := stepKey("ghost", 3)

	// Twice, to prove the first no-op did not disturb broker state.
	assert.False(t, broker.Respond(key, schemas.ApprovalResponse{Approved: true}))
	assert.False(t, broker.Respond(key, schemas.ApprovalResponse{Approved: true}))
	assert.Zero(t, broker.PendingCount())
}

func TestRequest_TimeoutRemovesKey(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	key := stepKey("s1", 0)

	start := time.Now()
	resp, err := broker.Request(context.Background(), key, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Nil(t, resp)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, key, timeoutErr.Key)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// The key is gone: a late response has nothing to resolve.
	assert.False(t, broker.Respond(key, schemas.ApprovalResponse{Approved: true}))
}

func TestCancelSession_SweepsOnlyThatSession(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))

	keys := []Key{
		stepKey("victim", 0),
		{SessionID: "victim", Index: 0, Namespace: NamespaceSnapshot},
		stepKey("bystander", 0),
	}

	errs := make(map[Key]error, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			_, err := broker.Request(context.Background(), k, 0)
			mu.Lock()
			errs[k] = err
			mu.Unlock()
		}(key)
	}

	require.Eventually(t, func() bool { return broker.PendingCount() == 3 },
		time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, broker.CancelSession("victim"))

	// The bystander is still pending and resolvable.
	require.Eventually(t, func() bool { return broker.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.True(t, broker.Respond(stepKey("bystander", 0), schemas.ApprovalResponse{Approved: true}))
	wg.Wait()

	assert.ErrorIs(t, errs[keys[0]], ErrCancelled)
	assert.ErrorIs(t, errs[keys[1]], ErrCancelled)
	assert.NoError(t, errs[keys[2]])
}

func TestCancelSession_NothingPending(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	assert.Zero(t, broker.CancelSession("nobody"))
}

func TestRequest_SameKeyWaitsForPrior(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	key := stepKey("s1", 0)

	firstStarted := make(chan struct{})
	var first, second *schemas.ApprovalResponse
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		close(firstStarted)
		first, _ = broker.Request(context.Background(), key, 0)
	}()
	go func() {
		defer wg.Done()
		<-firstStarted
		time.Sleep(20 * time.Millisecond)
		second, _ = broker.Request(context.Background(), key, 0)
	}()

	// Resolve twice; each Respond must land on exactly one request.
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool {
			return broker.Respond(key, schemas.ApprovalResponse{Approved: true})
		}, time.Second, 5*time.Millisecond)
	}
	wg.Wait()

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Zero(t, broker.PendingCount())
}

func TestRequest_CallerContextCancelled(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	key := stepKey("s1", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := broker.Request(ctx, key, 0)
		done <- err
	}()

	require.Eventually(t, func() bool { return broker.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("request did not unblock on context cancellation")
	}
	assert.Zero(t, broker.PendingCount())
}

func TestRespond_RaceWithCancelIsSingleWinner(t *testing.T) {
	broker := NewBroker(zaptest.NewLogger(t))
	key := stepKey("s1", 0)

	done := make(chan struct{})
	var resp *schemas.ApprovalResponse
	var err error
	go func() {
		defer close(done)
		resp, err = broker.Request(context.Background(), key, 0)
	}()

	require.Eventually(t, func() bool { return broker.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	responded := broker.Respond(key, schemas.ApprovalResponse{Approved: false})
	swept := broker.CancelSession("s1")
	<-done

	if responded {
		assert.Zero(t, swept)
		require.NotNil(t, resp)
		assert.False(t, resp.Approved)
	} else {
		assert.Equal(t, 1, swept)
		assert.ErrorIs(t, err, ErrCancelled)
	}
}
