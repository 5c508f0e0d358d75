package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camberville/eventline/internal/storetest"
)

func TestGuard_WinnerRunsOnce(t *testing.T) {
	g := New(storetest.NewFake(), WithPollInterval(5*time.Millisecond), WithMaxWait(time.Second))

	var calls int32
	id, err := g.Run(context.Background(), "key-1", func(ctx context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	// Replay returns the recorded outcome without re-running fn.
	id, err = g.Run(context.Background(), "key-1", func(ctx context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return 99, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGuard_ParallelClaims(t *testing.T) {
	fake := storetest.NewFake()
	g := New(fake, WithPollInterval(5*time.Millisecond), WithMaxWait(2*time.Second))

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 7, nil
	}

	const waiters = 5
	ids := make([]int64, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = g.Run(context.Background(), "shared", fn)
		}(i)
	}

	// Let everyone claim, then let the single winner finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(7), ids[i])
	}
}

func TestGuard_FailureIsTerminal(t *testing.T) {
	fake := storetest.NewFake()
	g := New(fake, WithPollInterval(5*time.Millisecond), WithMaxWait(time.Second))

	boom := errors.New("extraction exploded")
	_, err := g.Run(context.Background(), "key-f", func(ctx context.Context) (int64, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	// Replays see the recorded failure, not a fresh attempt.
	var calls int32
	_, err = g.Run(context.Background(), "key-f", func(ctx context.Context) (int64, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUploadFailed))
	assert.Contains(t, err.Error(), "extraction exploded")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestGuard_BoundedWaitExpires(t *testing.T) {
	fake := storetest.NewFake()
	// Claim the key but never resolve it.
	won, err := fake.ClaimIdempotencyKey(context.Background(), "stuck")
	require.NoError(t, err)
	require.True(t, won)

	g := New(fake, WithPollInterval(5*time.Millisecond), WithMaxWait(30*time.Millisecond))
	_, err = g.Run(context.Background(), "stuck", func(ctx context.Context) (int64, error) {
		t.Fatal("fn must not run for a lost claim")
		return 0, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStillPending))
}
