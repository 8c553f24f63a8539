package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSerializesPerKey(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var running, overlap atomic.Int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.Do(context.Background(), "o-1", func(context.Context) error {
				if running.Add(1) > 1 {
					overlap.Add(1)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, overlap.Load())
	assert.Len(t, order, 20)
	assert.Zero(t, p.Active())
}

func TestPoolRunsKeysConcurrently(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	var wg sync.WaitGroup
	for _, key := range []string{"o-1", "o-2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = p.Do(context.Background(), key, func(context.Context) error {
				started.Done()
				<-release
				return nil
			})
		}(key)
	}

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keys did not run concurrently")
	}
	close(release)
	wg.Wait()
}

func TestPoolReturnsTaskError(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	boom := errors.New("boom")
	err := p.Do(context.Background(), "o-1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.Do(context.Background(), "o-1", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestPoolCancelledContext(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := p.Do(ctx, "o-1", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Do(context.Background(), fmt.Sprintf("o-%d", i), func(context.Context) error { return nil }))
	}
	p.Close()

	err := p.Do(context.Background(), "o-1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestMemoryInbox(t *testing.T) {
	inbox := NewMemoryInbox()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inbox.clock = func() time.Time { return now }
	ctx := context.Background()

	seen, err := inbox.Seen(ctx, "g:e-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, inbox.MarkProcessed(ctx, "g:e-1", time.Minute))
	require.NoError(t, inbox.MarkProcessed(ctx, "g:e-2", 0))

	seen, _ = inbox.Seen(ctx, "g:e-1")
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = inbox.Seen(ctx, "g:e-1")
	assert.False(t, seen)
	seen, _ = inbox.Seen(ctx, "g:e-2")
	assert.True(t, seen)

	require.NoError(t, inbox.MarkProcessed(ctx, "g:e-3", time.Second))
	now = now.Add(time.Minute)
	assert.Equal(t, 1, inbox.Sweep())
}
