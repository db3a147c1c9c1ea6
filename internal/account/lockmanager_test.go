package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_FIFOWithinAccount(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	const n = 50
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// stagger submission so enqueue order is deterministic
			m.Run(context.Background(), "acct-1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "task %d executed out of order", i)
	}
}

func TestRun_DistinctAccountsRunInParallel(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	started := make(chan string, 2)
	release := make(chan struct{})

	var wg sync.WaitGroup
	for _, acct := range []string{"a", "b"} {
		acct := acct
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(context.Background(), acct, func(ctx context.Context) error {
				started <- acct
				<-release
				return nil
			})
		}()
	}

	// both tasks must be running at once
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case acct := <-started:
			seen[acct] = true
		case <-time.After(time.Second):
			t.Fatal("tasks did not run in parallel")
		}
	}
	assert.True(t, seen["a"] && seen["b"])
	close(release)
	wg.Wait()
}

func TestRun_GlobalCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentGlobal = 2
	m := NewManager(cfg)
	defer m.Stop()

	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		acct := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Run(context.Background(), acct, func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

func TestRun_FailureAdvancesQueue(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	boom := errors.New("boom")
	err := m.Run(context.Background(), "acct", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = m.Run(context.Background(), "acct", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestRun_PanicBecomesError(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	err := m.Run(context.Background(), "acct", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// queue still advances
	assert.NoError(t, m.Run(context.Background(), "acct", func(ctx context.Context) error { return nil }))
}

func TestRun_TaskTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	m := NewManager(cfg)
	defer m.Stop()

	err := m.Run(context.Background(), "acct", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the slot was released
	assert.NoError(t, m.Run(context.Background(), "acct", func(ctx context.Context) error { return nil }))
}

func TestStop_RejectsNewWork(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.Stop()

	err := m.Run(context.Background(), "acct", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestReaper_RemovesIdleQueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueIdleTTL = 10 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	m := NewManager(cfg)
	defer m.Stop()

	require.NoError(t, m.Run(context.Background(), "acct", func(ctx context.Context) error { return nil }))
	assert.Equal(t, 1, m.QueueCount())

	assert.Eventually(t, func() bool { return m.QueueCount() == 0 }, time.Second, 5*time.Millisecond)
}
