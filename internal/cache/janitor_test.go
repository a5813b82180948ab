package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	sweeps chan struct{}
}

func (s *countingStore) Sweep() int {
	select {
	case s.sweeps <- struct{}{}:
	default:
	}
	return 0
}

func TestRunJanitorSweepsUntilCanceled(t *testing.T) {
	s := &countingStore{Store: NewCache(Options{}), sweeps: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, s, 5*time.Millisecond, nil)
		close(done)
	}()

	select {
	case <-s.sweeps:
	case <-time.After(time.Second):
		t.Fatal("janitor did not sweep")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRunJanitorDisabled(t *testing.T) {
	s := &countingStore{Store: NewCache(Options{}), sweeps: make(chan struct{}, 1)}
	RunJanitor(context.Background(), s, 0, nil)
	assert.Empty(t, s.sweeps)
}

func TestJanitorReclaimsExpiredItems(t *testing.T) {
	c := NewCache(Options{Shards: 2})
	require.NoError(t, c.Set("gone", 0, []byte("v"), -1))
	require.NoError(t, c.Set("soon", 0, []byte("v"), 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, c, 20*time.Millisecond, nil)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return c.Stats().Items == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Reclaimed)
}
