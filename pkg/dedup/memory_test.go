package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryMarkProcessedClaimsOnce(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	claimed, err := r.TryMarkProcessed(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = r.TryMarkProcessed(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.False(t, claimed, "redelivery of a claimed message loses")

	// Same message id under a different consumer is independent.
	claimed, err = r.TryMarkProcessed(ctx, "c2", "m1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestIsProcessedThenMark(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	seen, err := r.IsProcessed(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, r.MarkProcessed(ctx, "c1", "m1"))

	seen, err = r.IsProcessed(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestUnmarkReopensClaim(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	claimed, err := r.TryMarkProcessed(ctx, "c1", "m1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, r.Unmark(ctx, "c1", "m1"))

	claimed, err = r.TryMarkProcessed(ctx, "c1", "m1")
	require.NoError(t, err)
	assert.True(t, claimed, "a released claim is claimable again")
}

func TestConcurrentClaimsYieldOneWinner(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := r.TryMarkProcessed(ctx, "c1", "contested")
			if err == nil && claimed {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
