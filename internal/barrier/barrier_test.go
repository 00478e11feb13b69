package barrier

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSingleThread(t *testing.T) {
	t.Parallel()
	b := New()
	for range 3 {
		b.Wait(1)
	}
	assert.Equal(t, uint64(3), b.Episodes())
}

func TestWaitReleasesOnlyAfterAllArrive(t *testing.T) {
	t.Parallel()
	for _, n := range []int{2, 3, 4, 8, 16} {
		b := New()
		var arrived atomic.Int32
		var early atomic.Int32
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				arrived.Add(1)
				b.Wait(n)
				if arrived.Load() != int32(n) {
					early.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Zero(t, early.Load(), "n=%d: released before all arrived", n)
		assert.Equal(t, uint64(1), b.Episodes())
	}
}

func TestWaitIsReusable(t *testing.T) {
	t.Parallel()
	const (
		threads = 6
		rounds  = 200
	)
	b := New()
	var counters [rounds]atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup
	for range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range rounds {
				counters[r].Add(1)
				b.Wait(threads)
				if counters[r].Load() != threads {
					violations.Add(1)
				}
				// back-to-back episode
				b.Wait(threads)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, violations.Load())
	assert.Equal(t, uint64(2*rounds), b.Episodes())
}

func TestZeroValueBarrier(t *testing.T) {
	t.Parallel()
	var b Barrier
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Wait(2)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1), b.Episodes())
}
