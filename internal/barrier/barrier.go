// Package barrier implements the reusable counting barrier used to
// synchronise the work-items of a single work-group.
package barrier

import "sync"

// Barrier rendezvous a fixed number of goroutines, any number of times.
//
// Each episode is identified by sequenceID. The first goroutine to arrive in
// an episode becomes its leader: it waits for the others on entry, then resets
// the count, advances sequenceID and releases everyone on exit. Followers wait
// for sequenceID to move past the value they saw on arrival, so a goroutine
// that races ahead into the next episode is never released by a broadcast
// meant for the previous one.
//
// The zero value is ready to use. A Barrier must not be copied after first use.
type Barrier struct {
	mu             sync.Mutex
	entry          sync.Cond
	exit           sync.Cond
	threadsEntered int
	sequenceID     uint64
	init           sync.Once
}

// New returns a ready Barrier.
func New() *Barrier {
	b := &Barrier{}
	b.lazyInit()
	return b
}

func (b *Barrier) lazyInit() {
	b.init.Do(func() {
		b.entry.L = &b.mu
		b.exit.L = &b.mu
	})
}

// Wait blocks until numThreads goroutines have called Wait for the current
// episode. Passing a count that does not match the number of participants
// deadlocks.
func (b *Barrier) Wait(numThreads int) {
	b.lazyInit()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threadsEntered == 0 {
		b.threadsEntered++
		for b.threadsEntered < numThreads {
			b.entry.Wait()
		}
		b.threadsEntered = 0
		b.sequenceID++
		b.exit.Broadcast()
		return
	}

	seq := b.sequenceID
	b.threadsEntered++
	b.entry.Signal()
	for b.sequenceID == seq {
		b.exit.Wait()
	}
}

// Episodes returns the number of completed barrier episodes.
func (b *Barrier) Episodes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequenceID
}
