// Package proctab selects a swap-out victim: a clock sweep over the
// frame table that gives each in-use frame a second chance before
// evicting it, and tallies the page-fault accounting a process table
// would report. Grounded on the teacher's accnt.go for the counter
// style (atomic fields read back with atomic loads), and on a
// clock/second-chance page-replacement sketch among the other retrieved
// examples for the sweep itself.
package proctab

import (
	"sync"
	"sync/atomic"

	"ramfault/defs"
	"ramfault/mem"
	"ramfault/vm"
)

/// Counters accumulates fault statistics for the whole system. Every
/// field is updated with atomic adds so the demo CLI can sample them
/// without taking a lock.
type Counters struct {
	CowFastPath int64
	CowSplit    int64
	SwapIns     int64
	SwapOuts    int64
}

/// AddCowFastPath records a copy-on-write fault resolved without copying.
func (c *Counters) AddCowFastPath() { atomic.AddInt64(&c.CowFastPath, 1) }

/// AddCowSplit records a copy-on-write fault that allocated a new frame.
func (c *Counters) AddCowSplit() { atomic.AddInt64(&c.CowSplit, 1) }

/// AddSwapIn records a page read back from the swap store.
func (c *Counters) AddSwapIn() { atomic.AddInt64(&c.SwapIns, 1) }

/// AddSwapOut records a page evicted to the swap store.
func (c *Counters) AddSwapOut() { atomic.AddInt64(&c.SwapOuts, 1) }

/// Record updates the counters for a completed PageFault call.
func (c *Counters) Record(kind vm.FaultKind) {
	switch kind {
	case vm.FaultCowFast:
		c.AddCowFastPath()
	case vm.FaultCowSplit:
		c.AddCowSplit()
	case vm.FaultSwapIn:
		c.AddSwapIn()
	}
}

/// Snapshot returns a consistent copy of every counter.
func (c *Counters) Snapshot() Counters {
	return Counters{
		CowFastPath: atomic.LoadInt64(&c.CowFastPath),
		CowSplit:    atomic.LoadInt64(&c.CowSplit),
		SwapIns:     atomic.LoadInt64(&c.SwapIns),
		SwapOuts:    atomic.LoadInt64(&c.SwapOuts),
	}
}

/// Clock walks the frame table round-robin, giving each in-use frame a
/// second chance (clearing PTE_A on every sharer) before selecting it as
/// a swap-out victim. hand persists across calls so repeated sweeps make
/// progress instead of always restarting at frame 0.
type Clock struct {
	mu   sync.Mutex
	hand int
}

/// Victim returns the address of a frame to evict, or false if no in-use
/// frame with recorded sharers is found. It never selects a frame with no
/// recorded sharers (such as one allocated but not yet mapped):
/// vm.SwapOut has no PTE to rewrite for it and refuses it.
func (c *Clock) Victim(phys *mem.Physmem_t) (defs.Pa_t, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := phys.NumFrames()
	if n == 0 {
		return 0, false
	}
	for sweeps := 0; sweeps < 2*n; sweeps++ {
		idx := c.hand
		c.hand = (c.hand + 1) % n
		pa, inuse := phys.FrameAt(idx)
		if !inuse {
			continue
		}
		sharers := phys.Sharers(pa)
		if len(sharers) == 0 {
			continue
		}
		if accessed, cleared := ageLocked(pa, sharers); accessed {
			_ = cleared
			continue
		}
		return pa, true
	}
	return 0, false
}

// ageLocked reports whether any sharer's PTE has the accessed bit set,
// clearing it everywhere it finds it (the second-chance pass).
func ageLocked(pa defs.Pa_t, sharers []defs.PteRef_t) (accessed bool, cleared int) {
	for _, ref := range sharers {
		as, ok := vm.Resolve(ref)
		if !ok {
			continue
		}
		pte := as.PTE(ref.VA)
		if pte&defs.PTE_A != 0 {
			accessed = true
			as.ClearAccessed(ref.VA)
			cleared++
		}
	}
	return accessed, cleared
}
