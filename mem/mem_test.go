package mem

import (
	"testing"

	"ramfault/defs"

	"golang.org/x/sync/errgroup"
)

func newTestPhysmem(t *testing.T, nframes int) *Physmem_t {
	t.Helper()
	phystop := uint64(nframes * defs.PageSize)
	p, err := New(phystop, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Init(0, phystop)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := newTestPhysmem(t, 4)
	if got := p.NumFree(); got != 4 {
		t.Fatalf("NumFree = %d, want 4", got)
	}
	pa := p.Alloc()
	if got := p.NumFree(); got != 3 {
		t.Fatalf("NumFree after Alloc = %d, want 3", got)
	}
	if got := p.Refcnt(pa); got != 1 {
		t.Fatalf("Refcnt after Alloc = %d, want 1", got)
	}
	p.Free(pa)
	if got := p.NumFree(); got != 4 {
		t.Fatalf("NumFree after Free = %d, want 4", got)
	}
}

// TestDoubleFreeIsNoOp covers scenario S5: freeing an already-free frame
// must not corrupt the free list by pushing the same frame onto it twice.
func TestDoubleFreeIsNoOp(t *testing.T) {
	p := newTestPhysmem(t, 2)
	pa := p.Alloc()
	p.Free(pa)
	if got := p.NumFree(); got != 2 {
		t.Fatalf("NumFree after first Free = %d, want 2", got)
	}
	p.Free(pa)
	if got := p.NumFree(); got != 2 {
		t.Fatalf("NumFree after double Free = %d, want 2 (must stay a no-op)", got)
	}
	// the free list must still be exactly 2 long, not contain pa twice.
	a := p.Alloc()
	b := p.Alloc()
	if a == b {
		t.Fatalf("Alloc returned the same frame twice: %#x", a)
	}
	if got := p.NumFree(); got != 0 {
		t.Fatalf("NumFree after draining = %d, want 0", got)
	}
}

func TestReclaimIgnoresRefcount(t *testing.T) {
	p := newTestPhysmem(t, 1)
	pa := p.Alloc()
	p.Refup(pa)
	p.Refup(pa)
	if got := p.Refcnt(pa); got != 3 {
		t.Fatalf("Refcnt = %d, want 3", got)
	}
	p.Reclaim(pa)
	if got := p.NumFree(); got != 1 {
		t.Fatalf("NumFree after Reclaim = %d, want 1", got)
	}
	if got := p.Refcnt(p.Alloc()); got != 1 {
		t.Fatalf("Refcnt of reclaimed-then-reallocated frame = %d, want 1", got)
	}
}

func TestSharersTrackedAlongsideRefcount(t *testing.T) {
	p := newTestPhysmem(t, 1)
	pa := p.Alloc()
	ref := defs.PteRef_t{VA: 0x1000}
	p.AddSharer(pa, ref)
	if got := p.Sharers(pa); len(got) != 1 || got[0] != ref {
		t.Fatalf("Sharers = %v, want [%v]", got, ref)
	}
	p.RemoveSharer(pa, ref)
	if got := p.Sharers(pa); len(got) != 0 {
		t.Fatalf("Sharers after remove = %v, want empty", got)
	}
}

// TestAllocExhaustionInvokesOnExhausted covers property: alloc under
// pressure synchronously drives the installed swap-out hook rather than
// failing.
func TestAllocExhaustionInvokesOnExhausted(t *testing.T) {
	p := newTestPhysmem(t, 1)
	first := p.Alloc()
	called := false
	p.OnExhausted = func() bool {
		if called {
			return false
		}
		called = true
		p.Free(first)
		return true
	}
	second := p.Alloc()
	if !called {
		t.Fatal("OnExhausted was never invoked")
	}
	if second != first {
		t.Fatalf("Alloc after recovering from exhaustion = %#x, want the freed frame %#x", second, first)
	}
}

func TestAllocPanicsWhenNoHookAndNoFrames(t *testing.T) {
	p := newTestPhysmem(t, 1)
	p.Alloc()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when frames are exhausted with no OnExhausted hook")
		}
	}()
	p.Alloc()
}

// TestConcurrentAllocNeverDoubleIssues exercises the allocator from
// many goroutines at once and checks that no two concurrent Allocs ever
// return the same frame.
func TestConcurrentAllocNeverDoubleIssues(t *testing.T) {
	const nframes = 8
	p := newTestPhysmem(t, nframes)

	var g errgroup.Group
	results := make(chan defs.Pa_t, nframes)
	for i := 0; i < nframes; i++ {
		g.Go(func() error {
			results <- p.Alloc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
	close(results)

	seen := make(map[defs.Pa_t]bool)
	for pa := range results {
		if seen[pa] {
			t.Fatalf("frame %#x allocated twice concurrently", pa)
		}
		seen[pa] = true
	}
	if len(seen) != nframes {
		t.Fatalf("got %d distinct frames, want %d", len(seen), nframes)
	}
}
