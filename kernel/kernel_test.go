package kernel

import (
	"testing"

	"ramfault/blockdev"
	"ramfault/config"
	"ramfault/defs"
)

func newTestSystem(t *testing.T, phystop uint64, swapblocks int) *System {
	t.Helper()
	lim := config.Default()
	lim.Phystop = phystop
	lim.ReservedEnd = 0
	lim.Swapblocks = swapblocks
	sys, err := New(lim, blockdev.NewMemDevice())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

// TestAllocUnderPressureSwapsOutAutomatically covers scenario S6: once
// physical memory is exhausted, Alloc must transparently evict a victim
// rather than fail.
func TestAllocUnderPressureSwapsOutAutomatically(t *testing.T) {
	sys := newTestSystem(t, uint64(2*defs.PageSize), 16)

	as := sys.NewAddressSpace()
	defer as.Close()

	sys.Alloc(as, 0x1000, defs.PTE_W|defs.PTE_U)
	sys.Alloc(as, 0x2000, defs.PTE_W|defs.PTE_U)

	if got := sys.Swap.NumFree(); got != 2 {
		t.Fatalf("swap slots free before pressure = %d, want 2", got)
	}

	// a third allocation has no free frame; the exhaustion hook must swap
	// out one of the two mapped pages.
	sys.Alloc(as, 0x3000, defs.PTE_W|defs.PTE_U)

	if got := sys.Swap.NumFree(); got != 1 {
		t.Fatalf("swap slots free after pressure = %d, want 1 (one eviction)", got)
	}
	if got := sys.Counters.Snapshot().SwapOuts; got != 1 {
		t.Fatalf("SwapOuts = %d, want 1", got)
	}
}

// TestForkThenWriteSplitsCOWPage covers scenarios S2/S3: a forked page is
// shared read-only, and the first write from either side splits it.
func TestForkThenWriteSplitsCOWPage(t *testing.T) {
	sys := newTestSystem(t, uint64(4*defs.PageSize), 16)

	parent := sys.NewAddressSpace()
	defer parent.Close()
	child := sys.NewAddressSpace()
	defer child.Close()

	pa := sys.Alloc(parent, 0x1000, defs.PTE_W|defs.PTE_U)
	sys.Fork(parent, child)

	if got := sys.Phys.Refcnt(pa); got != 2 {
		t.Fatalf("Refcnt after fork = %d, want 2", got)
	}

	if err := sys.Fault(child, 0x1000, true); err != 0 {
		t.Fatalf("Fault (write) err = %v", err)
	}
	if got := sys.Counters.Snapshot().CowSplit; got != 1 {
		t.Fatalf("CowSplit = %d, want 1", got)
	}
	if got := sys.Phys.Refcnt(pa); got != 1 {
		t.Fatalf("parent Refcnt after split = %d, want 1", got)
	}
}

// TestSoleOwnerWriteTakesFastPath covers scenario S1: forking, then
// letting the parent's only remaining reference write, must not allocate
// a new frame once the child has dropped its share.
func TestSoleOwnerWriteTakesFastPath(t *testing.T) {
	sys := newTestSystem(t, uint64(4*defs.PageSize), 16)

	parent := sys.NewAddressSpace()
	defer parent.Close()
	child := sys.NewAddressSpace()
	defer child.Close()

	pa := sys.Alloc(parent, 0x1000, defs.PTE_W|defs.PTE_U)
	sys.Fork(parent, child)
	child.Unmap(0x1000, sys.Phys, sys.Swap)

	if got := sys.Phys.Refcnt(pa); got != 1 {
		t.Fatalf("Refcnt after child unmaps = %d, want 1", got)
	}

	if err := sys.Fault(parent, 0x1000, true); err != 0 {
		t.Fatalf("Fault (write) err = %v", err)
	}
	if got := sys.Counters.Snapshot().CowFastPath; got != 1 {
		t.Fatalf("CowFastPath = %d, want 1", got)
	}
}
