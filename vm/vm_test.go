package vm

import (
	"testing"

	"ramfault/blockdev"
	"ramfault/config"
	"ramfault/defs"
	"ramfault/mem"
	"ramfault/swap"
)

func newTestEnv(t *testing.T, nframes int) (*mem.Physmem_t, *swap.Store) {
	t.Helper()
	phystop := uint64(nframes * defs.PageSize)
	phys, err := mem.New(phystop, 0)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	phys.Init(0, phystop)
	t.Cleanup(func() { phys.Close() })

	lim := config.Default()
	lim.Swapblocks = 16
	store := swap.New(lim, blockdev.NewMemDevice())
	return phys, store
}

const va = uintptr(0x2000)

func TestCowFastPathClaimsSoleOwner(t *testing.T) {
	phys, store := newTestEnv(t, 2)
	as := New()
	defer as.Close()

	pa := phys.Alloc()
	as.Map(va, pa, defs.PTE_W|defs.PTE_U, phys)
	// downgrade to COW manually, as Fork would for a shared mapping.
	pte := as.PTE(va)
	as.ptes[va] = (pte &^ defs.PTE_W) | defs.PTE_COW

	err, kind := as.PageFault(va, true, phys, store)
	if err != 0 {
		t.Fatalf("PageFault err = %v", err)
	}
	if kind != FaultCowFast {
		t.Fatalf("kind = %v, want FaultCowFast", kind)
	}
	if got := as.PTE(va) & defs.PTE_W; got == 0 {
		t.Fatal("page not writable after fast-path claim")
	}
	if got := phys.Refcnt(pa); got != 1 {
		t.Fatalf("Refcnt after fast-path claim = %d, want 1 (no new frame)", got)
	}
}

func TestCowSplitAllocatesNewFrame(t *testing.T) {
	phys, store := newTestEnv(t, 3)
	parent := New()
	defer parent.Close()
	child := New()
	defer child.Close()

	pa := phys.Alloc()
	parent.Map(va, pa, defs.PTE_W|defs.PTE_U, phys)
	parent.Fork(child, phys, store)

	if got := phys.Refcnt(pa); got != 2 {
		t.Fatalf("Refcnt after fork = %d, want 2", got)
	}

	err, kind := child.PageFault(va, true, phys, store)
	if err != 0 {
		t.Fatalf("PageFault err = %v", err)
	}
	if kind != FaultCowSplit {
		t.Fatalf("kind = %v, want FaultCowSplit", kind)
	}
	childPte := child.PTE(va)
	parentPte := parent.PTE(va)
	if childPte&defs.PageMask == parentPte&defs.PageMask {
		t.Fatal("child still shares the parent's frame after a COW split")
	}
	if phys.Refcnt(pa) != 1 {
		t.Fatalf("parent frame Refcnt after split = %d, want 1", phys.Refcnt(pa))
	}
}

func TestSwapOutThenFaultInRestoresContents(t *testing.T) {
	phys, store := newTestEnv(t, 2)
	as := New()
	defer as.Close()

	pa := phys.Alloc()
	page := phys.Dmap(pa)
	page[0] = 0x42
	as.Map(va, pa, defs.PTE_W|defs.PTE_U, phys)

	if !SwapOut(pa, phys, store) {
		t.Fatal("SwapOut reported no victim sharers")
	}
	if pte := as.PTE(va); pte&defs.SWAPPED == 0 {
		t.Fatalf("PTE after swap-out = %#x, want SWAPPED set", pte)
	}

	err, kind := as.PageFault(va, false, phys, store)
	if err != 0 {
		t.Fatalf("PageFault (swap-in) err = %v", err)
	}
	if kind != FaultSwapIn {
		t.Fatalf("kind = %v, want FaultSwapIn", kind)
	}
	newPte := as.PTE(va)
	if newPte&defs.PTE_P == 0 {
		t.Fatal("page not present after swap-in")
	}
	newPa := newPte & defs.PageMask
	if got := phys.Dmap(newPa)[0]; got != 0x42 {
		t.Fatalf("swapped-in byte = %#x, want 0x42", got)
	}
}

func TestForkOfSwappedPageIsNonWritableUntilFault(t *testing.T) {
	phys, store := newTestEnv(t, 3)
	parent := New()
	defer parent.Close()
	child := New()
	defer child.Close()

	pa := phys.Alloc()
	parent.Map(va, pa, defs.PTE_W|defs.PTE_U, phys)
	if !SwapOut(pa, phys, store) {
		t.Fatal("SwapOut reported no victim sharers")
	}

	parent.Fork(child, phys, store)
	childPte := child.PTE(va)
	if childPte&defs.SWAPPED == 0 {
		t.Fatal("child did not inherit the swapped-out mapping")
	}

	// swap both in; neither should come back writable until a write fault.
	if err, _ := child.PageFault(va, false, phys, store); err != 0 {
		t.Fatalf("child swap-in err = %v", err)
	}
	if got := child.PTE(va) & defs.PTE_W; got != 0 {
		t.Fatal("child page writable immediately after swap-in of a forked slot")
	}
}
