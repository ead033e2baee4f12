package proctab

import (
	"testing"

	"ramfault/defs"
	"ramfault/mem"
	"ramfault/vm"
)

func newTestPhysmem(t *testing.T, nframes int) *mem.Physmem_t {
	t.Helper()
	phystop := uint64(nframes * defs.PageSize)
	p, err := mem.New(phystop, 0)
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	p.Init(0, phystop)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestClockSkipsFreeFrames(t *testing.T) {
	phys := newTestPhysmem(t, 4)
	var c Clock
	if _, ok := c.Victim(phys); ok {
		t.Fatal("Victim found a candidate with every frame free")
	}
}

func TestClockPicksUnaccessedSharer(t *testing.T) {
	phys := newTestPhysmem(t, 1)
	as := vm.New()
	defer as.Close()

	pa := phys.Alloc()
	as.Map(0x1000, pa, defs.PTE_U, phys)

	var c Clock
	victim, ok := c.Victim(phys)
	if !ok {
		t.Fatal("Victim found no candidate despite one in-use frame")
	}
	if victim != pa {
		t.Fatalf("Victim = %#x, want %#x", victim, pa)
	}
}

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.Record(vm.FaultCowFast)
	c.Record(vm.FaultCowSplit)
	c.Record(vm.FaultSwapIn)
	c.Record(vm.FaultNone)
	snap := c.Snapshot()
	if snap.CowFastPath != 1 || snap.CowSplit != 1 || snap.SwapIns != 1 {
		t.Fatalf("Snapshot = %+v, want one of each", snap)
	}
}
