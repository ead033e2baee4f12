// Package kernel wires the frame allocator, the swap store and the
// clock-sweep victim selector into one running system: it installs the
// swap-out path as mem.Physmem_t's exhaustion hook and exposes the
// operations a caller drives an address space through (alloc, fork,
// fault). Kept a leaf-free top-level package, the way the teacher's
// boot sequence (main/sys packages) assembles independently-testable
// subsystems rather than letting them reach into each other directly.
package kernel

import (
	"ramfault/blockdev"
	"ramfault/config"
	"ramfault/defs"
	"ramfault/mem"
	"ramfault/proctab"
	"ramfault/swap"
	"ramfault/vm"
)

/// System owns one running instance: the physical memory it manages, the
/// swap area backing it, and the fault/victim-selection counters.
type System struct {
	Limits   *config.Limits_t
	Phys     *mem.Physmem_t
	Swap     *swap.Store
	Counters *proctab.Counters
	clock    proctab.Clock
}

/// New builds a System from lim, using disk as the swap store's backing
/// device, and installs the clock-sweep swap-out path as the allocator's
/// exhaustion hook.
func New(lim *config.Limits_t, disk blockdev.Device) (*System, error) {
	phys, err := mem.New(lim.Phystop, lim.ReservedEnd)
	if err != nil {
		return nil, err
	}
	phys.Init(lim.ReservedEnd, lim.Phystop)

	sys := &System{
		Limits:   lim,
		Phys:     phys,
		Swap:     swap.New(lim, disk),
		Counters: &proctab.Counters{},
	}
	phys.OnExhausted = sys.swapOut
	return sys, nil
}

func (s *System) swapOut() bool {
	pa, ok := s.clock.Victim(s.Phys)
	if !ok {
		return false
	}
	if !vm.SwapOut(pa, s.Phys, s.Swap) {
		return false
	}
	s.Counters.AddSwapOut()
	return true
}

/// NewAddressSpace creates an address space registered against this
/// system's fault resolution.
func (s *System) NewAddressSpace() *vm.Vm_t {
	return vm.New()
}

/// Alloc reserves a fresh zeroed frame and maps it into as at va with
/// perm, transparently swapping out a victim if physical memory is
/// exhausted.
func (s *System) Alloc(as *vm.Vm_t, va uintptr, perm defs.Pa_t) defs.Pa_t {
	pa := s.Phys.Alloc()
	page := s.Phys.Dmap(pa)
	for i := range page {
		page[i] = 0
	}
	as.Map(va, pa, perm, s.Phys)
	return pa
}

/// Fork clones the address space relationship between parent and child,
/// sharing every frame copy-on-write and every swapped-out page lazily.
func (s *System) Fork(parent, child *vm.Vm_t) {
	parent.Fork(child, s.Phys, s.Swap)
}

/// Fault resolves a page fault at va in as, updating fault counters.
func (s *System) Fault(as *vm.Vm_t, va uintptr, iswrite bool) defs.Err_t {
	err, kind := as.PageFault(va, iswrite, s.Phys, s.Swap)
	s.Counters.Record(kind)
	return err
}

/// Close releases the physical arena.
func (s *System) Close() error {
	return s.Phys.Close()
}
