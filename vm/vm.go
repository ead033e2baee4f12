// Package vm implements one address space's page table and its fault
// handler: the copy-on-write fast path and split path, and demand-paged
// swap-in, all driven off a single Pa_t-encoded PTE per virtual page.
// Grounded on the teacher's vm/as.go Sys_pgfault/Page_insert, trimmed of
// the file-backed VFS mapping, userbuf and process-table machinery that
// this domain has no use for (spec.md's Non-goals exclude a filesystem).
package vm

import (
	"sync"

	"ramfault/defs"
	"ramfault/mem"
	"ramfault/swap"

	"github.com/google/uuid"
)

var (
	registryMu sync.Mutex
	registry   = map[uuid.UUID]*Vm_t{}
)

/// Vm_t is one process's page table: a sparse map from page-aligned
/// virtual address to a Pa_t encoding both the physical frame and the
/// PTE's permission/state bits, the same encoding the teacher's pmap
/// entries use.
type Vm_t struct {
	mu   sync.Mutex
	ID   uuid.UUID
	ptes map[uintptr]defs.Pa_t
}

/// New creates an address space and registers it so swap and COW
/// back-references (defs.PteRef_t) can be resolved to a live *Vm_t.
func New() *Vm_t {
	as := &Vm_t{ID: uuid.New(), ptes: make(map[uintptr]defs.Pa_t)}
	registryMu.Lock()
	registry[as.ID] = as
	registryMu.Unlock()
	return as
}

/// Close drops as from the resolution registry. Callers must have
/// already torn down every mapping.
func (as *Vm_t) Close() {
	registryMu.Lock()
	delete(registry, as.ID)
	registryMu.Unlock()
}

/// Resolve finds the live address space named by ref, if any. A miss
/// means the owning address space has exited since ref was recorded;
/// callers treat that as "nothing to rewrite."
func Resolve(ref defs.PteRef_t) (*Vm_t, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	as, ok := registry[ref.ASID]
	return as, ok
}

func pageAddr(va uintptr) uintptr {
	return va &^ uintptr(defs.PageOffset)
}

/// encodeSlot builds the not-present PTE for a swapped-out page: the
/// page-number field holds the slot's disk block number, not the bare slot
/// index, exactly as pageswap.c's inc_block_refcount does
/// ((2 + 8*blockno) << PTXSHIFT | PTE_SWAPPED).
func encodeSlot(slot int) defs.Pa_t {
	return defs.Pa_t(swap.Sector(slot))<<defs.PageShift | defs.SWAPPED
}

func decodeSlot(pte defs.Pa_t) int {
	pagenum := uint64((pte &^ defs.SWAPPED) >> defs.PageShift)
	return swap.SlotForPagenum(pagenum)
}

/// Ref returns the back-reference to identify this mapping in a frame's
/// or slot's sharers table.
func (as *Vm_t) Ref(va uintptr) defs.PteRef_t {
	return defs.PteRef_t{ASID: as.ID, VA: pageAddr(va)}
}

/// Map installs a fresh present mapping, used for initial allocation
/// (not COW, not swapped). perm carries only PTE_W/PTE_U; PTE_P and
/// PTE_A are added here.
func (as *Vm_t) Map(va uintptr, pa defs.Pa_t, perm defs.Pa_t, phys *mem.Physmem_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	va = pageAddr(va)
	phys.AddSharer(pa, as.Ref(va))
	as.ptes[va] = (pa &^ defs.PageOffset) | (perm & defs.PermMask) | defs.PTE_P | defs.PTE_A
}

/// PTE returns the raw entry mapped at va, or 0 if nothing is mapped.
func (as *Vm_t) PTE(va uintptr) defs.Pa_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.ptes[pageAddr(va)]
}

/// ClearAccessed clears the PTE_A bit at va, the second-chance step of a
/// clock sweep.
func (as *Vm_t) ClearAccessed(va uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	va = pageAddr(va)
	if pte, ok := as.ptes[va]; ok {
		as.ptes[va] = pte &^ defs.PTE_A
	}
}

/// Unmap removes any mapping at va, dropping the frame's or slot's
/// refcount accordingly.
func (as *Vm_t) Unmap(va uintptr, phys *mem.Physmem_t, store *swap.Store) {
	as.mu.Lock()
	defer as.mu.Unlock()
	va = pageAddr(va)
	pte, ok := as.ptes[va]
	if !ok {
		return
	}
	delete(as.ptes, va)
	ref := as.Ref(va)
	if pte&defs.SWAPPED != 0 {
		slot := decodeSlot(pte)
		store.RemoveSharer(slot, ref)
		store.DecRefcount(slot)
		store.ReleaseIfEmpty(slot)
		return
	}
	pa := pte & defs.PageMask
	phys.RemoveSharer(pa, ref)
	phys.Free(pa)
}

/// Fork installs child's initial page table as a COW image of as: every
/// present writable mapping is downgraded to read-only|COW in both
/// address spaces and the frame's refcount is bumped, mirroring the
/// teacher's proc_t.vm_fork without the file-backed-mapping cases this
/// domain does not model. A page already swapped out has its slot
/// refcount bumped and forced non-writable instead (spec.md §5,
/// testable property 7): the child inherits the swapped-out PTE
/// unresolved, the first fault from either side swaps the page back in
/// for both into one shared frame, and a write then splits it copy-on-write.
func (as *Vm_t) Fork(child *Vm_t, phys *mem.Physmem_t, store *swap.Store) {
	as.mu.Lock()
	defer as.mu.Unlock()
	child.mu.Lock()
	defer child.mu.Unlock()
	for va, pte := range as.ptes {
		if pte&defs.SWAPPED != 0 {
			slot := decodeSlot(pte)
			store.IncRefcount(slot)
			store.AddSharer(slot, child.Ref(va))
			child.ptes[va] = encodeSlot(slot)
			continue
		}
		pa := pte & defs.PageMask
		perm := pte & defs.PermMask
		if perm&defs.PTE_W != 0 {
			perm = (perm &^ defs.PTE_W) | defs.PTE_COW
		}
		newpte := pa | perm | defs.PTE_P | defs.PTE_A
		as.ptes[va] = newpte
		child.ptes[va] = newpte
		phys.Refup(pa)
		phys.AddSharer(pa, child.Ref(va))
	}
}

/// FaultKind classifies how PageFault resolved a fault, so a caller that
/// tracks metrics can tell a no-op (concurrent fault already handled by
/// another thread) from real work without vm depending on a counters
/// package.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultCowFast
	FaultCowSplit
	FaultSwapIn
)

/// PageFault resolves a fault at va. iswrite distinguishes a write fault
/// (COW split or first write to a COW-fast-pathed page) from a read
/// fault (demand swap-in only; a read of an unmapped, never-written COW
/// entry cannot happen in this model since every mapping starts
/// present). Grounded on the teacher's Sys_pgfault.
///
/// as.mu is never held across a phys.Alloc() call: Alloc can synchronously
/// trigger a swap-out, which rewrites PTEs in whichever address space owns
/// the victim frame, including as itself. Holding as.mu there would
/// self-deadlock on the second lock attempt, so every path that allocates
/// drops as.mu first and re-validates the entry after reacquiring it.
func (as *Vm_t) PageFault(va uintptr, iswrite bool, phys *mem.Physmem_t, store *swap.Store) (defs.Err_t, FaultKind) {
	va = pageAddr(va)

	as.mu.Lock()
	pte, ok := as.ptes[va]
	if !ok {
		as.mu.Unlock()
		return defs.EFAULT, FaultNone
	}

	if pte&defs.SWAPPED != 0 {
		as.mu.Unlock()
		err := as.swapin(va, pte, phys, store)
		return err, FaultSwapIn
	}

	if !iswrite {
		as.mu.Unlock()
		return 0, FaultNone
	}
	if pte&defs.PTE_W != 0 {
		as.mu.Unlock()
		return 0, FaultNone
	}
	if pte&defs.PTE_COW == 0 {
		as.mu.Unlock()
		return defs.EFAULT, FaultNone
	}

	pa := pte & defs.PageMask
	perm := pte & defs.PermMask
	if phys.Refcnt(pa) == 1 {
		// sole owner: reclaim the mapping in place, no copy needed.
		newperm := (perm &^ defs.PTE_COW) | defs.PTE_W
		as.ptes[va] = pa | newperm | defs.PTE_P | defs.PTE_A | defs.PTE_D
		as.mu.Unlock()
		return 0, FaultCowFast
	}
	as.mu.Unlock()

	newpa := phys.Alloc()
	copy(phys.Dmap(newpa), phys.Dmap(pa))

	as.mu.Lock()
	defer as.mu.Unlock()
	if cur, ok := as.ptes[va]; !ok || cur != pte {
		// the entry moved while as.mu was dropped for the copy (a
		// concurrent fault on the same va already resolved it, or the
		// page was swapped out from under us): discard the speculative
		// copy instead of clobbering whatever won the race.
		phys.Free(newpa)
		return 0, FaultNone
	}
	newperm := (perm &^ defs.PTE_COW) | defs.PTE_W
	as.ptes[va] = newpa | newperm | defs.PTE_P | defs.PTE_A | defs.PTE_D
	phys.AddSharer(newpa, as.Ref(va))
	phys.RemoveSharer(pa, as.Ref(va))
	phys.Free(pa)
	return 0, FaultCowSplit
}

/// swapin reads the page back from disk into a freshly allocated frame and
/// rewrites every live sharer recorded against the slot, then releases the
/// slot. Mirrors pageswap.c's swap-in, generalized to walk the slot's
/// reverse map instead of a single forward pointer. Takes no address
/// space's lock until after phys.Alloc() returns, for the same
/// self-deadlock reason documented on PageFault.
func (as *Vm_t) swapin(va uintptr, pte defs.Pa_t, phys *mem.Physmem_t, store *swap.Store) defs.Err_t {
	slot := decodeSlot(pte)
	pa := phys.Alloc()
	as.mu.Lock()
	cur, ok := as.ptes[va]
	as.mu.Unlock()
	if !ok || cur != pte {
		// the entry changed while Alloc ran (a concurrent fault already
		// swapped it back in, or it was unmapped): discard the fresh frame.
		phys.Free(pa)
		return 0
	}
	buf := phys.Dmap(pa)
	if err := store.Disk.DiskToPage(buf, swap.Sector(slot)); err != nil {
		phys.Free(pa)
		return defs.EIO
	}
	perm := store.SavedPerm(slot)
	phys.SetRefcnt(pa, 0)

	sharers := store.Snapshot(slot)
	resolved := 0
	for _, ref := range sharers {
		if ref.Empty() {
			continue
		}
		owner, ok := Resolve(ref)
		if !ok {
			continue
		}
		phys.Refup(pa)
		phys.AddSharer(pa, ref)
		resolved++
		if owner == as {
			as.mu.Lock()
			as.ptes[ref.VA] = pa | perm | defs.PTE_P | defs.PTE_A
			as.mu.Unlock()
			continue
		}
		owner.mu.Lock()
		owner.ptes[ref.VA] = pa | perm | defs.PTE_P | defs.PTE_A
		owner.mu.Unlock()
	}
	if resolved == 0 {
		// every recorded sharer's address space had already exited;
		// nothing claimed pa, so it must go back to the free list
		// instead of leaking with a zero refcount (invariant F1). pa's
		// refcount is already 0 here, so Free (a no-op at refcount 0)
		// won't do it; Reclaim unconditionally returns it.
		phys.Reclaim(pa)
	}
	store.MarkFree(slot)
	return 0
}

/// SwapOut evicts the frame at pa: writes it to a newly acquired slot,
/// rewrites every live sharer's PTE to the SWAPPED encoding, and forces
/// the frame back onto the free list regardless of its prior refcount
/// (spec.md §4.3 step 7). Called from the mem.Physmem_t.OnExhausted hook
/// that the orchestration layer installs.
func SwapOut(pa defs.Pa_t, phys *mem.Physmem_t, store *swap.Store) bool {
	sharers := phys.Sharers(pa)
	if len(sharers) == 0 {
		return false
	}
	slot := store.AcquireSlot()
	if err := store.Disk.PageToDisk(phys.Dmap(pa), swap.Sector(slot)); err != nil {
		store.MarkFree(slot)
		return false
	}
	refcount := phys.Refcnt(pa)
	store.Record(slot, 0, refcount)
	for _, ref := range sharers {
		owner, ok := Resolve(ref)
		if !ok {
			store.DecRefcount(slot)
			continue
		}
		owner.mu.Lock()
		perm := owner.ptes[ref.VA] & defs.PermMask
		if store.SavedPerm(slot) == 0 {
			store.Record(slot, perm, store.Refcount(slot))
		}
		owner.ptes[ref.VA] = encodeSlot(slot)
		owner.mu.Unlock()
		store.AddSharer(slot, ref)
	}
	phys.Reclaim(pa)
	return true
}
