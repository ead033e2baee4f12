// Package swap implements the Swap Store: a fixed array of slots, each
// holding the permissions and reverse-PTE table of one evicted frame.
// Grounded on original_source/pageswap.c's swap_slot/swapblock, cast in
// the teacher's idiom (a *_t struct guarded by one lock, exported
// accessors instead of free functions operating on a package-global).
package swap

import (
	"ramfault/blockdev"
	"ramfault/config"
	"ramfault/defs"
	"ramfault/rmap"
	"sync"
)

/// SectorsPerSlot is the disk footprint of one swapped-out page (pageswap.c
/// writes at "2 + 8*blockno").
const SectorsPerSlot = 8

/// FirstSector is the first sector the swap area occupies on ROOTDEV.
const FirstSector = 2

type slot_t struct {
	free      bool
	savedPerm defs.Pa_t
	refcount  int
	sharers   rmap.Table
}

/// Store owns every swap slot behind a single lock (spec.md §4.2); the
/// per-slot locks present in the C source are, per spec.md §9, unused at
/// scale and are not reproduced here.
type Store struct {
	mu    sync.Mutex
	slots []slot_t
	Disk  blockdev.Device
}

/// New returns a Store sized for the given limits, every slot initially
/// free, backed by disk.
func New(lim *config.Limits_t, disk blockdev.Device) *Store {
	s := &Store{
		slots: make([]slot_t, lim.SwapSlots()),
		Disk:  disk,
	}
	for i := range s.slots {
		s.slots[i].free = true
	}
	return s
}

/// Sector returns the first disk sector slot occupies.
func Sector(slot int) int {
	return FirstSector + SectorsPerSlot*slot
}

/// SlotForPagenum inverts the not-present PTE's page-number field into a
/// slot index: slot = (pagenum - 2) / 8.
func SlotForPagenum(pagenum uint64) int {
	return int((pagenum - FirstSector) / SectorsPerSlot)
}

/// AcquireSlot performs a linear scan for the first free slot, marks it
/// non-free and returns its index. No free slot is a fatal condition: the
/// swap area is exhausted and there is no graceful degradation.
func (s *Store) AcquireSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if s.slots[i].free {
			s.slots[i].free = false
			return i
		}
	}
	panic("swap: no free slots found")
}

/// Record stamps a slot's permission and refcount after the victim frame
/// has been written to disk.
func (s *Store) Record(slot int, perm defs.Pa_t, refcount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].savedPerm = perm
	s.slots[slot].refcount = refcount
}

/// SetRefcount overwrites a slot's refcount (used once the victim frame's
/// final sharer count is known).
func (s *Store) SetRefcount(slot int, refcount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].refcount = refcount
}

/// Refcount returns a slot's current refcount.
func (s *Store) Refcount(slot int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].refcount
}

/// SavedPerm returns the permission bits to restore on swap-in.
func (s *Store) SavedPerm(slot int) defs.Pa_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].savedPerm
}

/// ReleaseIfEmpty marks slot free iff its refcount has dropped to zero.
func (s *Store) ReleaseIfEmpty(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[slot].refcount == 0 {
		s.freeLocked(slot)
	}
}

/// MarkFree unconditionally returns slot to the free pool, used once
/// swap-in has rewritten every recorded sharer.
func (s *Store) MarkFree(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeLocked(slot)
}

func (s *Store) freeLocked(slot int) {
	s.slots[slot].free = true
	s.slots[slot].refcount = 0
	s.slots[slot].savedPerm = 0
	s.slots[slot].sharers.Clear()
}

/// DecRefcount drops a slot's refcount by one, used when an address space
/// unmaps a page that is still swapped out.
func (s *Store) DecRefcount(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots[slot].refcount > 0 {
		s.slots[slot].refcount--
	}
}

/// IncRefcount bumps a slot's refcount (a fork of a swapped page) and
/// turns a writable saved_perm into read-only|COW, so the resurrected page
/// takes a COW fault on first write (spec.md §4.2, testable property 7).
func (s *Store) IncRefcount(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].refcount++
	if s.slots[slot].savedPerm&defs.PTE_W != 0 {
		s.slots[slot].savedPerm = (s.slots[slot].savedPerm &^ defs.PTE_W) | defs.PTE_COW
	}
}

/// AddSharer idempotently records ref against slot.
func (s *Store) AddSharer(slot int, ref defs.PteRef_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].sharers.Add(ref)
}

/// RemoveSharer clears every match of ref in slot's reverse map.
func (s *Store) RemoveSharer(slot int, ref defs.PteRef_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].sharers.Remove(ref)
}

/// SetSharerAt overwrites index i of slot's reverse map directly,
/// preserving back-reference identity captured before the PTE at that
/// index was rewritten (spec.md §9: store the original reference, not the
/// address of an entry that has since been zeroed).
func (s *Store) SetSharerAt(slot, i int, ref defs.PteRef_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].sharers.Rewrite(i, ref)
}

/// SharerAt returns the reference recorded at index i of slot.
func (s *Store) SharerAt(slot, i int) defs.PteRef_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].sharers.At(i)
}

/// Snapshot returns every sharer reference for slot, index-preserved.
func (s *Store) Snapshot(slot int) [config.NPROC]defs.PteRef_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[slot].sharers.Snapshot()
}

/// NumFree reports how many slots are currently unoccupied.
func (s *Store) NumFree() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.free {
			n++
		}
	}
	return n
}

/// NumSlots returns the total number of swap slots.
func (s *Store) NumSlots() int {
	return len(s.slots)
}
