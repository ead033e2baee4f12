// Package rmap implements the fixed-capacity reverse-PTE table shared by a
// frame descriptor's sharers set and a swap slot's sharers set (spec.md
// describes them as structurally identical). Capacity is config.NPROC,
// matching the source's shared_ptes[PHYSTOP>>PTXSHIFT][NPROC] arrays.
package rmap

import (
	"ramfault/config"
	"ramfault/defs"
)

/// Table is a bounded, order-irrelevant set of PTE back-references.
/// The zero value is an empty table.
type Table struct {
	refs [config.NPROC]defs.PteRef_t
}

/// Add records ref in the first empty slot. It is a no-op if ref is
/// already present. Capacity overflow is unreachable by construction (at
/// most NPROC distinct address spaces can map the same frame) and panics
/// rather than silently dropping the reference.
func (t *Table) Add(ref defs.PteRef_t) {
	free := -1
	for i, r := range t.refs {
		if r == ref {
			return
		}
		if free == -1 && r.Empty() {
			free = i
		}
	}
	if free == -1 {
		panic("rmap: sharers table full")
	}
	t.refs[free] = ref
}

/// Remove clears every slot matching ref.
func (t *Table) Remove(ref defs.PteRef_t) {
	for i, r := range t.refs {
		if r == ref {
			t.refs[i] = defs.NoPteRef
		}
	}
}

/// At returns the reference recorded at index i (the sentinel if empty).
func (t *Table) At(i int) defs.PteRef_t {
	return t.refs[i]
}

/// Rewrite overwrites slot i with ref directly, used when a swap-in or
/// swap-out needs to preserve back-reference identity at a known index
/// rather than performing an idempotent insert.
func (t *Table) Rewrite(i int, ref defs.PteRef_t) {
	t.refs[i] = ref
}

/// Len returns the number of non-empty slots.
func (t *Table) Len() int {
	n := 0
	for _, r := range t.refs {
		if !r.Empty() {
			n++
		}
	}
	return n
}

/// Clear empties every slot.
func (t *Table) Clear() {
	t.refs = [config.NPROC]defs.PteRef_t{}
}

/// Snapshot returns a copy of the underlying array, preserving index
/// correspondence; used by mem.Physmem_t.Sharers and swap.Store.Snapshot.
func (t *Table) Snapshot() [config.NPROC]defs.PteRef_t {
	return t.refs
}
