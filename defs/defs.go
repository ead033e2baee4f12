// Package defs holds the wire-level types shared by every layer of the
// physical memory manager: the physical address type, PTE permission bits,
// and the error code family used on the few paths that return instead of
// panicking.
package defs

import "github.com/google/uuid"

/// PageShift is the base-2 exponent of the page size.
const PageShift uint = 12

/// PageSize is the size of a single frame in bytes.
const PageSize int = 1 << PageShift

/// Pa_t represents a physical address (or, for a PTE word, the encoded
/// page-number-plus-permission-bits value stored at a page table entry).
type Pa_t uint64

/// PageOffset masks the in-page offset of an address.
const PageOffset Pa_t = Pa_t(PageSize) - 1

/// PageMask masks the frame-number bits of an address.
const PageMask Pa_t = ^PageOffset

// PTE permission/state bits. PTE_P/PTE_W/PTE_U follow the teacher's
// mem.go numbering; COW/accessed/dirty occupy the bits mem.go left unused.
// Bit 0x008 is reserved by the spec for the SWAPPED marker and is never
// combined with PTE_P.
const (
	PTE_P   Pa_t = 1 << 0 /// present
	PTE_W   Pa_t = 1 << 1 /// writable
	PTE_U   Pa_t = 1 << 2 /// user accessible
	SWAPPED Pa_t = 1 << 3 /// not-present PTE encodes a swap slot
	PTE_COW Pa_t = 1 << 5 /// read-only copy-on-write mapping
	PTE_A   Pa_t = 1 << 9 /// accessed
	PTE_D   Pa_t = 1 << 10 /// dirty
)

/// PermMask isolates the permission bits carried across a COW split or
/// swap round-trip (i.e. everything but the present bit and the address).
const PermMask Pa_t = PTE_W | PTE_U | PTE_COW | PTE_A | PTE_D

/// Err_t is a negative-valued error code, in the same family referenced by
/// the teacher's vm/as.go (defs.EFAULT, defs.ENOMEM). Zero means success.
type Err_t int

const (
	EFAULT Err_t = -1
	ENOMEM Err_t = -2
	EINVAL Err_t = -3
	EIO    Err_t = -4
)

func (e Err_t) Error() string {
	switch e {
	case EFAULT:
		return "bad address"
	case ENOMEM:
		return "out of memory"
	case EINVAL:
		return "invalid argument"
	case EIO:
		return "i/o error"
	default:
		return "unknown error"
	}
}

/// PteRef_t is a weak back-reference to a page table entry: the address
/// space that owns it plus the virtual address it maps. Frames and swap
/// slots record these in their sharers tables instead of raw pointers, so
/// that a reverse mapping never keeps a PTE (or its address space) alive.
type PteRef_t struct {
	ASID uuid.UUID
	VA   uintptr
}

/// NoPteRef is the sentinel value representing an empty sharers slot.
var NoPteRef = PteRef_t{}

/// Empty reports whether r is the sentinel (unused) reference.
func (r PteRef_t) Empty() bool {
	return r == NoPteRef
}
