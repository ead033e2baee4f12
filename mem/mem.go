// Package mem implements the Frame Allocator: the free list, the
// per-frame reference count, and the per-frame reverse-PTE table
// (sharers). Grounded on mem/mem.go's Physmem_t/Physpg_t, generalized from
// a real-hardware direct map to a simulated physical arena so the
// allocator is exercisable by `go test` instead of a bootloader.
package mem

import (
	"fmt"

	"ramfault/defs"
	"ramfault/rmap"
	"ramfault/util"

	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

/// physpg_t describes one candidate frame. refcount==0 means the frame is
/// on the free list (invariant F1); sharers never has more live entries
/// than refcount (invariant F2, equal in quiescence).
type physpg_t struct {
	refcount int
	nexti    uint32 // index of next free frame, or freeEnd
	sharers  rmap.Table
}

/// freeEnd is the free-list sentinel, analogous to the teacher's ^uint32(0).
const freeEnd = ^uint32(0)

/// Physmem_t owns the free list, refcounts and reverse mappings for every
/// managed frame, all behind a single lock (spec.md §5). OnExhausted is
/// the swap-out hook the kernel wiring installs; Alloc invokes it
/// synchronously when the free list is empty (spec.md §4.1).
type Physmem_t struct {
	mu       lock_t
	arena    []byte
	pgs      []physpg_t
	startFn  uint64
	freei    uint32
	freelen  int
	poisoned bool // enables poisoning; disabled only by tests that need to inspect freed contents

	// OnExhausted performs a swap-out and reports whether a frame became
	// available. It is nil until the kernel wiring installs it; Alloc
	// panics if it is needed but absent.
	OnExhausted func() bool
}

// lock_t toggles between a real mutex and a no-op, mirroring kmem.use_lock:
// phase-1 init runs single-threaded with locking disabled, phase-2 flips
// it on and every subsequent call serializes on the allocator lock.
type lock_t struct {
	enabled bool
	inner   chan struct{}
}

func newLock() lock_t {
	return lock_t{inner: make(chan struct{}, 1)}
}

func (l *lock_t) Lock() {
	if l.enabled {
		l.inner <- struct{}{}
	}
}

func (l *lock_t) Unlock() {
	if l.enabled {
		<-l.inner
	}
}

/// New allocates the physical arena (an anonymous mmap region standing in
/// for real RAM, in place of the teacher's hardware direct map) and
/// prepares frame descriptors for every frame above reservedEnd, all
/// initially absent from the free list. Call InitPhase1/InitPhase2 (or the
/// Init convenience) to populate the free list.
func New(phystop, reservedEnd uint64) (*Physmem_t, error) {
	if reservedEnd > phystop {
		return nil, fmt.Errorf("mem: reserved end %d exceeds phystop %d", reservedEnd, phystop)
	}
	arena, err := unix.Mmap(-1, 0, int(phystop), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap arena: %w", err)
	}
	nframes := (phystop - reservedEnd) / uint64(defs.PageSize)
	p := &Physmem_t{
		arena:    arena,
		pgs:      make([]physpg_t, nframes),
		startFn:  reservedEnd / uint64(defs.PageSize),
		freei:    freeEnd,
		poisoned: true,
		mu:       newLock(),
	}
	return p, nil
}

func (p *Physmem_t) frameIndex(pa defs.Pa_t) (int, bool) {
	if uint64(pa) < p.startFn*uint64(defs.PageSize) {
		return 0, false
	}
	if pa&defs.PageOffset != 0 {
		return 0, false
	}
	fn := uint64(pa) >> defs.PageShift
	idx := fn - p.startFn
	if idx >= uint64(len(p.pgs)) {
		return 0, false
	}
	return int(idx), true
}

func (p *Physmem_t) frameAddr(idx int) defs.Pa_t {
	return defs.Pa_t((p.startFn + uint64(idx)) << defs.PageShift)
}

/// freeRange registers every page-aligned frame in [vstart, vend) with
/// refcount 0 and links it onto the free list, mirroring freerange/kfree.
func (p *Physmem_t) freeRange(vstart, vend uint64) {
	start := util.Roundup(vstart, uint64(defs.PageSize))
	for a := start; a+uint64(defs.PageSize) <= vend; a += uint64(defs.PageSize) {
		idx, ok := p.frameIndex(defs.Pa_t(a))
		if !ok {
			continue
		}
		p.pgs[idx].refcount = 0
		p.pgs[idx].nexti = p.freei
		p.freei = uint32(idx)
		p.freelen++
	}
}

/// InitPhase1 registers the bootstrap-mapped frames without taking the
/// lock; no concurrent caller may observe the allocator during this call.
func (p *Physmem_t) InitPhase1(vstart, vend uint64) {
	p.freeRange(vstart, vend)
}

/// InitPhase2 registers the remaining frames and then enables the lock for
/// every subsequent public operation.
func (p *Physmem_t) InitPhase2(vstart, vend uint64) {
	p.freeRange(vstart, vend)
	p.mu.enabled = true
}

/// Init is a single-phase convenience for tests and the demo CLI that have
/// no bootstrap-mapping distinction to preserve.
func (p *Physmem_t) Init(vstart, vend uint64) {
	p.InitPhase1(vstart, vend)
	p.mu.enabled = true
}

/// NumFree reports the free list length (num_free).
func (p *Physmem_t) NumFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelen
}

/// Alloc pops the head of the free list, marks it exclusively owned
/// (refcount=1, sharers empty) and returns its address. If the free list
/// is empty it synchronously swaps out a page and retries; normal callers
/// never observe allocation failure (spec.md §4.1/§7).
func (p *Physmem_t) Alloc() defs.Pa_t {
	p.mu.Lock()
	if p.freelen == 0 {
		p.mu.Unlock()
		if p.OnExhausted == nil || !p.OnExhausted() {
			panic("mem: alloc: no free frames and no swappable page found")
		}
		return p.Alloc()
	}
	idx := p.freei
	pg := &p.pgs[idx]
	p.freei = pg.nexti
	p.freelen--
	pg.refcount = 1
	pg.sharers.Clear()
	p.mu.Unlock()
	return p.frameAddr(int(idx))
}

/// Free decrements the frame's refcount if positive. When the refcount
/// reaches zero as a result of *this* call, the frame is poisoned and
/// pushed back onto the free list. Calling Free again while the refcount
/// is already zero is a silent no-op (kalloc.c's documented double-free
/// tolerance, spec.md scenario S5) rather than re-pushing the frame, which
/// a literal transliteration of the C would do.
func (p *Physmem_t) Free(pa defs.Pa_t) {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: free: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeLocked(idx)
}

func (p *Physmem_t) freeLocked(idx int) {
	pg := &p.pgs[idx]
	justFreed := false
	if pg.refcount > 0 {
		pg.refcount--
		justFreed = pg.refcount == 0
	}
	if justFreed {
		p.reclaimLocked(idx)
	}
}

func (p *Physmem_t) reclaimLocked(idx int) {
	pg := &p.pgs[idx]
	if p.poisoned {
		page := p.pageBytesLocked(idx)
		for i := range page {
			page[i] = 0x01
		}
	}
	pg.sharers.Clear()
	pg.nexti = p.freei
	p.freei = uint32(idx)
	p.freelen++
}

/// Reclaim unconditionally returns pa to the free list regardless of its
/// current refcount, used by swap-out: the frame is being seized in its
/// entirety, not released by one sharer among several (spec.md §4.3 step
/// 7, "Set refcount(pa) = 0, free(pa)"). A plain Free() there would be a
/// no-op whenever refcount had already been set to zero, so swap-out calls
/// this instead; see DESIGN.md OQ-2.
func (p *Physmem_t) Reclaim(pa defs.Pa_t) {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: reclaim: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgs[idx].refcount = 0
	p.reclaimLocked(idx)
}

/// Refcnt returns the current reference count of pa.
func (p *Physmem_t) Refcnt(pa defs.Pa_t) int {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: refcnt: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgs[idx].refcount
}

/// SetRefcnt stamps the refcount directly; swap-in uses it to reset a
/// fresh frame's refcount before recounting the sharers it restores.
func (p *Physmem_t) SetRefcnt(pa defs.Pa_t, n int) {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: setrefcnt: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgs[idx].refcount = n
}

/// Refup increments pa's reference count, used when a fork maps an
/// existing frame into a second address space.
func (p *Physmem_t) Refup(pa defs.Pa_t) {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: refup: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgs[idx].refcount++
}

/// AddSharer idempotently records ref as a back-reference for pa.
func (p *Physmem_t) AddSharer(pa defs.Pa_t, ref defs.PteRef_t) {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: addsharer: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgs[idx].sharers.Add(ref)
}

/// RemoveSharer clears every back-reference to ref recorded against pa.
func (p *Physmem_t) RemoveSharer(pa defs.Pa_t, ref defs.PteRef_t) {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: removesharer: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgs[idx].sharers.Remove(ref)
}

/// SharerAt returns the back-reference recorded at index i for pa (the
/// sentinel if empty).
func (p *Physmem_t) SharerAt(pa defs.Pa_t, i int) defs.PteRef_t {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: sharerat: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgs[idx].sharers.At(i)
}

/// Sharers returns a snapshot of every non-empty back-reference for pa,
/// used by tests asserting refcount/sharers consistency.
func (p *Physmem_t) Sharers(pa defs.Pa_t) []defs.PteRef_t {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: sharers: misaligned or out-of-range frame")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.pgs[idx].sharers.Snapshot()
	out := make([]defs.PteRef_t, 0, len(snap))
	for _, r := range snap {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}

func (p *Physmem_t) pageBytesLocked(idx int) []byte {
	off := uint64(idx) * uint64(defs.PageSize)
	return p.arena[off : off+uint64(defs.PageSize)]
}

/// Dmap returns the byte-addressable view of pa's frame within the
/// simulated physical arena, analogous to the teacher's Dmap direct-map
/// lookup but backed by an mmap'd arena rather than real hardware.
func (p *Physmem_t) Dmap(pa defs.Pa_t) []byte {
	idx, ok := p.frameIndex(pa)
	if !ok {
		panic("mem: dmap: misaligned or out-of-range frame")
	}
	return p.pageBytesLocked(idx)
}

/// NumFrames returns the total number of managed frames, used by a clock
/// sweep to iterate the frame table without reaching into Physmem_t's
/// internals.
func (p *Physmem_t) NumFrames() int {
	return len(p.pgs)
}

/// FrameAt returns the address of the idx'th managed frame and whether it
/// is currently allocated (refcount > 0).
func (p *Physmem_t) FrameAt(idx int) (defs.Pa_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frameAddr(idx), p.pgs[idx].refcount > 0
}

/// Close releases the mmap'd arena.
func (p *Physmem_t) Close() error {
	return unix.Munmap(p.arena)
}

/// ReportFreeMB renders the current free-list size as a human scale
/// string (e.g. "512 free frames (~2 MB)"), the generalization of dmap.go's boot banner
/// ("Reserved %v pages (%vMB)\n") using golang.org/x/text instead of a
/// bare fmt.Printf.
func (p *Physmem_t) ReportFreeMB() string {
	printer := message.NewPrinter(language.English)
	mb := p.NumFree() * defs.PageSize / (1 << 20)
	return printer.Sprintf("%d free frames (~%d MB)", p.NumFree(), mb)
}
