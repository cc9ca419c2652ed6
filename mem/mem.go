// Package mem is the physical frame allocator described in spec.md 4.2: a
// free list of fixed-size frames protected by one spin-lock, with a
// reference count per frame driving both ordinary free and the
// copy-on-write clone helper.
//
// The teacher's version of this package (mem/mem.go) shards the free list
// per-CPU and backs pages with real, runtime-managed physical memory found
// via a patched Go runtime (runtime.Get_phys). This module is hosted: there
// is no real physical address space to carve up, so "physical memory" here
// is one large Go byte arena (config.ArenaPages frames), and "physical
// address" is simply a byte offset into that arena. The single-free-list
// design below follows spec.md 4.2's simpler description rather than the
// teacher's per-CPU sharding, since the spec calls for "a single
// spin-lock", and per-CPU free-list sharding is an optimization this
// teaching kernel does not need.
package mem

import (
	"sync/atomic"
	"unsafe"

	"rvkernel/config"
	"rvkernel/lock"
)

const (
	PGSHIFT uint  = config.PGSHIFT
	PGSIZE  int   = config.PGSIZE
	PGOFFSET Pa_t = Pa_t(PGSIZE - 1)
	PGMASK   Pa_t = ^PGOFFSET
)

// Pa_t is a physical address: a byte offset into the simulated arena.
type Pa_t uintptr

// Bytepg_t is one page, viewed as bytes.
type Bytepg_t [config.PGSIZE]uint8

// Pg_t is one page, viewed as 64-bit page-table-entry-sized words; used by
// package vm to address raw PTE storage.
type Pg_t [config.PGSIZE / 8]uint64

// Pmap_t is one level of a three-level page table: 512 page-table entries.
type Pmap_t [512]Pa_t

// Pg2pmap reinterprets a page of words as one level of a page table.
func Pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

// Pg2bytes reinterprets a page of words as a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// Bytepg2pg reinterprets a page of bytes as a page of words.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pgn(p Pa_t) int { return int(p) >> PGSHIFT }

// Page_i abstracts physical page allocation, for callers (package fs' block
// cache) that only need frames, not the rest of the allocator's API.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

// physpg_t tracks one frame's bookkeeping. The frame's actual bytes live in
// the arena; this struct never holds data, only metadata, matching the
// teacher's separation of Physpg_t (metadata) from the dmap'd bytes.
type physpg_t struct {
	refcnt int32
	nexti  int32 // index of next free frame, or -1
}

// Physmem_t is the frame allocator: spec.md's "single-producer/multi-
// consumer free-list protected by one spin-lock".
type Physmem_t struct {
	arena []byte
	pgs   []physpg_t
	lk    *lock.Spinlock_t
	freei int32 // index of first free frame, or -1
}

// Physmem is the global frame allocator instance.
var Physmem = &Physmem_t{}

// Zeropg is a global zero-filled page, installed by Init, used as the
// shared backing for anonymous zero-fill-on-demand mappings.
var Zeropg *Pg_t
var P_zeropg Pa_t

// Init reserves config.ArenaPages frames and threads them onto the free
// list. It must run once, before any other kernel subsystem.
func Init() *Physmem_t {
	phys := Physmem
	n := config.ArenaPages
	phys.arena = make([]byte, n*PGSIZE)
	phys.pgs = make([]physpg_t, n)
	phys.lk = lock.MkSpinlock("physmem")
	for i := 0; i < n; i++ {
		phys.pgs[i].refcnt = 0
		if i == n-1 {
			phys.pgs[i].nexti = -1
		} else {
			phys.pgs[i].nexti = int32(i + 1)
		}
	}
	phys.freei = 0

	var ok bool
	Zeropg, P_zeropg, ok = phys._refpg_new()
	if !ok {
		panic("mem: out of memory reserving zero page")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	phys.Refup(P_zeropg)
	return phys
}

func (phys *Physmem_t) idx(p Pa_t) int {
	i := pg2pgn(p)
	if i < 0 || i >= len(phys.pgs) {
		panic("mem: address out of arena")
	}
	return i
}

// Refaddr returns the refcount pointer for the given frame, used by
// vm's copy-on-write fault path to check for a sole owner without
// indirecting through Physmem for every check.
func (phys *Physmem_t) Refaddr(p Pa_t) *int32 {
	return &phys.pgs[phys.idx(p)].refcnt
}

// Refcnt returns the current reference count of a frame.
func (phys *Physmem_t) Refcnt(p Pa_t) int {
	return int(atomic.LoadInt32(phys.Refaddr(p)))
}

// Refup increments the reference count of a frame.
func (phys *Physmem_t) Refup(p Pa_t) {
	c := atomic.AddInt32(phys.Refaddr(p), 1)
	if c <= 0 {
		panic("mem: Refup on a free frame")
	}
}

// Refdown decrements the reference count of a frame. It returns true when
// the frame was freed (refcount transitioned to zero), matching spec.md
// 4.2's "only on transition to zero does it ... prepend to the free-list".
func (phys *Physmem_t) Refdown(p Pa_t) bool {
	idx := phys.idx(p)
	c := atomic.AddInt32(&phys.pgs[idx].refcnt, -1)
	if c < 0 {
		panic("mem: refcount underflow")
	}
	if c != 0 {
		return false
	}
	phys.lk.Acquire()
	// scribble the page so stale readers crash loudly instead of reading
	// plausible-looking garbage.
	pg := phys.Dmap(p)
	for i := range pg {
		pg[i] = 0xdeaddeaddeaddead
	}
	phys.pgs[idx].nexti = phys.freei
	phys.freei = int32(idx)
	phys.lk.Release()
	return true
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	phys.lk.Acquire()
	defer phys.lk.Release()
	if phys.freei < 0 {
		return nil, 0, false
	}
	idx := phys.freei
	phys.freei = phys.pgs[idx].nexti
	if phys.pgs[idx].refcnt < 0 {
		panic("mem: negative refcount on free frame")
	}
	phys.pgs[idx].refcnt = 1
	p := Pa_t(int(idx) << PGSHIFT)
	return phys.Dmap(p), p, true
}

// Refpg_new allocates a zeroed frame with refcount 1. Spec.md 4.2: "pops
// the head, zero-fills with a debug pattern, and sets the frame's
// reference count to 1" -- we zero-fill for real rather than with a debug
// pattern, since this kernel has no separate "uninitialized" sentinel
// value callers rely on.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	pg, p, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, p, true
}

// Refpg_new_nozero is Refpg_new without the zero-fill, for callers about
// to overwrite every byte anyway (the copy-on-write clone path).
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys._refpg_new()
}

// Dmap returns the direct-mapped page for a physical address: in this
// hosted kernel, simply a reinterpretation of the backing arena bytes at
// that offset, replacing the teacher's recursive-mapping VA trick.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	off := int(p) &^ int(PGOFFSET)
	if off < 0 || off+PGSIZE > len(phys.arena) {
		panic("mem: dmap out of range")
	}
	return (*Pg_t)(unsafe.Pointer(&phys.arena[off]))
}

// Dmap8 is Dmap, sliced to bytes starting at p's exact offset (not rounded
// down to the page boundary), for callers that need a byte-granular view.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	bpg := Pg2bytes(pg)
	off := int(p) & int(PGOFFSET)
	return bpg[off:]
}

// TryClone is the copy-on-write helper of spec.md 4.2: if the frame is
// privately held (refcount <= 1) it is reused in place; otherwise a new
// frame is allocated, the contents copied, the old reference dropped, and
// the new frame (with a fresh, single reference) returned.
func (phys *Physmem_t) TryClone(p Pa_t) (Pa_t, bool) {
	if phys.Refcnt(p) <= 1 {
		return p, true
	}
	npg, np, ok := phys.Refpg_new_nozero()
	if !ok {
		return 0, false
	}
	*npg = *phys.Dmap(p)
	phys.Refdown(p)
	return np, true
}
