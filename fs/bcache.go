package fs

import (
	"sync"

	"rvkernel/mem"
)

// physBlockmem_t implements Blockmem_i directly against the kernel's
// physical frame allocator (package mem), so the block cache borrows
// frames from the very same pool user address spaces fault pages into,
// rather than the teacher's test-only blockmem_t (which never actually
// recycled frames). One block occupies exactly one frame, so Alloc/Free
// are Refpg_new/Refdown with no further bookkeeping.
type physBlockmem_t struct{}

var physBlockmem = &physBlockmem_t{}

// DefaultBlockmem is the Blockmem_i every mounted filesystem uses unless a
// caller substitutes its own: frames come straight from the kernel's
// physical allocator (package mem), so package mem must be initialized
// (mem.Init) before Mkfs or StartFS is called.
func DefaultBlockmem() Blockmem_i { return physBlockmem }

func (physBlockmem_t) Alloc() (mem.Pa_t, *mem.Bytepg_t, bool) {
	pg, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return 0, nil, false
	}
	return pa, mem.Pg2bytes(pg), true
}

func (physBlockmem_t) Free(pa mem.Pa_t)  { mem.Physmem.Refdown(pa) }
func (physBlockmem_t) Refup(pa mem.Pa_t) { mem.Physmem.Refup(pa) }

// bcache_t is the block buffer cache of spec.md 4.6: a bounded,
// reference-counted LRU cache of Bdev_block_t backed by a caller-supplied
// Blockmem_i. The cache's own lock is held only for the lookup/insert
// transition; each buffer's data bytes are protected by its per-buffer
// sleep-lock, which Get_fill returns held and Relse drops.
type bcache_t struct {
	sync.Mutex
	c    *lruCache_t
	mem  Blockmem_i
	disk Disk_i
}

func mkbcache(mem Blockmem_i, disk Disk_i, ncache int) *bcache_t {
	return &bcache_t{c: mkCache(ncache), mem: mem, disk: disk}
}

// getOrMk finds blockn in the cache or inserts a fresh buffer for it,
// atomically, bumping its reference count either way. The cache lock is
// never held across disk I/O or a sleep-lock acquisition.
func (bc *bcache_t) getOrMk(blockn int, name string) *Bdev_block_t {
	bc.Lock()
	defer bc.Unlock()
	if v, ok := bc.c.lookup(blockn); ok {
		return v.(*Bdev_block_t)
	}
	b := MkBlock_newpage(blockn, name, bc.mem, bc.disk, bc)
	bc.c.insert(b)
	return b
}

// Get_fill returns the block with its sleep-lock held, reading it from
// disk on first access. fromdisk controls whether a brand-new
// (not-yet-cached) block is read through to the backing device; it is
// false only for blocks the caller is about to overwrite in full, e.g. a
// freshly allocated data block or a log slot.
func (bc *bcache_t) Get_fill(blockn int, name string, fromdisk bool) *Bdev_block_t {
	b := bc.getOrMk(blockn, name)
	b.lk.AcquireSleep()
	if fromdisk && !b.valid {
		b.Read()
	}
	b.valid = true
	return b
}

// Get_zero is Get_fill for a block whose contents the caller is about to
// overwrite wholesale and so need not be read from disk first.
func (bc *bcache_t) Get_zero(blockn int, name string) *Bdev_block_t {
	b := bc.Get_fill(blockn, name, false)
	for i := range b.Data {
		b.Data[i] = 0
	}
	return b
}

// Relse implements fs.Block_cb_i: it is called once a caller is done with
// a block it looked up, dropping the sleep-lock Get_fill acquired and
// then the cache's reference.
func (bc *bcache_t) Relse(b *Bdev_block_t, s string) {
	b.lk.ReleaseSleep()
	bc.c.release(b.Block)
}

// pin takes an extra reference on b without affecting who may read or
// write it, preventing eviction until the matching unpin; the log uses
// this to keep logged buffers resident until they are installed.
func (bc *bcache_t) pin(b *Bdev_block_t) {
	bc.c.ref(b.Block)
}

func (bc *bcache_t) unpin(blockn int) {
	bc.c.release(blockn)
}

func (bc *bcache_t) size() int { return bc.c.size() }
