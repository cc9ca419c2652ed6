package fs

import (
	"container/list"
	"fmt"

	"rvkernel/config"
	"rvkernel/lock"
	"rvkernel/mem"
)

// BSIZE is the size of one disk block in bytes. Every block is backed by a
// full physical frame (Bdev_block_t.Data is a *mem.Bytepg_t), so this is
// config.PGSIZE rather than the 512-byte sector of a disk with real
// geometry; config.go records the trade.
const BSIZE = config.BSIZE

// / Blockmem_i abstracts page allocation for block buffers.
type Blockmem_i interface {
	Alloc() (mem.Pa_t, *mem.Bytepg_t, bool)
	Free(mem.Pa_t)
	Refup(mem.Pa_t)
}

// / Block_cb_i is implemented by callers wanting release callbacks.
type Block_cb_i interface {
	Relse(*Bdev_block_t, string)
}

// / Bdev_block_t represents a cached disk block. Its data bytes are
// / protected by the per-buffer sleep-lock: Get_fill returns the block
// / with lk held, Relse drops it, so at most one thread reads or writes
// / Data at a time. valid records whether Data reflects the on-disk
// / contents; it is cleared implicitly by eviction (a re-fetched block is
// / a fresh struct) and only consulted under lk.
type Bdev_block_t struct {
	Block int
	Pa    mem.Pa_t
	Data  *mem.Bytepg_t
	Name  string
	Mem   Blockmem_i
	Disk  Disk_i
	Cb    Block_cb_i

	lk    *lock.Sleeplock_t
	valid bool
}

// / Bdevcmd_t enumerates disk request types.
type Bdevcmd_t uint

const (
	BDEV_WRITE Bdevcmd_t = 1 /// write a block
	BDEV_READ  Bdevcmd_t = 2 /// read a block
	BDEV_FLUSH Bdevcmd_t = 3 /// flush outstanding writes
)

// / BlkList_t wraps a list.List of block pointers.
type BlkList_t struct {
	l *list.List
	e *list.Element // iterator
}

// / MkBlkList creates an empty block list.
func MkBlkList() *BlkList_t {
	bl := &BlkList_t{}
	bl.l = list.New()
	return bl
}

// / Len returns the number of blocks in the list.
func (bl *BlkList_t) Len() int {
	return bl.l.Len()
}

// / PushBack appends a block to the list.
func (bl *BlkList_t) PushBack(b *Bdev_block_t) {
	bl.l.PushBack(b)
}

// / FrontBlock resets the iterator and returns the first block.
func (bl *BlkList_t) FrontBlock() *Bdev_block_t {
	if bl.l.Front() == nil {
		return nil
	}
	bl.e = bl.l.Front()
	return bl.e.Value.(*Bdev_block_t)
}

// / NextBlock advances the iterator and returns the next block.
func (bl *BlkList_t) NextBlock() *Bdev_block_t {
	if bl.e == nil {
		return nil
	}
	bl.e = bl.e.Next()
	if bl.e == nil {
		return nil
	}
	return bl.e.Value.(*Bdev_block_t)
}

// / Apply calls f for each block in the list.
func (bl *BlkList_t) Apply(f func(*Bdev_block_t)) {
	for b := bl.FrontBlock(); b != nil; b = bl.NextBlock() {
		f(b)
	}
}

// / Bdev_req_t describes a block device request.
type Bdev_req_t struct {
	Cmd   Bdevcmd_t
	Blks  *BlkList_t
	AckCh chan bool
	Sync  bool
}

// / MkRequest allocates a new block request structure.
func MkRequest(blks *BlkList_t, cmd Bdevcmd_t, sync bool) *Bdev_req_t {
	ret := &Bdev_req_t{}
	ret.Blks = blks
	ret.AckCh = make(chan bool)
	ret.Cmd = cmd
	ret.Sync = sync
	return ret
}

// / Disk_i represents a physical disk interface. Start returns true when
// / the caller must wait on the request's AckCh for completion; a driver
// / that completes the request synchronously returns false.
type Disk_i interface {
	Start(*Bdev_req_t) bool
	Stats() string
}

// / Key returns the lookup key for the block cache.
func (blk *Bdev_block_t) Key() int {
	return blk.Block
}

// / EvictFromCache is called before the block leaves the cache.
func (blk *Bdev_block_t) EvictFromCache() {
	// nothing to be done right before being evicted
}

// / EvictDone finalizes eviction by freeing memory.
func (blk *Bdev_block_t) EvictDone() {
	if bdev_debug {
		fmt.Printf("fs: evict block %v %#x\n", blk.Block, blk.Pa)
	}
	blk.Mem.Free(blk.Pa)
}

// / Write synchronously writes the block to disk. The caller must hold
// / the block's sleep-lock and keeps its cache reference; the request
// / does not consume one.
func (b *Bdev_block_t) Write() {
	if !b.lk.Holding() {
		panic("fs: writing a block without its sleep-lock held")
	}
	if bdev_debug {
		fmt.Printf("fs: write block %v %v\n", b.Block, b.Name)
	}
	l := MkBlkList()
	l.PushBack(b)
	req := MkRequest(l, BDEV_WRITE, true)
	if b.Disk.Start(req) {
		<-req.AckCh
	}
}

// / Read reads the block from disk synchronously.
func (b *Bdev_block_t) Read() {
	l := MkBlkList()
	l.PushBack(b)
	req := MkRequest(l, BDEV_READ, true)
	if b.Disk.Start(req) {
		<-req.AckCh
	}
	if bdev_debug {
		fmt.Printf("fs: read block %v %v\n", b.Block, b.Name)
	}
}

// / New_page allocates backing memory for the block.
func (blk *Bdev_block_t) New_page() {
	pa, d, ok := blk.Mem.Alloc()
	if !ok {
		panic("fs: out of memory backing a block buffer")
	}
	blk.Pa = pa
	blk.Data = d
}

// / MkBlock_newpage allocates a block and backing page.
func MkBlock_newpage(block int, s string, mem Blockmem_i, d Disk_i, cb Block_cb_i) *Bdev_block_t {
	b := MkBlock(block, s, mem, d, cb)
	b.New_page()
	return b
}

// / MkBlock constructs a block without allocating memory.
func MkBlock(block int, s string, m Blockmem_i, d Disk_i, cb Block_cb_i) *Bdev_block_t {
	b := &Bdev_block_t{}
	b.Block = block
	b.Pa = mem.Pa_t(0)
	b.Data = nil
	b.Name = s
	b.Mem = m
	b.Disk = d
	b.Cb = cb
	b.lk = lock.MkSleeplock("block")
	return b
}
