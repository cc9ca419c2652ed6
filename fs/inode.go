package fs

import (
	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/lock"
)

// On-disk inode layout: a fixed-size record of 8-byte fields, the same
// fieldr/fieldw convention the superblock uses (fs/layout.go). A dinode
// with Type == defs.I_INVALID marks a free slot; ialloc scans for one
// rather than maintaining a separate inode bitmap, the classic xv6
// approach spec.md's Design Notes point to.
const (
	dinode_type = iota
	dinode_nlink
	dinode_size
	dinode_major
	dinode_minor
	dinode_addr0 // NDIRECT direct block numbers start here
)

const dinode_words = dinode_addr0 + config.NDIRECT + 1 // + one indirect pointer
const dinode_size_bytes = dinode_words * 8
const ipb = BSIZE / dinode_size_bytes // inodes per block

func inodeBlock(layout *fsLayout, inum int) int {
	return layout.InodeStart + inum/ipb
}

func inodeOffset(inum int) int {
	return (inum % ipb) * dinode_words
}

// imemnode_t is an in-core inode: the cached, locked view of one on-disk
// dinode plus its block-map cache, protected by a sleep-lock since inode
// operations (allocation, truncation) can block on disk I/O (spec.md
// 4.8).
type imemnode_t struct {
	fs   *Fs_t
	Inum int

	lk *lock.Sleeplock_t

	Type  int
	Nlink int
	Size  int
	Major int
	Minor int
	Addrs [config.NDIRECT + 1]int

	dirty bool
}

func (idm *imemnode_t) Key() int { return idm.Inum }

func (idm *imemnode_t) EvictFromCache() {
	if idm.dirty {
		panic("fs: evicting dirty inode")
	}
}

func (idm *imemnode_t) EvictDone() {}

// mkimemnode loads inum's dinode from disk into a fresh in-core inode.
func (fs *Fs_t) mkimemnode(inum int) *imemnode_t {
	idm := &imemnode_t{fs: fs, Inum: inum, lk: lock.MkSleeplock("inode")}
	blk := fs.bc.Get_fill(inodeBlock(fs.layout, inum), "inode", true)
	off := inodeOffset(inum)
	idm.Type = fieldr(blk.Data, off+dinode_type)
	idm.Nlink = fieldr(blk.Data, off+dinode_nlink)
	idm.Size = fieldr(blk.Data, off+dinode_size)
	idm.Major = fieldr(blk.Data, off+dinode_major)
	idm.Minor = fieldr(blk.Data, off+dinode_minor)
	for i := range idm.Addrs {
		idm.Addrs[i] = fieldr(blk.Data, off+dinode_addr0+i)
	}
	fs.bc.Relse(blk, "inode")
	return idm
}

// Iupdate writes idm's in-core fields back to its on-disk block. The
// caller must be inside a transaction (fs.log.begin_op/end_op).
func (idm *imemnode_t) Iupdate() {
	fs := idm.fs
	blk := fs.bc.Get_fill(inodeBlock(fs.layout, idm.Inum), "inode", true)
	off := inodeOffset(idm.Inum)
	fieldw(blk.Data, off+dinode_type, idm.Type)
	fieldw(blk.Data, off+dinode_nlink, idm.Nlink)
	fieldw(blk.Data, off+dinode_size, idm.Size)
	fieldw(blk.Data, off+dinode_major, idm.Major)
	fieldw(blk.Data, off+dinode_minor, idm.Minor)
	for i, a := range idm.Addrs {
		fieldw(blk.Data, off+dinode_addr0+i, a)
	}
	fs.log.log_write(blk)
	fs.bc.Relse(blk, "inode")
	idm.dirty = false
}

func (idm *imemnode_t) ilock()   { idm.lk.AcquireSleep() }
func (idm *imemnode_t) iunlock() { idm.lk.ReleaseSleep() }

// ialloc finds a free dinode slot, marks it with the given type, and
// returns its freshly loaded in-core inode. Caller must be in a
// transaction.
func (fs *Fs_t) ialloc(itype int) (*imemnode_t, defs.Err_t) {
	for inum := 1; inum < fs.layout.Ninodes; inum++ {
		blk := fs.bc.Get_fill(inodeBlock(fs.layout, inum), "inode-scan", true)
		off := inodeOffset(inum)
		if fieldr(blk.Data, off+dinode_type) == defs.I_INVALID {
			fieldw(blk.Data, off+dinode_type, itype)
			fs.log.log_write(blk)
			fs.bc.Relse(blk, "inode-scan")
			return fs.iget(inum), 0
		}
		fs.bc.Relse(blk, "inode-scan")
	}
	return nil, -defs.ENOSPC
}

// iget returns the cached in-core inode for inum, loading it from disk on
// first reference.
func (fs *Fs_t) iget(inum int) *imemnode_t {
	if v, ok := fs.icache.lookup(inum); ok {
		return v.(*imemnode_t)
	}
	idm := fs.mkimemnode(inum)
	fs.icache.insert(idm)
	return idm
}

// iput drops a reference on idm. Only once the caller holds the last
// outstanding reference (refcount == 1, about to become 0) AND the link
// count is already zero does it actually free the inode's data and mark
// the slot invalid -- an inode unlinked while still open elsewhere must
// survive until every other reference is also dropped, the classic xv6
// ip->ref==1 && ip->nlink==0 test.
func (fs *Fs_t) iput(idm *imemnode_t) {
	idm.ilock()
	if idm.Nlink == 0 && fs.icache.refcount(idm.Inum) == 1 {
		idm.itrunc(0)
		idm.Type = defs.I_INVALID
		idm.Iupdate()
		fs.removeOrphan(idm.Inum)
	}
	idm.iunlock()
	fs.icache.release(idm.Inum)
}

// bmap returns the block number backing file-relative block index bn of
// idm, allocating a new data block (and, if needed, an indirect block)
// when bn has not been written before.
func (idm *imemnode_t) bmap(bn int) (int, defs.Err_t) {
	fs := idm.fs
	if bn < config.NDIRECT {
		if idm.Addrs[bn] == 0 {
			nb, err := fs.balloc()
			if err != 0 {
				return 0, err
			}
			idm.Addrs[bn] = nb
			idm.dirty = true
		}
		return idm.Addrs[bn], 0
	}
	bn -= config.NDIRECT
	if bn >= config.NINDIRECT {
		return 0, -defs.EINVAL
	}
	if idm.Addrs[config.NDIRECT] == 0 {
		nb, err := fs.balloc()
		if err != 0 {
			return 0, err
		}
		idm.Addrs[config.NDIRECT] = nb
		idm.dirty = true
		ib := fs.bc.Get_zero(nb, "indirect")
		fs.log.log_write(ib)
		fs.bc.Relse(ib, "indirect")
	}
	ib := fs.bc.Get_fill(idm.Addrs[config.NDIRECT], "indirect", true)
	addr := fieldr(ib.Data, bn)
	if addr == 0 {
		nb, err := fs.balloc()
		if err != 0 {
			fs.bc.Relse(ib, "indirect")
			return 0, err
		}
		fieldw(ib.Data, bn, nb)
		fs.log.log_write(ib)
		addr = nb
	}
	fs.bc.Relse(ib, "indirect")
	return addr, 0
}

// itrunc frees every data block of idm. Only newsz == 0 is supported;
// any other newsz panics.
func (idm *imemnode_t) itrunc(newsz int) {
	fs := idm.fs
	if newsz != 0 {
		panic("fs: partial truncation not supported")
	}
	for i, a := range idm.Addrs[:config.NDIRECT] {
		if a != 0 {
			fs.bfree(a)
			idm.Addrs[i] = 0
		}
	}
	if ia := idm.Addrs[config.NDIRECT]; ia != 0 {
		ib := fs.bc.Get_fill(ia, "indirect", true)
		for i := 0; i < config.NINDIRECT; i++ {
			if a := fieldr(ib.Data, i); a != 0 {
				fs.bfree(a)
			}
		}
		fs.bc.Relse(ib, "indirect")
		fs.bfree(ia)
		idm.Addrs[config.NDIRECT] = 0
	}
	idm.Size = 0
	idm.dirty = true
}

// readi copies up to len(dst) bytes starting at file offset off into dst,
// returning the number of bytes copied.
func (idm *imemnode_t) readi(dst []uint8, off int) (int, defs.Err_t) {
	if off >= idm.Size {
		return 0, 0
	}
	n := len(dst)
	if off+n > idm.Size {
		n = idm.Size - off
	}
	got := 0
	for got < n {
		bn := (off + got) / BSIZE
		boff := (off + got) % BSIZE
		blkn, err := idm.bmap(bn)
		if err != 0 {
			return got, err
		}
		blk := idm.fs.bc.Get_fill(blkn, "data", true)
		c := copy(dst[got:n], blk.Data[boff:])
		idm.fs.bc.Relse(blk, "data")
		got += c
	}
	return got, 0
}

// writei copies src into idm's file content starting at off, growing the
// file (and allocating new blocks via bmap) as needed.
func (idm *imemnode_t) writei(src []uint8, off int) (int, defs.Err_t) {
	wrote := 0
	for wrote < len(src) {
		bn := (off + wrote) / BSIZE
		boff := (off + wrote) % BSIZE
		blkn, err := idm.bmap(bn)
		if err != 0 {
			return wrote, err
		}
		blk := idm.fs.bc.Get_fill(blkn, "data", true)
		c := copy(blk.Data[boff:], src[wrote:])
		idm.fs.log.log_write(blk)
		idm.fs.bc.Relse(blk, "data")
		wrote += c
	}
	if off+wrote > idm.Size {
		idm.Size = off + wrote
		idm.dirty = true
	}
	return wrote, 0
}
