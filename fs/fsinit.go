package fs

import (
	"fmt"

	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/fd"
	"rvkernel/fdops"
	"rvkernel/stat"
	"rvkernel/ustr"
)

// orphanMaxEntries bounds the on-disk orphan-inode list (spec.md 4.9): one
// block holds a count word followed by that many inode-number words, using
// the same fieldr/fieldw word convention as every other fixed-layout block.
const orphanMaxEntries = BSIZE/8 - 1

// fsLayout is the derived (not itself on-disk) view of a mounted
// filesystem's block regions, computed once at mount time from the
// superblock so the allocator (alloc.go) and inode layer (inode.go) never
// re-derive it from raw superblock fields on every call.
type fsLayout struct {
	LogStart     int
	LogLen       int
	OrphanBlock  int
	InodeStart   int
	Ninodes      int
	Freeblock    int
	FreeblockLen int
	Datastart    int
	Size         int
}

// Fs_t is a mounted filesystem: a superblock, a write-ahead log, a block
// cache, and an in-core inode cache sharing one backing Disk_i (spec.md
// section 6). cons lets open descriptions on the console device special
// file (major defs.D_CONSOLE) reach the console driver without package fs
// importing a concrete driver package.
type Fs_t struct {
	sb     *Superblock_t
	layout *fsLayout
	bc     *bcache_t
	log    *log_t
	icache *lruCache_t
	cons   fdops.ConsoleDevice_i
	dev    Disk_i
}

func layoutFromSuper(sb *Superblock_t) *fsLayout {
	l := &fsLayout{}
	l.LogStart = 1
	l.LogLen = sb.Loglen()
	l.OrphanBlock = sb.Iorphanblock()
	l.InodeStart = l.OrphanBlock + sb.Iorphanlen()
	l.Ninodes = sb.Inodelen() * ipb
	l.Freeblock = sb.Freeblock()
	l.FreeblockLen = sb.Freeblocklen()
	l.Datastart = l.Freeblock + l.FreeblockLen
	l.Size = sb.Lastblock() + 1
	return l
}

// Mkfs formats a freshly-sized (zeroed) disk image: it lays out the
// superblock, log, orphan list, inode table, and free-block bitmap
// regions, then allocates the root directory inode. It is a host-side
// tool operation (package ufs' MkDisk calls it), not something the
// running kernel ever calls again after the image exists.
func Mkfs(disk Disk_i, blockmem Blockmem_i, nlogblks, ninodeblks, ndatablks int) {
	bc := mkbcache(blockmem, disk, config.NBUF)

	logStart := 1
	orphanLen := 1
	orphanBlock := logStart + nlogblks
	inodeStart := orphanBlock + orphanLen
	freeblockLen := (ndatablks + BSIZE*8 - 1) / (BSIZE * 8)
	freeblock := inodeStart + ninodeblks
	datastart := freeblock + freeblockLen
	size := datastart + ndatablks

	sbBlk := bc.Get_zero(0, "superblock")
	sb := &Superblock_t{Data: sbBlk.Data}
	sb.SetMagic(config.SuperblockMagic)
	sb.SetLoglen(nlogblks)
	sb.SetIorphanblock(orphanBlock)
	sb.SetIorphanlen(orphanLen)
	sb.SetImaplen(0)
	sb.SetFreeblock(freeblock)
	sb.SetFreeblocklen(freeblockLen)
	sb.SetInodelen(ninodeblks)
	sb.SetLastblock(size - 1)
	sbBlk.Write()
	bc.Relse(sbBlk, "superblock")

	zeroRange := func(start, n int, name string) {
		for i := 0; i < n; i++ {
			b := bc.Get_zero(start+i, name)
			b.Write()
			bc.Relse(b, name)
		}
	}
	zeroRange(logStart, nlogblks, "log")
	zeroRange(orphanBlock, orphanLen, "orphan")
	zeroRange(inodeStart, ninodeblks, "inode")
	zeroRange(freeblock, freeblockLen, "bitmap")

	fs := &Fs_t{
		sb: sb,
		bc: bc,
		dev: disk,
		icache: mkCache(config.NINODE),
		layout: &fsLayout{
			LogStart: logStart, LogLen: nlogblks, OrphanBlock: orphanBlock,
			InodeStart: inodeStart, Ninodes: ninodeblks * ipb,
			Freeblock: freeblock, FreeblockLen: freeblockLen,
			Datastart: datastart, Size: size,
		},
	}
	fs.log = mklog(bc, disk, logStart, nlogblks)

	fs.log.begin_op()
	root, err := fs.ialloc(defs.I_DIR)
	if err != 0 {
		panic("fs: cannot allocate root inode")
	}
	if root.Inum != rootInum {
		panic("fs: root inode did not land at the expected inode number")
	}
	root.ilock()
	root.Nlink = 1
	root.Iupdate()
	root.iunlock()
	fs.log.end_op()
}

// StartFS mounts an already-formatted disk image: it reads the
// superblock, replays the log (spec.md 4.7), and reclaims any inodes left
// orphaned by a crash between unlink and last-close (spec.md 4.9).
func StartFS(blockmem Blockmem_i, disk Disk_i, cons fdops.ConsoleDevice_i) (*Superblock_t, *Fs_t) {
	bc := mkbcache(blockmem, disk, config.NBUF)

	sbBlk := bc.Get_fill(0, "superblock", true)
	sb := &Superblock_t{Data: sbBlk.Data}
	if sb.Magic() != config.SuperblockMagic {
		panic("fs: disk image is not formatted")
	}
	bc.Relse(sbBlk, "superblock")

	fs := &Fs_t{sb: sb, bc: bc, cons: cons, dev: disk, icache: mkCache(config.NINODE)}
	fs.layout = layoutFromSuper(sb)
	fs.log = mklog(bc, disk, fs.layout.LogStart, fs.layout.LogLen)
	fs.log.recover()
	fs.reclaimOrphans()

	return sb, fs
}

// StopFS flushes any uncommitted transaction and drops every cache entry,
// for an orderly shutdown.
func StopFS(fs *Fs_t) {
	fs.log.forceCommit()
	fs.icache.evictAll()
	fs.bc.c.evictAll()
}

// MkRootCwd returns a Cwd_t rooted at this filesystem's root directory.
func (fs *Fs_t) MkRootCwd() *fd.Cwd_t {
	fs.log.begin_op()
	idm := fs.iget(rootInum)
	fs.log.end_op()
	ffd := &fsfd_t{fs: fs, idm: idm}
	return fd.MkRootCwd(&fd.Fd_t{Fops: ffd, Perms: fd.FD_READ | fd.FD_WRITE})
}

// addOrphan records inum in the on-disk orphan list: it was unlinked (its
// link count just reached zero) but another open file description still
// refers to it, so it cannot be reclaimed yet. Caller must be inside a
// transaction.
func (fs *Fs_t) addOrphan(inum int) {
	blk := fs.bc.Get_fill(fs.layout.OrphanBlock, "orphan", true)
	n := fieldr(blk.Data, 0)
	if n >= orphanMaxEntries {
		panic("fs: orphan list full")
	}
	fieldw(blk.Data, 1+n, inum)
	fieldw(blk.Data, 0, n+1)
	fs.log.log_write(blk)
	fs.bc.Relse(blk, "orphan")
}

// removeOrphan clears inum from the orphan list, once the last reference
// to it is finally dropped (fs.iput's reclaim path). Caller must be
// inside a transaction.
func (fs *Fs_t) removeOrphan(inum int) {
	blk := fs.bc.Get_fill(fs.layout.OrphanBlock, "orphan", true)
	n := fieldr(blk.Data, 0)
	for i := 0; i < n; i++ {
		if fieldr(blk.Data, 1+i) == inum {
			last := fieldr(blk.Data, 1+n-1)
			fieldw(blk.Data, 1+i, last)
			fieldw(blk.Data, 0, n-1)
			fs.log.log_write(blk)
			break
		}
	}
	fs.bc.Relse(blk, "orphan")
}

// reclaimOrphans finishes reclaiming any inode that was unlinked-but-open
// when the kernel last stopped, per orphaned entry, in its own
// transaction.
func (fs *Fs_t) reclaimOrphans() {
	blk := fs.bc.Get_fill(fs.layout.OrphanBlock, "orphan", true)
	n := fieldr(blk.Data, 0)
	inums := make([]int, n)
	for i := range inums {
		inums[i] = fieldr(blk.Data, 1+i)
	}
	fs.bc.Relse(blk, "orphan")

	for _, inum := range inums {
		fs.log.begin_op()
		idm := fs.iget(inum)
		idm.ilock()
		idm.Nlink = 0
		idm.iunlock()
		fs.iput(idm)
		fs.removeOrphan(inum)
		fs.log.end_op()
	}
}

// Fs_open implements the open syscall: it resolves path (optionally
// creating it, as a regular or device file per major/minor), and returns
// a ready-to-use file descriptor.
func (fs *Fs_t) Fs_open(path ustr.Ustr, flags, mode int, cwd *fd.Cwd_t, major, minor int) (*fd.Fd_t, defs.Err_t) {
	path = cwd.Canonicalpath(path)
	fs.log.begin_op()
	defer fs.log.end_op()

	var idm *imemnode_t
	if flags&defs.O_CREAT != 0 {
		dir, name, err := fs.nameiparent(path)
		if err != 0 {
			return nil, err
		}
		dir.ilock()
		if inum, err := dir.dirlookup(name); err == 0 {
			dir.iunlock()
			fs.iput(dir)
			if flags&defs.O_EXCL != 0 {
				return nil, -defs.EEXIST
			}
			idm = fs.iget(inum)
		} else {
			itype := defs.I_FILE
			if major != 0 || minor != 0 {
				itype = defs.I_DEV
			}
			nidm, err := fs.ialloc(itype)
			if err != 0 {
				dir.iunlock()
				fs.iput(dir)
				return nil, err
			}
			nidm.ilock()
			nidm.Nlink = 1
			nidm.Major = major
			nidm.Minor = minor
			nidm.Iupdate()
			nidm.iunlock()
			if err := dir.dirlink(name, nidm.Inum); err != 0 {
				nidm.ilock()
				nidm.Nlink = 0
				nidm.Iupdate()
				nidm.iunlock()
				fs.iput(nidm)
				dir.iunlock()
				fs.iput(dir)
				return nil, err
			}
			idm = nidm
			dir.iunlock()
			fs.iput(dir)
		}
	} else {
		var err defs.Err_t
		idm, err = fs.namei(path)
		if err != 0 {
			return nil, err
		}
	}

	idm.ilock()
	if idm.Type == defs.I_DIR && flags&(defs.O_WRONLY|defs.O_RDWR) != 0 {
		idm.iunlock()
		fs.iput(idm)
		return nil, -defs.EISDIR
	}
	if flags&defs.O_DIRECTORY != 0 && idm.Type != defs.I_DIR {
		idm.iunlock()
		fs.iput(idm)
		return nil, -defs.ENOTDIR
	}
	if flags&defs.O_TRUNC != 0 && idm.Type == defs.I_FILE {
		idm.itrunc(0)
		idm.Iupdate()
	}
	idm.iunlock()

	perms := fd.FD_READ
	switch {
	case flags&defs.O_RDWR != 0:
		perms = fd.FD_READ | fd.FD_WRITE
	case flags&defs.O_WRONLY != 0:
		perms = fd.FD_WRITE
	}
	ffd := &fsfd_t{fs: fs, idm: idm, apnd: flags&defs.O_APPEND != 0}
	return &fd.Fd_t{Fops: ffd, Perms: perms}, 0
}

// Fs_mkdir implements the mkdir syscall.
func (fs *Fs_t) Fs_mkdir(path ustr.Ustr, mode int, cwd *fd.Cwd_t) defs.Err_t {
	path = cwd.Canonicalpath(path)
	fs.log.begin_op()
	defer fs.log.end_op()

	dir, name, err := fs.nameiparent(path)
	if err != 0 {
		return err
	}
	dir.ilock()
	if _, err := dir.dirlookup(name); err == 0 {
		dir.iunlock()
		fs.iput(dir)
		return -defs.EEXIST
	}
	nidm, err := fs.ialloc(defs.I_DIR)
	if err != 0 {
		dir.iunlock()
		fs.iput(dir)
		return err
	}
	nidm.ilock()
	nidm.Nlink = 1
	nidm.Iupdate()
	nidm.iunlock()
	if err := dir.dirlink(name, nidm.Inum); err != 0 {
		nidm.ilock()
		nidm.Nlink = 0
		nidm.Iupdate()
		nidm.iunlock()
		fs.iput(nidm)
		dir.iunlock()
		fs.iput(dir)
		return err
	}
	fs.iput(nidm)
	dir.iunlock()
	fs.iput(dir)
	return 0
}

// Fs_unlink implements unlink (wantdir false) and rmdir (wantdir true).
func (fs *Fs_t) Fs_unlink(path ustr.Ustr, cwd *fd.Cwd_t, wantdir bool) defs.Err_t {
	path = cwd.Canonicalpath(path)
	fs.log.begin_op()
	defer fs.log.end_op()

	dir, name, err := fs.nameiparent(path)
	if err != 0 {
		return err
	}
	dir.ilock()
	inum, err := dir.dirlookup(name)
	if err != 0 {
		dir.iunlock()
		fs.iput(dir)
		return err
	}
	target := fs.iget(inum)
	target.ilock()

	switch {
	case wantdir && target.Type != defs.I_DIR:
		err = -defs.ENOTDIR
	case !wantdir && target.Type == defs.I_DIR:
		err = -defs.EISDIR
	case target.Type == defs.I_DIR && !target.dirempty():
		err = -defs.ENOTEMPTY
	}
	if err != 0 {
		target.iunlock()
		fs.iput(target)
		dir.iunlock()
		fs.iput(dir)
		return err
	}

	if err := dir.dirunlink(name); err != 0 {
		target.iunlock()
		fs.iput(target)
		dir.iunlock()
		fs.iput(dir)
		return err
	}
	target.Nlink--
	target.Iupdate()
	if target.Nlink == 0 && fs.icache.refcount(target.Inum) > 1 {
		fs.addOrphan(target.Inum)
	}
	target.iunlock()
	fs.iput(target)
	dir.iunlock()
	fs.iput(dir)
	return 0
}

// Fs_link implements the link syscall: newp becomes a second directory
// entry for the inode oldp names, bumping its link count. Both paths must
// resolve within the same filesystem; directories cannot be hard-linked.
func (fs *Fs_t) Fs_link(oldp, newp ustr.Ustr, cwd *fd.Cwd_t) defs.Err_t {
	oldp = cwd.Canonicalpath(oldp)
	newp = cwd.Canonicalpath(newp)
	fs.log.begin_op()
	defer fs.log.end_op()

	idm, err := fs.namei(oldp)
	if err != 0 {
		return err
	}
	idm.ilock()
	if idm.Type == defs.I_DIR {
		idm.iunlock()
		fs.iput(idm)
		return -defs.EPERM
	}
	idm.Nlink++
	idm.Iupdate()
	idm.iunlock()

	dir, name, err := fs.nameiparent(newp)
	if err != 0 {
		idm.ilock()
		idm.Nlink--
		idm.Iupdate()
		idm.iunlock()
		fs.iput(idm)
		return err
	}
	dir.ilock()
	if _, eerr := dir.dirlookup(name); eerr == 0 {
		dir.iunlock()
		fs.iput(dir)
		idm.ilock()
		idm.Nlink--
		idm.Iupdate()
		idm.iunlock()
		fs.iput(idm)
		return -defs.EEXIST
	}
	err = dir.dirlink(name, idm.Inum)
	dir.iunlock()
	fs.iput(dir)
	if err != 0 {
		idm.ilock()
		idm.Nlink--
		idm.Iupdate()
		idm.iunlock()
	}
	fs.iput(idm)
	return err
}

// Fs_rename implements rename, a supplemented operation (spec.md's
// distilled syscall surface omitted it; this kernel's original_source was
// empty for this spec). The destination, if it exists and names the same
// file, is a silent no-op; if it names a different file, rename fails
// with EEXIST rather than replacing it as POSIX rename(2) would.
func (fs *Fs_t) Fs_rename(oldp, newp ustr.Ustr, cwd *fd.Cwd_t) defs.Err_t {
	oldp = cwd.Canonicalpath(oldp)
	newp = cwd.Canonicalpath(newp)
	fs.log.begin_op()
	defer fs.log.end_op()

	odir, oname, err := fs.nameiparent(oldp)
	if err != 0 {
		return err
	}
	odir.ilock()
	inum, err := odir.dirlookup(oname)
	odir.iunlock()
	if err != 0 {
		fs.iput(odir)
		return err
	}

	ndir, nname, err := fs.nameiparent(newp)
	if err != 0 {
		fs.iput(odir)
		return err
	}
	ndir.ilock()
	if existing, eerr := ndir.dirlookup(nname); eerr == 0 {
		ndir.iunlock()
		fs.iput(ndir)
		fs.iput(odir)
		if existing == inum {
			return 0
		}
		return -defs.EEXIST
	}
	if err := ndir.dirlink(nname, inum); err != 0 {
		ndir.iunlock()
		fs.iput(ndir)
		fs.iput(odir)
		return err
	}
	ndir.iunlock()

	odir.ilock()
	err = odir.dirunlink(oname)
	odir.iunlock()
	fs.iput(odir)
	fs.iput(ndir)
	return err
}

// Fs_stat implements the stat syscall.
func (fs *Fs_t) Fs_stat(path ustr.Ustr, st *stat.Stat_t, cwd *fd.Cwd_t) defs.Err_t {
	path = cwd.Canonicalpath(path)
	fs.log.begin_op()
	defer fs.log.end_op()

	idm, err := fs.namei(path)
	if err != 0 {
		return err
	}
	idm.ilock()
	st.Wdev(0)
	st.Wino(uint(idm.Inum))
	st.Wmode(uint(idm.Type))
	st.Wsize(uint(idm.Size))
	st.Wrdev(defs.Mkdev(idm.Major, idm.Minor))
	idm.iunlock()
	fs.iput(idm)
	return 0
}

// Fs_sync forces the current transaction to commit, without waiting for
// new system calls to join it.
func (fs *Fs_t) Fs_sync() defs.Err_t {
	fs.log.forceCommit()
	return 0
}

// Fs_syncapply is Fs_sync followed by confirmation that every committed
// block has been installed at its home location; this log implementation
// installs synchronously within commit, so the two coincide.
func (fs *Fs_t) Fs_syncapply() defs.Err_t {
	fs.log.forceCommit()
	return 0
}

// Fs_evict drops every unreferenced entry from the inode and block
// caches, for testing and for memory-pressure diagnostics.
func (fs *Fs_t) Fs_evict() {
	fs.icache.evictAll()
	fs.bc.c.evictAll()
}

// Fs_statistics reports a human-readable summary of cache occupancy and
// disk statistics.
func (fs *Fs_t) Fs_statistics() string {
	return fmt.Sprintf("inodes cached=%d blocks cached=%d disk=%s",
		fs.icache.size(), fs.bc.size(), fs.dev.Stats())
}

// Sizes reports the number of inodes and blocks currently cached.
func (fs *Fs_t) Sizes() (int, int) {
	return fs.icache.size(), fs.bc.size()
}
