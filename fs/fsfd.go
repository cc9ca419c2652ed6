package fs

import (
	"sync"

	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/fdops"
	"rvkernel/mem"
)

// fsfd_t is the open-file-description state behind every regular file,
// directory, and device special file Fs_open hands back: an in-core
// inode reference plus a read/write cursor. It implements
// fdops.Fdops_i, the same seam package fd and package vm's file-backed
// mappings use against any backing store.
type fsfd_t struct {
	sync.Mutex
	fs   *Fs_t
	idm  *imemnode_t
	off  int
	apnd bool
}

var _ fdops.Fdops_i = (*fsfd_t)(nil)

// Close drops this description's reference on its inode, finally
// reclaiming it if it was unlinked and this was the last open reference
// (fs.iput).
func (f *fsfd_t) Close() defs.Err_t {
	f.fs.log.begin_op()
	f.fs.iput(f.idm)
	f.fs.log.end_op()
	return 0
}

// Reopen bumps the inode cache reference for a duplicated file
// descriptor (dup/dup2/fork).
func (f *fsfd_t) Reopen() defs.Err_t {
	if _, ok := f.fs.icache.lookup(f.idm.Inum); !ok {
		panic("fs: reopen of an evicted inode")
	}
	return 0
}

func (f *fsfd_t) Fstat(st fdops.StatOut) defs.Err_t {
	f.idm.ilock()
	st.Wdev(0)
	st.Wino(uint(f.idm.Inum))
	st.Wmode(uint(f.idm.Type))
	st.Wsize(uint(f.idm.Size))
	st.Wrdev(defs.Mkdev(f.idm.Major, f.idm.Minor))
	f.idm.iunlock()
	return 0
}

func (f *fsfd_t) Lseek(off int, whence int) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	switch whence {
	case defs.SEEK_SET:
		f.off = off
	case defs.SEEK_CUR:
		f.off += off
	case defs.SEEK_END:
		f.idm.ilock()
		f.off = f.idm.Size + off
		f.idm.iunlock()
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
	}
	return f.off, 0
}

// Read implements the read syscall, dispatching to the console driver
// for /dev/console and otherwise reading through the inode layer.
func (f *fsfd_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if f.idm.Type == defs.I_DEV && f.idm.Major == defs.D_CONSOLE {
		return f.fs.cons.Cons_read(dst, 0)
	}
	f.Lock()
	defer f.Unlock()
	buf := make([]uint8, dst.Remain())
	f.idm.ilock()
	n, err := f.idm.readi(buf, f.off)
	f.idm.iunlock()
	if err != 0 || n == 0 {
		return 0, err
	}
	wrote, err := dst.Uiowrite(buf[:n])
	f.off += wrote
	return wrote, err
}

// Write implements the write syscall. Writes are chunked into
// transaction-sized pieces so that a single large write does not exceed
// the log's per-transaction block budget (config.MAXOPBLOCKS).
func (f *fsfd_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if f.idm.Type == defs.I_DEV && f.idm.Major == defs.D_CONSOLE {
		return f.fs.cons.Cons_write(src, 0)
	}
	f.Lock()
	defer f.Unlock()

	// an unaligned chunk spans one more data block than its length, and
	// may also dirty the inode, an indirect block and a bitmap block.
	maxchunk := (config.MAXOPBLOCKS - 4) * BSIZE
	total := 0
	for src.Remain() > 0 {
		n := src.Remain()
		if n > maxchunk {
			n = maxchunk
		}
		buf := make([]uint8, n)
		got, rerr := src.Uioread(buf)
		if rerr != 0 {
			return total, rerr
		}

		f.fs.log.begin_op()
		f.idm.ilock()
		if f.apnd {
			f.off = f.idm.Size
		}
		wrote, werr := f.idm.writei(buf[:got], f.off)
		// always write the inode back: the write may have grown the file
		// or allocated blocks, mutating the address list.
		f.idm.Iupdate()
		f.idm.iunlock()
		f.fs.log.end_op()

		f.off += wrote
		total += wrote
		if werr != 0 {
			return total, werr
		}
		if wrote != got {
			return total, -defs.EIO
		}
	}
	return total, 0
}

func (f *fsfd_t) Truncate(newlen uint) defs.Err_t {
	if newlen != 0 {
		return -defs.EINVAL
	}
	f.fs.log.begin_op()
	f.idm.ilock()
	f.idm.itrunc(0)
	f.idm.Iupdate()
	f.idm.iunlock()
	f.fs.log.end_op()
	return 0
}

func (f *fsfd_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	if f.idm.Type == defs.I_DEV && f.idm.Major == defs.D_CONSOLE {
		return f.fs.cons.Cons_poll(pm)
	}
	return fdops.R_READ | fdops.R_WRITE, 0
}

func (f *fsfd_t) Pathi() any { return f.idm }

// Mmapi returns the pages backing length blocks of the file starting at
// byte offset off, pinning each in the block cache for as long as it
// stays mapped. Unlike the teacher's separate mmap object pool, this
// reuses the block cache's own reference count as the pin.
func (f *fsfd_t) Mmapi(off int, length int, shared bool) ([]fdops.MmapInfo_t, defs.Err_t) {
	f.idm.ilock()
	defer f.idm.iunlock()
	ret := make([]fdops.MmapInfo_t, 0, length)
	for i := 0; i < length; i++ {
		bn, err := f.idm.bmap(off/BSIZE + i)
		if err != 0 {
			return nil, err
		}
		// keep the cache reference as the pin, but drop the sleep-lock:
		// the mapping's pages are read through the page table, not this
		// call path, and holding the lock would block every future get.
		blk := f.fs.bc.Get_fill(bn, "mmap", true)
		blk.lk.ReleaseSleep()
		ret = append(ret, fdops.MmapInfo_t{Pa: blk.Pa, Page: mem.Bytepg2pg(blk.Data)})
	}
	return ret, 0
}
