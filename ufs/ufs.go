package ufs

import (
	"log"
	"os"

	"rvkernel/defs"
	"rvkernel/fd"
	"rvkernel/fs"
	"rvkernel/stat"
	"rvkernel/ustr"
)

//
// FS
//

// Ufs_t wraps the underlying filesystem and block device for a hosted
// test or command-line tool that wants a path-based API rather than the
// syscall-shaped Fs_* entry points proc and trap call directly.
type Ufs_t struct {
	ahci *ahci_disk_t
	fs   *fs.Fs_t
	cwd  *fd.Cwd_t
}

// Fakeubuf_t is this package's own alias of vm.Fakeubuf_t's role: a
// kernel-buffer-backed fdops.Userio_i, reimplemented here (rather than
// importing package vm) since package ufs is a host tool with no process
// address space to speak of.
type Fakeubuf_t struct {
	buf []uint8
}

// MkBuf wraps b as a Userio_i for Fs_open'd descriptions to read/write.
func MkBuf(b []byte) *Fakeubuf_t {
	cp := make([]uint8, len(b))
	copy(cp, b)
	return &Fakeubuf_t{buf: cp}
}

func (fb *Fakeubuf_t) Remain() int  { return len(fb.buf) }
func (fb *Fakeubuf_t) Totalsz() int { return len(fb.buf) }

func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, fb.buf)
	fb.buf = fb.buf[n:]
	return n, 0
}

func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(fb.buf, src)
	fb.buf = fb.buf[n:]
	return n, 0
}

// Sync forces pending filesystem changes to disk.
func (ufs *Ufs_t) Sync() defs.Err_t {
	return ufs.fs.Fs_sync()
}

// SyncApply flushes and applies pending log entries.
func (ufs *Ufs_t) SyncApply() defs.Err_t {
	return ufs.fs.Fs_syncapply()
}

// MkFile creates a new file at p and writes ub into it if provided.
func (ufs *Ufs_t) MkFile(p ustr.Ustr, ub *Fakeubuf_t) defs.Err_t {
	f, err := ufs.fs.Fs_open(p, defs.O_CREAT|defs.O_EXCL|defs.O_RDWR, 0, ufs.cwd, 0, 0)
	if err != 0 {
		return err
	}
	if ub != nil {
		if _, err := f.Fops.Write(ub); err != 0 {
			f.Fops.Close()
			return err
		}
	}
	return f.Fops.Close()
}

// MkDir creates a directory at p.
func (ufs *Ufs_t) MkDir(p ustr.Ustr) defs.Err_t {
	return ufs.fs.Fs_mkdir(p, 0755, ufs.cwd)
}

// Rename moves oldp to newp.
func (ufs *Ufs_t) Rename(oldp, newp ustr.Ustr) defs.Err_t {
	return ufs.fs.Fs_rename(oldp, newp, ufs.cwd)
}

// Update overwrites file p with ub starting at offset zero.
func (ufs *Ufs_t) Update(p ustr.Ustr, ub *Fakeubuf_t) defs.Err_t {
	f, err := ufs.fs.Fs_open(p, defs.O_RDWR, 0, ufs.cwd, 0, 0)
	if err != 0 {
		return err
	}
	if _, err := f.Fops.Write(ub); err != 0 {
		f.Fops.Close()
		return err
	}
	return f.Fops.Close()
}

// Append appends ub to the file at p.
func (ufs *Ufs_t) Append(p ustr.Ustr, ub *Fakeubuf_t) defs.Err_t {
	f, err := ufs.fs.Fs_open(p, defs.O_RDWR|defs.O_APPEND, 0, ufs.cwd, 0, 0)
	if err != 0 {
		return err
	}
	if _, err := f.Fops.Write(ub); err != 0 {
		f.Fops.Close()
		return err
	}
	return f.Fops.Close()
}

// Unlink removes the file at p.
func (ufs *Ufs_t) Unlink(p ustr.Ustr) defs.Err_t {
	return ufs.fs.Fs_unlink(p, ufs.cwd, false)
}

// UnlinkDir removes the directory at p.
func (ufs *Ufs_t) UnlinkDir(p ustr.Ustr) defs.Err_t {
	return ufs.fs.Fs_unlink(p, ufs.cwd, true)
}

// Stat retrieves the stat information for p.
func (ufs *Ufs_t) Stat(p ustr.Ustr) (*stat.Stat_t, defs.Err_t) {
	s := &stat.Stat_t{}
	err := ufs.fs.Fs_stat(p, s, ufs.cwd)
	if err != 0 {
		return nil, err
	}
	return s, 0
}

// Read reads the entire file at p into memory.
func (ufs *Ufs_t) Read(p ustr.Ustr) ([]byte, defs.Err_t) {
	st, err := ufs.Stat(p)
	if err != 0 {
		return nil, err
	}
	f, err := ufs.fs.Fs_open(p, defs.O_RDONLY, 0, ufs.cwd, 0, 0)
	if err != 0 {
		return nil, err
	}
	defer f.Fops.Close()

	out := make([]uint8, 0, st.Size())
	for {
		// Uiowrite advances ub.buf past what it fills, so keep chunk to
		// read the bytes back from.
		chunk := make([]uint8, st.Size())
		n, err := f.Fops.Read(&Fakeubuf_t{buf: chunk})
		if err != 0 {
			return nil, err
		}
		if n == 0 {
			break
		}
		out = append(out, chunk[:n]...)
	}
	return out, 0
}

// Ls returns a map of file names to stats for directory p.
func (ufs *Ufs_t) Ls(p ustr.Ustr) (map[string]*stat.Stat_t, defs.Err_t) {
	res := make(map[string]*stat.Stat_t, 100)
	d, e := ufs.Read(p)
	if e != 0 {
		return nil, e
	}
	const entsz = 2 + fs.DirnameSz
	for off := 0; off < len(d); off += fs.BSIZE {
		end := off + fs.BSIZE
		if end > len(d) {
			end = len(d)
		}
		dd := fs.Dirdata_t{Data: d[off:end]}
		for j := 0; j < (end-off)/entsz; j++ {
			tfn := dd.Filename(j)
			if len(tfn) > 0 {
				full := p.Extend(tfn)
				st, e := ufs.Stat(full)
				if e != 0 {
					return nil, e
				}
				res[string(tfn)] = st
			}
		}
	}
	return res, 0
}

// Statistics returns internal filesystem statistics.
func (ufs *Ufs_t) Statistics() string {
	return ufs.fs.Fs_statistics()
}

// Evict evicts cached inodes and blocks.
func (ufs *Ufs_t) Evict() {
	ufs.fs.Fs_evict()
}

// Sizes returns the number of inodes and blocks in use.
func (ufs *Ufs_t) Sizes() (int, int) {
	return ufs.fs.Sizes()
}

// Fs returns the mounted filesystem directly, for a caller (cmd/kernel)
// that wants to hand it to package trap as the syscall surface's root
// filesystem rather than driving it through Ufs_t's path-based helpers.
func (ufs *Ufs_t) Fs() *fs.Fs_t { return ufs.fs }

// RootCwd returns this mount's root working directory, for seeding the
// first process's current directory (cmd/kernel's init process, before
// any fork has happened to inherit one).
func (ufs *Ufs_t) RootCwd() *fd.Cwd_t { return ufs.cwd }

func openDisk(d string) *ahci_disk_t {
	a := &ahci_disk_t{}
	f, uerr := os.OpenFile(d, os.O_RDWR, 0755)
	if uerr != nil {
		panic(uerr)
	}
	a.f = f
	return a
}

// blockmem backs every block buffer with a frame from the kernel's own
// physical allocator, the same pool user address spaces fault pages
// into; package mem must already be initialized (mem.Init) before any
// Ufs_t is booted.
var blockmem = fs.DefaultBlockmem()

// SetBlockmem installs the Blockmem_i this package's filesystems use for
// block-buffer pages. cmd/kernel calls this once, right after mem.Init.
func SetBlockmem(bm fs.Blockmem_i) { blockmem = bm }

// MkDisk sizes dst to hold a filesystem with the given log/inode/data
// region sizes and formats it (fs.Mkfs), producing an image BootFS can
// mount.
func MkDisk(dst string, nlogblks, ninodeblks, ndatablks int) {
	freeblockLen := (ndatablks + fs.BSIZE*8 - 1) / (fs.BSIZE * 8)
	total := 1 + nlogblks + 1 + ninodeblks + freeblockLen + ndatablks

	f, err := os.Create(dst)
	if err != nil {
		panic(err)
	}
	if err := f.Truncate(int64(total) * fs.BSIZE); err != nil {
		panic(err)
	}
	f.Close()

	a := openDisk(dst)
	fs.Mkfs(a, blockmem, nlogblks, ninodeblks, ndatablks)
	a.close()
}

// BootFS mounts the filesystem image at dst.
func BootFS(dst string) *Ufs_t {
	log.Printf("mounting %v ...\n", dst)
	ufs := &Ufs_t{}
	ufs.ahci = openDisk(dst)
	_, ufs.fs = fs.StartFS(blockmem, ufs.ahci, c)
	ufs.cwd = ufs.fs.MkRootCwd()
	return ufs
}

// ShutdownFS shuts down the filesystem and closes the disk image.
func ShutdownFS(ufs *Ufs_t) {
	fs.StopFS(ufs.fs)
	ufs.ahci.close()
}
