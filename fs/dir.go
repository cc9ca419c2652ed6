package fs

import (
	"rvkernel/defs"
	"rvkernel/ustr"
)

// Directory entries are fixed-size records within a directory inode's
// data blocks: a 2-byte inode number followed by a zero-padded name. An
// inode number of zero marks an empty (reusable) slot, the same
// convention xv6 directories use.
const (
	// DirnameSz and direntSz match spec.md section 6's on-disk directory
	// entry format verbatim: 16 bytes total, a 2-byte inode number
	// followed by a 14-byte (not NUL-terminated if full length) name.
	DirnameSz = 14
	direntSz  = 2 + DirnameSz
)

// Dirdata_t views one directory block as its array of fixed-size
// entries.
type Dirdata_t struct {
	Data []byte
}

func (dd Dirdata_t) entry(i int) []byte {
	off := i * direntSz
	return dd.Data[off : off+direntSz]
}

// Filename returns the i'th entry's name, or an empty Ustr for an unused
// slot.
func (dd Dirdata_t) Filename(i int) ustr.Ustr {
	e := dd.entry(i)
	return ustr.MkUstrSlice(e[2:])
}

func (dd Dirdata_t) inodenum(i int) int {
	e := dd.entry(i)
	return int(e[0]) | int(e[1])<<8
}

func (dd Dirdata_t) setEntry(i int, name ustr.Ustr, inum int) {
	e := dd.entry(i)
	e[0] = byte(inum)
	e[1] = byte(inum >> 8)
	for j := range e[2:] {
		e[2+j] = 0
	}
	copy(e[2:], name)
}

// dirlookup scans dir's content for name, returning the inode number it
// names.
func (dir *imemnode_t) dirlookup(name ustr.Ustr) (int, defs.Err_t) {
	if dir.Type != defs.I_DIR {
		return 0, -defs.ENOTDIR
	}
	buf := make([]byte, BSIZE)
	for off := 0; off < dir.Size; off += BSIZE {
		n, err := dir.readi(buf, off)
		if err != 0 {
			return 0, err
		}
		dd := Dirdata_t{buf[:n]}
		for i := 0; i < n/direntSz; i++ {
			if dd.inodenum(i) != 0 && dd.Filename(i).Eq(name) {
				return dd.inodenum(i), 0
			}
		}
	}
	return 0, -defs.ENOENT
}

// dirlink adds an entry mapping name to inum within dir, reusing the
// first empty slot if one exists and appending a new entry at the end of
// the directory otherwise.
func (dir *imemnode_t) dirlink(name ustr.Ustr, inum int) defs.Err_t {
	if _, err := dir.dirlookup(name); err == 0 {
		return -defs.EEXIST
	}
	if len(name) > DirnameSz {
		return -defs.ENAMETOOLONG
	}
	buf := make([]byte, BSIZE)
	for off := 0; off < dir.Size; off += BSIZE {
		n, err := dir.readi(buf, off)
		if err != 0 {
			return err
		}
		dd := Dirdata_t{buf[:n]}
		for i := 0; i < n/direntSz; i++ {
			if dd.inodenum(i) == 0 {
				dd.setEntry(i, name, inum)
				if _, err := dir.writei(buf[i*direntSz:(i+1)*direntSz], off+i*direntSz); err != 0 {
					return err
				}
				dir.Iupdate()
				return 0
			}
		}
	}
	rec := make([]byte, direntSz)
	Dirdata_t{rec}.setEntry(0, name, inum)
	if _, err := dir.writei(rec, dir.Size); err != 0 {
		return err
	}
	dir.Iupdate()
	return 0
}

// dirunlink clears the entry naming name within dir.
func (dir *imemnode_t) dirunlink(name ustr.Ustr) defs.Err_t {
	buf := make([]byte, BSIZE)
	for off := 0; off < dir.Size; off += BSIZE {
		n, err := dir.readi(buf, off)
		if err != 0 {
			return err
		}
		dd := Dirdata_t{buf[:n]}
		for i := 0; i < n/direntSz; i++ {
			if dd.inodenum(i) != 0 && dd.Filename(i).Eq(name) {
				dd.setEntry(i, nil, 0)
				if _, err := dir.writei(buf[i*direntSz:(i+1)*direntSz], off+i*direntSz); err != 0 {
					return err
				}
				dir.Iupdate()
				return 0
			}
		}
	}
	return -defs.ENOENT
}

// dirempty reports whether dir contains no entries besides any reserved
// ones (this filesystem keeps no "." or ".." entries on disk -- package
// bpath and fd.Cwd_t resolve those purely lexically).
func (dir *imemnode_t) dirempty() bool {
	buf := make([]byte, BSIZE)
	for off := 0; off < dir.Size; off += BSIZE {
		n, err := dir.readi(buf, off)
		if err != 0 {
			return false
		}
		dd := Dirdata_t{buf[:n]}
		for i := 0; i < n/direntSz; i++ {
			if dd.inodenum(i) != 0 {
				return false
			}
		}
	}
	return true
}
