package fs

import (
	"rvkernel/defs"
	"rvkernel/ustr"
)

// rootInum is the inode number of the filesystem root, fixed at format
// time (Mkfs in fs/fsinit.go formats it as the very first inode ialloc ever hands
// out).
const rootInum = 1

func splitPath(p ustr.Ustr) []ustr.Ustr {
	var comps []ustr.Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				comps = append(comps, p[start:i])
			}
			start = i + 1
		}
	}
	return comps
}

// namei resolves an absolute, canonical path to its inode, walking one
// directory lookup per component (spec.md 4.9).
func (fs *Fs_t) namei(path ustr.Ustr) (*imemnode_t, defs.Err_t) {
	idm := fs.iget(rootInum)
	for _, comp := range splitPath(path) {
		idm.ilock()
		if idm.Type != defs.I_DIR {
			idm.iunlock()
			fs.iput(idm)
			return nil, -defs.ENOTDIR
		}
		next, err := idm.dirlookup(comp)
		idm.iunlock()
		if err != 0 {
			fs.iput(idm)
			return nil, err
		}
		nidm := fs.iget(next)
		fs.iput(idm)
		idm = nidm
	}
	return idm, 0
}

// nameiparent resolves every path component but the last, returning the
// parent directory inode and the final component's name -- the shape
// create/unlink/rename need.
func (fs *Fs_t) nameiparent(path ustr.Ustr) (*imemnode_t, ustr.Ustr, defs.Err_t) {
	comps := splitPath(path)
	if len(comps) == 0 {
		return nil, nil, -defs.EINVAL
	}
	idm := fs.iget(rootInum)
	for _, comp := range comps[:len(comps)-1] {
		idm.ilock()
		if idm.Type != defs.I_DIR {
			idm.iunlock()
			fs.iput(idm)
			return nil, nil, -defs.ENOTDIR
		}
		next, err := idm.dirlookup(comp)
		idm.iunlock()
		if err != 0 {
			fs.iput(idm)
			return nil, nil, err
		}
		nidm := fs.iget(next)
		fs.iput(idm)
		idm = nidm
	}
	return idm, comps[len(comps)-1], 0
}
