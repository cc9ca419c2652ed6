package vm

import (
	"rvkernel/defs"
	"rvkernel/fdops"
	"rvkernel/mem"
	"rvkernel/util"
)

// mtype_t classifies a mapping for the page-fault handler: private
// anonymous (zero-fill, copy-on-write once forked), shared anonymous
// (always mapped, never copy-on-write, used for shared memory segments),
// or file-backed (private or shared, demand-paged from a file's blocks).
type mtype_t uint

const (
	VANON mtype_t = iota
	VSANON
	VFILE
)

// Unpin_i is called when a shared file-backed page is evicted from every
// address space mapping it, giving the filesystem a chance to write the
// page back. The teacher's mem.Unpin_i plays the same role.
type Unpin_i interface {
	Unpin(pa mem.Pa_t)
}

// Mfile_t is the file-backing state shared by every Vminfo_t that maps the
// same open file, so closing one mapping's fd does not invalidate another
// mapping's pages.
type Mfile_t struct {
	Mfops    fdops.Fdops_i
	Unpin    Unpin_i
	Mapcount int
}

type filemap_t struct {
	foff   int
	shared bool
	mfile  *Mfile_t
}

// Vminfo_t describes one virtual-address-range mapping within a process:
// its type, its page range, its permission bits, and (for file mappings)
// its backing file and offset.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
	file  filemap_t
}

func (vmi *Vminfo_t) contains(pgn uintptr) bool {
	return pgn >= vmi.Pgn && pgn < vmi.Pgn+uintptr(vmi.Pglen)
}

// Ptefor returns the leaf PTE for virtual address va within vmi's mapping,
// allocating intermediate page-table levels as needed.
func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	pte, err := pmap_walk(pmap, int(va), PTE_U|PTE_W)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

// Filepage demand-loads the page backing faultaddr from vmi's file, via
// the fdops.Fdops_i.Mmapi contract (spec.md 4.9's file-backed mapping
// support: Mmapi returns the pages covering an offset range).
func (vmi *Vminfo_t) Filepage(faultaddr uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	pgn := faultaddr>>PGSHIFT - vmi.Pgn
	foff := vmi.file.foff + int(pgn)*PGSIZE
	infos, err := vmi.file.mfile.Mfops.Mmapi(foff, 1, vmi.file.shared)
	if err != 0 {
		return nil, 0, err
	}
	if len(infos) == 0 {
		return nil, 0, -defs.EINVAL
	}
	return infos[0].Page, infos[0].Pa, 0
}

// Vmregion_t is the ordered list of a process's virtual-memory mappings,
// protected by the owning Vm_t's mutex (like the teacher's Vmregion_t, but
// kept as a plain slice rather than a balanced tree: this kernel does not
// run with enough concurrent mappings per process to need better than
// linear scan).
type Vmregion_t struct {
	regions []*Vminfo_t
}

// Lookup returns the mapping covering virtual address va, if any.
func (vr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	pgn := va >> PGSHIFT
	for _, vmi := range vr.regions {
		if vmi.contains(pgn) {
			return vmi, true
		}
	}
	return nil, false
}

func (vr *Vmregion_t) insert(vmi *Vminfo_t) {
	if vmi.Mtype == VFILE && vmi.file.mfile != nil && vmi.file.mfile.Mfops != nil {
		vmi.file.mfile.Mfops.Reopen()
	}
	vr.regions = append(vr.regions, vmi)
}

// empty finds a free virtual-address range of at least length len at or
// above startva, for mmap-style "pick an address for me" requests.
func (vr *Vmregion_t) empty(startva, length uintptr) (uintptr, uintptr) {
	cand := util.Roundup(int(startva), PGSIZE)
	for {
		ok := true
		candpg := uintptr(cand) >> PGSHIFT
		endpg := candpg + uintptr(util.Roundup(int(length), PGSIZE))>>PGSHIFT
		for _, vmi := range vr.regions {
			if candpg < vmi.Pgn+uintptr(vmi.Pglen) && endpg > vmi.Pgn {
				ok = false
				cand = int((vmi.Pgn + uintptr(vmi.Pglen)) << PGSHIFT)
				break
			}
		}
		if ok {
			return uintptr(cand), length
		}
	}
}

// Clear drops every mapping, reopening file-backed references (letting the
// filesystem's Close path reclaim them once their refcount hits zero).
func (vr *Vmregion_t) Clear() {
	for _, vmi := range vr.regions {
		if vmi.Mtype == VFILE && vmi.file.mfile != nil && vmi.file.mfile.Mfops != nil {
			vmi.file.mfile.Mfops.Close()
		}
	}
	vr.regions = nil
}
