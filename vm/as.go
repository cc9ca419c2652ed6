package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"rvkernel/defs"
	"rvkernel/fdops"
	"rvkernel/mem"
	"rvkernel/ustr"
	"rvkernel/util"
)

// Vm_t is a process address space: a three-level pmap plus the region
// list describing what each mapped range means (spec.md 4.3). The mutex
// serializes every pmap/region mutation, including the page-fault path,
// the same way the teacher's Vm_t embeds sync.Mutex directly.
type Vm_t struct {
	sync.Mutex

	Vmregion Vmregion_t

	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t

	pgfltaken bool

	// heap is the single growable anonymous region sbrk extends and
	// shrinks; heapSz is its current size in bytes (the process break
	// measured from heap.Pgn<<PGSHIFT). Both are nil/0 until the first
	// Sbrk call.
	heap   *Vminfo_t
	heapSz int
}

// Mkas allocates a fresh, empty address space with a zeroed top-level
// pmap.
func Mkas() (*Vm_t, bool) {
	top, pa, ok := mkpmap()
	if !ok {
		return nil, false
	}
	return &Vm_t{Pmap: top, P_pmap: pa}, true
}

func (as *Vm_t) Lock_pmap() {
	as.Lock()
	as.pgfltaken = true
}

func (as *Vm_t) Unlock_pmap() {
	as.pgfltaken = false
	as.Unlock()
}

func (as *Vm_t) Lockassert_pmap() {
	if !as.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

// Userdmap8_inner maps the page backing virtual address va, faulting it in
// if necessary, and returns the kernel-addressable slice starting at va's
// in-page offset. k2u requests write access (the kernel is about to copy
// into user memory, e.g. a read() syscall filling a user buffer).
func (as *Vm_t) Userdmap8_inner(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lockassert_pmap()

	voff := va & int(PGOFFSET)
	uva := uintptr(va)
	vmi, ok := as.Vmregion.Lookup(uva)
	if !ok {
		return nil, -defs.EFAULT
	}
	pte, ok := vmi.Ptefor(as.Pmap, uva)
	if !ok {
		return nil, -defs.ENOMEM
	}
	ecode := PTE_U
	needfault := true
	isp := *pte&PTE_P != 0
	if k2u {
		ecode |= PTE_W
		iscow := *pte&PTE_COW != 0
		if isp && !iscow {
			needfault = false
		}
	} else if isp {
		needfault = false
	}

	if needfault {
		if err := Sys_pgfault(as, vmi, uva, ecode); err != 0 {
			return nil, err
		}
	}

	pg := mem.Physmem.Dmap(pte_addr(*pte))
	bpg := mem.Pg2bytes(pg)
	return bpg[voff:], 0
}

func (as *Vm_t) _userdmap8(va int, k2u bool) ([]uint8, defs.Err_t) {
	as.Lock_pmap()
	ret, err := as.Userdmap8_inner(va, k2u)
	as.Unlock_pmap()
	return ret, err
}

func (as *Vm_t) Userdmap8r(va int) ([]uint8, defs.Err_t) {
	return as._userdmap8(va, false)
}

// Userreadn reads n (<= 8) bytes from user memory at va as a little-endian
// integer.
func (as *Vm_t) Userreadn(va, n int) (int, defs.Err_t) {
	as.Lock_pmap()
	a, b := as.userreadn_inner(va, n)
	as.Unlock_pmap()
	return a, b
}

func (as *Vm_t) userreadn_inner(va, n int) (int, defs.Err_t) {
	as.Lockassert_pmap()
	if n > 8 {
		panic("vm: large n")
	}
	var ret int
	var src []uint8
	var err defs.Err_t
	for i := 0; i < n; i += len(src) {
		src, err = as.Userdmap8_inner(va+i, false)
		if err != 0 {
			return 0, err
		}
		l := util.Min(n-i, len(src))
		v := util.Readn(src, l, 0)
		ret |= v << (8 * uint(i))
	}
	return ret, 0
}

// Userwriten writes the low n bytes of val to user memory at va.
func (as *Vm_t) Userwriten(va, n, val int) defs.Err_t {
	if n > 8 {
		panic("vm: large n")
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	var dst []uint8
	for i := 0; i < n; i += len(dst) {
		v := val >> (8 * uint(i))
		t, err := as.Userdmap8_inner(va+i, true)
		dst = t
		if err != 0 {
			return err
		}
		util.Writen(dst, util.Min(n-i, len(dst)), 0, v)
	}
	return 0
}

// Userstr copies a NUL-terminated string out of user memory, up to lenmax
// bytes, returning -ENAMETOOLONG if no NUL appears in time.
func (as *Vm_t) Userstr(uva int, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, 0
	}
	as.Lock_pmap()
	defer as.Unlock_pmap()
	i := 0
	s := ustr.MkUstr()
	for {
		str, err := as.Userdmap8_inner(uva+i, false)
		if err != 0 {
			return s, err
		}
		for j, c := range str {
			if c == 0 {
				s = append(s, str[:j]...)
				return s, 0
			}
		}
		s = append(s, str...)
		i += len(str)
		if len(s) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}

// Usertimespec reads a {seconds, nanoseconds} pair from user memory.
func (as *Vm_t) Usertimespec(va int) (time.Duration, time.Time, defs.Err_t) {
	var zt time.Time
	secs, err := as.Userreadn(va, 8)
	if err != 0 {
		return 0, zt, err
	}
	nsecs, err := as.Userreadn(va+8, 8)
	if err != 0 {
		return 0, zt, err
	}
	if secs < 0 || nsecs < 0 {
		return 0, zt, -defs.EINVAL
	}
	tot := time.Duration(secs)*time.Second + time.Duration(nsecs)*time.Nanosecond
	t := time.Unix(int64(secs), int64(nsecs))
	return tot, t, 0
}

// K2user copies src into user memory starting at uva.
func (as *Vm_t) K2user(src []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	ret := as.K2user_inner(src, uva)
	as.Unlock_pmap()
	return ret
}

func (as *Vm_t) K2user_inner(src []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	for cnt != len(src) {
		dst, err := as.Userdmap8_inner(uva+cnt, true)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		cnt += n
	}
	return 0
}

// User2k copies len(dst) bytes from user memory at uva into dst.
func (as *Vm_t) User2k(dst []uint8, uva int) defs.Err_t {
	as.Lock_pmap()
	ret := as.User2k_inner(dst, uva)
	as.Unlock_pmap()
	return ret
}

func (as *Vm_t) User2k_inner(dst []uint8, uva int) defs.Err_t {
	as.Lockassert_pmap()
	cnt := 0
	for len(dst) != 0 {
		src, err := as.Userdmap8_inner(uva+cnt, false)
		if err != 0 {
			return err
		}
		did := copy(dst, src)
		dst = dst[did:]
		cnt += did
	}
	return 0
}

// Unusedva_inner finds an unused virtual-address range, used by mmap
// requests that let the kernel choose the address.
func (as *Vm_t) Unusedva_inner(startva, length int) int {
	as.Lockassert_pmap()
	if length < 0 || length > 1<<48 {
		panic("vm: unreasonable length")
	}
	startva = util.Rounddown(startva, PGSIZE)
	if startva < USERMIN {
		startva = USERMIN
	}
	ret, _ := as.Vmregion.empty(uintptr(startva), uintptr(length))
	return int(ret)
}

// Sys_pgfault resolves a page fault at faultaddr within vmi. It implements
// spec.md 4.3's copy-on-write semantics: a write fault against a
// privately-held COW page reuses the frame in place (claiming sole
// ownership); a write fault against a shared COW page, or the first touch
// of a fresh anonymous or file page, allocates or demand-loads a frame and
// installs it with permissions appropriate to the mapping's type.
func Sys_pgfault(as *Vm_t, vmi *Vminfo_t, faultaddr uintptr, ecode mem.Pa_t) defs.Err_t {
	isguard := vmi.Perms == 0
	iswrite := ecode&PTE_W != 0
	writeok := vmi.Perms&uint(PTE_W) != 0
	if isguard || (iswrite && !writeok) {
		return -defs.EFAULT
	}
	if ecode&PTE_U == 0 {
		panic("vm: kernel page fault")
	}
	if vmi.Mtype == VSANON {
		panic("vm: shared anon pages must always be mapped")
	}

	pte, ok := vmi.Ptefor(as.Pmap, faultaddr)
	if !ok {
		return -defs.ENOMEM
	}
	if (iswrite && *pte&PTE_WASCOW != 0) || (!iswrite && *pte&PTE_P != 0) {
		// concurrent fault on the same page already resolved it
		return 0
	}

	var p_pg mem.Pa_t
	isblockpage := false
	isnewpage := false
	perms := PTE_U | PTE_P
	isempty := true

	if vmi.Mtype == VFILE && vmi.file.shared {
		var err defs.Err_t
		_, p_pg, err = vmi.Filepage(uintptr(faultaddr))
		if err != 0 {
			return err
		}
		isblockpage = true
		if vmi.Perms&uint(PTE_W) != 0 {
			perms |= PTE_W
		}
	} else if iswrite {
		if *pte&PTE_W != 0 {
			panic("vm: writable pte should not fault")
		}
		var pgsrc *mem.Pg_t
		var p_bpg mem.Pa_t
		cow := *pte&PTE_COW != 0
		if cow {
			phys := pte_addr(*pte)
			if vmi.Mtype == VANON && atomic.LoadInt32(mem.Physmem.Refaddr(phys)) == 1 &&
				phys != mem.P_zeropg {
				*pte = (*pte &^ PTE_COW) | PTE_W | PTE_WASCOW
				return 0
			}
			pgsrc = mem.Physmem.Dmap(phys)
			isempty = false
		} else {
			if *pte != 0 {
				panic("vm: expected empty pte")
			}
			switch vmi.Mtype {
			case VANON:
				pgsrc = mem.Zeropg
			case VFILE:
				var err defs.Err_t
				pgsrc, p_bpg, err = vmi.Filepage(uintptr(faultaddr))
				if err != 0 {
					return err
				}
				defer mem.Physmem.Refdown(p_bpg)
			default:
				panic("vm: unknown mapping type")
			}
		}
		var ok bool
		pg, pa, ok2 := mem.Physmem.Refpg_new_nozero()
		ok = ok2
		if !ok {
			return -defs.ENOMEM
		}
		p_pg = pa
		isnewpage = true
		*pg = *pgsrc
		perms |= PTE_WASCOW | PTE_W
	} else {
		if *pte != 0 {
			panic("vm: expected empty pte")
		}
		switch vmi.Mtype {
		case VANON:
			p_pg = mem.P_zeropg
		case VFILE:
			var err defs.Err_t
			_, p_pg, err = vmi.Filepage(uintptr(faultaddr))
			if err != 0 {
				return err
			}
			isblockpage = true
		default:
			panic("vm: unknown mapping type")
		}
		if vmi.Perms&uint(PTE_W) != 0 {
			perms |= PTE_COW
		}
	}
	if perms&PTE_W != 0 {
		perms |= PTE_D
	}
	perms |= PTE_A

	var ok2 bool
	// a freshly allocated frame already carries the one reference its
	// mapping accounts for, so it is inserted without another.
	if isblockpage || isnewpage {
		_, ok2 = as.Blockpage_insert(int(faultaddr), p_pg, perms, isempty, pte)
	} else {
		_, ok2 = as.Page_insert(int(faultaddr), p_pg, perms, isempty, pte)
	}
	if !ok2 {
		mem.Physmem.Refdown(p_pg)
		return -defs.ENOMEM
	}
	return 0
}

// Page_insert maps p_pg at va, bumping its reference count. It reports
// whether an existing mapping was replaced and whether the insertion
// succeeded.
func (as *Vm_t) Page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t, vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as._page_insert(va, p_pg, perms, vempty, true, pte)
}

// Blockpage_insert is Page_insert without the refcount bump, for callers
// that already hold a reference on the frame (block-cache pages backing a
// file mapping).
func (as *Vm_t) Blockpage_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t, vempty bool, pte *mem.Pa_t) (bool, bool) {
	return as._page_insert(va, p_pg, perms, vempty, false, pte)
}

func (as *Vm_t) _page_insert(va int, p_pg mem.Pa_t, perms mem.Pa_t, vempty, refup bool, pte *mem.Pa_t) (bool, bool) {
	as.Lockassert_pmap()
	if refup {
		mem.Physmem.Refup(p_pg)
	}
	if pte == nil {
		var err defs.Err_t
		pte, err = pmap_walk(as.Pmap, va, PTE_U|PTE_W)
		if err != 0 {
			return false, false
		}
	}
	replaced := false
	var p_old mem.Pa_t
	if *pte&PTE_P != 0 {
		if vempty {
			panic("vm: pte unexpectedly present")
		}
		if *pte&PTE_U == 0 {
			panic("vm: refusing to replace kernel page")
		}
		replaced = true
		p_old = pte_addr(*pte)
	}
	*pte = p_pg | perms | PTE_P
	if replaced {
		mem.Physmem.Refdown(p_old)
	}
	return replaced, true
}

// Page_remove unmaps the page at va, if any, dropping its reference.
func (as *Vm_t) Page_remove(va int) bool {
	as.Lockassert_pmap()
	pte := Pmap_lookup(as.Pmap, va)
	if pte == nil || *pte&PTE_P == 0 {
		return false
	}
	if *pte&PTE_U == 0 {
		panic("vm: refusing to remove kernel page")
	}
	mem.Physmem.Refdown(pte_addr(*pte))
	*pte = 0
	return true
}

// Pgfault is the page-fault entry point a trap dispatcher would vector a
// faulting store or load to. In this hosted kernel there is no
// asynchronous fault delivery: user-memory accesses go through the copy
// helpers above, which take the same Sys_pgfault path synchronously, so
// this wrapper exists for callers that have only a fault address and an
// access code in hand.
func (as *Vm_t) Pgfault(tid defs.Tid_t, fa, ecode mem.Pa_t) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	vmi, ok := as.Vmregion.Lookup(uintptr(fa))
	if !ok {
		return -defs.EFAULT
	}
	return Sys_pgfault(as, vmi, uintptr(fa), ecode)
}

// Uvmfree releases every mapping and every page-table page belonging to
// this address space. It must only be called once the process owning it
// has fully exited.
func (as *Vm_t) Uvmfree() {
	as.Lock_pmap()
	for _, vmi := range as.Vmregion.regions {
		for pgn := vmi.Pgn; pgn < vmi.Pgn+uintptr(vmi.Pglen); pgn++ {
			as.Page_remove(int(pgn << PGSHIFT))
		}
	}
	as.Vmregion.Clear()
	as.Unlock_pmap()
	freePmap(as.Pmap)
	mem.Physmem.Refdown(as.P_pmap)
}

// freePmap walks and releases every page-table page reachable from the
// two interior levels below top (top's own frame is released separately
// by the caller, since only the caller knows its physical address).
func freePmap(top *mem.Pmap_t) {
	for i2 := range top {
		e2 := top[i2]
		if e2&PTE_P == 0 {
			continue
		}
		mid := mem.Pg2pmap(mem.Physmem.Dmap(pte_addr(e2)))
		for i1 := range mid {
			e1 := mid[i1]
			if e1&PTE_P == 0 {
				continue
			}
			mem.Physmem.Refdown(pte_addr(e1))
		}
		mem.Physmem.Refdown(pte_addr(e2))
	}
}

func (as *Vm_t) Vmadd_anon(start, length int, perms mem.Pa_t) {
	vmi := as._mkvmi(VANON, start, length, perms, 0, nil, nil)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) Vmadd_file(start, length int, perms mem.Pa_t, fops fdops.Fdops_i, foff int) {
	vmi := as._mkvmi(VFILE, start, length, perms, foff, fops, nil)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) Vmadd_shareanon(start, length int, perms mem.Pa_t) {
	vmi := as._mkvmi(VSANON, start, length, perms, 0, nil, nil)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) Vmadd_sharefile(start, length int, perms mem.Pa_t, fops fdops.Fdops_i, foff int, unpin Unpin_i) {
	vmi := as._mkvmi(VFILE, start, length, perms, foff, fops, unpin)
	as.Vmregion.insert(vmi)
}

func (as *Vm_t) _mkvmi(mt mtype_t, start, length int, perms mem.Pa_t, foff int, fops fdops.Fdops_i, unpin Unpin_i) *Vminfo_t {
	if length <= 0 {
		panic("vm: bad mapping length")
	}
	if mem.Pa_t(start|length)&mem.PGOFFSET != 0 {
		panic("vm: start and length must be page aligned")
	}
	ret := &Vminfo_t{
		Mtype: mt,
		Pgn:   uintptr(start) >> PGSHIFT,
		Pglen: util.Roundup(length, PGSIZE) >> PGSHIFT,
		Perms: uint(perms),
	}
	if mt == VFILE {
		ret.file.foff = foff
		ret.file.shared = unpin != nil
		ret.file.mfile = &Mfile_t{Mfops: fops, Unpin: unpin, Mapcount: ret.Pglen}
	}
	return ret
}

// Sbrk implements spec.md 4.3's grow/shrink: n > 0 extends the user heap by
// n bytes, n < 0 contracts it, returning the previous break. Pages freed by
// a shrink are unmapped immediately (Page_remove). Growing past
// TrapframeVA fails with EINVAL and leaves the break unchanged, the
// boundary case spec.md section 8 calls out explicitly.
func (as *Vm_t) Sbrk(n int) (int, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	if as.heap == nil {
		vmi := &Vminfo_t{Mtype: VANON, Pgn: uintptr(USERMIN) >> PGSHIFT, Perms: uint(PTE_W | PTE_U)}
		as.Vmregion.insert(vmi)
		as.heap = vmi
	}

	old := as.heapSz
	newsz := old + n
	if newsz < 0 {
		return old, -defs.EINVAL
	}
	heapBase := int(as.heap.Pgn << PGSHIFT)
	if heapBase+newsz > TrapframeVA {
		return old, -defs.EINVAL
	}

	oldPages := util.Roundup(old, PGSIZE) / PGSIZE
	newPages := util.Roundup(newsz, PGSIZE) / PGSIZE
	if newPages < oldPages {
		for pgn := as.heap.Pgn + uintptr(newPages); pgn < as.heap.Pgn+uintptr(oldPages); pgn++ {
			as.Page_remove(int(pgn << PGSHIFT))
		}
	}
	as.heap.Pglen = newPages
	as.heapSz = newsz
	return old, 0
}

// Mkuserbuf allocates and initializes a Userbuf_t referencing user memory.
func (as *Vm_t) Mkuserbuf(userva, length int) *Userbuf_t {
	ret := &Userbuf_t{}
	ret.ub_init(as, userva, length)
	return ret
}

// Uvm_copy duplicates the calling address space's mappings into dst, for
// fork (spec.md 4.4): anonymous pages are shared and marked copy-on-write
// in both address spaces; shared-anon and file pages are mapped directly.
func (as *Vm_t) Uvm_copy(dst *Vm_t) bool {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	dst.Lock_pmap()
	defer dst.Unlock_pmap()

	for _, vmi := range as.Vmregion.regions {
		nvmi := *vmi
		dst.Vmregion.insert(&nvmi)
		if vmi == as.heap {
			dst.heap = &nvmi
			dst.heapSz = as.heapSz
		}
		for pgn := vmi.Pgn; pgn < vmi.Pgn+uintptr(vmi.Pglen); pgn++ {
			va := int(pgn << PGSHIFT)
			pte := Pmap_lookup(as.Pmap, va)
			if pte == nil || *pte&PTE_P == 0 {
				continue
			}
			perms := *pte &^ PTE_ADDR
			if vmi.Mtype == VANON && *pte&PTE_W != 0 {
				// Downgrade both sides to read-only COW. WASCOW must be
				// cleared too: a stale WASCOW would make the next write
				// fault conclude the page is already privately writable.
				perms = (perms &^ (PTE_W | PTE_WASCOW)) | PTE_COW
				*pte = (*pte &^ (PTE_W | PTE_WASCOW)) | PTE_COW
			}
			if ok, ok2 := dst.Page_insert(va, pte_addr(*pte), perms, true, nil); !ok2 {
				_ = ok
				return false
			}
		}
	}
	return true
}
