// Package vm is the three-level virtual memory manager described in
// spec.md 4.3: each process address space is a chain of three 512-entry
// page tables (top, middle, leaf), addressed by 9-bit fields carved out of
// a user virtual address the way Sv39 carves VPN[2]/VPN[1]/VPN[0], with a
// 12-bit page offset below them.
//
// The teacher's vm/as.go targets x86-64's page-table format directly (its
// PTE_PS/PTE_PCD bits, its Tlbshoot broadcast to remote CPUs via a patched
// runtime's APIC-id callback) and was written against an x86 recursive
// page-table mapping trick for access to interior page-table pages. This
// module keeps the teacher's overall shape -- a Vm_t holding a locked
// pmap plus a Vmregion_t describing each mapping's type and permissions,
// a page-fault handler that distinguishes anon/file/shared-anon regions
// and implements copy-on-write -- but walks an address format-neutral
// three-level table (since physical memory is simulated, see package mem)
// and drops TLB shootdown entirely: there is no separate TLB to
// invalidate, since every access re-walks the pmap in Go.
package vm

import (
	"rvkernel/defs"
	"rvkernel/mem"
)

const (
	PGSHIFT  = mem.PGSHIFT
	PGSIZE   = mem.PGSIZE
	PGOFFSET = mem.PGOFFSET
	PGMASK   = mem.PGMASK

	// USERMIN is the lowest virtual address a user mapping may occupy;
	// page zero is left unmapped so that null-pointer dereferences fault.
	USERMIN = PGSIZE

	// MAXVA is one bit below the full 9+9+9+12 = 39-bit span (the xv6
	// lineage convention, kept here for the same reason: it avoids the
	// portion of the address space whose sign-extension rules diverge
	// between a 39-bit and a 64-bit pointer).
	MAXVA = 1 << (9 + 9 + 9 + 12 - 1)

	// TrampolineVA and TrapframeVA are fixed virtual addresses at the top
	// of every address space (spec.md 4.3, 6): the trampoline page is
	// mapped identically in every process's table and the kernel's own,
	// and the trap frame sits one page below it, user-side only.
	TrampolineVA = MAXVA - PGSIZE
	TrapframeVA  = TrampolineVA - PGSIZE
)

// PTE flag bits. The low 12 bits of a page-table entry are unused by the
// physical address (frames are page-aligned), so they carry these flags,
// following the same convention the teacher's x86 PTEs use, minus the
// x86-only PS/PCD/G bits this kernel has no use for.
const (
	PTE_P      = mem.Pa_t(1 << 0) // present
	PTE_W      = mem.Pa_t(1 << 1) // writable
	PTE_U      = mem.Pa_t(1 << 2) // accessible to user mode
	PTE_COW    = mem.Pa_t(1 << 3) // copy-on-write
	PTE_WASCOW = mem.Pa_t(1 << 4) // was COW, now privately writable
	PTE_A      = mem.Pa_t(1 << 5) // accessed
	PTE_D      = mem.Pa_t(1 << 6) // dirty
)

// PTE_ADDR masks a PTE down to its physical frame address.
const PTE_ADDR = ^mem.Pa_t(PGSIZE - 1)

func pte_addr(pte mem.Pa_t) mem.Pa_t { return pte & PTE_ADDR }

// vpn extracts the three 9-bit virtual page numbers from a virtual address:
// index 2 is the top level, index 0 the leaf level, mirroring Sv39's
// VPN[2]/VPN[1]/VPN[0].
func vpn(va int) [3]int {
	return [3]int{
		(va >> 12) & 0x1ff,
		(va >> 21) & 0x1ff,
		(va >> 30) & 0x1ff,
	}
}

// mkpmap allocates a zeroed page-table page and returns both its dmap'd
// view and its physical address.
func mkpmap() (*mem.Pmap_t, mem.Pa_t, bool) {
	pg, pa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	return mem.Pg2pmap(pg), pa, true
}

// pmap_walk finds (allocating intermediate levels if create is nonzero)
// the leaf PTE for va within the three-level table rooted at top.
func pmap_walk(top *mem.Pmap_t, va int, create mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	idx := vpn(va)
	cur := top
	for lvl := 2; lvl >= 1; lvl-- {
		e := &cur[idx[lvl]]
		if *e&PTE_P == 0 {
			if create == 0 {
				return nil, -defs.ENOMEM
			}
			_, npa, ok := mem.Physmem.Refpg_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			*e = npa | PTE_P | PTE_W | PTE_U
		}
		cur = mem.Pg2pmap(mem.Physmem.Dmap(pte_addr(*e)))
	}
	return &cur[idx[0]], 0
}

// Pmap_lookup finds the leaf PTE for va without creating missing
// intermediate levels, returning nil if any level is absent.
func Pmap_lookup(top *mem.Pmap_t, va int) *mem.Pa_t {
	pte, err := pmap_walk(top, va, 0)
	if err != 0 {
		return nil
	}
	return pte
}
