// Package fdops defines the interfaces an open file description must
// satisfy, decoupling package fd (and vm's file-backed mappings) from any
// particular backing implementation (regular file, directory, pipe,
// console, raw disk). The teacher's fd.Fd_t and vm.Vm_t both reference a
// fdops.Fdops_i by interface for exactly this reason; this module recreates
// that seam (the teacher's own fdops package was not present in the
// retrieved source, only its call sites were).
package fdops

import (
	"rvkernel/defs"
	"rvkernel/mem"
)

// Userio_i abstracts a source/sink of bytes to or from user memory: a real
// user virtual-address range (vm.Userbuf_t), a gather/scatter iovec
// (vm.Useriovec_t), or an in-kernel buffer standing in for one
// (vm.Fakeubuf_t, used by mkfs and tests).
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Ready_t is a bitmask of readiness conditions, used by poll/select-style
// waits on pollable descriptors (the console, pipes).
type Ready_t uint8

const (
	R_READ  Ready_t = 1 << 0
	R_WRITE Ready_t = 1 << 1
	R_ERROR Ready_t = 1 << 2
	R_HUP   Ready_t = 1 << 3
)

// Pollmsg_t describes one waiter's interest for a poll-style wait.
type Pollmsg_t struct {
	Events Ready_t
}

// Fdops_i is the operation set every open file description implements. Its
// shape follows directly from fd.Fd_t's use of Fops (Reopen, Close) and
// vm.Vm_t's use of Fdops_i for file-backed mappings (mmap-style Filepage).
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(StatOut) defs.Err_t
	Lseek(off int, whence int) (int, defs.Err_t)
	Mmapi(off int, len int, shared bool) ([]MmapInfo_t, defs.Err_t)
	Pathi() any
	Read(Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(Userio_i) (int, defs.Err_t)
	Truncate(newlen uint) defs.Err_t
	Poll(Pollmsg_t) (Ready_t, defs.Err_t)
}

// StatOut is the minimal surface Fstat needs to fill in; package stat's
// Stat_t implements it.
type StatOut interface {
	Wdev(uint)
	Wino(uint)
	Wmode(uint)
	Wsize(uint)
	Wrdev(uint)
}

// MmapInfo_t describes one page of a memory-mapped file, mirroring the
// teacher's mem.Mmapinfo_t but kept in fdops to avoid a fs<->vm import
// cycle (fs implements Fdops_i; vm calls Mmapi on it).
type MmapInfo_t struct {
	Pa   mem.Pa_t
	Page *mem.Pg_t
}

// ConsoleDevice_i is implemented by the console driver package (ufs,
// standing in for the teacher's external UART collaborator). It is kept
// separate from Fdops_i because the console is reached through a device
// switch (defs.D_CONSOLE), not an open file description directly.
type ConsoleDevice_i interface {
	Cons_read(Userio_i, int) (int, defs.Err_t)
	Cons_write(Userio_i, int) (int, defs.Err_t)
	Cons_poll(Pollmsg_t) (Ready_t, defs.Err_t)
}
