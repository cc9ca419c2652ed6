// Package userland registers a few sample programs standing in for the
// shipped shell utilities spec.md section 1 frames as an external
// collaborator: "init" (the demo, which runs the ping-pong and file
// round-trip exercises) and "cat". This kernel has no ELF loader or
// compiled user binaries, so each "program" is an ordinary Go closure
// run directly by a process's goroutine, registered against a name
// exec() can look up (package trap's RegisterProgram).
//
// Because there is no real compiler laying out a user binary's data
// segment, every string or scratch buffer a program needs is placed by
// growing its own heap with sbrk and writing through it directly via
// the process's address space, the hosted equivalent of a C compiler
// emitting a string literal into .rodata before main ever runs.
//
// fork() has no call stack to duplicate in this model (proc.Fork's own
// doc comment): the child always starts its *entry* function fresh from
// the top, not partway through the parent's code. Any program that wants
// its child to run something else must call Proc.SetEntry immediately
// before forking, so the child's fresh invocation lands in a distinct
// function instead of re-running (and re-forking from) the parent's own
// body -- fork-then-redirect, with no separate exec call needed when the
// target is already a Go function in this same package.
package userland

import (
	"strconv"

	"rvkernel/defs"
	"rvkernel/proc"
	"rvkernel/trap"
)

// putStr grows t's heap to hold s plus a NUL terminator and writes it
// there, returning the virtual address a syscall can use as a path or
// buffer argument.
func putStr(t *proc.Task, s string) int {
	p := t.Proc()
	n := len(s) + 1
	va := t.Syscall(trap.SYS_SBRK, n, 0, 0, 0, 0, 0)
	if va < 0 {
		panic("userland: sbrk failed")
	}
	buf := make([]uint8, n)
	copy(buf, s)
	if werr := p.Vm.K2user(buf, va); werr != 0 {
		panic("userland: K2user failed")
	}
	return va
}

// scratch grows t's heap by n bytes of uninitialized space, returning
// its base address, for syscalls that write a result back through a
// pointer (read's buffer, wait's status word, pipe's fd pair).
func scratch(t *proc.Task, n int) int {
	va := t.Syscall(trap.SYS_SBRK, n, 0, 0, 0, 0, 0)
	if va < 0 {
		panic("userland: sbrk failed")
	}
	return va
}

func readWord(t *proc.Task, va int) int {
	p := t.Proc()
	n, err := p.Vm.Userreadn(va, 8)
	if err != 0 {
		panic("userland: userreadn failed")
	}
	return n
}

// console opens /dev/console for the requested direction.
func console(t *proc.Task, flags int) int {
	return t.Syscall(trap.SYS_OPEN, putStr(t, "/dev/console"), flags, 0, 0, 0, 0)
}

func writeStr(t *proc.Task, fdn int, s string) {
	if fdn < 0 {
		return
	}
	t.Syscall(trap.SYS_WRITE, fdn, putStr(t, s), len(s), 0, 0, 0)
}

// pingPongChild is the forked side of PingPong: its fd table is
// identical to its parent's (Fork duplicates every open descriptor at
// the same index), so it only needs the write end's fd number, carried
// through argv the way a real exec'd program receives its arguments.
func pingPongChild(t *proc.Task, argv []string) {
	wfd, _ := strconv.Atoi(argv[0])
	t.Syscall(trap.SYS_WRITE, wfd, putStr(t, "."), 1, 0, 0, 0)
	t.Syscall(trap.SYS_EXIT, 0, 0, 0, 0, 0, 0)
}

// pingPong runs spec.md section 8 scenario 1: a pipe, a fork, a
// one-byte round trip, and a reaping wait.
func pingPong(t *proc.Task) {
	p := t.Proc()
	fdsva := scratch(t, 16)
	if t.Syscall(trap.SYS_PIPE, fdsva, 0, 0, 0, 0, 0) < 0 {
		return
	}
	rfd := readWord(t, fdsva)
	wfd := readWord(t, fdsva+8)

	origArgv := p.Argv
	p.SetEntry(pingPongChild)
	p.Argv = []string{strconv.Itoa(wfd)}
	pid := t.Syscall(trap.SYS_FORK, 0, 0, 0, 0, 0, 0)
	p.SetEntry(demo)
	p.Argv = origArgv
	if pid < 0 {
		return
	}

	t.Syscall(trap.SYS_CLOSE, wfd, 0, 0, 0, 0, 0)
	buf := scratch(t, 1)
	t.Syscall(trap.SYS_READ, rfd, buf, 1, 0, 0, 0)
	statusva := scratch(t, 8)
	t.Syscall(trap.SYS_WAIT, statusva, 0, 0, 0, 0, 0)
	t.Syscall(trap.SYS_CLOSE, rfd, 0, 0, 0, 0, 0)
}

// roundTrip runs spec.md section 8 scenario 2: create a file, write it,
// close it, reopen read-only, and read the same bytes back.
func roundTrip(t *proc.Task) {
	const msg = "hello"
	fdn := t.Syscall(trap.SYS_OPEN, putStr(t, "/x"), defs.O_CREAT|defs.O_RDWR, 0, 0, 0, 0)
	if fdn < 0 {
		return
	}
	t.Syscall(trap.SYS_WRITE, fdn, putStr(t, msg), len(msg), 0, 0, 0)
	t.Syscall(trap.SYS_CLOSE, fdn, 0, 0, 0, 0, 0)

	fdn = t.Syscall(trap.SYS_OPEN, putStr(t, "/x"), defs.O_RDONLY, 0, 0, 0, 0)
	if fdn < 0 {
		return
	}
	bufva := scratch(t, len(msg))
	t.Syscall(trap.SYS_READ, fdn, bufva, len(msg), 0, 0, 0)
	t.Syscall(trap.SYS_CLOSE, fdn, 0, 0, 0, 0, 0)
}

// cat reads argv[1] (or /README with no argument) and writes it to the
// console.
func cat(t *proc.Task, argv []string) {
	path := "/README"
	if len(argv) > 1 {
		path = argv[1]
	}
	fdn := t.Syscall(trap.SYS_OPEN, putStr(t, path), defs.O_RDONLY, 0, 0, 0, 0)
	out := console(t, defs.O_WRONLY)
	if fdn < 0 {
		writeStr(t, out, "cat: cannot open "+path+"\n")
		if out >= 0 {
			t.Syscall(trap.SYS_CLOSE, out, 0, 0, 0, 0, 0)
		}
		return
	}
	bufva := scratch(t, 512)
	for {
		n := t.Syscall(trap.SYS_READ, fdn, bufva, 512, 0, 0, 0)
		if n <= 0 {
			break
		}
		t.Syscall(trap.SYS_WRITE, out, bufva, n, 0, 0, 0)
	}
	t.Syscall(trap.SYS_CLOSE, fdn, 0, 0, 0, 0, 0)
	if out >= 0 {
		t.Syscall(trap.SYS_CLOSE, out, 0, 0, 0, 0, 0)
	}
}

// demo is the process cmd/kernel spawns as init: it runs the round-trip
// and ping-pong exercises directly (rather than forking a shell to do
// it), greets the console, then exits, taking the whole simulated
// system down with it (this kernel has no further tenants once the
// first process exits).
func demo(t *proc.Task, argv []string) {
	out := console(t, defs.O_WRONLY)
	writeStr(t, out, "booting...\n")
	roundTrip(t)
	pingPong(t)
	writeStr(t, out, "done\n")
	if out >= 0 {
		t.Syscall(trap.SYS_CLOSE, out, 0, 0, 0, 0, 0)
	}
}

// RegisterAll installs every sample program against exec()'s name
// registry. cmd/kernel calls this once at boot.
func RegisterAll() {
	trap.RegisterProgram("init", demo)
	trap.RegisterProgram("cat", cat)
}

// Demo is the exported entry point cmd/kernel spawns as the first
// process.
var Demo proc.UserProgram = demo
