package trap

import (
	"sync"

	"rvkernel/circbuf"
	"rvkernel/defs"
	"rvkernel/fdops"
	"rvkernel/limits"
	"rvkernel/lock"
	"rvkernel/mem"
)

// pipeSize is the circular buffer backing one pipe (spec.md 6's pipe
// syscall): one physical page, same as every other block-sized buffer
// this kernel allocates.
const pipeSize = mem.PGSIZE

// pipe_t is the shared state behind a pipe(2) pair: one circbuf.Circbuf_t
// (already built, but previously unwired anywhere in this tree) guarded
// by a spinlock that doubles as the sleep/wakeup condition for blocking
// reads and writes.
type pipe_t struct {
	lk        *lock.Spinlock_t
	cb        circbuf.Circbuf_t
	readOpen  int
	writeOpen int
}

// pipeEnd_t is one end of a pipe, implementing fdops.Fdops_i. writer
// distinguishes the read end from the write end sharing the same
// pipe_t.
type pipeEnd_t struct {
	sync.Mutex
	p      *pipe_t
	writer bool
}

var _ fdops.Fdops_i = (*pipeEnd_t)(nil)

// MkPipe allocates a new pipe and returns its read and write ends. Every
// pipe is charged against limits.Syslimit.Pipes (the teacher's
// system-wide resource budget, previously unwired anywhere in this
// tree), the same way the teacher's own pipe allocation would refuse
// to create a pipe once the system-wide count is exhausted.
func MkPipe() (*pipeEnd_t, *pipeEnd_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Take() {
		return nil, nil, -defs.ENOMEM
	}
	p := &pipe_t{lk: lock.MkSpinlock("pipe"), readOpen: 1, writeOpen: 1}
	p.cb.Cb_init(pipeSize, mem.Physmem)
	return &pipeEnd_t{p: p, writer: false}, &pipeEnd_t{p: p, writer: true}, 0
}

func (e *pipeEnd_t) Close() defs.Err_t {
	p := e.p
	p.lk.Acquire()
	if e.writer {
		p.writeOpen--
	} else {
		p.readOpen--
	}
	both := p.readOpen == 0 && p.writeOpen == 0
	lock.Wakeup(p)
	p.lk.Release()
	if both {
		limits.Syslimit.Pipes.Give()
	}
	return 0
}

func (e *pipeEnd_t) Reopen() defs.Err_t {
	p := e.p
	p.lk.Acquire()
	if e.writer {
		p.writeOpen++
	} else {
		p.readOpen++
	}
	p.lk.Release()
	return 0
}

func (e *pipeEnd_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	if e.writer {
		return 0, -defs.EINVAL
	}
	p := e.p
	p.lk.Acquire()
	defer p.lk.Release()
	for p.cb.Empty() && p.writeOpen > 0 {
		lock.Sleep(p, p.lk)
	}
	n, err := p.cb.Copyout(dst)
	lock.Wakeup(p)
	return n, err
}

func (e *pipeEnd_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	if !e.writer {
		return 0, -defs.EINVAL
	}
	p := e.p
	total := 0
	for src.Remain() > 0 {
		p.lk.Acquire()
		if p.readOpen == 0 {
			p.lk.Release()
			return total, -defs.EPIPE
		}
		for p.cb.Full() && p.readOpen > 0 {
			lock.Sleep(p, p.lk)
		}
		if p.readOpen == 0 {
			p.lk.Release()
			return total, -defs.EPIPE
		}
		n, err := p.cb.Copyin(src)
		lock.Wakeup(p)
		p.lk.Release()
		if err != 0 {
			return total, err
		}
		total += n
	}
	return total, 0
}

func (e *pipeEnd_t) Fstat(st fdops.StatOut) defs.Err_t {
	st.Wdev(0)
	st.Wino(0)
	st.Wmode(uint(defs.I_DEV))
	st.Wsize(0)
	st.Wrdev(0)
	return 0
}

func (e *pipeEnd_t) Lseek(off int, whence int) (int, defs.Err_t) { return 0, -defs.ESPIPE }
func (e *pipeEnd_t) Truncate(newlen uint) defs.Err_t             { return -defs.EINVAL }
func (e *pipeEnd_t) Pathi() any                                  { return nil }

func (e *pipeEnd_t) Mmapi(off int, length int, shared bool) ([]fdops.MmapInfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

func (e *pipeEnd_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	p := e.p
	p.lk.Acquire()
	defer p.lk.Release()
	var r fdops.Ready_t
	if !e.writer && (!p.cb.Empty() || p.writeOpen == 0) {
		r |= fdops.R_READ
	}
	if e.writer && (!p.cb.Full() || p.readOpen == 0) {
		r |= fdops.R_WRITE
	}
	return r, 0
}
