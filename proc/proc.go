// Package proc implements the process table and scheduler (spec.md 4.4):
// the six-state process lifecycle, fork/exit/wait/kill, and the
// cooperative scheduling loop each simulated hart runs.
//
// The teacher's proc package was not present in the retrieved source (only
// an empty go.mod survived under biscuit/src/proc); this package is
// grounded instead in spec.md's own data model and operation list,
// following the conventions already established by the sibling packages
// this kernel is built from (lock's Hart_t/Spinlock_t, mem's
// physical-frame model, vm's address-space type).
//
// Each process is hosted as one long-lived goroutine (SPEC_FULL.md
// section 1's substitution: goroutines pinned to a scheduling loop stand
// in for harts, and context switch is a channel handoff rather than a
// register save/restore). A process's goroutine blocks on its own runCh
// whenever it is not actually executing, and signals doneCh whenever it
// hands control back to whichever hart scheduled it.
package proc

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"rvkernel/accnt"
	"rvkernel/caller"
	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/fd"
	"rvkernel/klog"
	"rvkernel/lock"
	"rvkernel/stats"
	"rvkernel/tinfo"
	"rvkernel/vm"
)

// Switches counts every completed context switch across all harts, the
// kind of always-on instrumentation the teacher gates behind stats.Stats;
// it costs nothing when disabled (Counter_t.Inc is a no-op) and gives the
// package a live use once stats.Stats is flipped on for debugging.
var Switches stats.Counter_t

// Procstate_t is one of the six states spec.md 4.4 assigns every process.
type Procstate_t int

const (
	UNUSED Procstate_t = iota
	USED
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

func (s Procstate_t) String() string {
	switch s {
	case UNUSED:
		return "UNUSED"
	case USED:
		return "USED"
	case SLEEPING:
		return "SLEEPING"
	case RUNNABLE:
		return "RUNNABLE"
	case RUNNING:
		return "RUNNING"
	case ZOMBIE:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// UserProgram is the "user-mode" body a process runs: it receives a Task
// (the handle trap's syscall surface hangs off) and its argument vector,
// and runs until it returns, at which point the process exits with
// status 0 if it has not already called Exit itself. This is the hosted
// stand-in for the ELF loader spec.md 6 treats as an external
// collaborator: there is no real machine code to execute, so "exec"
// looks a named UserProgram up in a registry (see trap's RegisterProgram)
// and runs it directly in place of the old one.
type UserProgram func(t *Task, argv []string)

// Proc_t is one process table entry (spec.md 4.4's data model): state,
// identity, address space, open files, and the scheduling plumbing that
// drives its goroutine.
type Proc_t struct {
	Lock *lock.Spinlock_t

	Pid    defs.Pid_t
	Parent *Proc_t
	Name   string

	State Procstate_t
	Chan  any // non-nil while SLEEPING: the address this process is waiting on

	Vm   *vm.Vm_t
	Tf   *Trapframe_t
	Cwd  *fd.Cwd_t
	Fds  [config.NOFILE]*fd.Fd_t
	Argv []string

	Accnt accnt.Accnt_t
	Tnote *tinfo.Tnote_t

	ExitStatus int

	// Alarm holds the sigalarm/sigreturn state (spec.md 6): Period and
	// Handler are the registered interval (in ticks) and user handler
	// entry; Remaining counts down once per timer tick while nonzero.
	// Saved snapshots the trapframe sigreturn restores.
	Alarm struct {
		Period, Remaining int
		Handler           int
		Delivering        bool
		Saved             Trapframe_t
	}

	hart   *lock.Hart_t
	runCh  chan struct{}
	doneCh chan struct{}
	entry  UserProgram

	switches int
}

// Killed returns the process's killed flag, backed by its Tnote_t (package
// tinfo), wired here so the per-thread doomed/killed bookkeeping the trap
// dispatcher consults on every syscall return has a real owner instead of
// sitting unused.
func (p *Proc_t) Killed() bool {
	p.Tnote.Lock()
	k := p.Tnote.Killed
	p.Tnote.Unlock()
	return k
}

// SetEntry replaces the program a future Fork of this process would
// start its child with, for trap's exec implementation: exec continues
// running the same goroutine but a child forked afterward must start
// from the newly exec'd program, not the one the parent replaced.
func (p *Proc_t) SetEntry(e UserProgram) { p.entry = e }

func (p *Proc_t) setKilled(v bool) {
	p.Tnote.Lock()
	p.Tnote.Killed = v
	p.Tnote.Isdoomed = v
	p.Tnote.Unlock()
}

var (
	tableMu sync.Mutex
	table   [config.NPROC]*Proc_t
	nextPid defs.Pid_t = 1

	waitlock = lock.MkSpinlock("wait")

	initproc *Proc_t
)

// schedulerSleeper implements lock.Sleeper; installed by Init so that
// package lock (and transitively fs' log and the sleeplock type) can park
// and wake processes without importing package proc.
type schedulerSleeper struct{}

func (schedulerSleeper) Sleep(chan_ any, cond *lock.Spinlock_t) {
	p := Self()
	p.Lock.Acquire()
	cond.Release()
	p.Chan = chan_
	p.State = SLEEPING
	p.Lock.Release()

	sched(p)

	p.Lock.Acquire()
	p.Chan = nil
	p.Lock.Release()
	cond.Acquire()
}

func (schedulerSleeper) Wakeup(chan_ any) {
	tableMu.Lock()
	procs := append([]*Proc_t(nil), table[:]...)
	tableMu.Unlock()
	for _, p := range procs {
		if p == nil {
			continue
		}
		p.Lock.Acquire()
		if p.State == SLEEPING && p.Chan == chan_ {
			p.State = RUNNABLE
		}
		p.Lock.Release()
	}
}

// Init installs the sleeper hook and starts one scheduler loop per
// simulated hart. Call once, before any process is forked.
func Init() {
	lock.InstallSleeper(schedulerSleeper{})
	for i := 0; i < config.NHART; i++ {
		go runScheduler(i)
	}
}

// Self returns the calling goroutine's process, via the same
// goroutine-identity lookup package tinfo already provides.
func Self() *Proc_t {
	return tinfo.Current().State.(*Proc_t)
}

// allocproc finds the first UNUSED slot, fills it in under its own lock
// (spec.md 4.4), and starts its goroutine parked on runCh.
func allocproc(name string, parent *Proc_t, entry UserProgram) (*Proc_t, defs.Err_t) {
	tableMu.Lock()
	defer tableMu.Unlock()

	for i := range table {
		if table[i] != nil {
			table[i].Lock.Acquire()
			if table[i].State != UNUSED {
				table[i].Lock.Release()
				continue
			}
			p := table[i]
			p.reinit(name, parent, entry)
			p.Lock.Release()
			go procMain(p)
			return p, 0
		}
		p := &Proc_t{
			Lock: lock.MkSpinlock(fmt.Sprintf("proc[%d]", i)),
		}
		p.Lock.Acquire()
		p.reinit(name, parent, entry)
		table[i] = p
		p.Lock.Release()
		go procMain(p)
		return p, 0
	}
	return nil, -defs.EAGAIN
}

// reinit sets up a slot for a new process. Caller holds p.Lock.
//
// runCh/doneCh are rebuilt fresh on every (re)allocation rather than reused
// from a prior occupant: the goroutine behind a reaped process is left
// permanently parked on its old sched() call (pickRunnable never selects a
// ZOMBIE/UNUSED slot again, so that call never returns), and giving the new
// occupant its own channel pair keeps that orphaned goroutine from ever
// racing the new one for a runCh send.
func (p *Proc_t) reinit(name string, parent *Proc_t, entry UserProgram) {
	p.Pid = nextPid
	nextPid++
	p.Parent = parent
	p.Name = name
	p.State = USED
	p.Chan = nil
	p.Tf = NewTrapframe()
	p.Cwd = nil
	p.Fds = [config.NOFILE]*fd.Fd_t{}
	p.Accnt = accnt.Accnt_t{}
	p.Tnote = &tinfo.Tnote_t{State: p, Alive: true}
	p.ExitStatus = 0
	p.Argv = nil
	p.Alarm.Period, p.Alarm.Remaining, p.Alarm.Handler, p.Alarm.Delivering = 0, 0, 0, false
	p.entry = entry
	p.runCh = make(chan struct{})
	p.doneCh = make(chan struct{})
}

// procMain is the body of every process goroutine. It parks until first
// scheduled, binds itself to that hart's identity, and runs entry; if
// entry returns without the process having exited itself, it exits 0.
func procMain(p *Proc_t) {
	<-p.runCh
	lock.Bind(p.hart)
	tinfo.SetCurrent(p.Tnote)

	task := &Task{p: p}
	p.entry(task, p.Argv)
	Exit(p, 0)
	panic("proc: exited process resumed")
}

// sched hands control back to whichever hart is currently running this
// process, and blocks until it is scheduled again. Caller must have
// already set p.State to something other than RUNNING.
func sched(p *Proc_t) {
	p.doneCh <- struct{}{}
	<-p.runCh
	lock.Bind(p.hart)
}

// Yield voluntarily gives up the processor, matching spec.md 4.4's Yield.
func Yield(p *Proc_t) {
	p.Lock.Acquire()
	p.State = RUNNABLE
	p.Lock.Release()
	sched(p)
}

// runScheduler is one simulated hart's scheduling loop: it repeatedly
// scans the table for a RUNNABLE process, switches into it, and accounts
// the time spent once it yields back.
func runScheduler(hartID int) {
	runtime.LockOSThread()
	h := lock.Register(hartID)
	for {
		runtime.Gosched()
		p := pickRunnable()
		if p == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		p.State = RUNNING
		p.hart = h
		setCurrent(hartID, p)
		// Release before handing off: the process's own Yield/Sleep/Exit
		// path re-acquires this same lock (on the same hart identity) to
		// make its next state transition, so the lock must not still be
		// held here. Safe against a concurrent pickRunnable on another
		// hart stealing this slot, since State is already RUNNING, not
		// RUNNABLE, by the time it is visible unlocked.
		p.Lock.Release()
		start := time.Now()

		p.runCh <- struct{}{}
		<-p.doneCh

		p.Accnt.Utadd(int(time.Since(start).Nanoseconds()))
		p.switches++
		Switches.Inc()
		setCurrent(hartID, nil)
	}
}

// pickRunnable scans the table for the first RUNNABLE process, returning
// it with its lock held (the caller releases it before handing the hart
// to the process), or nil with no lock held if none is runnable.
func pickRunnable() *Proc_t {
	tableMu.Lock()
	procs := append([]*Proc_t(nil), table[:]...)
	tableMu.Unlock()
	for _, p := range procs {
		if p == nil {
			continue
		}
		p.Lock.Acquire()
		if p.State == RUNNABLE {
			return p
		}
		p.Lock.Release()
	}
	return nil
}

var (
	curMu   sync.Mutex
	current [config.NHART]*Proc_t
)

func setCurrent(hart int, p *Proc_t) {
	curMu.Lock()
	current[hart] = p
	curMu.Unlock()
}

// Current returns the process currently running on hart id, or nil.
func Current(hart int) *Proc_t {
	curMu.Lock()
	defer curMu.Unlock()
	return current[hart]
}

// Spawn allocates a fresh, parentless process (used once, by the boot
// harness, to create the init process) and makes it runnable. cwd seeds
// the process's current directory (ordinarily inherited via Fork, but
// the very first process has no parent to inherit from).
func Spawn(name string, entry UserProgram, argv []string, cwd *fd.Cwd_t) (*Proc_t, defs.Err_t) {
	p, err := allocproc(name, nil, entry)
	if err != 0 {
		return nil, err
	}
	as, ok := vm.Mkas()
	if !ok {
		return nil, -defs.ENOMEM
	}
	p.Lock.Acquire()
	p.Vm = as
	p.Cwd = cwd
	p.Argv = argv
	p.State = RUNNABLE
	p.Lock.Release()
	if initproc == nil {
		initproc = p
	}
	return p, 0
}

// Fork duplicates the calling process (spec.md 4.4): a new Proc_t with a
// copy-on-write address space (vm.Uvm_copy), duplicated open files, and
// the same current directory.
//
// A real fork() resumes the child inside the same call stack the parent
// was running, at the instruction right after the trap, distinguished
// only by the syscall's own return value (0 in the child, the child's
// pid in the parent). This kernel's "user programs" are Go closures, not
// machine code, and a Go goroutine's call stack cannot be duplicated the
// way a real kernel duplicates a page-mapped stack; so the child instead
// starts its own fresh goroutine at the top of the same UserProgram its
// parent was given. Programs that want the child to run different code
// call SetEntry with the child's function before forking, since Fork
// copies the parent's entry at fork time.
func Fork(parent *Proc_t) (*Proc_t, defs.Err_t) {
	child, err := allocproc(parent.Name, parent, parent.entry)
	if err != 0 {
		return nil, err
	}
	as, ok := vm.Mkas()
	if !ok {
		freeSlot(child)
		return nil, -defs.ENOMEM
	}
	if !parent.Vm.Uvm_copy(as) {
		as.Uvmfree()
		freeSlot(child)
		return nil, -defs.ENOMEM
	}
	// The child gets its own Cwd_t (so a later chdir in either process
	// does not move the other) wrapping a duplicated descriptor, which
	// takes the inode reference the child's own Exit will drop.
	var ccwd *fd.Cwd_t
	if parent.Cwd != nil && parent.Cwd.Fd != nil {
		ncf, cerr := fd.Copyfd(parent.Cwd.Fd)
		if cerr != 0 {
			as.Uvmfree()
			freeSlot(child)
			return nil, cerr
		}
		ccwd = fd.MkRootCwd(ncf)
		ccwd.Path = parent.Cwd.Path
	}

	// Parent linkage is guarded by waitlock, and waitlock must never be
	// taken while holding a proc lock (waitlock precedes any proc.lock),
	// so set it before entering the child's critical section below.
	waitlock.Acquire()
	child.Parent = parent
	waitlock.Release()

	child.Lock.Acquire()
	child.Vm = as
	child.Cwd = ccwd
	child.Argv = parent.Argv
	for i, f := range parent.Fds {
		if f != nil {
			nf, ferr := fd.Copyfd(f)
			if ferr == 0 {
				child.Fds[i] = nf
			}
		}
	}
	child.State = RUNNABLE
	child.Lock.Release()

	return child, 0
}

func freeSlot(p *Proc_t) {
	p.Lock.Acquire()
	p.State = UNUSED
	p.Lock.Release()
}

// reparent hands every surviving child of p to the init process. Caller
// holds waitlock.
func reparent(p *Proc_t) {
	tableMu.Lock()
	procs := append([]*Proc_t(nil), table[:]...)
	tableMu.Unlock()
	for _, c := range procs {
		if c == nil || c == p {
			continue
		}
		c.Lock.Acquire()
		if c.Parent == p {
			c.Parent = initproc
			if c.State == ZOMBIE {
				schedulerSleeper{}.Wakeup(initproc)
			}
		}
		c.Lock.Release()
	}
}

// Exit implements spec.md 4.4's Exit: close every open file, drop the
// current-directory reference, reparent surviving children to init, wake
// the parent, then hand the processor to the scheduler for the last
// time.
func Exit(p *Proc_t, status int) {
	for i, f := range p.Fds {
		if f != nil {
			f.Fops.Close()
			p.Fds[i] = nil
		}
	}
	if p.Cwd != nil && p.Cwd.Fd != nil {
		p.Cwd.Fd.Fops.Close()
	}
	p.Vm.Uvmfree()

	waitlock.Acquire()
	reparent(p)
	parent := p.Parent
	waitlock.Release()

	p.Lock.Acquire()
	p.ExitStatus = status
	p.State = ZOMBIE
	p.Lock.Release()

	if parent != nil {
		schedulerSleeper{}.Wakeup(parent)
	}

	klog.Sys("proc").Info().Int("pid", int(p.Pid)).Int("status", status).Log("exit")

	tinfo.ClearCurrent()
	sched(p)
}

// Wait implements spec.md 4.4's Wait: under the global wait-lock, scan
// for a zombie child (reaping the first one found, freeing its slot), or
// block until Exit wakes this process.
func Wait(parent *Proc_t, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	waitlock.Acquire()
	for {
		tableMu.Lock()
		procs := append([]*Proc_t(nil), table[:]...)
		tableMu.Unlock()

		haveChildren := false
		for _, c := range procs {
			if c == nil || c.Parent != parent {
				continue
			}
			if pid > 0 && c.Pid != pid {
				continue
			}
			haveChildren = true
			c.Lock.Acquire()
			if c.State == ZOMBIE {
				cpid, status := c.Pid, c.ExitStatus
				c.State = UNUSED
				c.Lock.Release()
				waitlock.Release()
				return cpid, status, 0
			}
			c.Lock.Release()
		}
		if !haveChildren {
			waitlock.Release()
			return 0, 0, -defs.ECHILD
		}
		lock.Sleep(parent, waitlock)
	}
}

// Kill implements spec.md 4.4's Kill: mark the target doomed and, if it
// is sleeping, make it runnable so it observes the kill flag at its next
// syscall-return check (Task.Syscall in proc/task.go).
func Kill(pid defs.Pid_t) defs.Err_t {
	tableMu.Lock()
	procs := append([]*Proc_t(nil), table[:]...)
	tableMu.Unlock()
	for _, p := range procs {
		if p == nil {
			continue
		}
		p.Lock.Acquire()
		if p.Pid == pid && p.State != UNUSED {
			p.setKilled(true)
			if p.State == SLEEPING {
				p.State = RUNNABLE
			}
			p.Lock.Release()
			return 0
		}
		p.Lock.Release()
	}
	return -defs.ESRCH
}

// ForEachLive invokes f once for every process not in the UNUSED state,
// snapshotting the table first so f is free to block (the timer-tick
// alarm scan in package trap is the only caller so far).
func ForEachLive(f func(p *Proc_t)) {
	tableMu.Lock()
	procs := append([]*Proc_t(nil), table[:]...)
	tableMu.Unlock()
	for _, p := range procs {
		if p == nil {
			continue
		}
		p.Lock.Acquire()
		live := p.State != UNUSED
		p.Lock.Release()
		if live {
			f(p)
		}
	}
}

// ByPid returns the table entry for pid, or nil if no such process is
// live. Only meant for host-side harness code that needs to observe a
// process's state without itself being a
// process in the table (proc.Wait's sleep/wakeup protocol assumes a
// caller that can block and be woken, which a host goroutine is not).
func ByPid(pid defs.Pid_t) *Proc_t {
	tableMu.Lock()
	defer tableMu.Unlock()
	for _, p := range table {
		if p == nil {
			continue
		}
		p.Lock.Acquire()
		found := p.State != UNUSED && p.Pid == pid
		p.Lock.Release()
		if found {
			return p
		}
	}
	return nil
}

// Dump prints the calling goroutine's call chain (package caller's
// debugging tool, otherwise unused in this kernel). Nothing in this
// kernel calls it.
func Dump() {
	caller.Callerdump(2)
}
