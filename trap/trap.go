// Package trap implements the trap dispatcher and full syscall surface
// (spec.md 4.5, 6): it is installed as package proc's Dispatcher so that
// every Task.Syscall call (the hosted stand-in for an ecall trap) lands
// here, decodes the syscall number from the trapframe's a7 slot, and
// runs the matching handler with a0-a5 as arguments and a0 as the
// result.
//
// The teacher's usertrap()/syscall() dispatch and its kernel/ source
// were not present in the retrieved pack (only an unrelated ELF-entry
// patch tool survived under biscuit/src/kernel); this package is
// grounded in spec.md's own syscall list and trap-handling prose,
// following the conventions the sibling packages (lock, vm, fs) already
// establish.
package trap

import (
	"time"

	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/fs"
	"rvkernel/klog"
	"rvkernel/lock"
	"rvkernel/proc"
	"rvkernel/vm"
)

// Syscall numbers, in spec.md section 6's order, plus the supplemented
// operations SPEC_FULL.md 4.12 adds (rename, dup2, getppid, getrusage).
const (
	SYS_FORK = iota + 1
	SYS_EXIT
	SYS_WAIT
	SYS_KILL
	SYS_GETPID
	SYS_SBRK
	SYS_SLEEP
	SYS_UPTIME
	SYS_EXEC
	SYS_OPEN
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_DUP
	SYS_PIPE
	SYS_MKNOD
	SYS_FSTAT
	SYS_LINK
	SYS_UNLINK
	SYS_MKDIR
	SYS_CHDIR
	SYS_SIGALARM
	SYS_SIGRETURN
	SYS_RENAME
	SYS_DUP2
	SYS_GETPPID
	SYS_GETRUSAGE
)

// dispatcherImpl implements proc.Dispatcher.
type dispatcherImpl struct{}

var bootTime time.Time

// Init installs this package as proc's syscall dispatcher and starts the
// timer-tick goroutine that drives sleep() wakeups and sigalarm delivery
// (spec.md 6's "periodic timer interrupt").
func Init() {
	bootTime = time.Now()
	proc.InstallDispatcher(dispatcherImpl{})
	go tickLoop()
}

// SetFS installs the mounted filesystem every path-based syscall operates
// on. cmd/kernel calls this once, right after mounting the root image.
func SetFS(f *fs.Fs_t) { rootfs = f }

var rootfs *fs.Fs_t

// Uptime reports ticks elapsed since boot, at config.TickHz.
func Uptime() int {
	return int(time.Since(bootTime) / (time.Second / config.TickHz))
}

// tickLoop fires at config.TickHz, the hosted substitute for a hardware
// timer interrupt: every live process's alarm countdown is serviced here
// rather than inside the trap path, since there is no real asynchronous
// interrupt delivery to a running goroutine.
func tickLoop() {
	// serviceAlarms/wakeTicks take process and condition spinlocks, which
	// require this goroutine to carry a hart identity the same way every
	// scheduler and process goroutine does; register it its own slot
	// (config.NHART, one past the worker harts) rather than leaving it
	// unregistered.
	lock.Register(config.NHART)
	t := time.NewTicker(time.Second / config.TickHz)
	defer t.Stop()
	for range t.C {
		serviceAlarms()
		wakeTicks()
	}
}

// Syscall implements proc.Dispatcher. Every entry here is the hosted
// stand-in for a trap return: before running the requested syscall, a
// due sigalarm handler (if any) is run synchronously, since this kernel
// has no real asynchronous interrupt delivery into a running goroutine
// (spec.md 6's periodic signal is instead delivered at the next trap
// this process makes, not truly asynchronously).
func (dispatcherImpl) Syscall(p *proc.Proc_t) int {
	deliverPendingAlarm(p)

	tf := p.Tf
	var ret int
	var err defs.Err_t
	switch tf.A7 {
	case SYS_FORK:
		ret, err = sysFork(p)
	case SYS_EXIT:
		sysExit(p, tf.A0)
		return 0 // unreachable: sysExit never returns
	case SYS_WAIT:
		ret, err = sysWait(p, tf.A0, tf.A1)
	case SYS_KILL:
		err = proc.Kill(defs.Pid_t(tf.A0))
	case SYS_GETPID:
		ret = int(p.Pid)
	case SYS_GETPPID:
		ret = sysGetppid(p)
	case SYS_SBRK:
		ret, err = p.Vm.Sbrk(tf.A0)
		// Vm.Sbrk reports the old break as an offset from the heap base,
		// which is always vm.USERMIN; user code gets its address.
		ret += vm.USERMIN
	case SYS_SLEEP:
		err = sysSleep(p, tf.A0)
	case SYS_UPTIME:
		ret = Uptime()
	case SYS_EXEC:
		ret, err = sysExec(p, tf.A0, tf.A1)
	case SYS_OPEN:
		ret, err = sysOpen(p, tf.A0, tf.A1, tf.A2)
	case SYS_CLOSE:
		err = sysClose(p, tf.A0)
	case SYS_READ:
		ret, err = sysRead(p, tf.A0, tf.A1, tf.A2)
	case SYS_WRITE:
		ret, err = sysWrite(p, tf.A0, tf.A1, tf.A2)
	case SYS_DUP:
		ret, err = sysDup(p, tf.A0)
	case SYS_DUP2:
		ret, err = sysDup2(p, tf.A0, tf.A1)
	case SYS_PIPE:
		err = sysPipe(p, tf.A0)
	case SYS_MKNOD:
		err = sysMknod(p, tf.A0, tf.A1, tf.A2)
	case SYS_FSTAT:
		err = sysFstat(p, tf.A0, tf.A1)
	case SYS_LINK:
		err = sysLink(p, tf.A0, tf.A1)
	case SYS_UNLINK:
		err = sysUnlink(p, tf.A0)
	case SYS_MKDIR:
		err = sysMkdir(p, tf.A0, tf.A1)
	case SYS_CHDIR:
		err = sysChdir(p, tf.A0)
	case SYS_RENAME:
		err = sysRename(p, tf.A0, tf.A1)
	case SYS_SIGALARM:
		sysSigalarm(p, tf.A0, tf.A1)
	case SYS_SIGRETURN:
		ret = sysSigreturn(p)
	case SYS_GETRUSAGE:
		ret, err = sysGetrusage(p, tf.A0)
	default:
		klog.Sys("trap").Warning().Int("nr", tf.A7).Log("unknown syscall")
		err = -defs.EINVAL
	}
	if err != 0 {
		return err.Rc()
	}
	return ret
}
