package trap

import "sync"

import "rvkernel/proc"

// signalHandlers maps the opaque handler id a sigalarm call registers
// against to the callback that runs it. A real riscv sigalarm hands the
// trampoline a user code address to jump to; this kernel's "user code"
// is a Go closure with no address to jump to, so RegisterSignalHandler
// hands back an id a UserProgram passes to sigalarm instead, the same
// substitution exec's program registry makes for binary names.
var (
	handlerMu sync.Mutex
	handlers  = map[int]func(*proc.Task){}
	nextHid   int
)

// RegisterSignalHandler records fn and returns the id to pass as the
// handler argument to sigalarm.
func RegisterSignalHandler(fn func(*proc.Task)) int {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	nextHid++
	handlers[nextHid] = fn
	return nextHid
}

func lookupSignalHandler(id int) (func(*proc.Task), bool) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	fn, ok := handlers[id]
	return fn, ok
}

// serviceAlarms runs once per timer tick: every process with an active
// sigalarm period not currently running its handler counts down by one.
func serviceAlarms() {
	proc.ForEachLive(func(p *proc.Proc_t) {
		p.Lock.Acquire()
		if p.Alarm.Period > 0 && !p.Alarm.Delivering && p.Alarm.Remaining > 0 {
			p.Alarm.Remaining--
		}
		p.Lock.Release()
	})
}

// deliverPendingAlarm runs the registered handler in place, synchronously,
// the first time this process traps into the kernel after its countdown
// reaches zero. The handler is expected to call sigreturn (sysSigreturn)
// when done, which restores the trapframe this call saves and clears
// Delivering so the next period can be scheduled.
func deliverPendingAlarm(p *proc.Proc_t) {
	p.Lock.Acquire()
	due := p.Alarm.Period > 0 && !p.Alarm.Delivering && p.Alarm.Remaining == 0
	var hid int
	if due {
		p.Alarm.Delivering = true
		p.Alarm.Saved = *p.Tf
		hid = p.Alarm.Handler
	}
	p.Lock.Release()
	if !due {
		return
	}
	fn, ok := lookupSignalHandler(hid)
	if !ok {
		p.Lock.Acquire()
		p.Alarm.Delivering = false
		p.Alarm.Remaining = p.Alarm.Period
		p.Lock.Release()
		return
	}
	fn(proc.NewTask(p))
}

// sysSigalarm implements sigalarm(ticks, handler): ticks == 0 disables a
// previously armed alarm.
func sysSigalarm(p *proc.Proc_t, ticks, handler int) {
	p.Lock.Acquire()
	p.Alarm.Period = ticks
	p.Alarm.Remaining = ticks
	p.Alarm.Handler = handler
	p.Lock.Release()
}

// sysSigreturn implements sigreturn: it restores the trapframe sigalarm
// preempted and returns the restored a0, so the interrupted syscall's
// original return value still lands where the caller expects it (Task.
// Syscall writes our return value into p.Tf.A0 right after we return).
func sysSigreturn(p *proc.Proc_t) int {
	p.Lock.Acquire()
	saved := p.Alarm.Saved
	*p.Tf = saved
	p.Alarm.Delivering = false
	p.Alarm.Remaining = p.Alarm.Period
	p.Lock.Release()
	return saved.A0
}
