package proc

// Dispatcher is the hook into package trap's syscall surface. Package
// proc cannot import trap (trap needs Proc_t, Task, and the scheduling
// primitives defined here), so trap installs itself at boot, the same
// late-bound seam package lock uses for Sleeper.
type Dispatcher interface {
	// Syscall dispatches the syscall named by p.Tf.A7, using p.Tf.A0..A5
	// as arguments, and returns the value to place in p.Tf.A0.
	Syscall(p *Proc_t) int
}

var dispatcher Dispatcher

// InstallDispatcher is called once by trap's boot-time init.
func InstallDispatcher(d Dispatcher) { dispatcher = d }

// Task is the handle a UserProgram drives: the hosted stand-in for the
// ecall instruction plus the a0-a7 register convention spec.md section 6
// describes. Calling Syscall is exactly what a trap would do on real
// hardware: trap into the kernel with the registers already loaded, run
// the dispatcher, and resume with a0 holding the result.
type Task struct {
	p *Proc_t
}

// Proc returns the underlying process record, for boot-harness code that
// needs to inspect it directly (tests, cmd/kernel's init program).
func (t *Task) Proc() *Proc_t { return t.p }

// NewTask wraps p in a Task handle, for trap's exec implementation, which
// runs a newly looked-up UserProgram against the exec'ing process in
// place of spawning a fresh one.
func NewTask(p *Proc_t) *Task { return &Task{p: p} }

// Syscall performs one user->kernel trap: it loads nr and args into the
// trapframe, hands control to the installed dispatcher, checks the
// killed flag spec.md 4.5 requires be checked on every syscall return,
// and returns the result.
func (t *Task) Syscall(nr int, a0, a1, a2, a3, a4, a5 int) int {
	p := t.p
	p.Tf.A7 = nr
	p.Tf.A0, p.Tf.A1, p.Tf.A2, p.Tf.A3, p.Tf.A4, p.Tf.A5 = a0, a1, a2, a3, a4, a5
	ret := dispatcher.Syscall(p)
	if p.Killed() {
		Exit(p, -1)
	}
	return ret
}
