// Package lock implements the kernel's two locking primitives and the
// per-hart interrupt-mask nesting discipline described in spec.md 4.1.
//
// The teacher relies on a patched Go runtime to disable/enable interrupts
// and to identify the running hart (runtime.Pushcli/Popcli, runtime.Gptr).
// This module is hosted: there is no real interrupt controller to mask, so
// "disabling interrupts" here means "excluding this goroutine's simulated
// hart from the interrupt-delivery path" (see Hart_t.Cli/Sti below), and the
// per-hart identity lookup goes through github.com/joeycumines/goroutineid
// instead of a runtime hook that does not exist in a stock toolchain.
package lock

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/goroutineid"
)

// Hart_t is the per-CPU record of spec.md's data model: "currently running
// process, saved scheduler context, nested-mask depth, prior interrupt
// state". Proc and scheduler context live in package proc; this struct
// holds only the interrupt-mask stack, since that is what package lock
// needs to implement acquire/release.
type Hart_t struct {
	ID int

	// mu protects Noff/Intena against concurrent Cli/Sti from the same
	// hart's goroutine family (normally unnecessary, since only the
	// owning goroutine touches its own Hart_t, but IRQ delivery is
	// simulated as a separate call path that may run interleaved).
	mu     sync.Mutex
	Noff   int  // depth of the interrupt-disable nesting stack
	Intena bool // were interrupts enabled before the outermost Cli?

	disabled int32 // atomic: 1 while this hart's interrupts are masked
}

// harts is sized beyond config.NHART's worker pool so that non-worker
// goroutines that still need a hart identity to take spinlocks (trap's
// tickLoop, standing in for timer-interrupt context, registers as
// config.NHART; the boot harness registers as config.NHART+1) get slots
// of their own rather than colliding with a real scheduler hart.
var (
	hartsOnce sync.Once
	harts     [16]*Hart_t
	hartOf    sync.Map // goroutine id (int64) -> *Hart_t
)

func ensureHarts(n int) {
	hartsOnce.Do(func() {
		for i := range harts {
			harts[i] = &Hart_t{ID: i, Intena: true}
		}
	})
	_ = n
}

// Register associates the calling goroutine with hart id, so that Mycpu
// (called from deep inside lock/sleep/scheduler code, with no explicit
// hart parameter threaded through) can find it again. The scheduler's
// per-hart loop calls this once, immediately after LockOSThread.
func Register(id int) *Hart_t {
	ensureHarts(0)
	h := harts[id%len(harts)]
	hartOf.Store(goroutineid.Get(), h)
	return h
}

// Bind associates the calling goroutine with an already-registered hart,
// without allocating a new one. The scheduler uses this to hand a hart's
// identity to the process goroutine it is about to run (package proc):
// the process's own lock acquisitions (its Proc_t.Lock, and any spinlock
// it takes while servicing a syscall) must resolve Mycpu() to the hart
// that is, at that moment, hosting it, and that hart can differ from one
// scheduling to the next.
func Bind(h *Hart_t) { hartOf.Store(goroutineid.Get(), h) }

// Mycpu returns the Hart_t for the calling goroutine. It panics if the
// calling goroutine never called Register (a programmer error: every
// path that can take a spinlock must run on a registered hart goroutine).
func Mycpu() *Hart_t {
	v, ok := hartOf.Load(goroutineid.Get())
	if !ok {
		panic("lock: Mycpu called from unregistered goroutine")
	}
	return v.(*Hart_t)
}

// Pushcli disables interrupt delivery to this hart and pushes the prior
// enabled-state onto the nesting stack, exactly as spec.md 4.1 describes.
func (h *Hart_t) Pushcli() {
	wasEnabled := atomic.CompareAndSwapInt32(&h.disabled, 0, 1)
	h.mu.Lock()
	if h.Noff == 0 {
		h.Intena = wasEnabled
	}
	h.Noff++
	h.mu.Unlock()
}

// Popcli pops one interrupt-disable off the nesting stack, re-enabling
// delivery only once the stack is empty and interrupts were enabled at
// the outermost Pushcli.
func (h *Hart_t) Popcli() {
	h.mu.Lock()
	if h.Noff == 0 {
		h.mu.Unlock()
		panic("lock: Popcli without matching Pushcli")
	}
	h.Noff--
	noff := h.Noff
	intena := h.Intena
	h.mu.Unlock()
	if noff == 0 && intena {
		atomic.StoreInt32(&h.disabled, 0)
	}
}

// Spinlock_t is a mutual-exclusion lock that also masks interrupts on the
// holding hart, per spec.md 4.1. It never blocks the goroutine's own hart
// for long: it busy-spins, and double-acquisition by the same hart is a
// fatal programming error, matching the teacher's debug fields.
type Spinlock_t struct {
	held int32
	name string
	cpu  *Hart_t // owner, valid only while held != 0
}

// MkSpinlock names a new, unheld lock.
func MkSpinlock(name string) *Spinlock_t {
	return &Spinlock_t{name: name}
}

func (l *Spinlock_t) Name() string { return l.name }

// Acquire implements spec.md 4.1's acquire: push a cli, then test-and-set
// spin with acquire-fence semantics.
func (l *Spinlock_t) Acquire() {
	h := Mycpu()
	h.Pushcli()
	if l.cpu == h {
		panic("lock: double acquire of " + l.name + " by same hart")
	}
	for !atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		// busy-wait; atomic.CompareAndSwapInt32 is a full fence on failure
		// and success alike, so no loads/stores here can be reordered
		// across the loop boundary.
	}
	l.cpu = h
}

// Release implements spec.md 4.1's release: clear with release-fence
// semantics, then pop the interrupt-disable.
func (l *Spinlock_t) Release() {
	h := Mycpu()
	if l.cpu != h {
		panic("lock: release of " + l.name + " not held by this hart")
	}
	l.cpu = nil
	atomic.StoreInt32(&l.held, 0)
	h.Popcli()
}

// Holding reports whether the calling hart holds l. Used by assertions
// that mirror the teacher's XXXPANIC lock-held checks.
func (l *Spinlock_t) Holding() bool {
	return atomic.LoadInt32(&l.held) != 0 && l.cpu == Mycpu()
}
