package lock

// Sleeper is the hook into package proc's sleep/wakeup machinery
// (spec.md 4.4). Package lock cannot import proc directly (proc imports
// lock for Spinlock_t), so proc installs itself here at init time, the
// same way the teacher's vm package takes a late-bound Cpumap callback
// instead of importing the APIC package directly.
type Sleeper interface {
	// Sleep blocks the calling process on channel chan_ until woken,
	// atomically releasing cond while asleep and re-acquiring it before
	// returning.
	Sleep(chan_ any, cond *Spinlock_t)
	// Wakeup runs every process sleeping on chan_.
	Wakeup(chan_ any)
}

var sleeper Sleeper

// InstallSleeper is called once by proc.Init.
func InstallSleeper(s Sleeper) { sleeper = s }

// Sleep and Wakeup let other low-level packages (fs' log, which cannot
// import proc either, for the same reason Sleeplock_t cannot) reach the
// installed Sleeper without holding a reference to it themselves.
// Wakeup with no sleeper installed is a no-op rather than a fault: a
// single-threaded host tool (mkfs) drives the filesystem with no
// scheduler, never contends a lock, and so never has a waiter to wake.
// Sleeping with no sleeper installed is still a programmer error.
func Sleep(chan_ any, cond *Spinlock_t) { sleeper.Sleep(chan_, cond) }

func Wakeup(chan_ any) {
	if sleeper != nil {
		sleeper.Wakeup(chan_)
	}
}

// Sleeplock_t is a long-held lock whose waiters yield the CPU rather than
// spin, per spec.md 4.1. It is the only lock that may be held across an
// operation that itself blocks.
type Sleeplock_t struct {
	inner     Spinlock_t
	held      bool
	holder    int
	name      string
}

// MkSleeplock names a new, unheld sleep-lock.
func MkSleeplock(name string) *Sleeplock_t {
	s := &Sleeplock_t{name: name}
	s.inner = Spinlock_t{name: name + ".inner"}
	return s
}

// AcquireSleep implements spec.md 4.1's acquire_sleep.
func (s *Sleeplock_t) AcquireSleep() {
	s.inner.Acquire()
	for s.held {
		Sleep(s, &s.inner)
	}
	s.held = true
	s.inner.Release()
}

// ReleaseSleep releases the sleep-lock and wakes any waiters.
func (s *Sleeplock_t) ReleaseSleep() {
	s.inner.Acquire()
	s.held = false
	Wakeup(s)
	s.inner.Release()
}

// Holding reports whether the sleep-lock is currently held by anyone.
func (s *Sleeplock_t) Holding() bool {
	s.inner.Acquire()
	r := s.held
	s.inner.Release()
	return r
}
