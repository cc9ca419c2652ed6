package proc

import (
	"sync"
	"testing"
	"time"

	"rvkernel/config"
	"rvkernel/defs"
	"rvkernel/lock"
	"rvkernel/mem"
)

// Every scheduler hart (runScheduler) registers itself via lock.Register,
// which binds a goroutine to one of a fixed small pool of Hart_t records.
// Calling any function that acquires a Spinlock_t (Proc_t.Lock, the table
// lock, ...) from a goroutine that never registered panics. Fork/Wait/
// Exit/Kill/ByPid are only ever reached from inside a UserProgram, which
// procMain already binds to whichever hart the scheduler ran it on --
// exactly how a real syscall reaches these functions. Spawn is the one
// package-level entry point these tests call directly from a bare test
// goroutine (mirroring cmd/kernel's boot harness), so setup registers that
// goroutine with its own hart id every time it runs -- each Test function
// executes on its own goroutine under `go test`, so this can't be folded
// into the one-time sync.Once below.
var initOnce sync.Once

func setup() {
	lock.Register(config.NHART + 1)
	initOnce.Do(func() {
		mem.Init()
		Init()
	})
}

func TestForkExitWait(t *testing.T) {
	setup()

	type result struct {
		pid    defs.Pid_t
		status int
		err    defs.Err_t
	}
	resCh := make(chan result, 1)

	child := func(t *Task, argv []string) {
		Exit(t.Proc(), 42)
	}

	parent := func(t *Task, argv []string) {
		p := t.Proc()
		p.SetEntry(child)
		cp, err := Fork(p)
		if err != 0 {
			resCh <- result{err: err}
			return
		}
		pid, status, werr := Wait(p, cp.Pid)
		resCh <- result{pid: pid, status: status, err: werr}
	}

	_, err := Spawn("parent", parent, nil, nil)
	if err != 0 {
		t.Fatalf("Spawn failed: %v", err)
	}

	select {
	case r := <-resCh:
		if r.err != 0 {
			t.Fatalf("fork/wait failed: %v", r.err)
		}
		if r.status != 42 {
			t.Fatalf("reaped status = %d, want 42", r.status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fork/wait result")
	}
}

func TestWaitNoChildrenReturnsECHILD(t *testing.T) {
	setup()

	errCh := make(chan defs.Err_t, 1)
	leaf := func(t *Task, argv []string) {
		_, _, err := Wait(t.Proc(), -1)
		errCh <- err
	}

	_, serr := Spawn("leaf", leaf, nil, nil)
	if serr != 0 {
		t.Fatalf("Spawn failed: %v", serr)
	}

	select {
	case err := <-errCh:
		if err != -defs.ECHILD {
			t.Fatalf("Wait with no children = %v, want -ECHILD", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Wait result")
	}
}

func TestKillWakesSleeper(t *testing.T) {
	setup()

	doneCh := make(chan bool, 1)
	sleeper := func(t *Task, argv []string) {
		p := t.Proc()
		p.Lock.Acquire()
		p.Chan = p // park on a channel identity unique to this process
		p.State = SLEEPING
		p.Lock.Release()
		sched(p)
		doneCh <- p.Killed()
	}

	sp, serr := Spawn("sleeper", sleeper, nil, nil)
	if serr != 0 {
		t.Fatalf("Spawn failed: %v", serr)
	}

	// give the scheduler a moment to actually park the process asleep
	// before killing it.
	time.Sleep(50 * time.Millisecond)

	killer := func(t *Task, argv []string) {
		Kill(sp.Pid)
	}
	if _, kerr := Spawn("killer", killer, nil, nil); kerr != 0 {
		t.Fatalf("Spawn killer failed: %v", kerr)
	}

	select {
	case killed := <-doneCh:
		if !killed {
			t.Fatal("sleeper woke but was not marked killed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for killed sleeper to wake")
	}
}
