// Package tinfo tracks per-thread kernel state: the bookkeeping a trap or
// syscall needs about the thread it interrupted (is it being killed, is
// there a pending kill signal to deliver once it wakes).
//
// The teacher finds "the current thread" via a patched runtime that stores
// a raw pointer in each goroutine's g struct (runtime.Gptr/Setgptr). This
// module has no patched runtime, so it keys the same lookup off the real
// goroutine identity package used elsewhere in this kernel
// (github.com/joeycumines/goroutineid), the same substitution package lock
// makes for Mycpu.
package tinfo

import (
	"sync"

	"github.com/joeycumines/goroutineid"

	"rvkernel/defs"
)

// Tnote_t stores per-thread state consulted by the scheduler and trap
// dispatcher.
type Tnote_t struct {
	State    interface{}
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool { return t.Isdoomed }

// Threadinfo_t tracks every live thread's note, keyed by tid.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

var current sync.Map // goroutine id (int64) -> *Tnote_t

// Current returns the calling goroutine's thread note. It panics if
// SetCurrent was never called for this goroutine, the same programmer
// error the teacher's nil-Gptr panic guards against.
func Current() *Tnote_t {
	v, ok := current.Load(goroutineid.Get())
	if !ok {
		panic("tinfo: no current thread note for this goroutine")
	}
	return v.(*Tnote_t)
}

// SetCurrent installs p as the calling goroutine's thread note. Called
// once, when a kernel goroutine begins running a thread.
func SetCurrent(p *Tnote_t) {
	if p == nil {
		panic("tinfo: nil thread note")
	}
	id := goroutineid.Get()
	if _, exists := current.Load(id); exists {
		panic("tinfo: thread note already set for this goroutine")
	}
	current.Store(id, p)
}

// ClearCurrent removes the calling goroutine's thread note, once the
// thread it represents has exited.
func ClearCurrent() {
	id := goroutineid.Get()
	if _, ok := current.Load(id); !ok {
		panic("tinfo: no current thread note to clear")
	}
	current.Delete(id)
}
