package vm

import (
	"bytes"
	"testing"

	"rvkernel/lock"
	"rvkernel/mem"
)

// Every pmap mutation ends up taking the frame allocator's spinlock, which
// resolves the calling goroutine to a hart identity; register each test's
// goroutine before touching package mem, the same order cmd/kernel's boot
// sequence follows.
func setup(t *testing.T) {
	t.Helper()
	lock.Register(0)
	mem.Init()
}

func mkas(t *testing.T) *Vm_t {
	t.Helper()
	as, ok := Mkas()
	if !ok {
		t.Fatal("Mkas failed")
	}
	return as
}

func TestSbrkGrowWriteRead(t *testing.T) {
	setup(t)
	as := mkas(t)

	old, err := as.Sbrk(2 * PGSIZE)
	if err != 0 {
		t.Fatalf("Sbrk grow failed: %v", err)
	}
	if old != 0 {
		t.Fatalf("first Sbrk returned old break %d, want 0", old)
	}

	msg := []uint8("the quick brown fox")
	if err := as.K2user(msg, USERMIN); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	got := make([]uint8, len(msg))
	if err := as.User2k(got, USERMIN); err != 0 {
		t.Fatalf("User2k failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("read back %q, want %q", got, msg)
	}
}

func TestSbrkCrossPageCopy(t *testing.T) {
	setup(t)
	as := mkas(t)
	if _, err := as.Sbrk(2 * PGSIZE); err != 0 {
		t.Fatalf("Sbrk failed: %v", err)
	}

	// straddle the first/second page boundary to exercise the partial-page
	// legs of the copy loop.
	va := USERMIN + PGSIZE - 7
	msg := []uint8("boundary-crossing")
	if err := as.K2user(msg, va); err != 0 {
		t.Fatalf("K2user across pages failed: %v", err)
	}
	got := make([]uint8, len(msg))
	if err := as.User2k(got, va); err != 0 {
		t.Fatalf("User2k across pages failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("read back %q, want %q", got, msg)
	}
}

func TestSbrkShrinkUnmaps(t *testing.T) {
	setup(t)
	as := mkas(t)
	if _, err := as.Sbrk(PGSIZE); err != 0 {
		t.Fatalf("Sbrk grow failed: %v", err)
	}
	if err := as.K2user([]uint8{1}, USERMIN); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}

	old, err := as.Sbrk(-PGSIZE)
	if err != 0 {
		t.Fatalf("Sbrk shrink failed: %v", err)
	}
	if old != PGSIZE {
		t.Fatalf("shrink returned old break %d, want %d", old, PGSIZE)
	}
	if err := as.User2k(make([]uint8, 1), USERMIN); err == 0 {
		t.Fatal("read of shrunk-away page succeeded, want fault")
	}
}

func TestSbrkIntoTrapframeRegionFails(t *testing.T) {
	setup(t)
	as := mkas(t)

	n := TrapframeVA - USERMIN + 1
	if _, err := as.Sbrk(n); err == 0 {
		t.Fatal("Sbrk into the trap-frame region succeeded, want failure")
	}
	// the failed grow must leave the break untouched.
	if old, err := as.Sbrk(0); err != 0 || old != 0 {
		t.Fatalf("break after failed grow = %d/%v, want 0/0", old, err)
	}
}

func TestUserstr(t *testing.T) {
	setup(t)
	as := mkas(t)
	if _, err := as.Sbrk(PGSIZE); err != 0 {
		t.Fatalf("Sbrk failed: %v", err)
	}
	if err := as.K2user([]uint8("hello\x00"), USERMIN); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	s, err := as.Userstr(USERMIN, 64)
	if err != 0 {
		t.Fatalf("Userstr failed: %v", err)
	}
	if string(s) != "hello" {
		t.Fatalf("Userstr = %q, want %q", s, "hello")
	}
}

func TestUserreadnUserwriten(t *testing.T) {
	setup(t)
	as := mkas(t)
	if _, err := as.Sbrk(PGSIZE); err != 0 {
		t.Fatalf("Sbrk failed: %v", err)
	}
	const val = 0x1122334455
	if err := as.Userwriten(USERMIN+16, 8, val); err != 0 {
		t.Fatalf("Userwriten failed: %v", err)
	}
	got, err := as.Userreadn(USERMIN+16, 8)
	if err != 0 {
		t.Fatalf("Userreadn failed: %v", err)
	}
	if got != val {
		t.Fatalf("Userreadn = %#x, want %#x", got, val)
	}
}

func TestUnmappedAccessFaults(t *testing.T) {
	setup(t)
	as := mkas(t)
	if err := as.User2k(make([]uint8, 1), USERMIN); err == 0 {
		t.Fatal("read of unmapped address succeeded, want fault")
	}
}

// frameOf returns the physical frame currently backing va, which must be
// mapped.
func frameOf(t *testing.T, as *Vm_t, va int) mem.Pa_t {
	t.Helper()
	pte := Pmap_lookup(as.Pmap, va)
	if pte == nil || *pte&PTE_P == 0 {
		t.Fatalf("va %#x is not mapped", va)
	}
	return pte_addr(*pte)
}

func TestUvmCopyCowIsolation(t *testing.T) {
	setup(t)
	parent := mkas(t)
	if _, err := parent.Sbrk(PGSIZE); err != 0 {
		t.Fatalf("Sbrk failed: %v", err)
	}
	if err := parent.K2user([]uint8("parent data"), USERMIN); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	pframe := frameOf(t, parent, USERMIN)
	if got := mem.Physmem.Refcnt(pframe); got != 1 {
		t.Fatalf("refcnt before fork = %d, want 1", got)
	}

	child := mkas(t)
	if !parent.Uvm_copy(child) {
		t.Fatal("Uvm_copy failed")
	}

	// both sides now share the frame read-only.
	if got := mem.Physmem.Refcnt(pframe); got != 2 {
		t.Fatalf("refcnt after fork = %d, want 2", got)
	}
	if cf := frameOf(t, child, USERMIN); cf != pframe {
		t.Fatalf("child maps %#x, want shared frame %#x", cf, pframe)
	}

	// the child's break must have been carried over: growing it further
	// must extend the same heap, not mint an overlapping one.
	if old, err := child.Sbrk(0); err != 0 || old != PGSIZE {
		t.Fatalf("child break = %d/%v, want %d/0", old, err, PGSIZE)
	}

	// a write in the child clones; the parent keeps its bytes and sole
	// ownership of the original frame.
	if err := child.K2user([]uint8("child data!"), USERMIN); err != 0 {
		t.Fatalf("child K2user failed: %v", err)
	}
	cframe := frameOf(t, child, USERMIN)
	if cframe == pframe {
		t.Fatal("child write did not clone the shared frame")
	}
	if got := mem.Physmem.Refcnt(pframe); got != 1 {
		t.Fatalf("parent frame refcnt after child write = %d, want 1", got)
	}
	if got := mem.Physmem.Refcnt(cframe); got != 1 {
		t.Fatalf("child frame refcnt = %d, want 1", got)
	}

	pbuf := make([]uint8, len("parent data"))
	if err := parent.User2k(pbuf, USERMIN); err != 0 {
		t.Fatalf("parent User2k failed: %v", err)
	}
	if string(pbuf) != "parent data" {
		t.Fatalf("parent sees %q after child write, want %q", pbuf, "parent data")
	}
	cbuf := make([]uint8, len("child data!"))
	if err := child.User2k(cbuf, USERMIN); err != 0 {
		t.Fatalf("child User2k failed: %v", err)
	}
	if string(cbuf) != "child data!" {
		t.Fatalf("child sees %q, want %q", cbuf, "child data!")
	}
}

func TestUvmfreeDropsFrames(t *testing.T) {
	setup(t)
	as := mkas(t)
	if _, err := as.Sbrk(PGSIZE); err != 0 {
		t.Fatalf("Sbrk failed: %v", err)
	}
	if err := as.K2user([]uint8{42}, USERMIN); err != 0 {
		t.Fatalf("K2user failed: %v", err)
	}
	frame := frameOf(t, as, USERMIN)
	as.Uvmfree()
	if got := mem.Physmem.Refcnt(frame); got != 0 {
		t.Fatalf("refcnt after Uvmfree = %d, want 0", got)
	}
}

func TestUserbufRoundTrip(t *testing.T) {
	setup(t)
	as := mkas(t)
	if _, err := as.Sbrk(2 * PGSIZE); err != 0 {
		t.Fatalf("Sbrk failed: %v", err)
	}

	va := USERMIN + PGSIZE - 5
	src := []uint8("split across two pages")
	ub := as.Mkuserbuf(va, len(src))
	if n, err := ub.Uiowrite(src); err != 0 || n != len(src) {
		t.Fatalf("Uiowrite = %d/%v, want %d/0", n, err, len(src))
	}
	if ub.Remain() != 0 {
		t.Fatalf("Remain after full write = %d, want 0", ub.Remain())
	}

	dst := make([]uint8, len(src))
	rb := as.Mkuserbuf(va, len(src))
	if n, err := rb.Uioread(dst); err != 0 || n != len(src) {
		t.Fatalf("Uioread = %d/%v, want %d/0", n, err, len(src))
	}
	if !bytes.Equal(dst, src) {
		t.Fatalf("read back %q, want %q", dst, src)
	}
}
