package trap

import (
	"sync"
	"testing"

	"rvkernel/defs"
	"rvkernel/limits"
	"rvkernel/lock"
	"rvkernel/mem"
	"rvkernel/proc"
	"rvkernel/vm"
)

// condSleeper backs lock.Sleep/Wakeup for these single-threaded tests; the
// pipe paths exercised here never actually block (data is always present
// before a read, the buffer never fills), but Close and every successful
// transfer still call Wakeup.
type condSleeper struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func (cs *condSleeper) Sleep(chan_ any, cond *lock.Spinlock_t) {
	cond.Release()
	cs.mu.Lock()
	cs.cond.Wait()
	cs.mu.Unlock()
	cond.Acquire()
}

func (cs *condSleeper) Wakeup(chan_ any) {
	cs.mu.Lock()
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

func setup(t *testing.T) {
	t.Helper()
	lock.Register(0)
	mem.Init()
	cs := &condSleeper{}
	cs.cond = sync.NewCond(&cs.mu)
	lock.InstallSleeper(cs)
}

func kbuf(b []byte) *vm.Fakeubuf_t {
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(append([]uint8(nil), b...))
	return fb
}

func TestPipeWriteThenRead(t *testing.T) {
	setup(t)
	rend, wend, err := MkPipe()
	if err != 0 {
		t.Fatalf("MkPipe failed: %v", err)
	}
	defer rend.Close()
	defer wend.Close()

	if n, werr := wend.Write(kbuf([]byte("abc"))); werr != 0 || n != 3 {
		t.Fatalf("Write = %d/%v, want 3/0", n, werr)
	}

	buf := make([]uint8, 3)
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(buf)
	if n, rerr := rend.Read(fb); rerr != 0 || n != 3 {
		t.Fatalf("Read = %d/%v, want 3/0", n, rerr)
	}
	if string(buf) != "abc" {
		t.Fatalf("read %q, want %q", buf, "abc")
	}
}

func TestPipeEndsRejectWrongDirection(t *testing.T) {
	setup(t)
	rend, wend, err := MkPipe()
	if err != 0 {
		t.Fatalf("MkPipe failed: %v", err)
	}
	defer rend.Close()
	defer wend.Close()

	if _, werr := rend.Write(kbuf([]byte("x"))); werr != -defs.EINVAL {
		t.Fatalf("write on read end = %v, want -EINVAL", werr)
	}
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(make([]uint8, 1))
	if _, rerr := wend.Read(fb); rerr != -defs.EINVAL {
		t.Fatalf("read on write end = %v, want -EINVAL", rerr)
	}
}

func TestPipeWriteAfterReaderCloseIsEPIPE(t *testing.T) {
	setup(t)
	rend, wend, err := MkPipe()
	if err != 0 {
		t.Fatalf("MkPipe failed: %v", err)
	}
	rend.Close()
	defer wend.Close()

	if _, werr := wend.Write(kbuf([]byte("x"))); werr != -defs.EPIPE {
		t.Fatalf("write after reader close = %v, want -EPIPE", werr)
	}
}

func TestPipeReadAfterWriterCloseDrainsThenEOF(t *testing.T) {
	setup(t)
	rend, wend, err := MkPipe()
	if err != 0 {
		t.Fatalf("MkPipe failed: %v", err)
	}
	defer rend.Close()

	if n, werr := wend.Write(kbuf([]byte("tail"))); werr != 0 || n != 4 {
		t.Fatalf("Write = %d/%v, want 4/0", n, werr)
	}
	wend.Close()

	buf := make([]uint8, 4)
	fb := &vm.Fakeubuf_t{}
	fb.Fake_init(buf)
	if n, rerr := rend.Read(fb); rerr != 0 || n != 4 {
		t.Fatalf("drain read = %d/%v, want 4/0", n, rerr)
	}
	if string(buf) != "tail" {
		t.Fatalf("drained %q, want %q", buf, "tail")
	}
	fb2 := &vm.Fakeubuf_t{}
	fb2.Fake_init(make([]uint8, 1))
	if n, rerr := rend.Read(fb2); rerr != 0 || n != 0 {
		t.Fatalf("read at EOF = %d/%v, want 0/0", n, rerr)
	}
}

func TestPipeChargesSystemLimit(t *testing.T) {
	setup(t)
	before := int64(limits.Syslimit.Pipes)
	rend, wend, err := MkPipe()
	if err != 0 {
		t.Fatalf("MkPipe failed: %v", err)
	}
	if got := int64(limits.Syslimit.Pipes); got != before-1 {
		t.Fatalf("pipe budget while open = %d, want %d", got, before-1)
	}
	rend.Close()
	wend.Close()
	if got := int64(limits.Syslimit.Pipes); got != before {
		t.Fatalf("pipe budget after both closes = %d, want %d", got, before)
	}
}

// mkTestProc builds a minimal process record, enough for the alarm state
// machine, without involving the scheduler.
func mkTestProc() *proc.Proc_t {
	return &proc.Proc_t{
		Lock: lock.MkSpinlock("testproc"),
		Tf:   proc.NewTrapframe(),
	}
}

// tickOnce performs the countdown serviceAlarms applies per live process
// each timer tick, against a process that is not in the global table.
func tickOnce(p *proc.Proc_t) {
	p.Lock.Acquire()
	if p.Alarm.Period > 0 && !p.Alarm.Delivering && p.Alarm.Remaining > 0 {
		p.Alarm.Remaining--
	}
	p.Lock.Release()
}

func TestAlarmDeliversAfterPeriodAndSigreturnRestores(t *testing.T) {
	setup(t)
	p := mkTestProc()
	p.Tf.Epc = 0x1000
	p.Tf.A0 = 55

	ran := 0
	hid := RegisterSignalHandler(func(task *proc.Task) {
		ran++
		// the handler runs with the trapframe snapshotted; scribble it the
		// way user handler code would.
		task.Proc().Tf.Epc = 0x2000
		task.Proc().Tf.A0 = 0
	})
	sysSigalarm(p, 2, hid)

	// one tick is not enough.
	tickOnce(p)
	deliverPendingAlarm(p)
	if ran != 0 {
		t.Fatal("alarm delivered before its period elapsed")
	}

	tickOnce(p)
	deliverPendingAlarm(p)
	if ran != 1 {
		t.Fatalf("handler ran %d times after two ticks, want 1", ran)
	}
	if !p.Alarm.Delivering {
		t.Fatal("Delivering not set while handler state is live")
	}

	// re-entry is blocked until sigreturn.
	tickOnce(p)
	deliverPendingAlarm(p)
	if ran != 1 {
		t.Fatalf("handler re-entered while delivering, ran %d times", ran)
	}

	if got := sysSigreturn(p); got != 55 {
		t.Fatalf("sigreturn returned %d, want the interrupted a0 55", got)
	}
	if p.Tf.Epc != 0x1000 || p.Tf.A0 != 55 {
		t.Fatalf("trapframe after sigreturn = epc %#x a0 %d, want %#x/55", p.Tf.Epc, p.Tf.A0, 0x1000)
	}
	if p.Alarm.Delivering {
		t.Fatal("Delivering still set after sigreturn")
	}
	if p.Alarm.Remaining != 2 {
		t.Fatalf("countdown after sigreturn = %d, want the period 2", p.Alarm.Remaining)
	}
}

func TestAlarmDisarm(t *testing.T) {
	setup(t)
	p := mkTestProc()
	hid := RegisterSignalHandler(func(task *proc.Task) {
		t.Error("disarmed alarm delivered")
	})
	sysSigalarm(p, 1, hid)
	sysSigalarm(p, 0, 0)
	tickOnce(p)
	deliverPendingAlarm(p)
}
