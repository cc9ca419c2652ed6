package ufs

import (
	"path/filepath"
	"sync"
	"testing"

	"rvkernel/lock"
	"rvkernel/mem"
	"rvkernel/ustr"
)

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

func setup(t *testing.T) string {
	t.Helper()
	lock.Register(0)
	mem.Init()
	cs := &condSleeper{}
	cs.cond = sync.NewCond(&cs.mu)
	lock.InstallSleeper(cs)
	return filepath.Join(t.TempDir(), "disk.img")
}

func TestMkDiskBootAndFileOps(t *testing.T) {
	img := setup(t)
	MkDisk(img, 64, 8, 2048)
	fs := BootFS(img)

	if err := fs.MkFile(ustr.Ustr("/f"), MkBuf([]byte("abc"))); err != 0 {
		t.Fatalf("MkFile failed: %v", err)
	}
	if err := fs.Append(ustr.Ustr("/f"), MkBuf([]byte("def"))); err != 0 {
		t.Fatalf("Append failed: %v", err)
	}
	data, err := fs.Read(ustr.Ustr("/f"))
	if err != 0 {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("Read = %q, want %q", data, "abcdef")
	}

	st, err := fs.Stat(ustr.Ustr("/f"))
	if err != 0 {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Size() != 6 {
		t.Fatalf("Stat size = %d, want 6", st.Size())
	}

	if err := fs.MkDir(ustr.Ustr("/d")); err != 0 {
		t.Fatalf("MkDir failed: %v", err)
	}
	ls, err := fs.Ls(ustr.MkUstrRoot())
	if err != 0 {
		t.Fatalf("Ls failed: %v", err)
	}
	if _, ok := ls["f"]; !ok {
		t.Fatal("Ls missing f")
	}
	if _, ok := ls["d"]; !ok {
		t.Fatal("Ls missing d")
	}

	ShutdownFS(fs)
}

func TestContentSurvivesReboot(t *testing.T) {
	img := setup(t)
	MkDisk(img, 64, 8, 2048)

	fs := BootFS(img)
	if err := fs.MkFile(ustr.Ustr("/persist"), MkBuf([]byte("durable bytes"))); err != 0 {
		t.Fatalf("MkFile failed: %v", err)
	}
	ShutdownFS(fs)

	fs2 := BootFS(img)
	defer ShutdownFS(fs2)
	data, err := fs2.Read(ustr.Ustr("/persist"))
	if err != 0 {
		t.Fatalf("Read after reboot failed: %v", err)
	}
	if string(data) != "durable bytes" {
		t.Fatalf("after reboot read %q, want %q", data, "durable bytes")
	}
}

func TestUnlinkRemovesName(t *testing.T) {
	img := setup(t)
	MkDisk(img, 64, 8, 2048)
	fs := BootFS(img)
	defer ShutdownFS(fs)

	if err := fs.MkFile(ustr.Ustr("/gone"), MkBuf([]byte("x"))); err != 0 {
		t.Fatalf("MkFile failed: %v", err)
	}
	if err := fs.Unlink(ustr.Ustr("/gone")); err != 0 {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := fs.Stat(ustr.Ustr("/gone")); err == 0 {
		t.Fatal("Stat of unlinked file succeeded")
	}
}

func TestRenameMovesName(t *testing.T) {
	img := setup(t)
	MkDisk(img, 64, 8, 2048)
	fs := BootFS(img)
	defer ShutdownFS(fs)

	if err := fs.MkFile(ustr.Ustr("/src"), MkBuf([]byte("payload"))); err != 0 {
		t.Fatalf("MkFile failed: %v", err)
	}
	if err := fs.Rename(ustr.Ustr("/src"), ustr.Ustr("/dst")); err != 0 {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := fs.Stat(ustr.Ustr("/src")); err == 0 {
		t.Fatal("source name survived rename")
	}
	data, err := fs.Read(ustr.Ustr("/dst"))
	if err != 0 {
		t.Fatalf("Read of renamed file failed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("renamed content = %q, want %q", data, "payload")
	}
}
