package userland

import (
	"path/filepath"
	"testing"
	"time"

	"rvkernel/config"
	"rvkernel/lock"
	"rvkernel/mem"
	"rvkernel/proc"
	"rvkernel/trap"
	"rvkernel/ufs"
	"rvkernel/ustr"
)

// TestDemoEndToEnd boots the whole kernel the way cmd/kernel does and runs
// the demo init program: a file create/write/reopen/read round trip
// followed by a pipe ping-pong across a fork, reaped with wait. It then
// checks the round-trip file's durable content from the host side.
func TestDemoEndToEnd(t *testing.T) {
	lock.Register(config.NHART + 1)
	mem.Init()
	proc.Init()
	trap.Init()

	img := filepath.Join(t.TempDir(), "disk.img")
	ufs.MkDisk(img, 64, 8, 2048)
	mounted := ufs.BootFS(img)
	defer ufs.ShutdownFS(mounted)
	trap.SetFS(mounted.Fs())
	RegisterAll()

	initProc, err := proc.Spawn("init", Demo, nil, mounted.RootCwd())
	if err != 0 {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		initProc.Lock.Acquire()
		state := initProc.State
		status := initProc.ExitStatus
		initProc.Lock.Release()
		if state == proc.ZOMBIE {
			if status != 0 {
				t.Fatalf("init exited with status %d, want 0", status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("init did not exit before the deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}

	data, rerr := mounted.Read(ustr.Ustr("/x"))
	if rerr != 0 {
		t.Fatalf("reading /x after the demo failed: %v", rerr)
	}
	if string(data) != "hello" {
		t.Fatalf("/x contains %q, want %q", data, "hello")
	}
}
