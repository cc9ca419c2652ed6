// Command kernel boots the hosted RISC-V teaching kernel: it formats (or
// reuses) a disk image, mounts it, wires package trap as the syscall
// surface, and spawns the demo init process, the hosted equivalent of a
// real kernel's bootloader handing control to PID 1.
//
// The teacher's own boot sequence runs main_premain/main_main from a
// patched Go runtime started by a second-stage bootloader (absent from
// the retrieved pack); this command follows spec.md 9's description of
// a hosted harness instead: an ordinary Go main that performs the same
// initialization order (physical memory, scheduler, trap dispatch,
// filesystem, first process) a real boot sequence follows.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"rvkernel/config"
	"rvkernel/klog"
	"rvkernel/lock"
	"rvkernel/mem"
	"rvkernel/proc"
	"rvkernel/trap"
	"rvkernel/ufs"
	"rvkernel/userland"
)

func main() {
	disk := flag.String("disk", "", "disk image path (created fresh if it does not already exist)")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to wait for the init process to exit before giving up")
	flag.Parse()

	format := false
	if *disk == "" {
		f, err := os.CreateTemp("", "rvkernel-*.img")
		if err != nil {
			fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
			os.Exit(1)
		}
		f.Close()
		defer os.Remove(f.Name())
		*disk = f.Name()
		format = true
	} else if _, err := os.Stat(*disk); os.IsNotExist(err) {
		format = true
	}

	boot(*disk, format, *timeout)
}

// boot performs the fixed initialization order spec.md 9 lays out: the
// physical allocator before anything touches a page, the scheduler
// before any process can be spawned, the trap dispatcher before a
// process can make a syscall, and the filesystem last, since mounting
// it already requires a working block-buffer allocator (mem.Init) and
// its StartFS recovery pass runs as ordinary kernel code, not inside a
// process.
func boot(disk string, format bool, timeout time.Duration) {
	log := klog.Sys("boot")
	log.Info().Str("disk", disk).Log("booting")

	// Every spinlock acquisition resolves the calling goroutine to a hart
	// identity, and mem.Init already takes the allocator's lock, so this
	// goroutine registers first; it gets a slot of its own (one past trap's
	// tickLoop slot) since it is neither a scheduler hart nor a process.
	lock.Register(config.NHART + 1)

	mem.Init()
	proc.Init()
	trap.Init()

	if format {
		log.Info().Log("formatting new disk image")
		ufs.MkDisk(disk, 1024, 50*100, 40000)
	}
	mounted := ufs.BootFS(disk)
	trap.SetFS(mounted.Fs())

	userland.RegisterAll()

	initCwd := mounted.RootCwd()
	initProc, err := proc.Spawn("init", userland.Demo, nil, initCwd)
	if err != 0 {
		log.Err().Int("err", int(err)).Log("spawn init failed")
		ufs.ShutdownFS(mounted)
		os.Exit(1)
	}

	deadline := time.Now().Add(timeout)
	for {
		initProc.Lock.Acquire()
		done := initProc.State == proc.ZOMBIE
		initProc.Lock.Release()
		if done {
			break
		}
		if time.Now().After(deadline) {
			log.Err().Log("init did not exit before the deadline")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ufs.ShutdownFS(mounted)
	log.Info().Log("shutdown complete")
}
