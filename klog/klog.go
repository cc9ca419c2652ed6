// Package klog is the kernel's structured logger. The teacher logs with
// bare fmt.Printf (mem/mem.go, fs/blk.go); for this repository's own
// diagnostics we instead wire up the structured-logging front end used
// elsewhere in the retrieved pack (joeycumines/logiface), backed by its
// zero-dependency JSON writer (joeycumines/stumpy), the same way
// logiface-stumpy/factory.go wires a LoggerFactory to a concrete writer.
package klog

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	once sync.Once
	root *logiface.Logger[*stumpy.Event]
)

func base() *logiface.Logger[*stumpy.Event] {
	once.Do(func() {
		root = stumpy.L.New(
			stumpy.WithStumpy(stumpy.WithWriter(os.Stderr)),
		)
	})
	return root
}

// Sys returns a logger scoped to a kernel subsystem (e.g. "sched", "fs",
// "log", "trap"), the way the teacher scopes its printf output by the
// calling package's prefix.
func Sys(name string) *logiface.Logger[*stumpy.Event] {
	return base().Clone().Str("sys", name).Logger()
}

// Boot emits a top-level boot/info message with no subsystem tag, for use
// by cmd/kernel during startup.
func Boot(msg string) {
	base().Info().Log(msg)
}
