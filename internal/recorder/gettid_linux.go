//go:build linux

package recorder

import "golang.org/x/sys/unix"

// currentOSThreadID returns the kernel thread id of the calling OS
// thread. A cgo call from the instrumented binary runs on a goroutine
// pinned to the calling OS thread for the duration of the call, so this
// is stable across the lifetime of one traced call (spec.md §4.F
// "Thread id").
func currentOSThreadID() uint64 {
	return uint64(unix.Gettid())
}
