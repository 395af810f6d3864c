//go:build !linux

package recorder

import "os"

// currentOSThreadID falls back to the process id outside Linux, where
// golang.org/x/sys/unix does not expose a portable gettid(). This
// collapses all Darwin threads into one dense tid; events from different
// threads are not told apart there.
func currentOSThreadID() uint64 {
	return uint64(os.Getpid())
}
