//go:build !arm64

package platform

// FlushICache is a no-op outside AArch64: x86-64's memory model already
// guarantees that a subsequent instruction fetch observes prior stores
// to the same address without explicit cache maintenance (spec.md §4.A).
func FlushICache(addr, length uintptr) {}
