//go:build linux

package condvar

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Non-private futex operations, the word may be mapped by several processes
const (
	_FUTEX_WAIT = 0
	_FUTEX_WAKE = 1
)

// futexWait sleeps while *addr == val
// A negative timeout sleeps without limit. Spurious wake-ups return nil.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), _FUTEX_WAIT, uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errTimeout
	default:
		return errno
	}
}

// futexWake wakes up to n sleepers on addr
func futexWake(addr *uint32, n int) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), _FUTEX_WAKE, uintptr(n), 0, 0, 0)
}
