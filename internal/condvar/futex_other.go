//go:build !linux

package condvar

import (
	"sync/atomic"
	"time"
)

const _pollInterval = 200 * time.Microsecond

// futexWait polls *addr until it differs from val or the timeout elapses
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	start := time.Now()
	for atomic.LoadUint32(addr) == val {
		if timeout >= 0 && time.Since(start) >= timeout {
			return errTimeout
		}
		time.Sleep(_pollInterval)
	}
	return nil
}

func futexWake(addr *uint32, n int) {}
