// Package condvar provides a condition variable that lives in shared memory.
//
// A Data block is a counting semaphore plus one flag per notifier index. Producers
// hold a Notifier bound to an index and post the semaphore after raising their
// flag; the single consumer holds a Listener, sleeps on the semaphore and learns
// from the flags which notifiers fired.
package condvar

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/Indra5196/iceoryx/internal/shm"
)

// MaxNotifiers is the number of distinct notifier indices one Data supports
const MaxNotifiers = 256

// ErrInvalidIndex is returned for a notifier index beyond MaxNotifiers
var ErrInvalidIndex = errors.New("condvar: notification index out of range")

// errTimeout is returned by the platform wait when its timeout elapsed
var errTimeout = errors.New("condvar: wait timed out")

// Data is the shared part of a condition variable
// The semaphore word is also the futex address.
type Data struct {
	semaphore     uint32
	toBeDestroyed uint32
	_             [56]byte
	active        [MaxNotifiers]uint32
}

// SizeData is the number of bytes a Data occupies in a segment
const SizeData = unsafe.Sizeof(Data{})

// AlignData is the alignment New requests for a Data
const AlignData = 64

// New carves a zeroed Data out of alloc and returns it with its offset
func New(alloc shm.Allocator) (*Data, uintptr, error) {
	off, err := alloc.Allocate(SizeData, AlignData)
	if err != nil {
		return nil, 0, fmt.Errorf("condvar: allocate: %w", err)
	}
	return Attach(alloc.Addr(off)), off, nil
}

// Attach interprets the memory at addr as a Data
func Attach(addr uintptr) *Data {
	return (*Data)(unsafe.Pointer(addr))
}

func (d *Data) post() {
	atomic.AddUint32(&d.semaphore, 1)
	futexWake(&d.semaphore, 1)
}

// wait takes one count off the semaphore, sleeping while it is zero
// A negative timeout waits without limit. Reports false on timeout.
func (d *Data) wait(timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if c := atomic.LoadUint32(&d.semaphore); c > 0 {
			if atomic.CompareAndSwapUint32(&d.semaphore, c, c-1) {
				return true
			}
			continue
		}
		remaining := time.Duration(-1)
		if timeout >= 0 {
			if remaining = time.Until(deadline); remaining <= 0 {
				return false
			}
		}
		if err := futexWait(&d.semaphore, 0, remaining); err != nil && !errors.Is(err, errTimeout) {
			return false
		}
	}
}

// Notifier raises one notification index of a Data
type Notifier struct {
	data  *Data
	index uint64
}

// NewNotifier binds a notifier to index
func NewNotifier(d *Data, index uint64) (*Notifier, error) {
	if index >= MaxNotifiers {
		return nil, ErrInvalidIndex
	}
	return &Notifier{data: d, index: index}, nil
}

// Index returns the notification index this notifier raises
func (n *Notifier) Index() uint64 { return n.index }

// Notify marks the index active and wakes the listener
func (n *Notifier) Notify() {
	atomic.StoreUint32(&n.data.active[n.index], 1)
	n.data.post()
}

// Listener is the waiting side of a Data
// There is at most one listener per Data.
type Listener struct {
	data *Data
}

// NewListener creates the waiting side of d
func NewListener(d *Data) *Listener {
	return &Listener{data: d}
}

// WasNotified reports whether a notification is pending without consuming it
func (l *Listener) WasNotified() bool {
	return atomic.LoadUint32(&l.data.semaphore) > 0
}

// Wait blocks until at least one notifier fired and returns the fired indices
// It returns early with whatever is pending once Destroy was called.
func (l *Listener) Wait() []uint64 {
	return l.waitFor(-1)
}

// TimedWait is Wait with an upper bound; an empty result means the timeout elapsed
func (l *Listener) TimedWait(timeout time.Duration) []uint64 {
	if timeout < 0 {
		timeout = 0
	}
	return l.waitFor(timeout)
}

func (l *Listener) waitFor(timeout time.Duration) []uint64 {
	var fired []uint64
	for atomic.LoadUint32(&l.data.toBeDestroyed) == 0 {
		woke := l.data.wait(timeout)
		fired = l.collect(fired)
		if !woke || len(fired) > 0 {
			return fired
		}
	}
	return l.collect(fired)
}

func (l *Listener) collect(fired []uint64) []uint64 {
	for i := range l.data.active {
		if atomic.CompareAndSwapUint32(&l.data.active[i], 1, 0) {
			fired = append(fired, uint64(i))
		}
	}
	return fired
}

// Destroy wakes a blocked Wait and makes later waits return immediately
func (l *Listener) Destroy() {
	atomic.StoreUint32(&l.data.toBeDestroyed, 1)
	l.data.post()
}

// Reset clears a previous Destroy and all pending notifications
func (l *Listener) Reset() {
	atomic.StoreUint32(&l.data.toBeDestroyed, 0)
	atomic.StoreUint32(&l.data.semaphore, 0)
	for i := range l.data.active {
		atomic.StoreUint32(&l.data.active[i], 0)
	}
}
