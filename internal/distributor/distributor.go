// Package distributor implements the sending side of a port: the fan-out of
// chunk references into every registered receiver queue.
package distributor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/mempool"
)

//go:generate go tool stringer -type=ConsumerTooSlowPolicy -output=policy_string.go

// ConsumerTooSlowPolicy selects what a sender does when a receiver queue refuses a push
type ConsumerTooSlowPolicy uint32

const (
	DiscardOldestData ConsumerTooSlowPolicy = iota // Drop the chunk for that queue and count it as lost
	WaitForConsumer                                // Retry with backoff while the queue is BlockProducer
)

const (
	// MaxQueues bounds the receivers one distributor serves
	MaxQueues = 256
	// MaxHistoryCapacity bounds the history ring
	MaxHistoryCapacity = 16
)

var (
	ErrQueueContainerOverflow = errors.New("distributor: queue container overflow")
	ErrQueueNotInContainer    = errors.New("distributor: queue not in container")
	ErrInvalidChunk           = errors.New("distributor: invalid chunk")
	ErrQueueFull              = errors.New("distributor: receiver queue stayed full")
	ErrInvalidHistory         = errors.New("distributor: history capacity exceeds maximum")
)

// Config describes a distributor at construction time
type Config struct {
	HistoryCapacity uint64                // Number of recent chunks kept for late joiners
	TooSlowPolicy   ConsumerTooSlowPolicy // Behaviour towards a full BlockProducer queue
	BlockTimeout    time.Duration         // Upper bound of one blocked delivery, 0 waits until the queue is removed

	// HistoryOwner, when set, names the port a kept chunk is addressed to.
	// Such chunks are replayed only to the queue of that port.
	HistoryOwner func(ref mempool.Ref) (portID uint64, ok bool)
}

// Distributor delivers chunks to the queues of connected receivers
// The queue set is changed by the broker only; Send, SendToPort and PushToHistory
// are called by the owning application. A mutex serializes both sides; it is
// never held while a blocked delivery waits.
type Distributor struct {
	mgr *mempool.MemoryManager
	cfg Config

	mu       sync.Mutex
	queues   []chunkqueue.Pusher
	history  []mempool.Ref
	histHead int
	histLen  int
}

// New creates an empty distributor sending chunks of mgr
func New(mgr *mempool.MemoryManager, cfg Config) (*Distributor, error) {
	if cfg.HistoryCapacity > MaxHistoryCapacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidHistory, cfg.HistoryCapacity, MaxHistoryCapacity)
	}
	return &Distributor{
		mgr:     mgr,
		cfg:     cfg,
		queues:  make([]chunkqueue.Pusher, 0, MaxQueues),
		history: make([]mempool.Ref, cfg.HistoryCapacity),
	}, nil
}

// HistoryCapacity returns the configured size of the history ring
func (d *Distributor) HistoryCapacity() uint64 { return d.cfg.HistoryCapacity }

// TryAddQueue registers q and delivers up to historyRequest chunks from the history
// Registering a queue twice is not an error.
func (d *Distributor) TryAddQueue(q chunkqueue.Pusher, historyRequest uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.indexLocked(q) >= 0 {
		return nil
	}
	if len(d.queues) >= MaxQueues {
		return ErrQueueContainerOverflow
	}
	d.queues = append(d.queues, q)

	for _, ref := range d.replayLocked(q, historyRequest) {
		d.pushLocked(q, ref)
	}
	return nil
}

// replayLocked returns the newest n kept chunks meant for q, oldest first
func (d *Distributor) replayLocked(q chunkqueue.Pusher, n uint64) []mempool.Ref {
	var refs []mempool.Ref
	for i := d.histLen - 1; i >= 0 && uint64(len(refs)) < n; i-- {
		ref := d.history[(d.histHead+i)%len(d.history)]
		if d.cfg.HistoryOwner != nil {
			if owner, ok := d.cfg.HistoryOwner(ref); !ok || owner != q.OwnerID() {
				continue
			}
		}
		refs = append(refs, ref)
	}
	slices.Reverse(refs)
	return refs
}

// TryRemoveQueue deregisters q
// Chunks already in q stay there; the queue's owner clears it.
func (d *Distributor) TryRemoveQueue(q chunkqueue.Pusher) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexLocked(q)
	if i < 0 {
		return ErrQueueNotInContainer
	}
	d.queues = append(d.queues[:i], d.queues[i+1:]...)
	return nil
}

// RemoveAllQueues deregisters every queue
func (d *Distributor) RemoveAllQueues() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.queues)
	d.queues = d.queues[:0]
}

// HasStoredQueues reports whether any receiver is registered
func (d *Distributor) HasStoredQueues() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues) > 0
}

// NumQueues returns the number of registered receivers
func (d *Distributor) NumQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Send delivers c to every registered queue and stores it in the history
// The handle is consumed. The number of queues that accepted the chunk is
// returned; queues that lost it are counted on the queue, and only blocked
// deliveries that gave up are reported as errors.
func (d *Distributor) Send(c *mempool.SharedChunk) (int, error) {
	if !c.IsValid() {
		return 0, ErrInvalidChunk
	}
	ref := c.Ref()

	var blocked []chunkqueue.Pusher
	delivered := 0
	d.mu.Lock()
	for _, q := range d.queues {
		if d.waitsFor(q) {
			blocked = append(blocked, q)
			continue
		}
		if d.pushLocked(q, ref) {
			delivered++
		}
	}
	d.mu.Unlock()

	var err error
	for _, q := range blocked {
		if e := d.deliverBlocking(q, ref); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		delivered++
	}

	d.PushToHistory(c)
	return delivered, err
}

// SendToPort delivers c only to the queue owned by portID
// The handle is consumed; the history is not touched.
func (d *Distributor) SendToPort(c *mempool.SharedChunk, portID uint64) error {
	if !c.IsValid() {
		return ErrInvalidChunk
	}
	defer c.Release()
	ref := c.Ref()

	d.mu.Lock()
	var target chunkqueue.Pusher
	for _, q := range d.queues {
		if q.OwnerID() == portID {
			target = q
			break
		}
	}
	if target == nil {
		d.mu.Unlock()
		return ErrQueueNotInContainer
	}
	if !d.waitsFor(target) {
		d.pushLocked(target, ref)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.deliverBlocking(target, ref)
}

// PushToHistory stores c as the most recent history entry, evicting the oldest
// The handle is consumed; without history capacity it is simply released.
func (d *Distributor) PushToHistory(c *mempool.SharedChunk) {
	if !c.IsValid() {
		return
	}
	if len(d.history) == 0 {
		c.Release()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.histLen == len(d.history) {
		d.mgr.ReleaseRef(d.history[d.histHead])
		d.history[d.histHead] = c.Detach()
		d.histHead = (d.histHead + 1) % len(d.history)
		return
	}
	d.history[(d.histHead+d.histLen)%len(d.history)] = c.Detach()
	d.histLen++
}

// HistorySize returns the number of chunks currently kept in the history
func (d *Distributor) HistorySize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.histLen
}

// ClearHistory releases every history entry
func (d *Distributor) ClearHistory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < d.histLen; i++ {
		slot := (d.histHead + i) % len(d.history)
		d.mgr.ReleaseRef(d.history[slot])
		d.history[slot] = 0
	}
	d.histHead, d.histLen = 0, 0
}

// ReleaseAll drops every reference the distributor holds
func (d *Distributor) ReleaseAll() {
	d.ClearHistory()
}

func (d *Distributor) waitsFor(q chunkqueue.Pusher) bool {
	return d.cfg.TooSlowPolicy == WaitForConsumer && q.Policy() == chunkqueue.BlockProducer
}

func (d *Distributor) indexLocked(q chunkqueue.Pusher) int {
	for i, r := range d.queues {
		if r == q {
			return i
		}
	}
	return -1
}

// pushLocked hands one new reference of ref to q without waiting
func (d *Distributor) pushLocked(q chunkqueue.Pusher, ref mempool.Ref) bool {
	if d.mgr.DuplicateRef(ref) != nil {
		return false
	}
	if q.TryPush(ref) {
		return true
	}
	d.mgr.ReleaseRef(ref)
	q.LostAChunk()
	return false
}

var errRetry = errors.New("distributor: queue full")

// deliverBlocking retries a push into q until it succeeds, q is removed or the timeout elapses
func (d *Distributor) deliverBlocking(q chunkqueue.Pusher, ref mempool.Ref) error {
	if err := d.mgr.DuplicateRef(ref); err != nil {
		return err
	}
	op := func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.indexLocked(q) < 0 {
			// Receiver disconnected while we waited
			return backoff.Permanent(ErrQueueNotInContainer)
		}
		if q.TryPush(ref) {
			return nil
		}
		return errRetry
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = d.cfg.BlockTimeout
	b.Reset()
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueNotInContainer):
		d.mgr.ReleaseRef(ref)
		return nil
	default:
		d.mgr.ReleaseRef(ref)
		q.LostAChunk()
		return fmt.Errorf("%w: port %d", ErrQueueFull, q.OwnerID())
	}
}
