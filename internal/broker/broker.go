// Package broker implements the central daemon that owns the shared segment and
// wires senders to receivers.
//
// Applications create ports through the broker and then only touch the user
// side of them. On every discovery pass the broker polls the broker side of
// each port for a changed wish (offer, stop offer, connect, disconnect),
// consults the service registry, routes the resulting control messages between
// the peers and reclaims the ports their owners destroyed.
package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/condvar"
	"github.com/Indra5196/iceoryx/internal/config"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/metrics"
	"github.com/Indra5196/iceoryx/internal/port"
	"github.com/Indra5196/iceoryx/internal/protocol"
	"github.com/Indra5196/iceoryx/internal/registry"
	"github.com/Indra5196/iceoryx/internal/shm"
)

var (
	ErrPortPoolFull = errors.New("broker: port pool full")
	ErrClosed       = errors.New("broker: closed")
)

// Broker owns the segment, the chunk pools, the service registry and all ports
type Broker struct {
	id       uuid.UUID
	cfg      config.Config
	log      *zap.Logger
	handler  errorhandler.Handler
	metrics  *metrics.Metrics
	seg      *shm.SharedMemory
	alloc    *shm.Recycler
	mem      *mempool.MemoryManager
	registry *registry.ServiceRegistry
	nextID   atomic.Uint64
	closed   atomic.Bool

	// mu serializes discovery with port creation and destruction
	mu       sync.Mutex
	rpc      portSet
	pubsub   portSet
	lost     map[uint64]uint64 // Last lost count seen per receiver port
	lostWarn *rate.Limiter
	parked   map[uint64]*ConditionVariable // Freed when the keyed port is reclaimed
}

// New creates the segment described by cfg and carves the chunk pools out of it
func New(cfg config.Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	b := &Broker{
		id:       uuid.New(),
		cfg:      cfg,
		log:      zap.NewNop(),
		registry: registry.New(),
		rpc:      portSet{senderKind: "server", receiverKind: "client"},
		pubsub:   portSet{senderKind: "publisher", receiverKind: "subscriber"},
		lost:     make(map[uint64]uint64),
		lostWarn: rate.NewLimiter(rate.Every(time.Second), 5),
		parked:   make(map[uint64]*ConditionVariable),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("broker").With(zap.Stringer("broker", b.id))
	if b.handler == nil {
		b.handler = errorhandler.NewLogHandler(b.log)
	}
	if b.metrics != nil {
		b.handler = countingHandler(b.handler, b.metrics)
	}

	pools := []mempool.PoolConfig(cfg.Mempools)
	size := SegmentSize(pools, cfg.MaxPorts)
	name := cfg.SegmentName
	if name == "" {
		name = "iox-" + b.id.String()
	}
	seg, err := b.createSegment(name, size)
	if err != nil {
		errorhandler.Report(b.handler, errorhandler.SharedMemorySetupFailed, errorhandler.Fatal,
			"segment %s: %v", name, err)
		return nil, err
	}
	mem, err := mempool.NewMemoryManager(seg, pools)
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.seg = seg
	b.alloc = shm.NewRecycler(seg)
	b.mem = mem

	b.log.Info("broker started",
		zap.String("segment", seg.Name()),
		zap.String("path", seg.Path()),
		zap.Int("size", seg.Size()),
		zap.Stringer("mempools", cfg.Mempools))
	return b, nil
}

func (b *Broker) createSegment(name string, size int) (*shm.SharedMemory, error) {
	if b.cfg.SegmentAnonymous {
		return shm.NewAnonymous(name, size)
	}
	seg, err := shm.Create(b.cfg.SegmentDir, name, size)
	if errors.Is(err, shm.ErrUnsupported) {
		b.log.Warn("file backed segments unsupported, using an anonymous one", zap.String("segment", name))
		return shm.NewAnonymous(name, size)
	}
	return seg, err
}

// SegmentSize returns the segment bytes a broker with pools and maxPorts needs
// Every port slot reserves room for its largest possible receive queue and one
// condition variable.
func SegmentSize(pools []mempool.PoolConfig, maxPorts int) int {
	queue := chunkqueue.Size(chunkqueue.Config{Capacity: chunkqueue.MaxCapacity, Variant: chunkqueue.MultiProducer})
	perPort := shm.Align(queue, chunkqueue.Align) + shm.Align(condvar.SizeData, condvar.AlignData)
	return shm.HeaderSize + int(mempool.RequiredSize(pools)) + 4*maxPorts*int(perPort)
}

// ID identifies this broker instance
func (b *Broker) ID() uuid.UUID { return b.id }

// Segment returns the shared segment every port lives in
func (b *Broker) Segment() *shm.SharedMemory { return b.seg }

// Memory returns the chunk pools
func (b *Broker) Memory() *mempool.MemoryManager { return b.mem }

// Logger returns the broker logger; applications derive theirs from it
func (b *Broker) Logger() *zap.Logger { return b.log }

// Services returns the offered service descriptions in registration order
func (b *Broker) Services() []registry.Entry { return b.registry.Services() }

func (b *Broker) resources() port.Resources {
	return port.Resources{Alloc: b.alloc, Memory: b.mem, Errors: b.handler}
}

func (b *Broker) reserve(set *portSet, receiver bool) (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	n, kind := len(set.senders), set.senderKind
	if receiver {
		n, kind = len(set.receivers), set.receiverKind
	}
	if n >= b.cfg.MaxPorts {
		errorhandler.Report(b.handler, errorhandler.PortPoolFull, errorhandler.Moderate,
			"no %s slot left (%d in use)", kind, n)
		return 0, fmt.Errorf("%w: %d %s ports", ErrPortPoolFull, n, kind)
	}
	return b.nextID.Add(1), nil
}

// NewServer creates a server port for service
func (b *Broker) NewServer(service protocol.ServiceDescription, opts port.ServerOptions) (*port.ServerPortData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.reserve(&b.rpc, false)
	if err != nil {
		return nil, err
	}
	d, err := port.NewServerPortData(b.resources(), service, id, opts)
	if err != nil {
		return nil, err
	}
	b.rpc.senders = append(b.rpc.senders, port.NewServerPortRouDi(d))
	b.log.Debug("server created", zap.Stringer("service", service), zap.Uint64("port", id))
	return d, nil
}

// NewClient creates a client port for service
func (b *Broker) NewClient(service protocol.ServiceDescription, opts port.ClientOptions) (*port.ClientPortData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.reserve(&b.rpc, true)
	if err != nil {
		return nil, err
	}
	d, err := port.NewClientPortData(b.resources(), service, id, opts)
	if err != nil {
		return nil, err
	}
	b.rpc.receivers = append(b.rpc.receivers, port.NewClientPortRouDi(d))
	b.log.Debug("client created", zap.Stringer("service", service), zap.Uint64("port", id))
	return d, nil
}

// NewPublisher creates a publisher port for service
func (b *Broker) NewPublisher(service protocol.ServiceDescription, opts port.PublisherOptions) (*port.PublisherPortData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.reserve(&b.pubsub, false)
	if err != nil {
		return nil, err
	}
	d, err := port.NewPublisherPortData(b.resources(), service, id, opts)
	if err != nil {
		return nil, err
	}
	b.pubsub.senders = append(b.pubsub.senders, port.NewPublisherPortRouDi(d))
	b.log.Debug("publisher created", zap.Stringer("service", service), zap.Uint64("port", id))
	return d, nil
}

// NewSubscriber creates a subscriber port for service
func (b *Broker) NewSubscriber(service protocol.ServiceDescription, opts port.SubscriberOptions) (*port.SubscriberPortData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, err := b.reserve(&b.pubsub, true)
	if err != nil {
		return nil, err
	}
	d, err := port.NewSubscriberPortData(b.resources(), service, id, opts)
	if err != nil {
		return nil, err
	}
	b.pubsub.receivers = append(b.pubsub.receivers, port.NewSubscriberPortRouDi(d))
	b.log.Debug("subscriber created", zap.Stringer("service", service), zap.Uint64("port", id))
	return d, nil
}

// ConditionVariable is a condition variable carved out of the segment
type ConditionVariable struct {
	*condvar.Data
	offset uintptr
}

// NewConditionVariable carves a condition variable out of the segment
func (b *Broker) NewConditionVariable() (*ConditionVariable, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	d, off, err := condvar.New(b.alloc)
	if err != nil {
		errorhandler.Report(b.handler, errorhandler.ConditionVariableCreationFailed, errorhandler.Fatal,
			"%v", err)
		return nil, err
	}
	return &ConditionVariable{Data: d, offset: off}, nil
}

// FreeConditionVariable returns cv's memory; nothing may wait on or notify it anymore
func (b *Broker) FreeConditionVariable(cv *ConditionVariable) {
	if cv == nil || cv.Data == nil {
		return
	}
	b.alloc.Free(cv.offset, condvar.SizeData, condvar.AlignData)
	cv.Data = nil
}

// ReleaseConditionVariable frees cv once the port portID is reclaimed
// Until then a sender that loaded the port's notifier before it was unset may
// still post to cv. The port is to be destroyed right after.
func (b *Broker) ReleaseConditionVariable(cv *ConditionVariable, portID uint64) {
	if cv == nil || cv.Data == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		cv.Data = nil
		return
	}
	b.parked[portID] = cv
}

func (b *Broker) unparkLocked(portID uint64) {
	if cv, ok := b.parked[portID]; ok {
		delete(b.parked, portID)
		b.FreeConditionVariable(cv)
	}
}

// Close reclaims every port and unmaps the segment
// File backed segments are removed.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.shutdownLocked(&b.rpc)
	b.shutdownLocked(&b.pubsub)
	b.mu.Unlock()

	if used := b.mem.UsedChunks(); used > 0 {
		b.log.Warn("chunks still in flight at close", zap.Uint64("chunks", used))
	}
	if err := b.seg.Close(); err != nil {
		return fmt.Errorf("broker: close segment %s: %w", b.seg.Name(), err)
	}
	b.log.Info("broker stopped")
	return nil
}
