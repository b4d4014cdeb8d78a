package port

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Indra5196/iceoryx/internal/distributor"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
)

var (
	ErrUnknownChunk     = errors.New("port: chunk is not owned by this port")
	ErrNoChunkAvailable = errors.New("port: no chunk available")

	ErrTooManyChunksHeldInParallel = errors.New("port: too many chunks held in parallel")
)

// chunkSender allocates chunks for its port and hands them to the distributor
type chunkSender struct {
	portID uint64
	res    Resources
	mgr    *mempool.MemoryManager
	dist   *distributor.Distributor
	loans  usedChunks
	seq    atomic.Uint64
}

func newChunkSender(portID uint64, res Resources, cfg distributor.Config) (*chunkSender, error) {
	dist, err := distributor.New(res.Memory, cfg)
	if err != nil {
		return nil, err
	}
	return &chunkSender{
		portID: portID,
		res:    res,
		mgr:    res.Memory,
		dist:   dist,
		loans:  newUsedChunks(MaxChunksAllocatedSimultaneously),
	}, nil
}

// tryAllocate loans a chunk laid out by settings
func (s *chunkSender) tryAllocate(settings mempool.ChunkSettings) (*mempool.SharedChunk, error) {
	if s.loans.full() {
		return nil, s.overflow()
	}
	c, err := s.mgr.GetChunk(settings)
	if err != nil {
		return nil, err
	}
	c.Header().SetOriginID(s.portID)
	if !s.loans.insert(c) {
		c.Release()
		return nil, s.overflow()
	}
	return c, nil
}

func (s *chunkSender) overflow() error {
	s.res.report(errorhandler.ChunkListOverflow, errorhandler.Moderate,
		"port %d: %d chunks already loaned", s.portID, MaxChunksAllocatedSimultaneously)
	return mempool.ErrTooManyChunksAllocatedInParallel
}

// release gives back a loaned chunk that will not be sent
func (s *chunkSender) release(c *mempool.SharedChunk) error {
	if !s.loans.remove(c) {
		return ErrUnknownChunk
	}
	c.Release()
	return nil
}

// claim takes a loaned chunk out of the loan list and stamps it for sending
func (s *chunkSender) claim(c *mempool.SharedChunk) error {
	if !c.IsValid() {
		return distributor.ErrInvalidChunk
	}
	if !s.loans.remove(c) {
		return ErrUnknownChunk
	}
	c.Header().SetSequenceNumber(s.seq.Add(1) - 1)
	return nil
}

func (s *chunkSender) send(c *mempool.SharedChunk) (int, error) {
	if err := s.claim(c); err != nil {
		return 0, err
	}
	n, err := s.dist.Send(c)
	if err != nil {
		return n, fmt.Errorf("port %d: %w", s.portID, err)
	}
	return n, nil
}

func (s *chunkSender) sendToPort(c *mempool.SharedChunk, portID uint64) error {
	if err := s.claim(c); err != nil {
		return err
	}
	return s.dist.SendToPort(c, portID)
}

// pushToHistory keeps a chunk that could not be sent for later receivers
func (s *chunkSender) pushToHistory(c *mempool.SharedChunk) error {
	if err := s.claim(c); err != nil {
		return err
	}
	s.dist.PushToHistory(c)
	return nil
}

// releaseAll drops the loans and the history
func (s *chunkSender) releaseAll() {
	s.loans.cleanup()
	s.dist.ReleaseAll()
}
