package mempool

import "errors"

// Allocation errors. They are returned to the caller, who may retry later;
// none of them leaves a pool in an inconsistent state.
var (
	ErrRunningOutOfChunks               = errors.New("mempool: running out of chunks")
	ErrNoMempoolsAvailable              = errors.New("mempool: no mempools available")
	ErrNoMempoolForRequestedSize        = errors.New("mempool: no mempool for requested chunk size")
	ErrInvalidAlignment                 = errors.New("mempool: invalid alignment")
	ErrTooManyChunksAllocatedInParallel = errors.New("mempool: too many chunks allocated in parallel")
	ErrInvalidPoolConfig                = errors.New("mempool: invalid pool configuration")
	ErrTooManyPools                     = errors.New("mempool: too many pools")
	ErrInvalidRef                       = errors.New("mempool: invalid chunk reference")
)
