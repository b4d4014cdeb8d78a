package port

import (
	"errors"
	"unsafe"

	"github.com/Indra5196/iceoryx/internal/mempool"
)

// RPCHeaderVersion is written into every request and response header
const RPCHeaderVersion uint8 = 1

// ErrMissingHeader is returned for a chunk whose user-header is too small
var ErrMissingHeader = errors.New("port: chunk carries no rpc header")

// RPCHeader is the user header shared by requests and responses
// It lives in the chunk's user-header area and is addressed in place.
type RPCHeader struct {
	version      uint8
	_            [7]byte
	clientPortID uint64
	sequenceID   int64
}

// Version returns the header layout version
func (h *RPCHeader) Version() uint8 { return h.version }

// ClientPortID is the UniquePortId of the client that sent the request
// A server routes the response by it.
func (h *RPCHeader) ClientPortID() uint64 { return h.clientPortID }

// SequenceID pairs a response with its request
func (h *RPCHeader) SequenceID() int64 { return h.sequenceID }

// RequestHeader is the user header of a request chunk
type RequestHeader struct {
	RPCHeader
	fireAndForget bool
	_             [7]byte
}

// IsFireAndForget reports whether the client expects no response
func (h *RequestHeader) IsFireAndForget() bool { return h.fireAndForget }

// SetSequenceID overrides the sequence id the client assigned
func (h *RequestHeader) SetSequenceID(id int64) { h.sequenceID = id }

// ResponseHeader is the user header of a response chunk
type ResponseHeader struct {
	RPCHeader
	serverError bool
	_           [7]byte
}

// SetServerError flags the response as describing a failure of the server
func (h *ResponseHeader) SetServerError() { h.serverError = true }

// HasServerError reports whether the server failed to handle the request
func (h *ResponseHeader) HasServerError() bool { return h.serverError }

const (
	requestHeaderSize  = uint32(unsafe.Sizeof(RequestHeader{}))
	responseHeaderSize = uint32(unsafe.Sizeof(ResponseHeader{}))
	rpcHeaderAlign     = uint32(unsafe.Alignof(RPCHeader{}))
)

// RequestHeaderOf returns the request header stored in c
func RequestHeaderOf(c *mempool.SharedChunk) (*RequestHeader, error) {
	b := c.UserHeader()
	if uint32(len(b)) < requestHeaderSize {
		return nil, ErrMissingHeader
	}
	return (*RequestHeader)(unsafe.Pointer(&b[0])), nil
}

// ResponseHeaderOf returns the response header stored in c
func ResponseHeaderOf(c *mempool.SharedChunk) (*ResponseHeader, error) {
	b := c.UserHeader()
	if uint32(len(b)) < responseHeaderSize {
		return nil, ErrMissingHeader
	}
	return (*ResponseHeader)(unsafe.Pointer(&b[0])), nil
}

// responseOwner reads the client a kept response is addressed to
func responseOwner(mgr *mempool.MemoryManager) func(mempool.Ref) (uint64, bool) {
	return func(ref mempool.Ref) (uint64, bool) {
		h, err := mgr.Header(ref)
		if err != nil {
			return 0, false
		}
		b := h.UserHeader()
		if uint32(len(b)) < responseHeaderSize {
			return 0, false
		}
		return (*ResponseHeader)(unsafe.Pointer(&b[0])).clientPortID, true
	}
}
