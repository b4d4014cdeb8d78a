package port_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/mempool"
	"github.com/Indra5196/iceoryx/internal/port"
	"github.com/Indra5196/iceoryx/internal/protocol"
	"github.com/Indra5196/iceoryx/internal/shm"
)

var service = protocol.MustServiceDescription("Math", "Calc", "Double")

type env struct {
	res port.Resources
	mgr *mempool.MemoryManager
	rec *errorhandler.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	pools := []mempool.PoolConfig{{PayloadSize: 128, ChunkCount: 512}}
	seg, err := shm.NewAnonymous(t.Name(), int(mempool.RequiredSize(pools))+1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	mgr, err := mempool.NewMemoryManager(seg, pools)
	require.NoError(t, err)
	rec := &errorhandler.Recorder{}
	return &env{
		res: port.Resources{Alloc: shm.NewRecycler(seg), Memory: mgr, Errors: rec},
		mgr: mgr,
		rec: rec,
	}
}

func (e *env) clientServer(t *testing.T, copts port.ClientOptions, sopts port.ServerOptions) (*port.ClientPortData, *port.ServerPortData) {
	t.Helper()
	s, err := port.NewServerPortData(e.res, service, 1, sopts)
	require.NoError(t, err)
	c, err := port.NewClientPortData(e.res, service, 2, copts)
	require.NoError(t, err)
	return c, s
}

// connect plays the broker for one offer and one connect
func connect(t *testing.T, c *port.ClientPortData, s *port.ServerPortData) {
	t.Helper()
	cr, sr := port.NewClientPortRouDi(c), port.NewServerPortRouDi(s)

	offer, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageOffer, offer.Type)

	req, ok := cr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageConnect, req.Type)
	assert.Equal(t, port.ConnectRequested, cr.ConnectionState())

	ack, ok := sr.DispatchCaProMessageAndGetPossibleResponse(req)
	require.True(t, ok)
	require.Equal(t, protocol.MessageConnectAck, ack.Type)

	_, ok = cr.DispatchCaProMessageAndGetPossibleResponse(ack)
	assert.False(t, ok)
	require.Equal(t, port.Connected, cr.ConnectionState())
	id, ok := cr.ConnectedTo()
	require.True(t, ok)
	require.Equal(t, s.ID(), id)
}

func sendRequest(t *testing.T, u port.ClientPortUser, v uint64) int64 {
	t.Helper()
	req, err := u.AllocateRequest(8, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(req.Payload(), v)
	h, err := port.RequestHeaderOf(req)
	require.NoError(t, err)
	seq := h.SequenceID()
	require.NoError(t, u.SendRequest(req))
	return seq
}

func TestRequestResponseRoundTrip(t *testing.T) {
	e := newEnv(t)
	c, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	connect(t, c, s)
	cu, su := port.NewClientPortUser(c), port.NewServerPortUser(s)
	assert.True(t, su.HasClients())

	seq := sendRequest(t, cu, 42)
	require.True(t, su.HasNewRequests())

	req, err := su.GetRequest()
	require.NoError(t, err)
	rh, err := port.RequestHeaderOf(req)
	require.NoError(t, err)
	assert.Equal(t, c.ID(), rh.ClientPortID())
	assert.Equal(t, port.RPCHeaderVersion, rh.Version())
	assert.False(t, rh.IsFireAndForget())
	assert.Equal(t, c.ID(), req.Header().OriginID())

	res, err := su.AllocateResponse(req, 8, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(res.Payload(), 2*binary.LittleEndian.Uint64(req.Payload()))
	require.NoError(t, su.ReleaseRequest(req))
	require.NoError(t, su.SendResponse(res))
	assert.False(t, res.IsValid(), "sending consumes the handle")

	got, err := cu.GetResponse()
	require.NoError(t, err)
	assert.Equal(t, uint64(84), binary.LittleEndian.Uint64(got.Payload()))
	h, err := port.ResponseHeaderOf(got)
	require.NoError(t, err)
	assert.Equal(t, seq, h.SequenceID())
	assert.False(t, h.HasServerError())
	require.NoError(t, cu.ReleaseResponse(got))

	assert.Zero(t, e.mgr.UsedChunks())
	assert.Empty(t, e.rec.Errors())
}

func TestSequenceIDsIncrease(t *testing.T) {
	e := newEnv(t)
	c, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	connect(t, c, s)
	cu := port.NewClientPortUser(c)
	first := sendRequest(t, cu, 1)
	second := sendRequest(t, cu, 2)
	assert.Equal(t, first+1, second)
}

func TestResponseToUninvolvedClientIsNotDelivered(t *testing.T) {
	e := newEnv(t)
	c, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	connect(t, c, s)
	other, err := port.NewClientPortData(e.res, service, 3, port.DefaultClientOptions())
	require.NoError(t, err)
	// The second client connects to the same server
	or := port.NewClientPortRouDi(other)
	msg, ok := or.TryGetCaProMessage()
	require.True(t, ok)
	ack, ok := port.NewServerPortRouDi(s).DispatchCaProMessageAndGetPossibleResponse(msg)
	require.True(t, ok)
	or.DispatchCaProMessageAndGetPossibleResponse(ack)
	require.Equal(t, port.Connected, or.ConnectionState())

	cu, su := port.NewClientPortUser(c), port.NewServerPortUser(s)
	sendRequest(t, cu, 21)
	req, err := su.GetRequest()
	require.NoError(t, err)
	res, err := su.AllocateResponse(req, 8, 8)
	require.NoError(t, err)
	require.NoError(t, su.SendResponse(res))
	require.NoError(t, su.ReleaseRequest(req))

	assert.True(t, cu.HasNewResponses())
	assert.False(t, port.NewClientPortUser(other).HasNewResponses())
}

func TestServerNotOfferedRefusesConnect(t *testing.T) {
	e := newEnv(t)
	sopts := port.DefaultServerOptions()
	sopts.OfferOnCreate = false
	c, s := e.clientServer(t, port.DefaultClientOptions(), sopts)
	cr, sr := port.NewClientPortRouDi(c), port.NewServerPortRouDi(s)

	_, ok := sr.TryGetCaProMessage()
	assert.False(t, ok, "nothing to announce")

	req, ok := cr.TryGetCaProMessage()
	require.True(t, ok)
	nack, ok := sr.DispatchCaProMessageAndGetPossibleResponse(req)
	require.True(t, ok)
	assert.Equal(t, protocol.MessageNack, nack.Type)
	cr.DispatchCaProMessageAndGetPossibleResponse(nack)
	assert.Equal(t, port.WaitForOffer, cr.ConnectionState())

	port.NewServerPortUser(s).Offer()
	offer, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	again, ok := cr.DispatchCaProMessageAndGetPossibleResponse(offer)
	require.True(t, ok)
	assert.Equal(t, protocol.MessageConnect, again.Type)
	ack, ok := sr.DispatchCaProMessageAndGetPossibleResponse(again)
	require.True(t, ok)
	cr.DispatchCaProMessageAndGetPossibleResponse(ack)
	assert.Equal(t, port.Connected, cr.ConnectionState())
	assert.Empty(t, e.rec.Errors())
}

func TestDisconnectReleasesQueuedResponses(t *testing.T) {
	e := newEnv(t)
	c, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	connect(t, c, s)
	cu, su := port.NewClientPortUser(c), port.NewServerPortUser(s)
	cr, sr := port.NewClientPortRouDi(c), port.NewServerPortRouDi(s)

	sendRequest(t, cu, 1)
	req, err := su.GetRequest()
	require.NoError(t, err)
	res, err := su.AllocateResponse(req, 8, 8)
	require.NoError(t, err)
	require.NoError(t, su.SendResponse(res))

	cu.Disconnect()
	msg, ok := cr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageDisconnect, msg.Type)
	assert.Equal(t, port.DisconnectRequested, cr.ConnectionState())
	ack, ok := sr.DispatchCaProMessageAndGetPossibleResponse(msg)
	require.True(t, ok)
	require.Equal(t, protocol.MessageAck, ack.Type)
	cr.DispatchCaProMessageAndGetPossibleResponse(ack)
	assert.Equal(t, port.NotConnected, cr.ConnectionState())
	assert.False(t, su.HasClients())

	// A late response for the gone client is dropped
	late, err := su.AllocateResponse(req, 8, 8)
	require.NoError(t, err)
	assert.Error(t, su.SendResponse(late))
	require.NoError(t, su.ReleaseRequest(req))

	assert.Zero(t, e.mgr.UsedChunks())
}

func TestStopOfferUnwiresClients(t *testing.T) {
	e := newEnv(t)
	c, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	connect(t, c, s)
	cr, sr := port.NewClientPortRouDi(c), port.NewServerPortRouDi(s)
	su := port.NewServerPortUser(s)

	su.StopOffer()
	assert.False(t, su.IsOffered())
	stop, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageStopOffer, stop.Type)
	assert.False(t, sr.IsOffered())
	assert.False(t, su.HasClients())

	_, ok = cr.DispatchCaProMessageAndGetPossibleResponse(stop)
	assert.False(t, ok)
	assert.Equal(t, port.WaitForOffer, cr.ConnectionState())
	_, ok = cr.ConnectedTo()
	assert.False(t, ok)

	port.NewClientPortUser(c).Disconnect()
	_, ok = cr.TryGetCaProMessage()
	assert.False(t, ok)
	assert.Equal(t, port.NotConnected, cr.ConnectionState())
}

func TestRequestsBeforeConnectComeFromHistory(t *testing.T) {
	e := newEnv(t)
	copts := port.DefaultClientOptions()
	copts.ConnectOnCreate = false
	copts.RequestHistoryCapacity = 4
	c, s := e.clientServer(t, copts, port.DefaultServerOptions())
	cu, su := port.NewClientPortUser(c), port.NewServerPortUser(s)

	sendRequest(t, cu, 7)
	assert.False(t, su.HasNewRequests())

	cu.Connect()
	connect(t, c, s)
	req, err := su.GetRequest()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(req.Payload()))
	require.NoError(t, su.ReleaseRequest(req))

	// Delivered requests are not repeated on a reconnect
	cr, sr := port.NewClientPortRouDi(c), port.NewServerPortRouDi(s)
	cu.Disconnect()
	msg, _ := cr.TryGetCaProMessage()
	ack, _ := sr.DispatchCaProMessageAndGetPossibleResponse(msg)
	cr.DispatchCaProMessageAndGetPossibleResponse(ack)
	cu.Connect()
	msg, _ = cr.TryGetCaProMessage()
	ack, _ = sr.DispatchCaProMessageAndGetPossibleResponse(msg)
	cr.DispatchCaProMessageAndGetPossibleResponse(ack)
	require.Equal(t, port.Connected, cr.ConnectionState())
	assert.False(t, su.HasNewRequests())
	assert.Zero(t, e.mgr.UsedChunks())
}

func TestLoanLimit(t *testing.T) {
	e := newEnv(t)
	c, _ := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	cu := port.NewClientPortUser(c)

	var loans []*mempool.SharedChunk
	for n := 0; n < port.MaxChunksAllocatedSimultaneously; n++ {
		req, err := cu.AllocateRequest(8, 8)
		require.NoError(t, err)
		loans = append(loans, req)
	}
	_, err := cu.AllocateRequest(8, 8)
	assert.ErrorIs(t, err, mempool.ErrTooManyChunksAllocatedInParallel)
	errs := e.rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, errorhandler.ChunkListOverflow, errs[0].Code)
	assert.Equal(t, errorhandler.Moderate, errs[0].Severity)

	require.NoError(t, cu.ReleaseRequest(loans[0]))
	_, err = cu.AllocateRequest(8, 8)
	assert.NoError(t, err)
	assert.ErrorIs(t, cu.ReleaseRequest(loans[0]), port.ErrUnknownChunk)

	port.NewClientPortRouDi(c).ReleaseAllChunks()
	assert.Zero(t, e.mgr.UsedChunks())
}

func TestHeldLimitKeepsQueuedChunk(t *testing.T) {
	e := newEnv(t)
	pub, err := port.NewPublisherPortData(e.res, service, 1, port.DefaultPublisherOptions())
	require.NoError(t, err)
	sub, err := port.NewSubscriberPortData(e.res, service, 2, port.DefaultSubscriberOptions())
	require.NoError(t, err)
	subscribe(t, pub, sub)

	pu, su := port.NewPublisherPortUser(pub), port.NewSubscriberPortUser(sub)
	publish := func() {
		c, err := pu.TryAllocateChunk(8, 8, 0, 0)
		require.NoError(t, err)
		require.NoError(t, pu.SendChunk(c))
	}
	for n := 0; n < port.MaxChunksHeldSimultaneously; n++ {
		publish()
		_, err := su.TryGetChunk()
		require.NoError(t, err)
	}
	publish()
	_, err = su.TryGetChunk()
	assert.ErrorIs(t, err, port.ErrTooManyChunksHeldInParallel)
	assert.True(t, su.HasNewChunks(), "the refused chunk stays queued")
	errs := e.rec.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, errorhandler.ChunkListOverflow, errs[0].Code)

	port.NewSubscriberPortRouDi(sub).ReleaseAllChunks()
	assert.Zero(t, e.mgr.UsedChunks())
}

func TestEmptyQueue(t *testing.T) {
	e := newEnv(t)
	c, _ := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	_, err := port.NewClientPortUser(c).GetResponse()
	assert.ErrorIs(t, err, port.ErrNoChunkAvailable)
}

func TestUnexpectedMessageIsReported(t *testing.T) {
	e := newEnv(t)
	c, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	sr := port.NewServerPortRouDi(s)
	sr.TryGetCaProMessage()

	_, ok := sr.DispatchCaProMessageAndGetPossibleResponse(protocol.NewMessage(protocol.MessageOffer, service, 9))
	assert.False(t, ok)
	_, ok = port.NewClientPortRouDi(c).DispatchCaProMessageAndGetPossibleResponse(
		protocol.NewMessage(protocol.MessageConnect, service, 9))
	assert.False(t, ok)

	errs := e.rec.Errors()
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.Equal(t, errorhandler.CaproProtocolError, err.Code)
		assert.Equal(t, errorhandler.Fatal, err.Severity)
	}
}

func TestRevokeOffer(t *testing.T) {
	e := newEnv(t)
	_, s := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	sr, su := port.NewServerPortRouDi(s), port.NewServerPortUser(s)
	_, ok := sr.TryGetCaProMessage()
	require.True(t, ok)

	sr.RevokeOffer()
	assert.False(t, sr.IsOffered())
	assert.False(t, su.IsOffered())
	assert.True(t, su.OfferRefused())
	_, ok = sr.TryGetCaProMessage()
	assert.False(t, ok, "a revoked offer is not retried")

	su.Offer()
	assert.False(t, su.OfferRefused())
	assert.True(t, su.IsOffered())
	offer, ok := sr.TryGetCaProMessage()
	require.True(t, ok, "a new Offer retries")
	assert.Equal(t, protocol.MessageOffer, offer.Type)
	assert.True(t, sr.IsOffered())
}

func TestRevokedOfferThenStopOffer(t *testing.T) {
	e := newEnv(t)
	pub, err := port.NewPublisherPortData(e.res, service, 1, port.DefaultPublisherOptions())
	require.NoError(t, err)
	pr, pu := port.NewPublisherPortRouDi(pub), port.NewPublisherPortUser(pub)
	_, ok := pr.TryGetCaProMessage()
	require.True(t, ok)

	pr.RevokeOffer()
	assert.True(t, pu.OfferRefused())
	pu.StopOffer()
	assert.False(t, pu.OfferRefused())
	_, ok = pr.TryGetCaProMessage()
	assert.False(t, ok, "nothing was offered, so nothing is withdrawn")

	pu.Offer()
	offer, ok := pr.TryGetCaProMessage()
	require.True(t, ok)
	assert.Equal(t, protocol.MessageOffer, offer.Type)
}

func TestResponseHistoryReachesOnlyItsClient(t *testing.T) {
	e := newEnv(t)
	sopts := port.DefaultServerOptions()
	sopts.OfferOnCreate = false
	sopts.ResponseHistoryCapacity = 4
	copts := port.DefaultClientOptions()
	copts.ResponseHistoryRequest = 4
	a, s := e.clientServer(t, copts, sopts)
	b, err := port.NewClientPortData(e.res, service, 3, copts)
	require.NoError(t, err)
	su := port.NewServerPortUser(s)

	respond := func(c *port.ClientPortData, v uint64) {
		cu := port.NewClientPortUser(c)
		req, err := cu.AllocateRequest(8, 8)
		require.NoError(t, err)
		res, err := su.AllocateResponse(req, 8, 8)
		require.NoError(t, err)
		require.NoError(t, cu.ReleaseRequest(req))
		binary.LittleEndian.PutUint64(res.Payload(), v)
		require.NoError(t, su.SendResponse(res))
	}
	respond(a, 1)
	respond(b, 2)
	respond(a, 3)

	su.Offer()
	connect(t, a, s)
	br, sr := port.NewClientPortRouDi(b), port.NewServerPortRouDi(s)
	req, ok := br.TryGetCaProMessage()
	require.True(t, ok)
	ack, ok := sr.DispatchCaProMessageAndGetPossibleResponse(req)
	require.True(t, ok)
	br.DispatchCaProMessageAndGetPossibleResponse(ack)
	require.Equal(t, port.Connected, br.ConnectionState())

	values := func(c *port.ClientPortData) []uint64 {
		cu := port.NewClientPortUser(c)
		var out []uint64
		for {
			got, err := cu.GetResponse()
			if err != nil {
				require.ErrorIs(t, err, port.ErrNoChunkAvailable)
				return out
			}
			out = append(out, binary.LittleEndian.Uint64(got.Payload()))
			require.NoError(t, cu.ReleaseResponse(got))
		}
	}
	assert.Equal(t, []uint64{1, 3}, values(a))
	assert.Equal(t, []uint64{2}, values(b))
	assert.Empty(t, e.rec.Errors())
}

func TestDestroyMark(t *testing.T) {
	e := newEnv(t)
	c, _ := e.clientServer(t, port.DefaultClientOptions(), port.DefaultServerOptions())
	assert.False(t, c.ToBeDestroyed())
	c.Destroy()
	assert.True(t, c.ToBeDestroyed())
	assert.Equal(t, service, c.Service())
}
