package broker_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Indra5196/iceoryx/internal/broker"
	"github.com/Indra5196/iceoryx/internal/config"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/port"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

var service = protocol.MustServiceDescription("Math", "Calc", "Double")

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.SegmentAnonymous = true
	cfg.Mempools = config.MempoolList{{PayloadSize: 128, ChunkCount: 64}}
	cfg.MaxPorts = 8
	cfg.DiscoveryInterval = time.Millisecond
	return cfg
}

func newBroker(t *testing.T, opts ...broker.Option) (*broker.Broker, *errorhandler.Recorder) {
	t.Helper()
	rec := &errorhandler.Recorder{}
	opts = append([]broker.Option{
		broker.WithLogger(zaptest.NewLogger(t)),
		broker.WithErrorHandler(rec),
	}, opts...)
	b, err := broker.New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, b.Close()) })
	return b, rec
}

func newServer(t *testing.T, b *broker.Broker) port.ServerPortUser {
	t.Helper()
	d, err := b.NewServer(service, port.DefaultServerOptions())
	require.NoError(t, err)
	return port.NewServerPortUser(d)
}

func newClient(t *testing.T, b *broker.Broker, opts port.ClientOptions) port.ClientPortUser {
	t.Helper()
	d, err := b.NewClient(service, opts)
	require.NoError(t, err)
	return port.NewClientPortUser(d)
}

func call(t *testing.T, c port.ClientPortUser, v uint64) {
	t.Helper()
	req, err := c.AllocateRequest(8, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(req.Payload(), v)
	require.NoError(t, c.SendRequest(req))
}

// serve answers every queued request with twice its value
func serve(t *testing.T, s port.ServerPortUser) int {
	t.Helper()
	n := 0
	for s.HasNewRequests() {
		req, err := s.GetRequest()
		require.NoError(t, err)
		res, err := s.AllocateResponse(req, 8, 8)
		require.NoError(t, err)
		binary.LittleEndian.PutUint64(res.Payload(), 2*binary.LittleEndian.Uint64(req.Payload()))
		require.NoError(t, s.ReleaseRequest(req))
		require.NoError(t, s.SendResponse(res))
		n++
	}
	return n
}

func response(t *testing.T, c port.ClientPortUser) uint64 {
	t.Helper()
	res, err := c.GetResponse()
	require.NoError(t, err)
	defer func() { require.NoError(t, c.ReleaseResponse(res)) }()
	return binary.LittleEndian.Uint64(res.Payload())
}

func TestRequestResponseWithUninvolvedClient(t *testing.T) {
	b, rec := newBroker(t)
	server := newServer(t, b)
	asker := newClient(t, b, port.DefaultClientOptions())
	bystander := newClient(t, b, port.DefaultClientOptions())

	b.DoDiscovery()
	require.Equal(t, port.Connected, asker.ConnectionState())
	require.Equal(t, port.Connected, bystander.ConnectionState())
	require.Len(t, b.Services(), 1)
	assert.Equal(t, uint64(1), b.Services()[0].ReferenceCounter)

	call(t, asker, 42)
	assert.Equal(t, 1, serve(t, server))
	assert.Equal(t, uint64(84), response(t, asker))
	assert.False(t, bystander.HasNewResponses())

	assert.Zero(t, b.Memory().UsedChunks())
	assert.Empty(t, rec.Errors())
}

func TestClientWaitsForLateServer(t *testing.T) {
	b, _ := newBroker(t)
	client := newClient(t, b, port.DefaultClientOptions())

	b.DoDiscovery()
	assert.Equal(t, port.WaitForOffer, client.ConnectionState())

	server := newServer(t, b)
	b.DoDiscovery()
	require.Equal(t, port.Connected, client.ConnectionState())

	call(t, client, 5)
	serve(t, server)
	assert.Equal(t, uint64(10), response(t, client))
}

func TestDisconnectReleasesQueuedResponse(t *testing.T) {
	b, _ := newBroker(t)
	server := newServer(t, b)
	client := newClient(t, b, port.DefaultClientOptions())
	b.DoDiscovery()

	call(t, client, 1)
	serve(t, server)
	require.True(t, client.HasNewResponses())

	client.Disconnect()
	b.DoDiscovery()
	assert.Equal(t, port.NotConnected, client.ConnectionState())
	assert.False(t, server.HasClients())
	assert.False(t, client.HasNewResponses())
	assert.Zero(t, b.Memory().UsedChunks())

	client.Connect()
	b.DoDiscovery()
	assert.Equal(t, port.Connected, client.ConnectionState())
}

func TestDestroyedClientIsReclaimed(t *testing.T) {
	b, _ := newBroker(t)
	server := newServer(t, b)
	client := newClient(t, b, port.DefaultClientOptions())
	b.DoDiscovery()

	call(t, client, 1)
	call(t, client, 2)
	serve(t, server)
	_, err := client.GetResponse() // taken and never released
	require.NoError(t, err)
	_, err = client.AllocateRequest(8, 8) // loaned and never sent
	require.NoError(t, err)
	require.NotZero(t, b.Memory().UsedChunks())

	client.Data().Destroy()
	b.DoDiscovery()
	assert.Zero(t, b.Memory().UsedChunks())
	assert.False(t, server.HasClients())

	used := b.Segment().Used()
	newClient(t, b, port.DefaultClientOptions())
	assert.Equal(t, used, b.Segment().Used(), "the queue memory of the destroyed client is reused")
}

func TestDestroyedServerUnwiresClients(t *testing.T) {
	b, _ := newBroker(t)
	server := newServer(t, b)
	client := newClient(t, b, port.DefaultClientOptions())
	b.DoDiscovery()
	call(t, client, 3)

	server.Data().Destroy()
	b.DoDiscovery()
	assert.Equal(t, port.WaitForOffer, client.ConnectionState())
	assert.Empty(t, b.Services())
	assert.Zero(t, b.Memory().UsedChunks())
}

func TestStopOfferFallsBackToOtherServer(t *testing.T) {
	b, rec := newBroker(t)
	first := newServer(t, b)
	second := newServer(t, b)
	client := newClient(t, b, port.DefaultClientOptions())
	b.DoDiscovery()
	require.Equal(t, port.Connected, client.ConnectionState())
	assert.Equal(t, uint64(2), b.Services()[0].ReferenceCounter)

	first.StopOffer()
	b.DoDiscovery()
	require.Equal(t, port.Connected, client.ConnectionState())
	assert.False(t, first.HasClients())
	assert.True(t, second.HasClients())

	call(t, client, 4)
	assert.Zero(t, serve(t, first))
	assert.Equal(t, 1, serve(t, second))
	assert.Equal(t, uint64(8), response(t, client))
	assert.Empty(t, rec.Errors())
}

func TestOfferWithFullRegistry(t *testing.T) {
	b, rec := newBroker(t, broker.WithRegistryCapacity(1))
	newServer(t, b)
	d, err := b.NewServer(protocol.MustServiceDescription("Other", "Calc", "Double"), port.DefaultServerOptions())
	require.NoError(t, err)
	refused := port.NewServerPortUser(d)

	b.DoDiscovery()
	assert.False(t, refused.IsOffered())
	assert.True(t, refused.OfferRefused())
	assert.False(t, port.NewServerPortRouDi(d).IsOffered())
	assert.Len(t, b.Services(), 1)
	assert.Equal(t, []errorhandler.Code{errorhandler.ServiceRegistryFull}, rec.Codes())

	// Nothing is retried until the application offers again
	b.DoDiscovery()
	assert.Len(t, rec.Errors(), 1)

	refused.Offer()
	assert.False(t, refused.OfferRefused())
	b.DoDiscovery()
	assert.True(t, refused.OfferRefused())
	assert.Len(t, rec.Errors(), 2)
}

func TestStopOfferKeepsClientsOfOtherServers(t *testing.T) {
	b, rec := newBroker(t)
	sopts := port.DefaultServerOptions()
	sopts.OfferOnCreate = false
	ad, err := b.NewServer(service, sopts)
	require.NoError(t, err)
	late := port.NewServerPortUser(ad)
	wired := newServer(t, b)
	other := newServer(t, b)
	client := newClient(t, b, port.DefaultClientOptions())
	b.DoDiscovery()
	require.Equal(t, port.Connected, client.ConnectionState())
	require.True(t, wired.HasClients())

	late.Offer()
	b.DoDiscovery()
	other.StopOffer()
	b.DoDiscovery()

	assert.Equal(t, port.Connected, client.ConnectionState())
	assert.True(t, wired.HasClients())
	assert.False(t, late.HasClients(), "the client queue stays with one server")
	assert.False(t, other.HasClients())

	call(t, client, 4)
	assert.Zero(t, serve(t, late))
	assert.Equal(t, 1, serve(t, wired))
	assert.Equal(t, uint64(8), response(t, client))

	// Losing its own server moves the client to the one still offering
	wired.StopOffer()
	b.DoDiscovery()
	require.Equal(t, port.Connected, client.ConnectionState())
	assert.True(t, late.HasClients())
	assert.False(t, wired.HasClients())

	call(t, client, 5)
	assert.Equal(t, 1, serve(t, late))
	assert.Equal(t, uint64(10), response(t, client))
	assert.Zero(t, b.Memory().UsedChunks())
	assert.Empty(t, rec.Errors())
}

func TestStopOfferKeepsSubscribersOfOtherPublishers(t *testing.T) {
	b, rec := newBroker(t)
	publisher := func(offer bool) port.PublisherPortUser {
		opts := port.DefaultPublisherOptions()
		opts.OfferOnCreate = offer
		d, err := b.NewPublisher(service, opts)
		require.NoError(t, err)
		return port.NewPublisherPortUser(d)
	}
	late, wired, other := publisher(false), publisher(true), publisher(true)
	sd, err := b.NewSubscriber(service, port.DefaultSubscriberOptions())
	require.NoError(t, err)
	sub := port.NewSubscriberPortUser(sd)
	b.DoDiscovery()
	require.Equal(t, port.Connected, sub.SubscriptionState())
	require.True(t, wired.HasSubscribers())

	late.Offer()
	b.DoDiscovery()
	other.StopOffer()
	b.DoDiscovery()

	assert.Equal(t, port.Connected, sub.SubscriptionState())
	assert.True(t, wired.HasSubscribers())
	assert.False(t, late.HasSubscribers())
	assert.False(t, other.HasSubscribers())

	c, err := wired.TryAllocateChunk(1, 1, 0, 0)
	require.NoError(t, err)
	c.Payload()[0] = 3
	require.NoError(t, wired.SendChunk(c))
	got, err := sub.TryGetChunk()
	require.NoError(t, err)
	assert.Equal(t, byte(3), got.Payload()[0])
	require.NoError(t, sub.ReleaseChunk(got))
	assert.False(t, sub.HasNewChunks())
	assert.Empty(t, rec.Errors())
}

func TestPortPoolFull(t *testing.T) {
	b, rec := newBroker(t)
	for n := 0; n < testConfig().MaxPorts; n++ {
		newClient(t, b, port.DefaultClientOptions())
	}
	_, err := b.NewClient(service, port.DefaultClientOptions())
	assert.ErrorIs(t, err, broker.ErrPortPoolFull)
	assert.Equal(t, []errorhandler.Code{errorhandler.PortPoolFull}, rec.Codes())

	// Servers have their own slots
	newServer(t, b)
}

func TestPublishSubscribeWithHistory(t *testing.T) {
	b, _ := newBroker(t)
	popts := port.DefaultPublisherOptions()
	popts.HistoryCapacity = 1
	pd, err := b.NewPublisher(service, popts)
	require.NoError(t, err)
	pub := port.NewPublisherPortUser(pd)
	b.DoDiscovery()

	c, err := pub.TryAllocateChunk(1, 1, 0, 0)
	require.NoError(t, err)
	c.Payload()[0] = 7
	require.NoError(t, pub.SendChunk(c))

	sopts := port.DefaultSubscriberOptions()
	sopts.HistoryRequest = 1
	sd, err := b.NewSubscriber(service, sopts)
	require.NoError(t, err)
	sub := port.NewSubscriberPortUser(sd)
	b.DoDiscovery()
	require.Equal(t, port.Connected, sub.SubscriptionState())

	got, err := sub.TryGetChunk()
	require.NoError(t, err)
	assert.Equal(t, byte(7), got.Payload()[0])
	require.NoError(t, sub.ReleaseChunk(got))
}

func TestRunDiscoversUntilCancelled(t *testing.T) {
	b, _ := newBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	newServer(t, b)
	client := newClient(t, b, port.DefaultClientOptions())
	assert.Eventually(t, func() bool {
		return client.ConnectionState() == port.Connected
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClosedBroker(t *testing.T) {
	b, err := broker.New(testConfig())
	require.NoError(t, err)
	server, err := b.NewServer(service, port.DefaultServerOptions())
	require.NoError(t, err)
	b.DoDiscovery()

	require.NoError(t, b.Close())
	assert.NoError(t, b.Close(), "closing twice is harmless")
	assert.True(t, server.ToBeDestroyed())
	_, err = b.NewClient(service, port.DefaultClientOptions())
	assert.ErrorIs(t, err, broker.ErrClosed)
	_, err = b.NewConditionVariable()
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestConditionVariableRoundTrip(t *testing.T) {
	b, _ := newBroker(t)
	cv, err := b.NewConditionVariable()
	require.NoError(t, err)
	used := b.Segment().Used()
	b.FreeConditionVariable(cv)
	assert.Nil(t, cv.Data)

	again, err := b.NewConditionVariable()
	require.NoError(t, err)
	assert.Equal(t, used, b.Segment().Used())
	b.FreeConditionVariable(again)
}

func TestConditionVariableOutlivesItsPort(t *testing.T) {
	b, _ := newBroker(t)
	sd, err := b.NewSubscriber(service, port.DefaultSubscriberOptions())
	require.NoError(t, err)
	cv, err := b.NewConditionVariable()
	require.NoError(t, err)
	sub := port.NewSubscriberPortUser(sd)
	require.NoError(t, sub.SetConditionVariable(cv.Data, 0))

	sub.UnsetConditionVariable()
	b.ReleaseConditionVariable(cv, sd.ID())
	sd.Destroy()
	assert.NotNil(t, cv.Data, "kept until the port is reclaimed")
	used := b.Segment().Used()
	_, err = b.NewConditionVariable()
	require.NoError(t, err)
	assert.Greater(t, b.Segment().Used(), used, "the parked memory is not handed out")

	b.DoDiscovery()
	assert.Nil(t, cv.Data)
	used = b.Segment().Used()
	_, err = b.NewConditionVariable()
	require.NoError(t, err)
	assert.Equal(t, used, b.Segment().Used(), "reclaim returned the memory")
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Mempools = nil
	_, err := broker.New(cfg)
	assert.Error(t, err)
}

func gauge(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no %s%v", name, labels)
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	n := 0
	for _, l := range m.GetLabel() {
		if v, ok := labels[l.GetName()]; ok {
			if v != l.GetValue() {
				return false
			}
			n++
		}
	}
	return n == len(labels)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, _ := newBroker(t, broker.WithMetrics(reg))
	server := newServer(t, b)
	copts := port.DefaultClientOptions()
	copts.ResponseQueueCapacity = 1
	client := newClient(t, b, copts)
	b.DoDiscovery()

	call(t, client, 1)
	call(t, client, 2)
	assert.Equal(t, 2, serve(t, server))
	b.DoDiscovery()

	assert.Equal(t, 1.0, gauge(t, reg, "iox_ports", map[string]string{"kind": "server"}))
	assert.Equal(t, 1.0, gauge(t, reg, "iox_ports", map[string]string{"kind": "client"}))
	assert.Equal(t, 1.0, gauge(t, reg, "iox_service_registry_entries", nil))
	assert.Equal(t, 1.0, gauge(t, reg, "iox_queue_lost_chunks", map[string]string{"kind": "client"}))
	assert.Equal(t, 1.0, gauge(t, reg, "iox_mempool_used_chunks", nil), "only the surviving response is in flight")
	assert.Equal(t, uint64(4), response(t, client))
}
