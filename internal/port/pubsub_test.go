package port_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Indra5196/iceoryx/internal/port"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

func subscribe(t *testing.T, pub *port.PublisherPortData, sub *port.SubscriberPortData) {
	t.Helper()
	pr, sr := port.NewPublisherPortRouDi(pub), port.NewSubscriberPortRouDi(sub)

	offer, ok := pr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageOffer, offer.Type)

	req, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageConnect, req.Type)
	ack, ok := pr.DispatchCaProMessageAndGetPossibleResponse(req)
	require.True(t, ok)
	require.Equal(t, protocol.MessageAck, ack.Type)
	sr.DispatchCaProMessageAndGetPossibleResponse(ack)
	require.Equal(t, port.Connected, sr.SubscriptionState())
	id, ok := sr.ConnectedTo()
	require.True(t, ok)
	require.Equal(t, pub.ID(), id)
}

func TestPublishToSubscriber(t *testing.T) {
	e := newEnv(t)
	pub, err := port.NewPublisherPortData(e.res, service, 1, port.DefaultPublisherOptions())
	require.NoError(t, err)
	sub, err := port.NewSubscriberPortData(e.res, service, 2, port.DefaultSubscriberOptions())
	require.NoError(t, err)
	subscribe(t, pub, sub)

	pu, su := port.NewPublisherPortUser(pub), port.NewSubscriberPortUser(sub)
	assert.True(t, pu.HasSubscribers())
	c, err := pu.TryAllocateChunk(4, 4, 0, 0)
	require.NoError(t, err)
	copy(c.Payload(), "ping")
	require.NoError(t, pu.SendChunk(c))

	got, err := su.TryGetChunk()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got.Payload()))
	assert.Equal(t, pub.ID(), got.Header().OriginID())
	require.NoError(t, su.ReleaseChunk(got))
	assert.Zero(t, e.mgr.UsedChunks())
}

func TestLateSubscriberGetsHistory(t *testing.T) {
	e := newEnv(t)
	popts := port.DefaultPublisherOptions()
	popts.HistoryCapacity = 2
	pub, err := port.NewPublisherPortData(e.res, service, 1, popts)
	require.NoError(t, err)
	pr, pu := port.NewPublisherPortRouDi(pub), port.NewPublisherPortUser(pub)

	offer, ok := pr.TryGetCaProMessage()
	require.True(t, ok)
	assert.Equal(t, protocol.SubTypeField, offer.SubType)
	assert.Equal(t, uint64(2), offer.HistoryCapacity)

	for i := 0; i < 3; i++ {
		c, err := pu.TryAllocateChunk(1, 1, 0, 0)
		require.NoError(t, err)
		c.Payload()[0] = byte(i)
		require.NoError(t, pu.SendChunk(c))
	}

	sopts := port.DefaultSubscriberOptions()
	sopts.HistoryRequest = 2
	sub, err := port.NewSubscriberPortData(e.res, service, 2, sopts)
	require.NoError(t, err)
	sr, su := port.NewSubscriberPortRouDi(sub), port.NewSubscriberPortUser(sub)
	req, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	ack, ok := pr.DispatchCaProMessageAndGetPossibleResponse(req)
	require.True(t, ok)
	sr.DispatchCaProMessageAndGetPossibleResponse(ack)

	for _, want := range []byte{1, 2} {
		got, err := su.TryGetChunk()
		require.NoError(t, err)
		assert.Equal(t, want, got.Payload()[0])
		require.NoError(t, su.ReleaseChunk(got))
	}
	assert.False(t, su.HasNewChunks())

	pr.ReleaseAllChunks()
	assert.Zero(t, e.mgr.UsedChunks())
}

func TestUnsubscribe(t *testing.T) {
	e := newEnv(t)
	pub, err := port.NewPublisherPortData(e.res, service, 1, port.DefaultPublisherOptions())
	require.NoError(t, err)
	sub, err := port.NewSubscriberPortData(e.res, service, 2, port.DefaultSubscriberOptions())
	require.NoError(t, err)
	subscribe(t, pub, sub)
	pr, sr := port.NewPublisherPortRouDi(pub), port.NewSubscriberPortRouDi(sub)
	pu, su := port.NewPublisherPortUser(pub), port.NewSubscriberPortUser(sub)

	c, err := pu.TryAllocateChunk(1, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, pu.SendChunk(c))

	su.Unsubscribe()
	msg, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	require.Equal(t, protocol.MessageDisconnect, msg.Type)
	ack, ok := pr.DispatchCaProMessageAndGetPossibleResponse(msg)
	require.True(t, ok)
	sr.DispatchCaProMessageAndGetPossibleResponse(ack)

	assert.Equal(t, port.NotConnected, su.SubscriptionState())
	_, ok = sr.ConnectedTo()
	assert.False(t, ok)
	assert.False(t, pu.HasSubscribers())
	assert.False(t, su.HasNewChunks())
	assert.Zero(t, e.mgr.UsedChunks())
}

func TestSubscriberWaitsForOffer(t *testing.T) {
	e := newEnv(t)
	popts := port.DefaultPublisherOptions()
	popts.OfferOnCreate = false
	pub, err := port.NewPublisherPortData(e.res, service, 1, popts)
	require.NoError(t, err)
	sub, err := port.NewSubscriberPortData(e.res, service, 2, port.DefaultSubscriberOptions())
	require.NoError(t, err)
	pr, sr := port.NewPublisherPortRouDi(pub), port.NewSubscriberPortRouDi(sub)

	req, ok := sr.TryGetCaProMessage()
	require.True(t, ok)
	nack, ok := pr.DispatchCaProMessageAndGetPossibleResponse(req)
	require.True(t, ok)
	sr.DispatchCaProMessageAndGetPossibleResponse(nack)
	assert.Equal(t, port.WaitForOffer, sr.SubscriptionState())

	port.NewPublisherPortUser(pub).Offer()
	offer, ok := pr.TryGetCaProMessage()
	require.True(t, ok)
	again, ok := sr.DispatchCaProMessageAndGetPossibleResponse(offer)
	require.True(t, ok)
	ack, ok := pr.DispatchCaProMessageAndGetPossibleResponse(again)
	require.True(t, ok)
	sr.DispatchCaProMessageAndGetPossibleResponse(ack)
	assert.Equal(t, port.Connected, sr.SubscriptionState())
	assert.Empty(t, e.rec.Errors())
}
