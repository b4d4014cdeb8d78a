package port

import (
	"time"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/distributor"
)

// QueueFullPolicy selects what a receiver queue does when it is full
type QueueFullPolicy = chunkqueue.FullPolicy

// ConsumerTooSlowPolicy selects what a sender does about a receiver that holds it back
type ConsumerTooSlowPolicy = distributor.ConsumerTooSlowPolicy

const (
	// MaxChunksAllocatedSimultaneously bounds the chunks one port has loaned at a time
	MaxChunksAllocatedSimultaneously = 8
	// MaxChunksHeldSimultaneously bounds the chunks one port has taken and not released
	MaxChunksHeldSimultaneously = 256
)

// ClientOptions configures a client port
type ClientOptions struct {
	NodeName                string
	ResponseQueueCapacity   uint64                // Responses buffered for the application
	ResponseQueueFullPolicy QueueFullPolicy       // Behaviour of the response queue when full
	ServerTooSlowPolicy     ConsumerTooSlowPolicy // Behaviour towards a full request queue
	ConnectOnCreate         bool                  // Request a connection right away
	RequestHistoryCapacity  uint64                // Requests kept while not connected, delivered on connect
	ResponseHistoryRequest  uint64                // Server history delivered to this client on connect
	FireAndForget           bool                  // Mark requests as not expecting a response
	SendTimeout             time.Duration         // Bound of one blocked request delivery, 0 waits
}

// DefaultClientOptions returns the options a client gets when nothing is configured
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ResponseQueueCapacity:   8,
		ResponseQueueFullPolicy: chunkqueue.DiscardOldestData,
		ServerTooSlowPolicy:     distributor.DiscardOldestData,
		ConnectOnCreate:         true,
	}
}

// ServerOptions configures a server port
type ServerOptions struct {
	NodeName                string
	RequestQueueCapacity    uint64                // Requests buffered for the application
	RequestQueueFullPolicy  QueueFullPolicy       // Behaviour of the request queue when full
	ClientTooSlowPolicy     ConsumerTooSlowPolicy // Behaviour towards a full response queue
	OfferOnCreate           bool                  // Offer the service right away
	ResponseHistoryCapacity uint64                // Responses kept for clients that connect later
	SendTimeout             time.Duration         // Bound of one blocked response delivery, 0 waits
}

// DefaultServerOptions returns the options a server gets when nothing is configured
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		RequestQueueCapacity:   64,
		RequestQueueFullPolicy: chunkqueue.BlockProducer,
		ClientTooSlowPolicy:    distributor.DiscardOldestData,
		OfferOnCreate:          true,
	}
}

// PublisherOptions configures a publisher port
type PublisherOptions struct {
	NodeName                string
	HistoryCapacity         uint64                // Samples kept for subscribers that connect later
	OfferOnCreate           bool                  // Offer the topic right away
	SubscriberTooSlowPolicy ConsumerTooSlowPolicy // Behaviour towards a full subscriber queue
	SendTimeout             time.Duration         // Bound of one blocked delivery, 0 waits
}

// DefaultPublisherOptions offers on create and keeps no history
func DefaultPublisherOptions() PublisherOptions {
	return PublisherOptions{
		OfferOnCreate:           true,
		SubscriberTooSlowPolicy: distributor.DiscardOldestData,
	}
}

// SubscriberOptions configures a subscriber port
type SubscriberOptions struct {
	NodeName          string
	QueueCapacity     uint64          // Samples buffered for the application
	QueueFullPolicy   QueueFullPolicy // Behaviour of the queue when full
	HistoryRequest    uint64          // Publisher history delivered on connect
	SubscribeOnCreate bool            // Subscribe right away
}

// DefaultSubscriberOptions subscribes on create and requests no history
func DefaultSubscriberOptions() SubscriberOptions {
	return SubscriberOptions{
		QueueCapacity:     256,
		QueueFullPolicy:   chunkqueue.DiscardOldestData,
		SubscribeOnCreate: true,
	}
}
