package protocol

import (
	"fmt"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
)

//go:generate go tool stringer -type=MessageType,SubType -output=protocol_string.go

// MessageType identifies a control message exchanged between a port and the broker
type MessageType uint32

const (
	// NotDefined: zero value, never sent
	MessageNotDefined MessageType = 0x00

	// Offer: a server or publisher became available. Queue: the offering port's
	// receive queue (servers), HistoryCapacity: history the port keeps
	MessageOffer MessageType = 0x01

	// StopOffer: the port withdrew its offer and dropped all receivers
	MessageStopOffer MessageType = 0x02

	// OfferAck: a receiver is already known to the broker and asks to be registered
	// again at a (re)offering sender. Queue: receiver queue, HistoryCapacity: history request
	MessageOfferAck MessageType = 0x03

	// Connect: a client or subscriber wants to be wired. Queue: its receive queue,
	// HistoryCapacity: number of history chunks requested
	MessageConnect MessageType = 0x04

	// ConnectAck: the sender registered the receiver. Queue: the sender's own receive
	// queue (servers), nil for publishers
	MessageConnectAck MessageType = 0x05

	// Disconnect: a client or subscriber wants to be unwired. Queue: its receive queue
	MessageDisconnect MessageType = 0x06

	// Ack: generic positive reply
	MessageAck MessageType = 0x07

	// Nack: generic negative reply, e.g. the addressed port is not offered
	MessageNack MessageType = 0x08

	// 0x09-0x0F: Reserved
)

// SubType refines an Offer
type SubType uint32

const (
	SubTypeNone  SubType = iota // No refinement
	SubTypeEvent                // Sender keeps no history
	SubTypeField                // Sender keeps history for late joiners
)

// Message is one control protocol message
// Queue references are only meaningful inside the broker, which hands them to
// the distributor of the peer port.
type Message struct {
	Type            MessageType
	SubType         SubType
	Service         ServiceDescription
	PortID          uint64            // UniquePortId of the port the message originates from
	Queue           chunkqueue.Pusher // Receive queue carried by Offer, OfferAck, Connect, ConnectAck and Disconnect
	HistoryCapacity uint64            // History kept (Offer) or requested (Connect, OfferAck)
}

// NewMessage creates a message of type t about service sent by portID
func NewMessage(t MessageType, service ServiceDescription, portID uint64) Message {
	return Message{Type: t, Service: service, PortID: portID}
}

// Reply creates an answer of type t to m, addressed to the same service
func (m Message) Reply(t MessageType, portID uint64) Message {
	return Message{Type: t, Service: m.Service, PortID: portID}
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%s, port=%d)", m.Type, m.Service, m.PortID)
}
