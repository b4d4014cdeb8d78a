package port

//go:generate go tool stringer -type=ConnectionState -output=connection_state_string.go

// ConnectionState is the broker side view of a client or subscriber connection
type ConnectionState uint32

const (
	NotConnected        ConnectionState = iota // No connection wanted or none established
	ConnectRequested                           // Connect sent, waiting for the answer
	Connected                                  // Wired to a sender
	DisconnectRequested                        // Disconnect sent, waiting for the answer
	WaitForOffer                               // Connection wanted but nobody offers the service
)
