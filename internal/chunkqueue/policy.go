package chunkqueue

//go:generate go tool stringer -type=FullPolicy,Variant -output=policy_string.go

// FullPolicy selects what a push into a full queue does
type FullPolicy uint32

const (
	DiscardOldestData FullPolicy = iota // Evict and release the oldest entry, count it as lost
	BlockProducer                       // Refuse the push; the producer decides whether to wait
)

// Variant selects how many producers may push concurrently
type Variant uint32

const (
	SingleProducer Variant = iota // One producer, one consumer (client responses, subscribers)
	MultiProducer                 // Several producers, one consumer (server requests)
)
