// Package sink delivers one fetched message to durable storage, either
// an append-only mbox file or an external subprocess.
package sink

// Status classifies a message for the subprocess sink, derived from
// X-GM-LABELS (see internal/sync).
type Status string

const (
	StatusReceived    Status = "Received"
	StatusSent        Status = "Sent"
	StatusSentAndRecv Status = "Sent+Received"
	StatusDraft       Status = "Draft"
	StatusUnknown     Status = "Unknown"
)

// Message is the transient record handed to a Sink for one UID FETCH row.
type Message struct {
	UID          uint32
	InternalDate string // raw quoted-string contents, e.g. "01-Jan-2020 10:20:30 +0000"
	Body         []byte
	Status       Status
}

// Sink delivers one message to durable storage.
type Sink interface {
	Deliver(m Message) error
	Close() error
}
