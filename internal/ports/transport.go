package ports

import (
	"context"
	"errors"
)

// ErrReceiverDrained is returned by one-shot receivers once their single message
// has been handled.
var ErrReceiverDrained = errors.New("transport: receiver drained")

// Message is the transport wire message.
type Message struct {
	Endpoint string `json:"endpoint"`
	Payload  []byte `json:"payload"`
	TraceID  string `json:"traceId"`
}

// Handler processes a received message. Returning an error leaves the message
// unacknowledged so that the backend redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Sender publishes messages to endpoints. Once Send returns nil the message is
// delivered at least once.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Receiver consumes the messages of one endpoint. Receive blocks until ctx is
// done, the receiver is drained, or a non-recoverable error occurs.
type Receiver interface {
	Receive(ctx context.Context, endpoint string, handler Handler) error
}

// DeadLetterFunc is invoked for messages whose delivery attempts are exhausted.
type DeadLetterFunc func(ctx context.Context, msg Message)
