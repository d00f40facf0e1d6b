package memory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/ports"
)

// queueSize bounds each endpoint queue; Send blocks while it is full.
const queueSize = 1024

// ErrClosed is returned by Send once the bus is closed.
var ErrClosed = errors.New("memory transport: bus closed")

type delivery struct {
	msg      ports.Message
	attempts int
}

// Bus is an in-process transport. Receivers of the same endpoint compete for
// messages; a message whose handler fails is queued again.
type Bus struct {
	mu     sync.Mutex
	queues map[string]chan delivery
	size   int
	closed bool
	done   chan struct{}
	logger *zap.Logger

	redeliveries sync.WaitGroup
}

// NewBus creates a new in-memory bus
func NewBus(logger *zap.Logger) *Bus {
	return newBus(logger, queueSize)
}

func newBus(logger *zap.Logger, size int) *Bus {
	return &Bus{
		queues: make(map[string]chan delivery),
		size:   size,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Close stops the receivers and drops the messages waiting to be queued again.
// It returns once no redelivery is pending.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()

	b.redeliveries.Wait()
}

func (b *Bus) queue(endpoint string) chan delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[endpoint]
	if !ok {
		q = make(chan delivery, b.size)
		b.queues[endpoint] = q
	}
	return q
}

// Send queues the message on its endpoint.
func (b *Bus) Send(ctx context.Context, msg ports.Message) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.queue(msg.Endpoint) <- delivery{msg: msg}:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requeue puts d back on q without blocking the receiver. The message is
// dropped if the bus closes first.
func (b *Bus) requeue(q chan delivery, d delivery) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.redeliveries.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.redeliveries.Done()
		select {
		case q <- d:
		case <-b.done:
			b.logger.Warn("dropping redelivery on closed bus",
				zap.String("endpoint", d.msg.Endpoint),
				zap.String("trace_id", d.msg.TraceID))
		}
	}()
}

// Pending returns the number of queued messages for endpoint.
func (b *Bus) Pending(endpoint string) int {
	return len(b.queue(endpoint))
}

// ReceiverOptions tunes a Receiver.
type ReceiverOptions struct {
	// MaxDeliveries bounds delivery attempts per message. Zero means unbounded.
	MaxDeliveries int
	DeadLetter    ports.DeadLetterFunc
}

// Receiver consumes messages from a Bus.
type Receiver struct {
	bus  *Bus
	opts ReceiverOptions
}

// NewReceiver creates a receiver competing with the other receivers of the bus.
func (b *Bus) NewReceiver(opts ReceiverOptions) *Receiver {
	return &Receiver{bus: b, opts: opts}
}

// Receive handles the endpoint's messages until ctx is done or the bus is closed.
func (r *Receiver) Receive(ctx context.Context, endpoint string, handler ports.Handler) error {
	q := r.bus.queue(endpoint)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.bus.done:
			return nil
		case d := <-q:
			d.attempts++
			err := handler(ctx, d.msg)
			if err == nil {
				continue
			}

			r.bus.logger.Error("handler error",
				zap.String("endpoint", endpoint),
				zap.String("trace_id", d.msg.TraceID),
				zap.Int("attempts", d.attempts),
				zap.Error(err))

			if r.opts.MaxDeliveries > 0 && d.attempts >= r.opts.MaxDeliveries {
				r.bus.logger.Warn("delivery attempts exhausted",
					zap.String("endpoint", endpoint),
					zap.String("trace_id", d.msg.TraceID))
				if r.opts.DeadLetter != nil {
					r.opts.DeadLetter(ctx, d.msg)
				}
				continue
			}
			r.bus.requeue(q, d)
		}
	}
}
