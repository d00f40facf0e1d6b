package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/ports"
)

func start(t *testing.T, r *Receiver, endpoint string, handler ports.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, r.Receive(ctx, endpoint, handler))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBus_CompetingConsumers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	handler := func(ctx context.Context, msg ports.Message) error {
		mu.Lock()
		seen[string(msg.Payload)]++
		mu.Unlock()
		return nil
	}
	start(t, bus.NewReceiver(ReceiverOptions{}), "scanner", handler)
	start(t, bus.NewReceiver(ReceiverOptions{}), "scanner", handler)

	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Send(context.Background(), ports.Message{Endpoint: "scanner", Payload: []byte(fmt.Sprint(i))}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestBus_EndpointsAreIsolated(t *testing.T) {
	bus := NewBus(zap.NewNop())
	require.NoError(t, bus.Send(context.Background(), ports.Message{Endpoint: "analyzer"}))

	assert.Equal(t, 1, bus.Pending("analyzer"))
	assert.Equal(t, 0, bus.Pending("scanner"))
}

func TestBus_RedeliversUntilDeadLetter(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var calls atomic.Int32
	dead := make(chan ports.Message, 1)

	start(t, bus.NewReceiver(ReceiverOptions{
		MaxDeliveries: 3,
		DeadLetter:    func(ctx context.Context, msg ports.Message) { dead <- msg },
	}), "advisor", func(ctx context.Context, msg ports.Message) error {
		calls.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, bus.Send(context.Background(), ports.Message{Endpoint: "advisor", TraceID: "t1"}))

	select {
	case msg := <-dead:
		assert.Equal(t, "t1", msg.TraceID)
	case <-time.After(5 * time.Second):
		t.Fatal("message not dead-lettered")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestBus_SendHonoursContext(t *testing.T) {
	bus := NewBus(zap.NewNop())
	for i := 0; i < queueSize; i++ {
		require.NoError(t, bus.Send(context.Background(), ports.Message{Endpoint: "full"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Send(ctx, ports.Message{Endpoint: "full"}), context.Canceled)
}

func TestBus_CloseReleasesBlockedRedelivery(t *testing.T) {
	bus := newBus(zap.NewNop(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	handler := func(ctx context.Context, msg ports.Message) error {
		if calls.Add(1) == 1 {
			// Fill the queue so that the failed message cannot be queued again.
			require.NoError(t, bus.Send(context.Background(), ports.Message{Endpoint: "reporter", TraceID: "t2"}))
		}
		cancel()
		return errors.New("boom")
	}

	require.NoError(t, bus.Send(context.Background(), ports.Message{Endpoint: "reporter", TraceID: "t1"}))
	require.NoError(t, bus.NewReceiver(ReceiverOptions{}).Receive(ctx, "reporter", handler))

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on a pending redelivery")
	}

	assert.ErrorIs(t, bus.Send(context.Background(), ports.Message{Endpoint: "reporter"}), ErrClosed)
}
