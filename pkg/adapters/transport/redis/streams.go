package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/scapipe/internal/ports"
)

// Sender publishes messages to per-endpoint Redis streams.
type Sender struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSender creates a new Redis Streams sender
func NewSender(client *redis.Client, logger *zap.Logger) *Sender {
	return &Sender{
		client: client,
		logger: logger,
	}
}

// Send appends the message to the endpoint stream.
func (s *Sender) Send(ctx context.Context, msg ports.Message) error {
	streamKey := StreamKey(msg.Endpoint)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	s.logger.Debug("message sent",
		zap.String("endpoint", msg.Endpoint),
		zap.String("trace_id", msg.TraceID),
		zap.String("stream", streamKey),
		zap.String("message_id", id))

	return nil
}

// ReceiverConfig tunes a Receiver.
type ReceiverConfig struct {
	ConsumerGroup string
	ConsumerName  string
	// Block is the XREADGROUP block timeout.
	Block time.Duration
	// ClaimMinIdle is how long a pending entry must stay unacknowledged
	// before another consumer reclaims it. Zero disables reclaiming.
	ClaimMinIdle time.Duration
	// MaxDeliveries bounds delivery attempts per message. Zero means unbounded.
	MaxDeliveries int64
	DeadLetter    ports.DeadLetterFunc
}

// Receiver consumes an endpoint stream through a consumer group.
type Receiver struct {
	client *redis.Client
	cfg    ReceiverConfig
	logger *zap.Logger
}

// NewReceiver creates a new Redis Streams receiver
func NewReceiver(client *redis.Client, cfg ReceiverConfig, logger *zap.Logger) *Receiver {
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return &Receiver{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Receive reads the endpoint stream until ctx is done. Messages are acknowledged
// only after the handler succeeded.
func (r *Receiver) Receive(ctx context.Context, endpoint string, handler ports.Handler) error {
	streamKey := StreamKey(endpoint)

	err := r.client.XGroupCreateMkStream(ctx, streamKey, r.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	r.logger.Info("receiving from stream",
		zap.String("stream", streamKey),
		zap.String("endpoint", endpoint),
		zap.String("consumer_group", r.cfg.ConsumerGroup),
		zap.String("consumer", r.cfg.ConsumerName))

	for {
		if ctx.Err() != nil {
			return nil
		}

		if r.cfg.ClaimMinIdle > 0 {
			r.reclaim(ctx, streamKey, handler)
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.ConsumerGroup,
			Consumer: r.cfg.ConsumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    r.cfg.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				r.processMessage(ctx, streamKey, message, handler)
			}
		}
	}
}

// reclaim takes over entries left pending by crashed or failing consumers.
func (r *Receiver) reclaim(ctx context.Context, streamKey string, handler ports.Handler) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  r.cfg.ConsumerGroup,
		Idle:   r.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  10,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			r.logger.Warn("failed to list pending entries",
				zap.String("stream", streamKey),
				zap.Error(err))
		}
		return
	}

	for _, p := range pending {
		messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamKey,
			Group:    r.cfg.ConsumerGroup,
			Consumer: r.cfg.ConsumerName,
			MinIdle:  r.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			r.logger.Warn("failed to claim pending entry",
				zap.String("stream", streamKey),
				zap.String("message_id", p.ID),
				zap.Error(err))
			continue
		}

		for _, message := range messages {
			if r.cfg.MaxDeliveries > 0 && p.RetryCount >= r.cfg.MaxDeliveries {
				r.giveUp(ctx, streamKey, message, p.RetryCount)
				continue
			}
			r.logger.Info("reclaimed pending entry",
				zap.String("stream", streamKey),
				zap.String("message_id", message.ID),
				zap.Int64("deliveries", p.RetryCount))
			r.processMessage(ctx, streamKey, message, handler)
		}
	}
}

// giveUp hands an exhausted entry to the dead-letter callback and acknowledges it.
func (r *Receiver) giveUp(ctx context.Context, streamKey string, message redis.XMessage, deliveries int64) {
	r.logger.Warn("delivery attempts exhausted",
		zap.String("stream", streamKey),
		zap.String("message_id", message.ID),
		zap.Int64("deliveries", deliveries))

	if msg, ok := r.decode(streamKey, message); ok && r.cfg.DeadLetter != nil {
		r.cfg.DeadLetter(ctx, msg)
	}
	r.ack(ctx, streamKey, message.ID)
}

// processMessage processes a single message from the stream
func (r *Receiver) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.Handler) {
	msg, ok := r.decode(streamKey, message)
	if !ok {
		r.ack(ctx, streamKey, message.ID)
		return
	}

	if err := handler(ctx, msg); err != nil {
		r.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
		return
	}

	r.ack(ctx, streamKey, message.ID)
}

func (r *Receiver) decode(streamKey string, message redis.XMessage) (ports.Message, bool) {
	data, ok := message.Values["data"].(string)
	if !ok {
		r.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return ports.Message{}, false
	}

	var msg ports.Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		r.logger.Error("failed to unmarshal message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return ports.Message{}, false
	}
	return msg, true
}

func (r *Receiver) ack(ctx context.Context, streamKey, id string) {
	if err := r.client.XAck(context.WithoutCancel(ctx), streamKey, r.cfg.ConsumerGroup, id).Err(); err != nil {
		r.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", id),
			zap.Error(err))
	}
}

// StreamKey returns the Redis stream key for an endpoint
func StreamKey(endpoint string) string {
	return fmt.Sprintf("scapipe:transport:%s", endpoint)
}
