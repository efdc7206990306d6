package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradepost/internal/purchase"
)

// Publisher is the go-redis surface RedisNotifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Subscriber is the go-redis surface Forward needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type fanoutMessage struct {
	UserID        string           `json:"userId"`
	CorrelationID string           `json:"correlationId"`
	Outcome       purchase.Outcome `json:"outcome"`
}

// RedisNotifier broadcasts outcomes over Redis pub/sub so whichever instance
// holds the user's socket can deliver it.
type RedisNotifier struct {
	client  Publisher
	channel string
}

func NewRedisNotifier(client Publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "purchase_status"
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, userID, correlationID string, outcome purchase.Outcome) error {
	raw, err := json.Marshal(fanoutMessage{UserID: userID, CorrelationID: correlationID, Outcome: outcome})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, raw).Err()
}

// Forward subscribes to channel and hands every outcome to local. It returns
// once the subscription is confirmed; delivery stops when ctx ends.
func Forward(ctx context.Context, client Subscriber, channel string, local purchase.Notifier, logger *zap.Logger) error {
	if local == nil {
		return fmt.Errorf("local notifier required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = "purchase_status"
	}

	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg fanoutMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					logger.Warn("bad purchase status payload", zap.Error(err))
					continue
				}
				err := local.Notify(ctx, msg.UserID, msg.CorrelationID, msg.Outcome)
				switch {
				case errors.Is(err, ErrNoConnection):
					// connected to another instance, or not at all
				case err != nil:
					logger.Warn("local purchase status delivery failed",
						zap.String("user_id", msg.UserID),
						zap.String("correlation_id", msg.CorrelationID),
						zap.Error(err),
					)
				}
			}
		}
	}()
	return nil
}
