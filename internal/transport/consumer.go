package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradepost/internal/sharding"
)

// Handler processes one envelope. Returning nil acknowledges the entry; an
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// streamClient captures the subset of go-redis commands the consumer uses.
type streamClient interface {
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

// ConsumerConfig describes how a consumer group member reads its streams.
type ConsumerConfig struct {
	Streams  []string
	Group    string
	Consumer string
	// BlockTimeout bounds each XREADGROUP. Zero uses the default; a negative
	// value polls without blocking.
	BlockTimeout time.Duration
	ReadCount    int64
	// MinIdle is how long an entry must sit unacknowledged before another
	// member may claim it. Zero disables reclaiming.
	MinIdle      time.Duration
	ReclaimEvery time.Duration
	Partitions   int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Group == "" {
		c.Group = "trading"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.BlockTimeout < 0 {
		c.BlockTimeout = -1
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 32
	}
	if c.ReclaimEvery <= 0 {
		c.ReclaimEvery = 30 * time.Second
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

// Consumer reads streams as one member of a consumer group. Entries sharing
// a correlation id are handled in stream order on the same partition; other
// entries run concurrently.
type Consumer struct {
	client  streamClient
	cfg     ConsumerConfig
	handler Handler
	logger  *zap.Logger
}

func NewConsumer(client streamClient, cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{client: client, cfg: cfg, handler: handler, logger: logger}
}

// EnsureGroups creates the consumer group on every stream.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range c.cfg.Streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
			return err
		}
	}
	return nil
}

// Run consumes until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	c.logger.Info("stream consumer started",
		zap.Strings("streams", c.cfg.Streams),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Consumer),
	)

	backoff := c.cfg.MinBackoff
	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.cfg.MinIdle > 0 && time.Since(lastReclaim) >= c.cfg.ReclaimEvery {
			if _, err := c.Reclaim(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("stream reclaim failed", zap.Error(err))
			}
			lastReclaim = time.Now()
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("xreadgroup failed", zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}
		backoff = c.cfg.MinBackoff
	}
}

// Poll reads one batch of new entries and handles it. It returns how many
// entries were acknowledged.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	streams := make([]string, 0, 2*len(c.cfg.Streams))
	streams = append(streams, c.cfg.Streams...)
	for range c.cfg.Streams {
		streams = append(streams, ">")
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  streams,
		Count:    c.cfg.ReadCount,
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, s := range res {
		acked += c.process(ctx, s.Stream, s.Messages)
	}
	return acked, nil
}

// Reclaim takes over entries other members left unacknowledged for longer
// than MinIdle and handles them.
func (c *Consumer) Reclaim(ctx context.Context) (int, error) {
	acked := 0
	for _, stream := range c.cfg.Streams {
		start := "0-0"
		for {
			msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				MinIdle:  c.cfg.MinIdle,
				Start:    start,
				Count:    c.cfg.ReadCount,
			}).Result()
			if err != nil {
				return acked, err
			}
			acked += c.process(ctx, stream, msgs)
			if next == "" || next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
	return acked, nil
}

func (c *Consumer) process(ctx context.Context, stream string, msgs []redis.XMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	parts := make([][]redis.XMessage, c.cfg.Partitions)
	for _, msg := range msgs {
		// Entries without a correlation id share one partition and keep
		// stream order.
		key, _ := msg.Values["correlation_id"].(string)
		p := sharding.ShardFor(key, c.cfg.Partitions)
		parts[p] = append(parts[p], msg)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		acked int
	)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		wg.Add(1)
		go func(part []redis.XMessage) {
			defer wg.Done()
			for _, msg := range part {
				if c.handle(ctx, stream, msg) {
					mu.Lock()
					acked++
					mu.Unlock()
				}
			}
		}(part)
	}
	wg.Wait()
	return acked
}

func (c *Consumer) handle(ctx context.Context, stream string, msg redis.XMessage) bool {
	env, err := decode(msg)
	if err != nil {
		c.logger.Warn("dropping undecodable stream entry",
			zap.String("stream", stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
		return c.ack(ctx, stream, msg.ID)
	}

	if err := c.handler(env.Context(ctx), env); err != nil {
		c.logger.Warn("stream entry handler failed, leaving pending",
			zap.String("stream", stream),
			zap.String("entry_id", msg.ID),
			zap.String("type", env.Type),
			zap.String("correlation_id", env.CorrelationID),
			zap.String("shard", sharding.ShardID(env.CorrelationID, c.cfg.Partitions)),
			zap.Error(err),
		)
		return false
	}
	return c.ack(ctx, stream, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, stream, id string) bool {
	if err := c.client.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Warn("xack failed", zap.String("stream", stream), zap.String("entry_id", id), zap.Error(err))
		return false
	}
	return true
}
