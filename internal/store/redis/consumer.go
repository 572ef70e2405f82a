package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tickstream/internal/model"
)

// ConsumerConfig configures the consumer-group reader.
type ConsumerConfig struct {
	Stream       string
	Group        string
	Consumer     string
	Count        int64         // max entries per read
	Block        time.Duration // max wait for new entries
	DeadStream   string        // defaults to "<Stream>:dead"
	DeadMaxLen   int64
	ClaimMinIdle time.Duration // entries idle this long under other consumers are claimed; 0 disables
}

func (c *ConsumerConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "ticks:raw"
	}
	if c.Group == "" {
		c.Group = "tick_processors"
	}
	if c.Consumer == "" {
		c.Consumer = "receiver_1"
	}
	if c.Count <= 0 {
		c.Count = 100
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.DeadStream == "" {
		c.DeadStream = c.Stream + ":dead"
	}
	if c.DeadMaxLen <= 0 {
		c.DeadMaxLen = 100000
	}
}

// Consumer reads the tick stream as one member of a consumer group.
type Consumer struct {
	client *goredis.Client
	cfg    ConsumerConfig
	log    *zap.Logger
}

// NewConsumer wraps an existing client.
func NewConsumer(client *goredis.Client, cfg ConsumerConfig, log *zap.Logger) *Consumer {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		log:    log.Named("consumer").With(zap.String("group", cfg.Group), zap.String("consumer", cfg.Consumer)),
	}
}

// EnsureGroup creates the consumer group (and stream) from the beginning of
// the stream if it does not exist yet.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	created, err := ensureGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group)
	if err != nil {
		return err
	}
	if created {
		c.log.Info("consumer group created", zap.String("stream", c.cfg.Stream))
	} else {
		c.log.Debug("consumer group already exists", zap.String("stream", c.cfg.Stream))
	}
	return nil
}

// ReadPending returns up to Count entries delivered to this consumer that
// were never acknowledged. Entries trimmed from the stream since delivery
// are acknowledged and skipped.
func (c *Consumer) ReadPending(ctx context.Context) ([]model.StreamEntry, error) {
	res, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, "0"},
		Count:    c.cfg.Count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup pending: %w", err)
	}
	return c.entries(ctx, res), nil
}

// Read waits up to Block for new entries. A timeout returns (nil, nil).
func (c *Consumer) Read(ctx context.Context) ([]model.StreamEntry, error) {
	res, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	return c.entries(ctx, res), nil
}

func (c *Consumer) entries(ctx context.Context, res []goredis.XStream) []model.StreamEntry {
	var out []model.StreamEntry
	var gone []string
	for _, s := range res {
		for _, msg := range s.Messages {
			if msg.Values == nil {
				gone = append(gone, msg.ID)
				continue
			}
			data, _ := msg.Values["data"].(string)
			out = append(out, model.StreamEntry{ID: msg.ID, Data: data})
		}
	}
	if len(gone) > 0 {
		c.log.Warn("pending entries no longer in stream", zap.Int("count", len(gone)))
		_ = c.Ack(ctx, gone...)
	}
	return out
}

// ClaimIdle moves entries left pending by other consumers for longer than
// ClaimMinIdle to this consumer. They are then returned by ReadPending. The
// pending list is paged Count entries at a time from the oldest ID.
func (c *Consumer) ClaimIdle(ctx context.Context) (int, error) {
	if c.cfg.ClaimMinIdle <= 0 {
		return 0, nil
	}
	claimed := 0
	start := "-"
	for {
		pending, err := c.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: c.cfg.Stream,
			Group:  c.cfg.Group,
			Start:  start,
			End:    "+",
			Count:  c.cfg.Count,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("xpending: %w", err)
		}
		var ids []string
		for _, p := range pending {
			if p.Consumer != c.cfg.Consumer && p.Idle >= c.cfg.ClaimMinIdle {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) > 0 {
			got, err := c.client.XClaimJustID(ctx, &goredis.XClaimArgs{
				Stream:   c.cfg.Stream,
				Group:    c.cfg.Group,
				Consumer: c.cfg.Consumer,
				MinIdle:  c.cfg.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return claimed, fmt.Errorf("xclaim: %w", err)
			}
			claimed += len(got)
		}
		if int64(len(pending)) < c.cfg.Count {
			return claimed, nil
		}
		next, ok := nextStreamID(pending[len(pending)-1].ID)
		if !ok {
			return claimed, nil
		}
		start = next
	}
}

// nextStreamID returns the smallest ID greater than id ("ms-seq").
func nextStreamID(id string) (string, bool) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", false
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", false
	}
	if n == math.MaxUint64 {
		m, err := strconv.ParseUint(ms, 10, 64)
		if err != nil || m == math.MaxUint64 {
			return "", false
		}
		return strconv.FormatUint(m+1, 10) + "-0", true
	}
	return ms + "-" + strconv.FormatUint(n+1, 10), true
}

// Ack acknowledges entries.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// DeadLetter copies an unprocessable entry to the dead-letter stream together
// with the failure reason. The caller still acknowledges the original.
func (c *Consumer) DeadLetter(ctx context.Context, e model.StreamEntry, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	err := c.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: c.cfg.DeadStream,
		MaxLen: c.cfg.DeadMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":     e.ID,
			"data":   e.Data,
			"error":  reason,
			"failed": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", c.cfg.DeadStream, err)
	}
	return nil
}

// Ping checks the connection.
func (c *Consumer) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }
