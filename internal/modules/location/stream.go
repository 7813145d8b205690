// README: Redis stream transport for driver pings: publishers for the HTTP intake and a consumer group feeding the Service.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"surge/internal/config"
)

const payloadField = "payload"

// Publisher hands driver pings to ingestion and reports how many were accepted.
type Publisher interface {
	Publish(ctx context.Context, locs ...DriverLocation) (int, error)
}

// Ingester consumes one decoded ping.
type Ingester interface {
	IngestDriverLocation(ctx context.Context, loc DriverLocation) error
}

// StreamPublisher appends pings to a capped Redis stream.
type StreamPublisher struct {
	redis  *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{redis: rdb, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, locs ...DriverLocation) (int, error) {
	if len(locs) == 0 {
		return 0, nil
	}
	pipe := p.redis.Pipeline()
	for _, loc := range locs {
		body, err := json.Marshal(loc)
		if err != nil {
			return 0, eris.Wrap(err, "location: encode ping")
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{payloadField: string(body)},
		})
	}
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		// A failed dial leaves queued commands without an error or an id;
		// only entries Redis assigned an id to were appended.
		accepted := 0
		for _, c := range cmds {
			if x, ok := c.(*redis.StringCmd); ok && x.Err() == nil && x.Val() != "" {
				accepted++
			}
		}
		return accepted, eris.Wrapf(err, "location: publish to %s", p.stream)
	}
	return len(locs), nil
}

// DirectPublisher writes pings straight into the window store.
type DirectPublisher struct {
	ingester Ingester
}

func NewDirectPublisher(ingester Ingester) *DirectPublisher {
	return &DirectPublisher{ingester: ingester}
}

func (p *DirectPublisher) Publish(ctx context.Context, locs ...DriverLocation) (int, error) {
	accepted := 0
	var firstErr error
	for _, loc := range locs {
		if err := p.ingester.IngestDriverLocation(ctx, loc); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}

// Consumer reads the ping stream as a consumer group with several members.
type Consumer struct {
	redis     *redis.Client
	cfg       config.IngestConfig
	ingester  Ingester
	log       *zap.Logger
	processed atomic.Int64
	dropped   atomic.Int64
}

func NewConsumer(rdb *redis.Client, cfg config.IngestConfig, ingester Ingester, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Consumer{redis: rdb, cfg: cfg, ingester: ingester, log: log.Named("consumer")}
}

func (c *Consumer) Processed() int64 { return c.processed.Load() }
func (c *Consumer) Dropped() int64   { return c.dropped.Load() }

// EnsureGroup creates the stream and consumer group if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "location: create group %s on %s", c.cfg.Group, c.cfg.Stream)
	}
	return nil
}

// Run starts the configured number of group members and blocks until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Consumers; i++ {
		name := fmt.Sprintf("surge-consumer-%d", i)
		g.Go(func() error {
			c.loop(gctx, name)
			return nil
		})
	}
	c.log.Info("ingestion consumers started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group),
		zap.Int("consumers", c.cfg.Consumers))
	return g.Wait()
}

func (c *Consumer) loop(ctx context.Context, name string) {
	if n, err := c.ReclaimPending(ctx, name); err != nil {
		c.log.Warn("reclaim pending failed", zap.String("consumer", name), zap.Error(err))
	} else if n > 0 {
		c.log.Info("reclaimed pending pings", zap.String("consumer", name), zap.Int("count", n))
	}
	if n, err := c.ClaimIdle(ctx, name); err != nil {
		c.log.Warn("claim idle failed", zap.String("consumer", name), zap.Error(err))
	} else if n > 0 {
		c.log.Info("claimed idle pings", zap.String("consumer", name), zap.Int("count", n))
	}

	for ctx.Err() == nil {
		if _, err := c.ConsumeOnce(ctx, name, c.cfg.Block); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("read from stream failed", zap.String("consumer", name), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// ConsumeOnce reads and processes a single batch for consumer name. A
// negative block returns immediately when the stream is empty.
func (c *Consumer) ConsumeOnce(ctx context.Context, name string, block time.Duration) (int, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "location: xreadgroup")
	}
	n := 0
	for _, s := range streams {
		n += c.processBatch(ctx, s.Messages)
	}
	return n, nil
}

// ReclaimPending reprocesses entries delivered to name but never acknowledged,
// as left behind by a member that stopped mid-batch. Member names are stable
// across restarts, so each member recovers its own backlog.
func (c *Consumer) ReclaimPending(ctx context.Context, name string) (int, error) {
	total := 0
	for ctx.Err() == nil {
		streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: name,
			Streams:  []string{c.cfg.Stream, "0"},
			Count:    c.cfg.BatchSize,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return total, nil
		}
		if err != nil {
			return total, eris.Wrap(err, "location: read pending")
		}
		read := 0
		for _, s := range streams {
			read += len(s.Messages)
			total += c.processBatch(ctx, s.Messages)
		}
		if read == 0 {
			return total, nil
		}
	}
	return total, nil
}

// ClaimIdle takes over entries idle longer than ClaimIdle in other members'
// pending lists and processes them as name.
func (c *Consumer) ClaimIdle(ctx context.Context, name string) (int, error) {
	if c.cfg.ClaimIdle <= 0 {
		return 0, nil
	}
	total := 0
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := c.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			MinIdle:  c.cfg.ClaimIdle,
			Start:    start,
			Count:    c.cfg.BatchSize,
			Consumer: name,
		}).Result()
		if err != nil {
			return total, eris.Wrap(err, "location: xautoclaim")
		}
		total += c.processBatch(ctx, msgs)
		if next == "0-0" || next == "" {
			return total, nil
		}
		start = next
	}
	return total, nil
}

// processBatch ingests each message independently and acknowledges the whole
// batch, malformed messages included.
func (c *Consumer) processBatch(ctx context.Context, msgs []redis.XMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	start := time.Now()
	ok := 0
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)

		raw, _ := m.Values[payloadField].(string)
		var loc DriverLocation
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			c.dropped.Add(1)
			c.log.Warn("dropping malformed ping", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if err := c.ingester.IngestDriverLocation(ctx, loc); err != nil {
			c.dropped.Add(1)
			c.log.Warn("ping not ingested", zap.String("id", m.ID), zap.String("driver_id", loc.DriverID), zap.Error(err))
			continue
		}
		ok++
	}

	if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		c.log.Error("ack failed", zap.Int("count", len(ids)), zap.Error(err))
	}
	total := c.processed.Add(int64(ok))
	c.log.Debug("batch processed",
		zap.Int("ok", ok),
		zap.Int("batch", len(msgs)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("total", total))
	return ok
}
