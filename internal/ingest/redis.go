// Package ingest consumes radar frames from a Redis feed and routes them to
// per-segment processing pipelines.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/banshee-data/traffic.report/internal/highway"
	"github.com/banshee-data/traffic.report/internal/monitoring"
)

// Submitter accepts one frame for processing. *highway.Pipeline satisfies it.
type Submitter interface {
	Submit(f highway.Frame) error
}

// Config controls the Redis connection and the frame channel.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Channel is the pub/sub channel the radar head publishes JSON frames on.
	Channel string

	// ReconnectBackoff caps the delay between connection attempts. The delay
	// starts at one second and doubles up to this value.
	ReconnectBackoff time.Duration
}

// Counters are cumulative ingest totals.
type Counters struct {
	FramesReceived     int64
	FramesBadPayload   int64
	FramesUnroutable   int64
	FramesUncalibrated int64
	FramesRouted       int64
	Reconnects         int64
}

// Consumer subscribes to the frame channel and hands each decoded frame to
// the pipeline serving its segment. Frames for unknown segments and payloads
// that fail to decode are counted and dropped; a paused (uncalibrated)
// pipeline rejects intake and the consumer keeps going.
type Consumer struct {
	cfg    Config
	route  func(segmentID string) Submitter
	client *redis.Client

	mu       sync.Mutex
	counters Counters
}

// NewConsumer builds a consumer. route resolves a segment id to its pipeline
// and returns nil for segments this process does not serve.
func NewConsumer(cfg Config, route func(segmentID string) Submitter) *Consumer {
	if cfg.Channel == "" {
		cfg.Channel = "traffic:frames"
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 30 * time.Second
	}
	return &Consumer{
		cfg:   cfg,
		route: route,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Run subscribes and consumes until ctx is done. Connection loss triggers
// resubscription with exponential backoff; Run only returns on ctx
// cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.count(func(n *Counters) { n.Reconnects++ })
			monitoring.Logf("[ingest] redis subscription lost: %v (retrying in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectBackoff {
				backoff = c.cfg.ReconnectBackoff
			}
			continue
		}
		return nil
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	if _, err := c.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("ping redis at %s: %w", c.cfg.Addr, err)
	}

	sub := c.client.Subscribe(ctx, c.cfg.Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Channel, err)
	}
	monitoring.Logf("[ingest] subscribed to %s on %s", c.cfg.Channel, c.cfg.Addr)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			c.handlePayload([]byte(msg.Payload))
		}
	}
}

// handlePayload decodes and routes one published frame.
func (c *Consumer) handlePayload(payload []byte) {
	c.count(func(n *Counters) { n.FramesReceived++ })

	var f highway.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		c.count(func(n *Counters) { n.FramesBadPayload++ })
		monitoring.Logf("[ingest] undecodable frame payload: %v", err)
		return
	}
	if err := f.Validate(); err != nil {
		c.count(func(n *Counters) { n.FramesBadPayload++ })
		monitoring.Logf("[ingest] rejected frame: %v", err)
		return
	}

	dst := c.route(f.SegmentID)
	if dst == nil {
		c.count(func(n *Counters) { n.FramesUnroutable++ })
		monitoring.Logf("[ingest] no pipeline for segment %s, frame %d dropped", f.SegmentID, f.Index)
		return
	}

	if err := dst.Submit(f); err != nil {
		var calErr *highway.CalibrationMissingError
		if errors.As(err, &calErr) {
			c.count(func(n *Counters) { n.FramesUncalibrated++ })
			return
		}
		monitoring.Logf("[ingest] submit frame %d for %s: %v", f.Index, f.SegmentID, err)
		return
	}
	c.count(func(n *Counters) { n.FramesRouted++ })
}

func (c *Consumer) count(fn func(*Counters)) {
	c.mu.Lock()
	fn(&c.counters)
	c.mu.Unlock()
}

// Counters returns a copy of the consumer's totals.
func (c *Consumer) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Close releases the Redis connection.
func (c *Consumer) Close() error {
	return c.client.Close()
}
