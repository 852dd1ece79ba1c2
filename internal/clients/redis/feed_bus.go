package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/feed"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// FeedBus mirrors job-update events to a Redis channel so dashboards and
// watchdogs on other hosts can follow the same change feed, and forwards
// inbound events from sibling processes into the local hub.
type FeedBus interface {
	Publish(ctx context.Context, ev feed.Event) error
	StartForwarder(ctx context.Context, onEvent func(ev feed.Event)) error
	Close() error
}

type busMessage struct {
	Origin string     `json:"origin"`
	Event  feed.Event `json:"event"`
}

type feedBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
}

// NewFeedBus connects using REDIS_ADDR; REDIS_CHANNEL defaults to "jobfeed".
func NewFeedBus(log *logger.Logger) (FeedBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if ch == "" {
		ch = "jobfeed"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &feedBus{
		log:     log.With("service", "RedisFeedBus"),
		rdb:     rdb,
		channel: ch,
		origin:  uuid.NewString(),
	}, nil
}

func (b *feedBus) Publish(ctx context.Context, ev feed.Event) error {
	payload, err := json.Marshal(busMessage{Origin: b.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode feed event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// StartForwarder subscribes to the bus channel and hands foreign events to
// onEvent. Messages published by this process are dropped by origin id.
func (b *feedBus) StartForwarder(ctx context.Context, onEvent func(ev feed.Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
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
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m busMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.log.Warn("malformed bus message dropped", "error", err)
					continue
				}
				if m.Origin == b.origin {
					continue
				}
				onEvent(m.Event)
			}
		}
	}()
	return nil
}

func (b *feedBus) Close() error {
	return b.rdb.Close()
}
