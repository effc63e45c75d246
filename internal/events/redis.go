package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultStream = "atlas:events"
	streamMaxLen  = 10000
	writeTimeout  = 2 * time.Second
)

// RedisSink mirrors bus events into a Redis Stream for external observers.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisSink connects to redisURL and checks the connection.
func NewRedisSink(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = defaultStream
	}
	return &RedisSink{rdb: rdb, stream: stream, logger: logger}, nil
}

// Handle is a bus Handler that appends e to the stream. Failures are
// logged; the bus never sees them.
func (s *RedisSink) Handle(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("event not serialisable", zap.Stringer("kind", e.Kind), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind": e.Kind.String(),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		s.logger.Warn("publish event to redis failed",
			zap.String("stream", s.stream),
			zap.Stringer("kind", e.Kind),
			zap.Error(err))
	}
}

// Recent returns up to n of the newest events in the stream, oldest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Event, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.stream, err)
	}
	out := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if e, ok := decode(msgs[i]); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tail streams events appended after the call. Cancel ctx to stop.
func (s *RedisSink) Tail(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{s.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					return
				}
				continue // redis.Nil on block timeout
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					e, ok := decode(msg)
					if !ok {
						continue
					}
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func decode(msg redis.XMessage) (Event, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return Event{}, false
	}
	var e Event
	if json.Unmarshal([]byte(data), &e) != nil {
		return Event{}, false
	}
	return e, true
}

// Close shuts down the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
