package devnet

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher receives every committed block that carries an event
type Publisher interface {
	Publish(ctx context.Context, b *Block) error
}

// RedisPublisher appends chaincode events to a Redis stream
type RedisPublisher struct {
	client   *redis.Client
	stream   string
	attempts int
	backoff  time.Duration
}

// NewRedisPublisher connects to the Redis server at url (redis://...) and
// appends to stream
func NewRedisPublisher(ctx context.Context, url, stream string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPublisher{client: client, stream: stream, attempts: 3, backoff: 100 * time.Millisecond}, nil
}

// Publish adds one stream entry for the block's event
func (p *RedisPublisher) Publish(ctx context.Context, b *Block) error {
	if b.Event == nil {
		return nil
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"block":   strconv.FormatUint(b.Number, 10),
			"txId":    b.TxID,
			"event":   b.Event.Name,
			"payload": string(b.Event.Payload),
		},
	}
	return retry(ctx, p.attempts, p.backoff, func() error {
		return p.client.XAdd(ctx, args).Err()
	})
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// retry calls fn up to attempts times, doubling the wait after each failure
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
