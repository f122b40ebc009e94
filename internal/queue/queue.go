package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vincentbai/pageping/internal/models"
)

// DefaultKey is the Redis list pings are queued on.
const DefaultKey = "pageping:queue"

// ErrEmpty is returned by Pop when the queue has nothing to give.
var ErrEmpty = errors.New("queue is empty")

// ErrMalformed wraps payloads that do not decode as a ping.
var ErrMalformed = errors.New("malformed queued ping")

// Queue is a FIFO of pings on a Redis list: pushed on the left, popped on the right.
type Queue struct {
	client *redis.Client
	key    string
}

// New returns a Queue on key, or DefaultKey if key is empty.
func New(client *redis.Client, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{client: client, key: key}
}

// Connect returns a Queue backed by a new client for addr.
func Connect(addr, key string) *Queue {
	return New(redis.NewClient(&redis.Options{Addr: addr}), key)
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Key() string {
	return q.key
}

// Push appends a ping.
func (q *Queue) Push(ctx context.Context, ping models.PagePing) error {
	payload, err := Encode(ping)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Pop removes the oldest ping, or returns ErrEmpty.
func (q *Queue) Pop(ctx context.Context) (models.PagePing, error) {
	payload, err := q.client.RPop(ctx, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return models.PagePing{}, ErrEmpty
	}
	if err != nil {
		return models.PagePing{}, err
	}
	return Decode(payload)
}

// Len returns the number of queued pings.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func Encode(ping models.PagePing) (string, error) {
	payload, err := json.Marshal(ping)
	if err != nil {
		return "", fmt.Errorf("failed to encode ping: %w", err)
	}
	return string(payload), nil
}

func Decode(payload string) (models.PagePing, error) {
	var ping models.PagePing
	if err := json.Unmarshal([]byte(payload), &ping); err != nil {
		return models.PagePing{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ping, nil
}
