package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	Key           = "departureboard:widget:snapshot"
	UpdateChannel = "departureboard:widget:updated"
)

var ErrNoSnapshot = errors.New("no widget snapshot")

// RedisStore is the shared container between the refresher and widget readers.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Save writes s and notifies subscribers of UpdateChannel with its generation time.
func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, Key, data, r.ttl)
	pipe.Publish(ctx, UpdateChannel, s.GeneratedAt.Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Latest(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	data, err := r.client.Get(ctx, Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return s, ErrNoSnapshot
	}
	if err != nil {
		return s, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

// Subscribe delivers the generation time of every saved snapshot until ctx ends.
func (r *RedisStore) Subscribe(ctx context.Context) <-chan time.Time {
	out := make(chan time.Time, 1)
	sub := r.client.Subscribe(ctx, UpdateChannel)
	go func() {
		defer close(out)
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
				t, err := time.Parse(time.RFC3339, msg.Payload)
				if err != nil {
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
