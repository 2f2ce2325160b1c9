package invites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "invite:"

type RedisStore struct {
	Client *redis.Client
	now    func() time.Time
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{Client: client, now: time.Now}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (StoredInviteLink, bool, error) {
	data, err := s.Client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return StoredInviteLink{}, false, nil
	}
	if err != nil {
		return StoredInviteLink{}, false, err
	}
	var link StoredInviteLink
	if err := json.Unmarshal(data, &link); err != nil {
		return StoredInviteLink{}, false, nil
	}
	return link, true, nil
}

// Put stores the link; links with an expiry get a matching key TTL.
func (s *RedisStore) Put(ctx context.Context, link StoredInviteLink) error {
	data, err := json.Marshal(link)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if link.ExpiresAt != nil {
		ttl = link.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, link.Key())
		}
	}
	return s.Client.Set(ctx, redisKeyPrefix+link.Key(), data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.Client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisStore) Close() error {
	if s.Client == nil {
		return nil
	}
	return s.Client.Close()
}
