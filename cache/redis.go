package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each generation in a hash, plus a set of generation names.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store. All keys are namespaced with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kiply:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

type redisEntry struct {
	StoredAt time.Time `json:"stored_at"`
	Bytes    []byte    `json:"bytes"`
}

func (s *RedisStore) generationsKey() string {
	return s.prefix + "generations"
}

func (s *RedisStore) hashKey(name string) string {
	return s.prefix + "generation:" + name
}

func (s *RedisStore) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	return redisGeneration{store: s, name: name}, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.hashKey(name))
		removed = pipe.SRem(ctx, s.generationsKey(), name)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

type redisGeneration struct {
	store *RedisStore
	name  string
}

func (g redisGeneration) Name() string {
	return g.name
}

func (g redisGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	data, err := g.store.client.HGet(ctx, g.store.hashKey(g.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var re redisEntry
	if err := json.Unmarshal(data, &re); err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, StoredAt: re.StoredAt, Bytes: re.Bytes}, true, nil
}

func (g redisGeneration) Put(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(redisEntry{StoredAt: entry.StoredAt, Bytes: entry.Bytes})
	if err != nil {
		return err
	}
	_, err = g.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, g.store.hashKey(g.name), key, data)
		pipe.SAdd(ctx, g.store.generationsKey(), g.name)
		return nil
	})
	return err
}

func (g redisGeneration) Entries(ctx context.Context) ([]string, error) {
	keys, err := g.store.client.HKeys(ctx, g.store.hashKey(g.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
