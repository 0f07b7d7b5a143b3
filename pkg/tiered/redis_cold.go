package tiered

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisColdStore keeps cold entries in Redis. Each entry is a string key
// with EXPIREAT; two sorted sets index keys by last access (for candidate
// scans) and by expiry (for sweeps).
type RedisColdStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisColdStore wraps an existing client. The caller keeps ownership.
func NewRedisColdStore(client redis.UniversalClient, prefix string) *RedisColdStore {
	if prefix == "" {
		prefix = "ctxengine:cold:"
	}
	return &RedisColdStore{client: client, prefix: prefix}
}

// DialRedisColdStore connects to addr and verifies the connection. The store
// owns the client and closes it on Close.
func DialRedisColdStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisColdStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	store := NewRedisColdStore(client, prefix)
	store.owned = true
	return store, nil
}

func (r *RedisColdStore) entryKey(key string) string { return r.prefix + "entry:" + key }
func (r *RedisColdStore) recentKey() string          { return r.prefix + "recent" }
func (r *RedisColdStore) expiryKey() string          { return r.prefix + "expiry" }

// Get implements ColdStore
func (r *RedisColdStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// Put implements ColdStore
func (r *RedisColdStore) Put(ctx context.Context, entry *Entry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(entry.Key), data, 0)
		pipe.ExpireAt(ctx, r.entryKey(entry.Key), entry.ExpiresAt)
		pipe.ZAdd(ctx, r.recentKey(), redis.Z{Score: float64(entry.idleSince().UnixMilli()), Member: entry.Key})
		pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(entry.ExpiresAt.UnixMilli()), Member: entry.Key})
		return nil
	})
	return err
}

// Delete implements ColdStore
func (r *RedisColdStore) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(key))
		pipe.ZRem(ctx, r.recentKey(), key)
		pipe.ZRem(ctx, r.expiryKey(), key)
		return nil
	})
	return err
}

// Recent implements ColdStore. Keys whose data already expired in Redis are
// skipped, as are corrupt entries.
func (r *RedisColdStore) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	keys, err := r.client.ZRevRange(ctx, r.recentKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	entryKeys := make([]string, len(keys))
	for i, key := range keys {
		entryKeys[i] = r.entryKey(key)
	}
	values, err := r.client.MGet(ctx, entryKeys...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		entry, err := decodeEntry([]byte(s))
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep implements ColdStore
func (r *RedisColdStore) Sweep(ctx context.Context, now, idleBefore time.Time) (int, error) {
	expired, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	idle, err := r.client.ZRangeByScore(ctx, r.recentKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(idleBefore.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	victims := make(map[string]struct{}, len(expired)+len(idle))
	for _, key := range expired {
		victims[key] = struct{}{}
	}
	for _, key := range idle {
		victims[key] = struct{}{}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key := range victims {
			pipe.Del(ctx, r.entryKey(key))
			pipe.ZRem(ctx, r.recentKey(), key)
			pipe.ZRem(ctx, r.expiryKey(), key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(victims), nil
}

// Len implements ColdStore
func (r *RedisColdStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.expiryKey()).Result()
	return int(n), err
}

// Close implements ColdStore
func (r *RedisColdStore) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

var _ ColdStore = (*RedisColdStore)(nil)
