package redis

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// RedisLog is a storage.Log backed by redis lists, one list per key.
// RPUSH preserves append order, so ReadAll returns values in the order
// they were appended.
type RedisLog struct {
	rdb    *goredis.Client
	prefix string
}

func NewRedisLog(rdb *goredis.Client, prefix string) *RedisLog {
	return &RedisLog{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (rl *RedisLog) Append(ctx context.Context, key string, value []byte) error {
	return rl.rdb.RPush(ctx, rl.key(key), value).Err()
}

func (rl *RedisLog) ReadAll(ctx context.Context, key string) ([][]byte, error) {
	vals, err := rl.rdb.LRange(ctx, rl.key(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (rl *RedisLog) Clear(ctx context.Context, key string) error {
	return rl.rdb.Del(ctx, rl.key(key)).Err()
}

func (rl *RedisLog) key(key string) string {
	return rl.prefix + ":" + key
}
