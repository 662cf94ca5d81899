package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// execScript checks every expectation, then applies every mutation. KEYS holds
// one key per op; ARGV holds (kind, field, value) triples in the same order.
var execScript = redis.NewScript(`
	local n = #KEYS
	for i = 1, n do
		local kind = ARGV[i * 3 - 2]
		local field = ARGV[i * 3 - 1]
		if kind == 'expect' then
			if redis.call('HGET', KEYS[i], field) ~= ARGV[i * 3] then
				return 0
			end
		elseif kind == 'absent' then
			if redis.call('HEXISTS', KEYS[i], field) == 1 then
				return 0
			end
		end
	end
	for i = 1, n do
		local kind = ARGV[i * 3 - 2]
		local field = ARGV[i * 3 - 1]
		if kind == 'hset' then
			redis.call('HSET', KEYS[i], field, ARGV[i * 3])
		elseif kind == 'hdel' then
			redis.call('HDEL', KEYS[i], field)
		elseif kind == 'sadd' then
			redis.call('SADD', KEYS[i], field)
		elseif kind == 'srem' then
			redis.call('SREM', KEYS[i], field)
		end
	end
	return 1
`)

// RedisStore implements Store on a Redis node or cluster. Keys carry a
// {partition_N} hash tag, so one Exec always runs inside a single slot.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) HGet(ctx context.Context, key Key, field string) ([]byte, error) {
	data, err := r.client.HGet(ctx, key.String(), field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisStore) HGetAll(ctx context.Context, key Key) (map[string][]byte, error) {
	fields, err := r.client.HGetAll(ctx, key.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	out := make(map[string][]byte, len(fields))
	for f, v := range fields {
		out[f] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) HSet(ctx context.Context, key Key, field string, value []byte) error {
	if err := r.client.HSet(ctx, key.String(), field, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) HDel(ctx context.Context, key Key, field string) (bool, error) {
	n, err := r.client.HDel(ctx, key.String(), field).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) SAdd(ctx context.Context, key Key, member string) error {
	if err := r.client.SAdd(ctx, key.String(), member).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SRem(ctx context.Context, key Key, member string) (bool, error) {
	n, err := r.client.SRem(ctx, key.String(), member).Result()
	if err != nil {
		return false, fmt.Errorf("redis srem %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) SMembers(ctx context.Context, key Key) ([]string, error) {
	members, err := r.client.SMembers(ctx, key.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

func (r *RedisStore) Exec(ctx context.Context, ops ...Op) error {
	if _, err := checkPartition(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*3)
	for _, op := range ops {
		keys = append(keys, op.Key.String())
		value := op.Value
		if value == nil {
			value = []byte{}
		}
		args = append(args, string(op.Kind), op.Field, value)
	}

	applied, err := execScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis exec script: %w", err)
	}
	if applied != 1 {
		return ErrConflict
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
