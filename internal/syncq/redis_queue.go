package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps parked jobs in a sorted set of keys scored by due time, a
// hash of job payloads by key and a hash of job sequences by key, so replays
// for the same key coalesce and an older job never replaces a newer one.
type RedisQueue struct {
	client *redis.Client
	dueKey string
	jobKey string
	seqKey string
}

// Sequences are compared as zero-padded strings; Lua numbers are doubles and
// lose precision past 2^53.
var parkScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[3], ARGV[1])
if current and current > ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return false
end
local payload = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return payload
`)

func seqString(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisQueueWithClient(client), nil
}

func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client: client,
		dueKey: "refflow:sync:due",
		jobKey: "refflow:sync:jobs",
		seqKey: "refflow:sync:seq",
	}
}

func (q *RedisQueue) Park(ctx context.Context, job Job, due time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	keys := []string{q.dueKey, q.jobKey, q.seqKey}
	err = parkScript.Run(ctx, q.client, keys, job.Key(), seqString(job.Seq), payload, due.UnixMilli()).Err()
	if err != nil {
		return fmt.Errorf("park job %s: %w", job.Key(), err)
	}
	return nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var count int64
	if limit > 0 {
		count = int64(limit)
	}
	keys, err := q.client.ZRangeByScore(ctx, q.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	jobs := make([]Job, 0, len(keys))
	for _, key := range keys {
		// Only the caller that removes the key from the schedule owns it.
		payload, err := claimScript.Run(ctx, q.client, []string{q.dueKey, q.jobKey, q.seqKey}, key).Text()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return jobs, fmt.Errorf("claim job %s: %w", key, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return jobs, fmt.Errorf("unmarshal job %s: %w", key, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Parked(ctx context.Context, key string) (bool, error) {
	err := q.client.ZScore(ctx, q.dueKey, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check parked job %s: %w", key, err)
	}
	return true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.dueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count parked jobs: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
