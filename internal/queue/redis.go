package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps ready tasks on a list (BRPOP) and delayed tasks on a
// sorted set scored by their ready time. Dequeue promotes due members
// before each blocking pop, so a single poll loop serves both.
type RedisQueue struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
}

// ConnectRedis accepts either a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		readyKey:   "settlement:" + name + ":ready",
		delayedKey: "settlement:" + name + ":delayed",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("task marshal failed: %w", err)
	}
	if delay := time.Until(task.NotBefore); delay > 0 {
		err = q.client.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(task.NotBefore.UnixMilli()),
			Member: body,
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey, body).Err()
	}
	if err != nil {
		return fmt.Errorf("task enqueue failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return Task{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.readyKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("task dequeue failed: %w", err)
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, fmt.Errorf("task unmarshal failed: %w", err)
		}
		return task, nil
	}
}

// promoteDue moves delayed members whose time has come onto the ready
// list. Remove-then-push in one pipeline; a crash between the two loses at
// most the members of one poll, and the webhook transport redelivers.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("delayed scan failed: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, member := range due {
			p.ZRem(ctx, q.delayedKey, member)
			p.LPush(ctx, q.readyKey, member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delayed promote failed: %w", err)
	}
	return nil
}
