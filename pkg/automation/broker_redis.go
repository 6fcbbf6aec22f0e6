package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker keeps each queue in redis: a ready list, a delayed sorted set
// scored by due time, a leased list shadowed by per-task lease keys with a
// TTL, and a dead letter list. Lease expiry is detected by the lease key
// vanishing while the task still sits in the leased list.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBroker wraps a connected client.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, prefix: "nexhub:q:"}
}

func (b *RedisBroker) readyKey(queue string) string   { return b.prefix + queue }
func (b *RedisBroker) delayedKey(queue string) string { return b.prefix + queue + ":delayed" }
func (b *RedisBroker) leasedKey(queue string) string  { return b.prefix + queue + ":leased" }
func (b *RedisBroker) deadKey(queue string) string    { return b.prefix + queue + ":dead" }
func (b *RedisBroker) leaseKey(queue, id string) string {
	return b.prefix + queue + ":lease:" + id
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, t *Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshalling task: %w", err)
	}
	if !t.NotBefore.IsZero() && t.NotBefore.After(time.Now()) {
		return b.rdb.ZAdd(ctx, b.delayedKey(queue), redis.Z{
			Score:  float64(t.NotBefore.UnixMilli()),
			Member: string(body),
		}).Err()
	}
	return b.rdb.LPush(ctx, b.readyKey(queue), string(body)).Err()
}

// promote moves due members of the delayed set into the ready list.
func (b *RedisBroker) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.rdb.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	pipe := b.rdb.TxPipeline()
	for _, member := range due {
		pipe.ZRem(ctx, b.delayedKey(queue), member)
		pipe.LPush(ctx, b.readyKey(queue), member)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Lease(ctx context.Context, queue string, leaseTimeout time.Duration) (*Task, error) {
	if err := b.promote(ctx, queue); err != nil {
		return nil, err
	}
	body, err := b.rdb.LMove(ctx, b.readyKey(queue), b.leasedKey(queue), "RIGHT", "LEFT").Result()
	if err == redis.Nil {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		// Poison entry; drop it rather than wedge the queue.
		b.rdb.LRem(ctx, b.leasedKey(queue), 1, body)
		return nil, fmt.Errorf("unmarshalling leased task: %w", err)
	}
	if err := b.rdb.Set(ctx, b.leaseKey(queue, t.ID), body, leaseTimeout).Err(); err != nil {
		return nil, err
	}
	return &t, nil
}

// release removes a leased task and its lease key. Returns ErrLeaseLost when
// the task is no longer held.
func (b *RedisBroker) release(ctx context.Context, queue string, t *Task) (string, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	n, err := b.rdb.LRem(ctx, b.leasedKey(queue), 1, string(body)).Result()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrLeaseLost
	}
	if err := b.rdb.Del(ctx, b.leaseKey(queue, t.ID)).Err(); err != nil {
		return "", err
	}
	return string(body), nil
}

func (b *RedisBroker) Ack(ctx context.Context, queue string, t *Task) error {
	_, err := b.release(ctx, queue, t)
	return err
}

func (b *RedisBroker) Requeue(ctx context.Context, queue string, t *Task, delay time.Duration) error {
	if _, err := b.release(ctx, queue, t); err != nil {
		return err
	}
	cp := *t
	cp.Attempt++
	cp.NotBefore = time.Now().Add(delay).UTC()
	if delay <= 0 {
		cp.NotBefore = time.Time{}
	}
	return b.Enqueue(ctx, queue, &cp)
}

func (b *RedisBroker) DeadLetter(ctx context.Context, queue string, t *Task) error {
	body, err := b.release(ctx, queue, t)
	if err == ErrLeaseLost {
		// Park it anyway; a reaped task can still exhaust its attempts.
		raw, merr := json.Marshal(t)
		if merr != nil {
			return merr
		}
		body = string(raw)
	} else if err != nil {
		return err
	}
	return b.rdb.LPush(ctx, b.deadKey(queue), body).Err()
}

func (b *RedisBroker) DeadLetters(ctx context.Context, queue string) ([]*Task, error) {
	members, err := b.rdb.LRange(ctx, b.deadKey(queue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(members))
	for _, m := range members {
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, nil
}

func (b *RedisBroker) ReapExpired(ctx context.Context, queue string) (int, error) {
	members, err := b.rdb.LRange(ctx, b.leasedKey(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			continue
		}
		held, err := b.rdb.Exists(ctx, b.leaseKey(queue, t.ID)).Result()
		if err != nil {
			return n, err
		}
		if held > 0 {
			continue
		}
		removed, err := b.rdb.LRem(ctx, b.leasedKey(queue), 1, m).Result()
		if err != nil {
			return n, err
		}
		if removed == 0 {
			continue
		}
		t.Attempt++
		body, err := json.Marshal(&t)
		if err != nil {
			return n, err
		}
		if err := b.rdb.LPush(ctx, b.readyKey(queue), string(body)).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
