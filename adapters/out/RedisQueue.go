/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package out

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v9"

	"gatescan/domain/entities"
)

const (
	PriorityQueue = "scan_priority"
	NormalQueue   = "scan_normal"

	resultTTL = 60 * time.Second
)

// RedisQueue carries the task and verdict traffic over two FIFO lists plus
// per-task result keys. Priority is strict: BRPOP lists the priority queue
// first, so scan_normal only advances while scan_priority is empty. Normal
// traffic can starve behind a sustained priority stream; that is the
// intended trade for bounded high-priority latency.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: prefix}
}

func (q *RedisQueue) queueName(priority entities.Priority) string {
	if priority == entities.PriorityHigh {
		return q.prefix + PriorityQueue
	}

	return q.prefix + NormalQueue
}

func (q *RedisQueue) resultKey(taskID string) string {
	return fmt.Sprintf("%sresult:%s", q.prefix, taskID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, task entities.Task) error {
	return q.rdb.LPush(ctx, q.queueName(task.Priority), task.Encode()).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.prefix+PriorityQueue, q.prefix+NormalQueue).Result()
	if err == redis.Nil {
		return "", "", nil
	}

	if err != nil {
		return "", "", err
	}

	return res[0], res[1], nil
}

func (q *RedisQueue) PublishResult(ctx context.Context, taskID string, result entities.ScanResult) error {
	payload, err := result.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode result for %s. %w", taskID, err)
	}

	key := q.resultKey(taskID)
	if err := q.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return err
	}

	return q.rdb.Expire(ctx, key, resultTTL).Err()
}

func (q *RedisQueue) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (entities.ScanResult, bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.resultKey(taskID)).Result()
	if err == redis.Nil {
		return entities.ScanResult{}, false, nil
	}

	if err != nil {
		return entities.ScanResult{}, false, err
	}

	result, err := entities.DecodeScanResult([]byte(res[1]))
	if err != nil {
		return entities.ScanResult{}, false, fmt.Errorf("malformed result payload for %s. %w", taskID, err)
	}

	return result, true, nil
}

func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.rdb.LLen(ctx, q.prefix+queue).Result()
}

func (q *RedisQueue) Abandon(ctx context.Context, taskID string) error {
	keys := []string{
		q.resultKey(taskID),
		fmt.Sprintf("%sinline:%s", q.prefix, taskID),
		fmt.Sprintf("%schunks:%s", q.prefix, taskID),
		fmt.Sprintf("%schunks:%s:done", q.prefix, taskID),
		fmt.Sprintf("%schunks:%s:verified", q.prefix, taskID),
	}

	return q.rdb.Del(ctx, keys...).Err()
}
