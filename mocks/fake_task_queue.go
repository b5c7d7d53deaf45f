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

package mocks

import (
	"context"
	"sync"
	"time"

	"gatescan/domain/entities"
)

// Hand-coded because the queue fake needs real FIFO semantics across
// goroutines, which expectation-style mocks model poorly.
type FakeTaskQueue struct {
	mu sync.Mutex

	Priority []string
	Normal   []string

	Published map[string][]entities.ScanResult
	Abandoned []string

	EnqueueErr error

	// AwaitScript overrides AwaitResult when set.
	AwaitScript func(taskID string) (entities.ScanResult, bool, error)
}

func NewFakeTaskQueue() *FakeTaskQueue {
	return &FakeTaskQueue{Published: make(map[string][]entities.ScanResult)}
}

func (q *FakeTaskQueue) Enqueue(ctx context.Context, task entities.Task) error {
	if q.EnqueueErr != nil {
		return q.EnqueueErr
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if task.Priority == entities.PriorityHigh {
		q.Priority = append(q.Priority, task.Encode())
	} else {
		q.Normal = append(q.Normal, task.Encode())
	}

	return nil
}

func (q *FakeTaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, string, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if len(q.Priority) > 0 {
			frame := q.Priority[0]
			q.Priority = q.Priority[1:]
			q.mu.Unlock()
			return "scan_priority", frame, nil
		}

		if len(q.Normal) > 0 {
			frame := q.Normal[0]
			q.Normal = q.Normal[1:]
			q.mu.Unlock()
			return "scan_normal", frame, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) || ctx.Err() != nil {
			return "", "", nil
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func (q *FakeTaskQueue) PublishResult(ctx context.Context, taskID string, result entities.ScanResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Published[taskID] = append(q.Published[taskID], result)

	return nil
}

func (q *FakeTaskQueue) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (entities.ScanResult, bool, error) {
	if q.AwaitScript != nil {
		return q.AwaitScript(taskID)
	}

	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		results := q.Published[taskID]
		if len(results) > 0 {
			result := results[0]
			q.Published[taskID] = results[1:]
			q.mu.Unlock()
			return result, true, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) || ctx.Err() != nil {
			return entities.ScanResult{}, false, nil
		}

		time.Sleep(5 * time.Millisecond)
	}
}

func (q *FakeTaskQueue) Depth(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if queue == "scan_priority" {
		return int64(len(q.Priority)), nil
	}

	return int64(len(q.Normal)), nil
}

func (q *FakeTaskQueue) Abandon(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Abandoned = append(q.Abandoned, taskID)

	return nil
}

// PublishedResults returns a copy for assertions.
func (q *FakeTaskQueue) PublishedResults(taskID string) []entities.ScanResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	results := make([]entities.ScanResult, len(q.Published[taskID]))
	copy(results, q.Published[taskID])

	return results
}
