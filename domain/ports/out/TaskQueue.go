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
	"time"

	"gatescan/domain/entities"
)

//go:generate go run -mod=mod github.com/golang/mock/mockgen -destination=../../../mocks/mock_task_queue.go -package=mocks -source=TaskQueue.go
type TaskQueue interface {
	// Enqueue frames the task and LPUSHes it to the list matching its priority.
	Enqueue(ctx context.Context, task entities.Task) error

	// Dequeue blocks up to timeout on the priority list first, then the
	// normal list. A non-empty priority list always wins. Returns the queue
	// name the frame came from, or ("", "", nil) on timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (queue, frame string, err error)

	// PublishResult writes the verdict to result:<task_id> with the result TTL.
	PublishResult(ctx context.Context, taskID string, result entities.ScanResult) error

	// AwaitResult blocks until the verdict for taskID arrives or timeout
	// elapses. A timeout returns (ScanResult{}, false, nil).
	AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (entities.ScanResult, bool, error)

	// Depth samples the current length of a queue list.
	Depth(ctx context.Context, queue string) (int64, error)

	// Abandon removes every key a task may have left behind. Used when the
	// proxy disconnects before the verdict arrived.
	Abandon(ctx context.Context, taskID string) error
}
