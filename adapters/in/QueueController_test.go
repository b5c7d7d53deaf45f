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

package in

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally/v4"

	"gatescan/domain/entities"
	"gatescan/domain/services/scan"
	"gatescan/logging"
	"gatescan/metrics"
	"gatescan/mocks"
)

func seedTask(factory *mocks.FakeProviderFactory, taskID string, body []byte, priority entities.Priority) entities.Task {
	provider := mocks.NewMemoryProvider(entities.ModeStream, "chunks:"+taskID)
	provider.Data = body
	factory.Seeded["chunks:"+taskID] = provider

	return entities.Task{
		ID:         taskID,
		Mode:       entities.ModeStream,
		PushTimeNS: time.Now().UnixNano(),
		ContentRef: "chunks:" + taskID,
		Priority:   priority,
	}
}

func waitForResult(t *testing.T, queue *mocks.FakeTaskQueue, taskID string) entities.ScanResult {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		results := queue.PublishedResults(taskID)
		if len(results) > 0 {
			return results[0]
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("no result published for %s", taskID)

	return entities.ScanResult{}
}

func TestWorkerProcessesEnqueuedTask(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	scanner := &mocks.FakeScanner{}

	service := scan.NewScanService(queue, factory, scanner, nil, metrics.NewRecorder(tally.NoopScope), logging.NewDiscardLog())
	controller := NewQueueController(queue, service, 2, time.Second, metrics.NewRecorder(tally.NoopScope), logging.NewDiscardLog())

	task := seedTask(factory, "t1", []byte("hello"), entities.PriorityNormal)
	assert.NoError(t, queue.Enqueue(context.Background(), task))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		controller.Run(ctx)
		close(done)
	}()

	result := waitForResult(t, queue, "t1")
	assert.True(t, result.IsClean())

	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not drain")
	}
}

func TestPriorityTaskPreemptsNormal(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	scanner := &mocks.FakeScanner{}

	service := scan.NewScanService(queue, factory, scanner, nil, metrics.NewRecorder(tally.NoopScope), logging.NewDiscardLog())
	controller := NewQueueController(queue, service, 1, time.Second, metrics.NewRecorder(tally.NoopScope), logging.NewDiscardLog())

	// The normal task is enqueued first, the priority one second; a single
	// worker must still pick the priority task first.
	normal := seedTask(factory, "normal", []byte("normal body"), entities.PriorityNormal)
	priority := seedTask(factory, "priority", []byte("priority body"), entities.PriorityHigh)

	assert.NoError(t, queue.Enqueue(context.Background(), normal))
	assert.NoError(t, queue.Enqueue(context.Background(), priority))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go controller.Run(ctx)

	waitForResult(t, queue, "priority")
	waitForResult(t, queue, "normal")

	assert.Equal(t, []byte("priority body"), scanner.Scanned[0])
	assert.Equal(t, []byte("normal body"), scanner.Scanned[1])
}
