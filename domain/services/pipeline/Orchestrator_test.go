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

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally/v4"

	"gatescan/domain/entities"
	"gatescan/logging"
	"gatescan/metrics"
	"gatescan/mocks"
)

type allowAllLimiter struct{ allowed bool }

func (l allowAllLimiter) IsRequestAllowed() bool { return l.allowed }

func newTestOrchestrator(queue *mocks.FakeTaskQueue, failureModeAllow bool) *Orchestrator {
	return NewOrchestrator(queue, mocks.NewFakeProviderFactory(), nil, metrics.NewRecorder(tally.NoopScope),
		testLimits(false), 200*time.Millisecond, failureModeAllow, 406, logging.NewDiscardLog())
}

func TestDispatchEnqueuesByPriority(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := newTestOrchestrator(queue, true)

	task := entities.Task{ID: "t1", Mode: entities.ModeStream, ContentRef: "chunks:t1", Priority: entities.PriorityHigh}

	dispatched, err := orchestrator.Dispatch(context.Background(), task)
	assert.NoError(t, err)
	assert.True(t, dispatched)
	assert.Len(t, queue.Priority, 1)
	assert.Empty(t, queue.Normal)
}

func TestDispatchBypassesUnderCongestion(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := NewOrchestrator(queue, mocks.NewFakeProviderFactory(), allowAllLimiter{allowed: false},
		metrics.NewRecorder(tally.NoopScope), testLimits(false), time.Second, true, 406, logging.NewDiscardLog())

	dispatched, err := orchestrator.Dispatch(context.Background(), entities.Task{ID: "t1"})
	assert.NoError(t, err)
	assert.False(t, dispatched)
	assert.Empty(t, queue.Priority)
	assert.Empty(t, queue.Normal)
}

func TestAwaitCleanAdmits(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := newTestOrchestrator(queue, true)

	task := entities.Task{ID: "t1", Priority: entities.PriorityNormal, PushTimeNS: time.Now().UnixNano()}
	_ = queue.PublishResult(context.Background(), "t1", entities.NewCleanResult("chunks:t1:verified", entities.ScanMetrics{ScanMS: 5}))

	decision := orchestrator.Await(context.Background(), task)
	assert.Equal(t, ActionAdmit, decision.Action)
	assert.Equal(t, ScanResultClean, decision.ScanHeader)
	assert.False(t, decision.TimedOut)
}

func TestAwaitInfectedBlocks(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := newTestOrchestrator(queue, true)

	task := entities.Task{ID: "t1", Priority: entities.PriorityNormal, PushTimeNS: time.Now().UnixNano()}
	_ = queue.PublishResult(context.Background(), "t1", entities.NewInfectedResult("Eicar-Signature", entities.ScanMetrics{}))

	decision := orchestrator.Await(context.Background(), task)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.Equal(t, 406, decision.StatusCode)
	assert.Equal(t, "Eicar-Signature", decision.VirusName)
}

func TestAwaitTimeoutWithFailureModeAllow(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := newTestOrchestrator(queue, true)

	task := entities.Task{ID: "t1", Priority: entities.PriorityNormal, PushTimeNS: time.Now().UnixNano()}

	decision := orchestrator.Await(context.Background(), task)
	assert.Equal(t, ActionAdmit, decision.Action)
	assert.Equal(t, ScanResultTimeoutAllow, decision.ScanHeader)
	assert.True(t, decision.TimedOut)
}

func TestAwaitTimeoutWithFailureModeBlock(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := newTestOrchestrator(queue, false)

	task := entities.Task{ID: "t1", Priority: entities.PriorityNormal, PushTimeNS: time.Now().UnixNano()}

	decision := orchestrator.Await(context.Background(), task)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.Equal(t, 503, decision.StatusCode)
	assert.True(t, decision.TimedOut)
}

func TestAwaitErrorVerdictFollowsFailureMode(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()

	task := entities.Task{ID: "t1", Priority: entities.PriorityNormal, PushTimeNS: time.Now().UnixNano()}

	_ = queue.PublishResult(context.Background(), "t1", entities.NewErrorResult("engine unavailable"))
	decision := newTestOrchestrator(queue, true).Await(context.Background(), task)
	assert.Equal(t, ActionAdmit, decision.Action)

	_ = queue.PublishResult(context.Background(), "t1", entities.NewErrorResult("engine unavailable"))
	decision = newTestOrchestrator(queue, false).Await(context.Background(), task)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.Equal(t, 503, decision.StatusCode)
}

func TestAbandonRecordsTask(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	orchestrator := newTestOrchestrator(queue, true)

	orchestrator.Abandon(context.Background(), "t9")
	assert.Equal(t, []string{"t9"}, queue.Abandoned)
}
