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

package scan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally/v4"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
	"gatescan/logging"
	"gatescan/metrics"
	"gatescan/mocks"
)

func newService(queue *mocks.FakeTaskQueue, factory *mocks.FakeProviderFactory, scanner *mocks.FakeScanner, notifier portsout.Notifier) *Service {
	return NewScanService(queue, factory, scanner, notifier, metrics.NewRecorder(tally.NoopScope), logging.NewDiscardLog())
}

func seedStreamTask(factory *mocks.FakeProviderFactory, taskID string, body []byte) entities.Task {
	provider := mocks.NewMemoryProvider(entities.ModeStream, "chunks:"+taskID)
	provider.VerifiedKey = "chunks:" + taskID + ":verified"
	provider.Data = body
	factory.Seeded["chunks:"+taskID] = provider

	return entities.Task{
		ID:         taskID,
		Mode:       entities.ModeStream,
		PushTimeNS: time.Now().UnixNano(),
		ContentRef: "chunks:" + taskID,
	}
}

func TestCleanScanPublishesCleanWithDataKey(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	scanner := &mocks.FakeScanner{}

	task := seedStreamTask(factory, "t1", []byte("hello world"))
	service := newService(queue, factory, scanner, nil)

	service.Process(context.Background(), "scan_normal", task.Encode())

	results := queue.PublishedResults("t1")
	assert.Len(t, results, 1)
	assert.True(t, results[0].IsClean())
	assert.Equal(t, "chunks:t1:verified", *results[0].DataKey)

	provider := factory.Seeded["chunks:t1"]
	assert.True(t, provider.Finalized)
	assert.True(t, provider.FinalizeSuccess)
	assert.False(t, provider.FinalizeInfected)

	assert.Equal(t, []byte("hello world"), scanner.Scanned[0])
}

func TestInfectedScanPublishesInfectedAndAlerts(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	scanner := &mocks.FakeScanner{Outcome: portsout.ScanOutcome{Infected: true, Virus: "Eicar-Signature"}}
	notifier := &mocks.SpyNotifier{}

	task := seedStreamTask(factory, "t1", []byte("malicious"))
	service := newService(queue, factory, scanner, notifier)

	service.Process(context.Background(), "scan_priority", task.Encode())

	results := queue.PublishedResults("t1")
	assert.Len(t, results, 1)
	assert.True(t, results[0].IsInfected())
	assert.Equal(t, "Eicar-Signature", results[0].VirusName())
	assert.Nil(t, results[0].DataKey)

	// Verified data must be dropped before the verdict became visible.
	provider := factory.Seeded["chunks:t1"]
	assert.True(t, provider.Finalized)
	assert.True(t, provider.FinalizeInfected)

	assert.Len(t, notifier.Sent(), 1)
	assert.Contains(t, notifier.Sent()[0], "Eicar-Signature")
}

func TestEngineFailurePublishesError(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	scanner := &mocks.FakeScanner{ScanErr: fmt.Errorf("clamd connection reset")}

	task := seedStreamTask(factory, "t1", []byte("data"))
	service := newService(queue, factory, scanner, nil)

	service.Process(context.Background(), "scan_normal", task.Encode())

	results := queue.PublishedResults("t1")
	assert.Len(t, results, 1)
	assert.Equal(t, entities.StatusError, results[0].Status)

	provider := factory.Seeded["chunks:t1"]
	assert.True(t, provider.Finalized)
	assert.False(t, provider.FinalizeSuccess)
}

func TestMalformedFrameWithRecoverableIDPublishesError(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	service := newService(queue, mocks.NewFakeProviderFactory(), &mocks.FakeScanner{}, nil)

	service.Process(context.Background(), "scan_normal", "task-9|FTP|123|ref")

	results := queue.PublishedResults("task-9")
	assert.Len(t, results, 1)
	assert.Equal(t, entities.StatusError, results[0].Status)
}

func TestMalformedFrameWithoutIDIsDropped(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	service := newService(queue, mocks.NewFakeProviderFactory(), &mocks.FakeScanner{}, nil)

	service.Process(context.Background(), "scan_normal", "garbage")

	assert.Empty(t, queue.Published)
}

func TestUnknownProviderPublishesError(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	factory.ForModeErr = fmt.Errorf("unknown scan mode")

	service := newService(queue, factory, &mocks.FakeScanner{}, nil)
	service.Process(context.Background(), "scan_normal", "t1|STREAM|123|chunks:t1")

	results := queue.PublishedResults("t1")
	assert.Len(t, results, 1)
	assert.Equal(t, entities.StatusError, results[0].Status)
}

func TestExactlyOneVerdictPerTask(t *testing.T) {
	queue := mocks.NewFakeTaskQueue()
	factory := mocks.NewFakeProviderFactory()
	scanner := &mocks.FakeScanner{}

	task := seedStreamTask(factory, "t1", []byte("body"))
	service := newService(queue, factory, scanner, nil)

	service.Process(context.Background(), "scan_normal", task.Encode())

	assert.Len(t, queue.PublishedResults("t1"), 1)
}
