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
	"sync"
	"time"

	adaptersout "gatescan/adapters/out"
	portsout "gatescan/domain/ports/out"
	"gatescan/domain/services/scan"
	"gatescan/logging"
	"gatescan/metrics"
)

const (
	dequeueTimeout      = 5 * time.Second
	depthSampleInterval = 10 * time.Second
)

// QueueController runs the consumer worker pool. Each worker owns at most
// one task at a time and its own engine connection; the only cross-worker
// state is the HA coordinator.
type QueueController struct {
	queue        portsout.TaskQueue
	scanService  *scan.Service
	workers      int
	drainTimeout time.Duration

	recorder *metrics.Recorder
	logger   logging.Logger
}

func NewQueueController(queue portsout.TaskQueue, scanService *scan.Service, workers int,
	drainTimeout time.Duration, recorder *metrics.Recorder, logger logging.Logger) *QueueController {
	return &QueueController{
		queue:        queue,
		scanService:  scanService,
		workers:      workers,
		drainTimeout: drainTimeout,
		recorder:     recorder,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled and every worker drained. A task still
// in flight when the drain window closes has its context cancelled, which
// surfaces as an ERROR verdict through the normal result channel.
func (q *QueueController) Run(ctx context.Context) {
	q.logger.Infow("start of async queue processing", "workers", q.workers)

	// taskCtx outlives the intake ctx so SIGTERM never kills a scan
	// mid-stream; the drain timer bounds how long that grace lasts.
	taskCtx, cancelTasks := context.WithCancel(context.Background())

	go func() {
		<-ctx.Done()
		timer := time.AfterFunc(q.drainTimeout, cancelTasks)
		defer timer.Stop()
		<-taskCtx.Done()
	}()

	go q.sampleDepth(ctx)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()
			q.workerLoop(ctx, taskCtx, worker)
		}(i)
	}

	wg.Wait()
	cancelTasks()
	q.logger.Infow("end of async queue processing")
}

func (q *QueueController) workerLoop(ctx, taskCtx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return

		default:
			queueName, frame, err := q.queue.Dequeue(ctx, dequeueTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				q.logger.Errorw("failed to obtain scan task", "error", err, "worker", worker)
				time.Sleep(time.Second)
				continue
			}

			if frame == "" {
				continue
			}

			q.scanService.Process(taskCtx, queueName, frame)
		}
	}
}

func (q *QueueController) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			for _, queue := range []string{adaptersout.PriorityQueue, adaptersout.NormalQueue} {
				depth, err := q.queue.Depth(ctx, queue)
				if err != nil {
					continue
				}

				q.recorder.QueueDepth(queue, depth)
			}
		}
	}
}
