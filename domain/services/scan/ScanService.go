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
	"strings"
	"time"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
	"gatescan/logging"
	"gatescan/metrics"
)

// Service executes one scan task end to end: reattach the transport,
// stream it through the engine, settle the verified data and publish the
// verdict. It owns the single-verdict invariant: every frame that decodes
// to a task id produces exactly one result write.
type Service struct {
	queue    portsout.TaskQueue
	factory  portsout.ProviderFactory
	scanner  portsout.Scanner
	notifier portsout.Notifier
	recorder *metrics.Recorder
	logger   logging.Logger
}

func NewScanService(queue portsout.TaskQueue, factory portsout.ProviderFactory, scanner portsout.Scanner,
	notifier portsout.Notifier, recorder *metrics.Recorder, logger logging.Logger) *Service {
	return &Service{queue: queue, factory: factory, scanner: scanner, notifier: notifier, recorder: recorder, logger: logger}
}

func (s *Service) Process(ctx context.Context, queueName, frame string) {
	task, err := entities.DecodeTask(frame)
	if err != nil {
		// The frame is already popped; without a task id there is nowhere
		// to publish, so the task is dropped here.
		s.logger.Warnw("dropping malformed task frame", "error", err, "frame", frame)

		if task.ID != "" {
			s.publish(ctx, task.ID, entities.NewErrorResult(err.Error()))
		}

		return
	}

	task.Priority = priorityOf(queueName)

	provider, err := s.factory.ForMode(task.Mode, task.ID, task.ContentRef)
	if err != nil {
		s.logger.Warnw("failed to materialize provider", "error", err, "task_id", task.ID, "mode", task.Mode)
		s.publish(ctx, task.ID, entities.NewErrorResult(err.Error()))
		return
	}

	start := time.Now()
	outcome, scanErr := s.scanner.Scan(ctx, provider.Chunks(ctx))
	scanDuration := time.Since(start)

	// Settle verified data before the verdict becomes visible: an
	// infected or failed scan must never leave a readable mirror behind.
	if err := provider.Finalize(ctx, scanErr == nil, outcome.Infected); err != nil {
		s.logger.Errorw("provider finalize failed", "error", err, "task_id", task.ID)
	}

	if scanErr != nil {
		s.logger.Errorw("engine scan failed", "error", scanErr, "task_id", task.ID, "mode", task.Mode)
		s.recorder.TaskVerdict(string(entities.StatusError), string(task.Priority))
		s.publish(ctx, task.ID, entities.NewErrorResult(scanErr.Error()))
		return
	}

	totalTAT := time.Since(time.Unix(0, task.PushTimeNS))
	scanMetrics := entities.ScanMetrics{
		ScanMS:     scanDuration.Milliseconds(),
		TotalTATMS: totalTAT.Milliseconds(),
	}

	s.recorder.Scan(scanDuration)
	s.recorder.TurnAround(string(task.Priority), totalTAT)

	var result entities.ScanResult
	if outcome.Infected {
		result = entities.NewInfectedResult(outcome.Virus, scanMetrics)
		s.alert(task, outcome.Virus)
	} else {
		result = entities.NewCleanResult(provider.DataKey(), scanMetrics)
	}

	s.recorder.TaskVerdict(string(result.Status), string(task.Priority))
	s.publish(ctx, task.ID, result)

	s.logger.Infow("scan done", "task_id", task.ID, "status", result.Status, "virus", outcome.Virus,
		"scan_ms", scanMetrics.ScanMS, "total_tat_ms", scanMetrics.TotalTATMS, "queue", queueName)
}

func (s *Service) publish(ctx context.Context, taskID string, result entities.ScanResult) {
	if err := s.queue.PublishResult(ctx, taskID, result); err != nil {
		s.logger.Errorw("failed to publish verdict", "error", err, "task_id", taskID, "status", result.Status)
	}
}

func (s *Service) alert(task entities.Task, virus string) {
	if s.notifier == nil {
		return
	}

	message := fmt.Sprintf("Virus detected: %s (task %s, mode %s)", virus, task.ID, task.Mode)
	if err := s.notifier.Notify(message); err != nil {
		s.logger.Warnw("failed to send infection alert", "error", err, "task_id", task.ID)
	}
}

func priorityOf(queueName string) entities.Priority {
	if strings.Contains(queueName, "priority") {
		return entities.PriorityHigh
	}

	return entities.PriorityNormal
}
