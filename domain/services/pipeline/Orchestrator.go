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
	"time"

	"github.com/google/uuid"

	"gatescan/common"
	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
	"gatescan/logging"
	"gatescan/metrics"
)

type Action int

const (
	ActionAdmit Action = iota
	ActionBlock
)

// ScanResultHeader values surfaced to the client on admitted traffic.
const (
	ScanResultClean        = "clean"
	ScanResultBypass       = "bypass"
	ScanResultTimeoutAllow = "timeout-allow"
)

// Decision is the terminal state of one scan transaction. Timeouts and
// engine errors never escape as Go errors: they are folded into the
// admit-or-block outcome according to failure_mode_allow.
type Decision struct {
	Action     Action
	StatusCode int
	VirusName  string
	ScanHeader string
	TATms      int64
	TimedOut   bool
	Result     entities.ScanResult
}

type Orchestrator struct {
	queue             portsout.TaskQueue
	factory           portsout.ProviderFactory
	limiter           common.RateLimiter
	recorder          *metrics.Recorder
	logger            logging.Logger
	limits            Limits
	processingTimeout time.Duration
	failureModeAllow  bool
	blockStatusCode   int
}

func NewOrchestrator(queue portsout.TaskQueue, factory portsout.ProviderFactory, limiter common.RateLimiter,
	recorder *metrics.Recorder, limits Limits, processingTimeout time.Duration, failureModeAllow bool,
	blockStatusCode int, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		queue:             queue,
		factory:           factory,
		limiter:           limiter,
		recorder:          recorder,
		logger:            logger,
		limits:            limits,
		processingTimeout: processingTimeout,
		failureModeAllow:  failureModeAllow,
		blockStatusCode:   blockStatusCode,
	}
}

func (o *Orchestrator) NewSession(priority entities.Priority, metadata entities.TaskMetadata) *Session {
	return NewSession(uuid.NewString(), priority, metadata, o.limits, o.factory)
}

// Dispatch enqueues the finished task. A false return means the enqueue
// rate limiter rejected it: the caller bypasses the scan instead of
// queueing into congestion.
func (o *Orchestrator) Dispatch(ctx context.Context, task entities.Task) (bool, error) {
	if o.limiter != nil && !o.limiter.IsRequestAllowed() {
		o.logger.Warnw("scan bypassed by congestion control", "task_id", task.ID, "priority", task.Priority)
		o.recorder.Bypass("congestion")

		return false, nil
	}

	if err := o.queue.Enqueue(ctx, task); err != nil {
		return false, err
	}

	return true, nil
}

// RecordIngest publishes the upload-side duration once the proxy finished
// sending the body.
func (o *Orchestrator) RecordIngest(task entities.Task) {
	o.recorder.Ingest(time.Since(time.Unix(0, task.PushTimeNS)))
}

// Await blocks for the verdict and folds every outcome into a Decision.
func (o *Orchestrator) Await(ctx context.Context, task entities.Task) Decision {
	result, ok, err := o.queue.AwaitResult(ctx, task.ID, o.processingTimeout)
	tat := time.Since(time.Unix(0, task.PushTimeNS))

	if err != nil {
		if ctx.Err() != nil {
			// Proxy went away; nobody will read this verdict.
			return Decision{Action: ActionBlock, StatusCode: 499}
		}

		o.logger.Errorw("failed while waiting for verdict", "error", err, "task_id", task.ID)
		return o.failureDecision(tat, false)
	}

	if !ok {
		o.logger.Warnw("verdict wait timed out", "task_id", task.ID, "timeout", o.processingTimeout)
		return o.failureDecision(tat, true)
	}

	switch {
	case result.IsInfected():
		return Decision{
			Action:     ActionBlock,
			StatusCode: o.blockStatusCode,
			VirusName:  result.VirusName(),
			TATms:      tat.Milliseconds(),
			Result:     result,
		}

	case result.IsClean():
		return Decision{
			Action:     ActionAdmit,
			ScanHeader: ScanResultClean,
			TATms:      tat.Milliseconds(),
			Result:     result,
		}

	default:
		o.logger.Warnw("scan ended in error", "task_id", task.ID, "message", result.Message)
		return o.failureDecision(tat, false)
	}
}

// LocalFailure folds a producer-side error (enqueue or ingest failed
// before any verdict could exist) into the failure-mode policy.
func (o *Orchestrator) LocalFailure() Decision {
	return o.failureDecision(0, false)
}

func (o *Orchestrator) failureDecision(tat time.Duration, timedOut bool) Decision {
	if o.failureModeAllow {
		if timedOut {
			o.recorder.Timeout("allow")
		}

		return Decision{
			Action:     ActionAdmit,
			ScanHeader: ScanResultTimeoutAllow,
			TATms:      tat.Milliseconds(),
			TimedOut:   timedOut,
		}
	}

	if timedOut {
		o.recorder.Timeout("block")
	}

	return Decision{Action: ActionBlock, StatusCode: 503, TATms: tat.Milliseconds(), TimedOut: timedOut}
}

// Abandon frees every key a disconnected transaction may have left.
func (o *Orchestrator) Abandon(ctx context.Context, taskID string) {
	if err := o.queue.Abandon(ctx, taskID); err != nil {
		o.logger.Warnw("failed to clean up abandoned task", "error", err, "task_id", taskID)
	}
}
