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

package metrics

import (
	"time"

	"github.com/uber-go/tally/v4"
)

const (
	priorityTATHistogram = "priority_tat_ms"
	normalTATHistogram   = "normal_tat_ms"
	ingestTATHistogram   = "ingest_tat_ms"
	scanHistogram        = "scan_ms"
	tasksCounter         = "tasks_total"
	timeoutsCounter      = "timeouts_total"
	bypassCounter        = "bypass_total"
	reloadEpochGauge     = "reload_epoch"
	queueDepthGauge      = "queue_depth"
)

// Recorder wraps the tally scope with the fixed instrument set of the
// scanning pipeline, so call sites never deal with tag maps directly.
type Recorder struct {
	scope tally.Scope
}

func NewRecorder(scope tally.Scope) *Recorder {
	return &Recorder{scope: scope}
}

func durationBuckets() tally.Buckets {
	return tally.DurationBuckets{
		time.Millisecond,
		5 * time.Millisecond,
		25 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		5 * time.Second,
		15 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}
}

func (r *Recorder) TaskVerdict(verdict, priority string) {
	r.scope.Tagged(map[string]string{"verdict": verdict, "priority": priority}).Counter(tasksCounter).Inc(1)
}

func (r *Recorder) Timeout(verdict string) {
	r.scope.Tagged(map[string]string{"verdict": verdict}).Counter(timeoutsCounter).Inc(1)
}

func (r *Recorder) Bypass(reason string) {
	r.scope.Tagged(map[string]string{"reason": reason}).Counter(bypassCounter).Inc(1)
}

func (r *Recorder) TurnAround(priority string, d time.Duration) {
	name := normalTATHistogram
	if priority == "high" {
		name = priorityTATHistogram
	}

	r.scope.Histogram(name, durationBuckets()).RecordDuration(d)
}

func (r *Recorder) Ingest(d time.Duration) {
	r.scope.Histogram(ingestTATHistogram, durationBuckets()).RecordDuration(d)
}

func (r *Recorder) Scan(d time.Duration) {
	r.scope.Histogram(scanHistogram, durationBuckets()).RecordDuration(d)
}

func (r *Recorder) ReloadEpoch(epoch int64) {
	r.scope.Gauge(reloadEpochGauge).Update(float64(epoch))
}

func (r *Recorder) QueueDepth(queue string, depth int64) {
	r.scope.Tagged(map[string]string{"queue": queue}).Gauge(queueDepthGauge).Update(float64(depth))
}
