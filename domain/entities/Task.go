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

package entities

import (
	"fmt"
	"strconv"
	"strings"
)

type ScanMode string

const (
	ModeInline ScanMode = "INLINE"
	ModeStream ScanMode = "STREAM"
	ModePath   ScanMode = "PATH"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// TaskMetadata never crosses the wire; it exists for cache fingerprinting
// and logging on the producer side.
type TaskMetadata struct {
	URI         string
	Method      string
	ContentType string
	TenantID    string
}

type Task struct {
	ID         string
	Mode       ScanMode
	PushTimeNS int64
	ContentRef string
	Priority   Priority
	Metadata   TaskMetadata
}

// Encode renders the queue frame. Binary data never appears here, only the
// reference to the inline key, chunk list or file name.
func (t Task) Encode() string {
	return fmt.Sprintf("%s|%s|%d|%s", t.ID, t.Mode, t.PushTimeNS, t.ContentRef)
}

func DecodeTask(frame string) (Task, error) {
	parts := strings.SplitN(frame, "|", 4)
	if len(parts) != 4 {
		return Task{}, fmt.Errorf("invalid task frame, expected 4 fields, got %d", len(parts))
	}

	pushTime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Task{}, fmt.Errorf("invalid push time %q. %w", parts[2], err)
	}

	mode := ScanMode(parts[1])
	switch mode {
	case ModeInline, ModeStream, ModePath:
	default:
		return Task{ID: parts[0]}, fmt.Errorf("unknown scan mode %q", parts[1])
	}

	if parts[0] == "" {
		return Task{}, fmt.Errorf("empty task id")
	}

	return Task{ID: parts[0], Mode: mode, PushTimeNS: pushTime, ContentRef: parts[3]}, nil
}
