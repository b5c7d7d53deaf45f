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
	"fmt"
	"time"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
)

// ErrBodyTooLarge marks a body past the absolute cap; the caller rejects
// with 413 and never enqueues.
var ErrBodyTooLarge = fmt.Errorf("body exceeds absolute scan cap")

// Limits drives the buffer-or-stream decision of a session.
type Limits struct {
	InlineThresholdBytes int
	FileThresholdBytes   int64
	MaxBodyBytes         int64
	ChunkSizeBytes       int
	SharedMount          bool
}

// Session accumulates one HTTP body on the producer side. It buffers in
// memory until the spill threshold, then drains into a streaming provider.
// Provider choice is settled no later than Finish:
//
//	eof under inline threshold  -> INLINE
//	eof under spill threshold   -> STREAM (buffered replay)
//	spill threshold crossed     -> SHARED_DISK when mounted, else STREAM
type Session struct {
	task     entities.Task
	limits   Limits
	factory  portsout.ProviderFactory
	buffer   []byte
	provider portsout.DataProvider
	total    int64
}

func NewSession(taskID string, priority entities.Priority, metadata entities.TaskMetadata, limits Limits, factory portsout.ProviderFactory) *Session {
	return &Session{
		task: entities.Task{
			ID:         taskID,
			Priority:   priority,
			PushTimeNS: time.Now().UnixNano(),
			Metadata:   metadata,
		},
		limits:  limits,
		factory: factory,
	}
}

func (s *Session) Task() entities.Task {
	return s.task
}

func (s *Session) Total() int64 {
	return s.total
}

// Prefix exposes the buffered head of the body for cache fingerprinting.
func (s *Session) Prefix(n int) []byte {
	if len(s.buffer) < n {
		n = len(s.buffer)
	}

	return s.buffer[:n]
}

func (s *Session) Write(ctx context.Context, chunk []byte) error {
	s.total += int64(len(chunk))
	if s.total > s.limits.MaxBodyBytes {
		return ErrBodyTooLarge
	}

	if s.provider != nil {
		return s.pushChunked(ctx, chunk)
	}

	s.buffer = append(s.buffer, chunk...)
	if s.total > s.limits.FileThresholdBytes {
		return s.spill(ctx)
	}

	return nil
}

func (s *Session) spill(ctx context.Context) error {
	if s.limits.SharedMount {
		s.provider = s.factory.SharedDisk(s.task.ID)
	} else {
		s.provider = s.factory.Stream(s.task.ID)
	}

	buffered := s.buffer
	s.buffer = nil

	return s.pushChunked(ctx, buffered)
}

func (s *Session) pushChunked(ctx context.Context, data []byte) error {
	size := s.limits.ChunkSizeBytes
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}

		if err := s.provider.Push(ctx, data[:n]); err != nil {
			return err
		}

		data = data[n:]
	}

	return nil
}

// Finish settles the provider, flushes any buffered body and returns the
// task ready for the queue.
func (s *Session) Finish(ctx context.Context) (entities.Task, error) {
	if s.provider == nil {
		if int(s.total) <= s.limits.InlineThresholdBytes {
			s.provider = s.factory.Inline(s.task.ID)
		} else {
			s.provider = s.factory.Stream(s.task.ID)
		}

		buffered := s.buffer
		s.buffer = nil

		if len(buffered) > 0 {
			if err := s.pushChunked(ctx, buffered); err != nil {
				return entities.Task{}, err
			}
		}
	}

	if err := s.provider.FinalizePush(ctx); err != nil {
		return entities.Task{}, err
	}

	s.task.Mode = s.provider.Mode()
	s.task.ContentRef = s.provider.ContentRef()

	return s.task, nil
}
