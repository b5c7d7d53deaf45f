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

	"gatescan/domain/entities"
)

// ChunkIterator is a finite, non-restartable sequence of body chunks.
// Next returns io.EOF once the body is exhausted.
type ChunkIterator interface {
	Next(ctx context.Context) ([]byte, error)
}

// DataProvider is the uniform push/pull transport between producer and
// consumer. The producer side uses Push/FinalizePush; the consumer side
// consumes Chunks and settles with Finalize.
type DataProvider interface {
	Push(ctx context.Context, chunk []byte) error
	FinalizePush(ctx context.Context) error

	Chunks(ctx context.Context) ChunkIterator
	// Finalize settles provider state after a scan: verified data is kept
	// for reuse only when the scan succeeded and found nothing.
	Finalize(ctx context.Context, success, infected bool) error

	Mode() entities.ScanMode
	ContentRef() string
	// DataKey names the verified-chunk list readable by downstream
	// consumers, empty when the mode has none.
	DataKey() string
}

// ProviderFactory materializes the transport for a task on either side of
// the queue. The producer picks a fresh transport; the consumer reattaches
// one from the wire header.
type ProviderFactory interface {
	Inline(taskID string) DataProvider
	Stream(taskID string) DataProvider
	SharedDisk(taskID string) DataProvider
	ForMode(mode entities.ScanMode, taskID, contentRef string) (DataProvider, error)
}
