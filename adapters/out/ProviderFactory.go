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
	"fmt"

	"github.com/go-redis/redis/v9"
	"github.com/spf13/afero"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
)

// ProviderFactory materializes the transport for a task id on either side
// of the queue. The same factory serves producer (fresh providers) and
// consumer (providers reattached from a queue frame).
type ProviderFactory struct {
	rdb       *redis.Client
	fs        afero.Fs
	prefix    string
	tmpDir    string
	chunkSize int
}

func NewProviderFactory(rdb *redis.Client, fs afero.Fs, prefix, tmpDir string, chunkSize int) *ProviderFactory {
	return &ProviderFactory{rdb: rdb, fs: fs, prefix: prefix, tmpDir: tmpDir, chunkSize: chunkSize}
}

func (f *ProviderFactory) Inline(taskID string) portsout.DataProvider {
	return NewInlineProvider(f.rdb, fmt.Sprintf("%sinline:%s", f.prefix, taskID), f.chunkSize)
}

func (f *ProviderFactory) Stream(taskID string) portsout.DataProvider {
	return NewStreamProvider(f.rdb, fmt.Sprintf("%schunks:%s", f.prefix, taskID))
}

func (f *ProviderFactory) SharedDisk(taskID string) portsout.DataProvider {
	return NewSharedDiskProvider(f.fs, f.tmpDir, taskID, f.chunkSize)
}

// ForMode reattaches a provider from the wire header on the consumer side.
func (f *ProviderFactory) ForMode(mode entities.ScanMode, taskID, contentRef string) (portsout.DataProvider, error) {
	switch mode {
	case entities.ModeInline:
		return NewInlineProvider(f.rdb, contentRef, f.chunkSize), nil

	case entities.ModeStream:
		return NewStreamProvider(f.rdb, contentRef), nil

	case entities.ModePath:
		return NewSharedDiskProvider(f.fs, f.tmpDir, contentRef, f.chunkSize), nil

	default:
		return nil, fmt.Errorf("unknown scan mode %q for task %s", mode, taskID)
	}
}
