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

package mocks

import (
	"context"
	"fmt"
	"io"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
)

const fakeChunkSize = 4096

// MemoryProvider is an in-process DataProvider for unit tests: pushes
// append to a byte slice, chunk iteration replays it.
type MemoryProvider struct {
	ProviderMode entities.ScanMode
	Ref          string
	VerifiedKey  string

	Data      []byte
	Finalized bool
	PushedEOF bool

	// Finalize arguments, recorded for assertions.
	FinalizeSuccess  bool
	FinalizeInfected bool

	PushErr error
	IterErr error
}

func NewMemoryProvider(mode entities.ScanMode, ref string) *MemoryProvider {
	return &MemoryProvider{ProviderMode: mode, Ref: ref}
}

func (p *MemoryProvider) Push(ctx context.Context, chunk []byte) error {
	if p.PushErr != nil {
		return p.PushErr
	}

	p.Data = append(p.Data, chunk...)

	return nil
}

func (p *MemoryProvider) FinalizePush(ctx context.Context) error {
	p.PushedEOF = true
	return nil
}

type memoryIterator struct {
	provider *MemoryProvider
	offset   int
}

func (it *memoryIterator) Next(ctx context.Context) ([]byte, error) {
	if it.provider.IterErr != nil {
		return nil, it.provider.IterErr
	}

	if it.offset >= len(it.provider.Data) {
		return nil, io.EOF
	}

	end := it.offset + fakeChunkSize
	if end > len(it.provider.Data) {
		end = len(it.provider.Data)
	}

	chunk := it.provider.Data[it.offset:end]
	it.offset = end

	return chunk, nil
}

func (p *MemoryProvider) Chunks(ctx context.Context) portsout.ChunkIterator {
	return &memoryIterator{provider: p}
}

func (p *MemoryProvider) Finalize(ctx context.Context, success, infected bool) error {
	p.Finalized = true
	p.FinalizeSuccess = success
	p.FinalizeInfected = infected

	return nil
}

func (p *MemoryProvider) Mode() entities.ScanMode {
	return p.ProviderMode
}

func (p *MemoryProvider) ContentRef() string {
	return p.Ref
}

func (p *MemoryProvider) DataKey() string {
	return p.VerifiedKey
}

// FakeProviderFactory hands out MemoryProviders and remembers every one
// it created, keyed by task id.
type FakeProviderFactory struct {
	Created map[string]*MemoryProvider

	// Seeded providers returned by ForMode, keyed by content ref.
	Seeded map[string]*MemoryProvider

	ForModeErr error
}

func NewFakeProviderFactory() *FakeProviderFactory {
	return &FakeProviderFactory{
		Created: make(map[string]*MemoryProvider),
		Seeded:  make(map[string]*MemoryProvider),
	}
}

func (f *FakeProviderFactory) create(mode entities.ScanMode, taskID, ref string) portsout.DataProvider {
	provider := NewMemoryProvider(mode, ref)
	if mode == entities.ModeStream {
		provider.VerifiedKey = ref + ":verified"
	}

	f.Created[taskID] = provider

	return provider
}

func (f *FakeProviderFactory) Inline(taskID string) portsout.DataProvider {
	return f.create(entities.ModeInline, taskID, "inline:"+taskID)
}

func (f *FakeProviderFactory) Stream(taskID string) portsout.DataProvider {
	return f.create(entities.ModeStream, taskID, "chunks:"+taskID)
}

func (f *FakeProviderFactory) SharedDisk(taskID string) portsout.DataProvider {
	return f.create(entities.ModePath, taskID, taskID)
}

func (f *FakeProviderFactory) ForMode(mode entities.ScanMode, taskID, contentRef string) (portsout.DataProvider, error) {
	if f.ForModeErr != nil {
		return nil, f.ForModeErr
	}

	if provider, ok := f.Seeded[contentRef]; ok {
		return provider, nil
	}

	return nil, fmt.Errorf("no seeded provider for ref %s", contentRef)
}
