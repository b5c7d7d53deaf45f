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
	"io"
	"time"

	"github.com/go-redis/redis/v9"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
)

const inlineTTL = 60 * time.Second

// InlineProvider carries small bodies through a single redis value at
// inline:<task_id>. The queue frame references the key, never the bytes.
type InlineProvider struct {
	rdb       *redis.Client
	key       string
	chunkSize int
	buffer    []byte
}

func NewInlineProvider(rdb *redis.Client, key string, chunkSize int) *InlineProvider {
	return &InlineProvider{rdb: rdb, key: key, chunkSize: chunkSize}
}

func (p *InlineProvider) Push(ctx context.Context, chunk []byte) error {
	p.buffer = append(p.buffer, chunk...)
	return nil
}

func (p *InlineProvider) FinalizePush(ctx context.Context) error {
	return p.rdb.Set(ctx, p.key, p.buffer, inlineTTL).Err()
}

type inlineIterator struct {
	provider *InlineProvider
	data     []byte
	loaded   bool
	offset   int
}

func (it *inlineIterator) Next(ctx context.Context) ([]byte, error) {
	if !it.loaded {
		data, err := it.provider.rdb.Get(ctx, it.provider.key).Bytes()
		if err == redis.Nil {
			// An expired key is a transient failure; an empty value is a
			// valid zero-length body. Distinguish by erroring here.
			return nil, redis.Nil
		}

		if err != nil {
			return nil, err
		}

		it.data = data
		it.loaded = true
	}

	if it.offset >= len(it.data) {
		return nil, io.EOF
	}

	end := it.offset + it.provider.chunkSize
	if end > len(it.data) {
		end = len(it.data)
	}

	chunk := it.data[it.offset:end]
	it.offset = end

	return chunk, nil
}

func (p *InlineProvider) Chunks(ctx context.Context) portsout.ChunkIterator {
	return &inlineIterator{provider: p}
}

func (p *InlineProvider) Finalize(ctx context.Context, success, infected bool) error {
	return p.rdb.Del(ctx, p.key).Err()
}

func (p *InlineProvider) Mode() entities.ScanMode {
	return entities.ModeInline
}

func (p *InlineProvider) ContentRef() string {
	return p.key
}

func (p *InlineProvider) DataKey() string {
	return ""
}
