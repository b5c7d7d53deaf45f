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

const (
	// blmoveTimeout keeps shutdown responsive while following a producer
	// that is still pushing.
	blmoveTimeout = 5 * time.Second

	// verifiedTTL bounds how long a clean body stays readable downstream.
	verifiedTTL = time.Hour
)

// StreamProvider is the follower-scan transport: the producer RPUSHes
// chunks while the consumer BLMOVEs them one by one into the verified
// mirror list. The handoff is atomic per chunk, so at any instant each
// chunk lives in exactly one of the two lists.
type StreamProvider struct {
	rdb         *redis.Client
	chunksKey   string
	doneKey     string
	verifiedKey string
}

func NewStreamProvider(rdb *redis.Client, chunksKey string) *StreamProvider {
	return &StreamProvider{
		rdb:         rdb,
		chunksKey:   chunksKey,
		doneKey:     chunksKey + ":done",
		verifiedKey: chunksKey + ":verified",
	}
}

func (p *StreamProvider) Push(ctx context.Context, chunk []byte) error {
	return p.rdb.RPush(ctx, p.chunksKey, chunk).Err()
}

func (p *StreamProvider) FinalizePush(ctx context.Context) error {
	return p.rdb.Set(ctx, p.doneKey, "1", verifiedTTL).Err()
}

type streamIterator struct {
	provider *StreamProvider
	started  bool
}

func (it *streamIterator) Next(ctx context.Context) ([]byte, error) {
	if !it.started {
		// A stale verified list from a crashed predecessor must not leak
		// into this scan's mirror.
		if err := it.provider.rdb.Del(ctx, it.provider.verifiedKey).Err(); err != nil {
			return nil, err
		}
		it.started = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk, err := it.provider.rdb.BLMove(ctx, it.provider.chunksKey, it.provider.verifiedKey, "LEFT", "RIGHT", blmoveTimeout).Bytes()
		if err == redis.Nil {
			// Emptiness is terminal only once the producer marked EOF.
			done, derr := it.provider.rdb.Exists(ctx, it.provider.doneKey).Result()
			if derr != nil {
				return nil, derr
			}

			if done > 0 {
				return nil, io.EOF
			}

			continue
		}

		if err != nil {
			return nil, err
		}

		return chunk, nil
	}
}

func (p *StreamProvider) Chunks(ctx context.Context) portsout.ChunkIterator {
	return &streamIterator{provider: p}
}

func (p *StreamProvider) Finalize(ctx context.Context, success, infected bool) error {
	if !success || infected {
		if err := p.rdb.Del(ctx, p.verifiedKey).Err(); err != nil {
			return err
		}
	} else {
		if err := p.rdb.Expire(ctx, p.verifiedKey, verifiedTTL).Err(); err != nil {
			return err
		}
	}

	return p.rdb.Del(ctx, p.doneKey).Err()
}

func (p *StreamProvider) Mode() entities.ScanMode {
	return entities.ModeStream
}

func (p *StreamProvider) ContentRef() string {
	return p.chunksKey
}

func (p *StreamProvider) DataKey() string {
	return p.verifiedKey
}
