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

package redisutils

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v9"

	"gatescan/domain/ports/out"
)

type Store struct {
	rdb    *redis.Client
	locker *redislock.Client
}

func NewStore(host string, port int, password string, useTLS bool) *Store {
	options := redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       0, // use default DB
	}

	if useTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(&options)

	return &Store{rdb: rdb, locker: redislock.New(rdb)}
}

// Client exposes the raw connection for list-heavy adapters (queues,
// chunk streams) that need BRPOP/BLMOVE.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.rdb.Get(ctx, key).Result()
}

func (s *Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return s.rdb.Get(ctx, key).Bytes()
}

func (s *Store) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return s.rdb.Set(ctx, key, value, expiration).Err()
}

func (s *Store) SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, expiration).Result()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return s.rdb.Expire(ctx, key, expiration).Err()
}

func (s *Store) List(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// IsNil reports whether err is the redis missing-key reply.
func IsNil(err error) bool {
	return err == redis.Nil
}

type lockHandle struct {
	lock *redislock.Lock
}

func (l lockHandle) Refresh(ctx context.Context, ttl time.Duration) error {
	return l.lock.Refresh(ctx, ttl, nil)
}

func (l lockHandle) Release(ctx context.Context) error {
	return l.lock.Release(ctx)
}

// Obtain makes exactly one SET NX PX attempt. A held lock returns
// ErrNotObtained immediately: callers run on periodic loops that supply
// their own backoff cadence, and an internally retrying Obtain would
// block those loops for the whole backoff sum while they have other
// timers (heartbeats) to service.
func (s *Store) Obtain(ctx context.Context, key string, ttl time.Duration) (out.Lock, error) {
	lock, err := s.locker.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.NoRetry(),
	})
	if err != nil {
		return nil, err
	}

	return lockHandle{lock: lock}, nil
}

// IsLockTaken reports whether err means another holder owns the lock.
func IsLockTaken(err error) bool {
	return err == redislock.ErrNotObtained
}
