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
	"path"
	"sync"
	"time"

	"github.com/go-redis/redis/v9"

	portsout "gatescan/domain/ports/out"
)

// ErrKeyMissing mirrors the redis nil reply so callers that special-case
// missing keys behave the same against the fake.
var ErrKeyMissing error = redis.Nil

type FakeStateStore struct {
	mu     sync.Mutex
	Values map[string]string

	PingErr error
}

func NewFakeStateStore() *FakeStateStore {
	return &FakeStateStore{Values: make(map[string]string)}
}

func (s *FakeStateStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.Values[key]
	if !ok {
		return "", ErrKeyMissing
	}

	return value, nil
}

func (s *FakeStateStore) GetBytes(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Get(ctx, key)
	return []byte(value), err
}

func (s *FakeStateStore) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Values[key] = fmt.Sprintf("%v", value)

	return nil
}

func (s *FakeStateStore) SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.Values[key]; ok {
		return false, nil
	}

	s.Values[key] = fmt.Sprintf("%v", value)

	return true, nil
}

func (s *FakeStateStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.Values[key]

	return ok, nil
}

func (s *FakeStateStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.Values, key)
	}

	return nil
}

func (s *FakeStateStore) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}

func (s *FakeStateStore) List(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.Values {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (s *FakeStateStore) Ping(ctx context.Context) error {
	return s.PingErr
}

// FakeLocker grants one holder at a time, like SET NX PX. Obtain is
// single-attempt and returns immediately on contention, matching the
// real Locker's no-retry contract.
type FakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	Obtained int
	Refused  int
}

func NewFakeLocker() *FakeLocker {
	return &FakeLocker{held: make(map[string]bool)}
}

type fakeLock struct {
	locker *FakeLocker
	key    string

	Refreshes int
}

func (l *fakeLock) Refresh(ctx context.Context, ttl time.Duration) error {
	l.Refreshes++
	return nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	delete(l.locker.held, l.key)

	return nil
}

var errLockHeld = fmt.Errorf("lock already held")

func (f *FakeLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (portsout.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.held[key] {
		f.Refused++
		return nil, errLockHeld
	}

	f.held[key] = true
	f.Obtained++

	return &fakeLock{locker: f, key: key}, nil
}

// Held reports whether key is currently locked.
func (f *FakeLocker) Held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.held[key]
}
