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
	"io"
	"sync"

	portsout "gatescan/domain/ports/out"
)

// FakeScanner scripts engine behavior for worker and coordinator tests.
type FakeScanner struct {
	mu sync.Mutex

	Outcome portsout.ScanOutcome
	ScanErr error

	PingErr       error
	ReloadErr     error
	FailPingUntil int // number of pings to fail after a reload

	Scanned     [][]byte
	PingCount   int
	ReloadCount int
}

func (s *FakeScanner) Scan(ctx context.Context, chunks portsout.ChunkIterator) (portsout.ScanOutcome, error) {
	var body []byte

	for {
		chunk, err := chunks.Next(ctx)
		if err == io.EOF {
			break
		}

		if err != nil {
			return portsout.ScanOutcome{}, err
		}

		body = append(body, chunk...)
	}

	s.mu.Lock()
	s.Scanned = append(s.Scanned, body)
	s.mu.Unlock()

	if s.ScanErr != nil {
		return portsout.ScanOutcome{}, s.ScanErr
	}

	return s.Outcome, nil
}

func (s *FakeScanner) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PingCount++

	if s.FailPingUntil > 0 {
		s.FailPingUntil--
		return io.ErrUnexpectedEOF
	}

	return s.PingErr
}

func (s *FakeScanner) Version(ctx context.Context) (string, error) {
	return "ClamAV 1.0.0/fake", nil
}

func (s *FakeScanner) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ReloadCount++

	return s.ReloadErr
}

// SpyNotifier records alert messages.
type SpyNotifier struct {
	mu       sync.Mutex
	Messages []string
	Err      error
}

func (n *SpyNotifier) Notify(message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Messages = append(n.Messages, message)

	return n.Err
}

// Sent returns a copy for assertions.
func (n *SpyNotifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	messages := make([]string, len(n.Messages))
	copy(messages, n.Messages)

	return messages
}
