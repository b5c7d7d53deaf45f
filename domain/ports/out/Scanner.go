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

import "context"

// ScanOutcome is the engine's interpretation of one streaming session.
type ScanOutcome struct {
	Infected bool
	Virus    string
	// Raw holds the engine reply line for logging.
	Raw string
}

//go:generate go run -mod=mod github.com/golang/mock/mockgen -destination=../../../mocks/mock_scanner.go -package=mocks -source=Scanner.go
type Scanner interface {
	// Scan streams every chunk of the iterator through the engine and
	// returns its verdict. The iterator is fully drained on success.
	Scan(ctx context.Context, chunks ChunkIterator) (ScanOutcome, error)

	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
}

// Notifier pushes operational alerts out of band. Failures are logged and
// never propagated into the scan path.
type Notifier interface {
	Notify(message string) error
}
