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
	"fmt"
	"time"

	"gatescan/domain/entities"
	portsout "gatescan/domain/ports/out"
	"gatescan/pkg/redisutils"
)

// VerdictCache memoizes clean verdicts under cache:verdict:<fingerprint>.
// Infected verdicts are never written: a repeat offender must hit the
// engine again so operational alerting fires every time.
type VerdictCache struct {
	store  portsout.StateStore
	prefix string
	ttl    time.Duration
}

func NewVerdictCache(store portsout.StateStore, prefix string, ttl time.Duration) *VerdictCache {
	return &VerdictCache{store: store, prefix: prefix, ttl: ttl}
}

func (c *VerdictCache) key(fingerprint string) string {
	return fmt.Sprintf("%scache:verdict:%s", c.prefix, fingerprint)
}

func (c *VerdictCache) Lookup(ctx context.Context, fingerprint string) (bool, error) {
	value, err := c.store.Get(ctx, c.key(fingerprint))
	if err != nil {
		if redisutils.IsNil(err) {
			return false, nil
		}

		return false, err
	}

	return value == string(entities.StatusClean), nil
}

func (c *VerdictCache) StoreClean(ctx context.Context, fingerprint string) error {
	return c.store.Set(ctx, c.key(fingerprint), string(entities.StatusClean), c.ttl)
}
