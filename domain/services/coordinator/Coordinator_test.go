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

package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally/v4"

	"gatescan/logging"
	"gatescan/metrics"
	"gatescan/mocks"
)

func newTestCoordinator(store *mocks.FakeStateStore, locker *mocks.FakeLocker, scanner *mocks.FakeScanner) *Coordinator {
	return NewCoordinator(store, locker, scanner, metrics.NewRecorder(tally.NoopScope),
		"", "node-a", 5*time.Second, logging.NewDiscardLog())
}

func TestHeartbeatRequiresHealthyEngine(t *testing.T) {
	store := mocks.NewFakeStateStore()
	scanner := &mocks.FakeScanner{}
	c := newTestCoordinator(store, mocks.NewFakeLocker(), scanner)

	c.heartbeat(context.Background())
	value, err := store.Get(context.Background(), "clamav:heartbeat:node-a")
	assert.NoError(t, err)
	assert.Equal(t, "0", value)
	assert.True(t, c.EngineHealthy(time.Second))

	// A dead engine must let the heartbeat decay, not refresh it.
	store.Values = map[string]string{}
	scanner.PingErr = fmt.Errorf("engine down")
	c.heartbeat(context.Background())

	_, err = store.Get(context.Background(), "clamav:heartbeat:node-a")
	assert.Error(t, err)
}

func TestNoUpdateWhenEpochMatches(t *testing.T) {
	store := mocks.NewFakeStateStore()
	locker := mocks.NewFakeLocker()
	c := newTestCoordinator(store, locker, &mocks.FakeScanner{})

	store.Values["clamav:target_epoch"] = "0"
	c.checkUpdate(context.Background())

	assert.Zero(t, locker.Obtained)
}

func TestSoleNodeRequestsSurgeInsteadOfReloading(t *testing.T) {
	store := mocks.NewFakeStateStore()
	locker := mocks.NewFakeLocker()
	c := newTestCoordinator(store, locker, &mocks.FakeScanner{})

	store.Values["clamav:target_epoch"] = "1"
	store.Values["clamav:heartbeat:node-a"] = "0"

	c.checkUpdate(context.Background())

	assert.Equal(t, "1", store.Values["clamav:scaling_request"])
	assert.Zero(t, locker.Obtained)
}

func TestReloadAdvancesHeartbeatAndClearsSurge(t *testing.T) {
	store := mocks.NewFakeStateStore()
	locker := mocks.NewFakeLocker()
	scanner := &mocks.FakeScanner{}
	c := newTestCoordinator(store, locker, scanner)

	store.Values["clamav:target_epoch"] = "1"
	store.Values["clamav:heartbeat:node-a"] = "0"
	store.Values["clamav:heartbeat:node-b"] = "1"
	store.Values["clamav:scaling_request"] = "1"

	c.checkUpdate(context.Background())

	assert.Equal(t, 1, scanner.ReloadCount)
	assert.Equal(t, "1", store.Values["clamav:heartbeat:node-a"])
	assert.False(t, locker.Held("clamav:update_lock"))

	// Both heartbeats carry the target epoch, so the surge request ends.
	_, ok := store.Values["clamav:scaling_request"]
	assert.False(t, ok)
}

func TestSurgeStaysWhilePeerLagsBehind(t *testing.T) {
	store := mocks.NewFakeStateStore()
	locker := mocks.NewFakeLocker()
	c := newTestCoordinator(store, locker, &mocks.FakeScanner{})

	store.Values["clamav:target_epoch"] = "2"
	store.Values["clamav:heartbeat:node-a"] = "1"
	store.Values["clamav:heartbeat:node-b"] = "1"
	store.Values["clamav:scaling_request"] = "1"

	c.checkUpdate(context.Background())

	assert.Equal(t, "2", store.Values["clamav:heartbeat:node-a"])
	assert.Equal(t, "1", store.Values["clamav:scaling_request"])
}

func TestFailedReloadNeverAdvancesHeartbeat(t *testing.T) {
	store := mocks.NewFakeStateStore()
	locker := mocks.NewFakeLocker()
	scanner := &mocks.FakeScanner{ReloadErr: fmt.Errorf("RELOAD rejected")}
	c := newTestCoordinator(store, locker, scanner)

	store.Values["clamav:target_epoch"] = "1"
	store.Values["clamav:heartbeat:node-a"] = "0"
	store.Values["clamav:heartbeat:node-b"] = "0"

	c.checkUpdate(context.Background())

	assert.Equal(t, "0", store.Values["clamav:heartbeat:node-a"])
	assert.Equal(t, "ERROR", store.Values["clamav:status:node-a"])
	assert.False(t, locker.Held("clamav:update_lock"))
}

func TestLockContentionBacksOff(t *testing.T) {
	store := mocks.NewFakeStateStore()
	locker := mocks.NewFakeLocker()
	scanner := &mocks.FakeScanner{}
	c := newTestCoordinator(store, locker, scanner)

	store.Values["clamav:target_epoch"] = "1"
	store.Values["clamav:heartbeat:node-a"] = "0"
	store.Values["clamav:heartbeat:node-b"] = "0"

	// Another node holds the lock.
	held, err := locker.Obtain(context.Background(), "clamav:update_lock", time.Minute)
	assert.NoError(t, err)
	defer held.Release(context.Background())

	// A contended round must return promptly without reloading; the next
	// update tick is the retry. Obtain is single-attempt by contract, so
	// the loop stays free to service heartbeats during contention.
	start := time.Now()
	c.checkUpdate(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, scanner.ReloadCount)
	assert.Equal(t, "0", store.Values["clamav:heartbeat:node-a"])
}
