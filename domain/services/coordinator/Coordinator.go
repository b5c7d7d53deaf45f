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
	"strconv"
	"sync"
	"time"

	portsout "gatescan/domain/ports/out"
	"gatescan/logging"
	"gatescan/metrics"
	"gatescan/pkg/redisutils"
)

const (
	heartbeatTTL      = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	updateInterval    = 5 * time.Second
	lockTTL           = 2 * time.Minute
	lockRefresh       = 30 * time.Second
	surgeTTL          = 5 * time.Minute
	pingPollInterval  = 2 * time.Second
)

// Coordinator runs the engine-reload protocol in every consumer. The
// cluster-wide invariants: one reload at a time, capacity never reaches
// zero during an update, and a heartbeat only ever advertises an epoch
// the local engine verifiably runs.
type Coordinator struct {
	store         portsout.StateStore
	locker        portsout.Locker
	scanner       portsout.Scanner
	recorder      *metrics.Recorder
	logger        logging.Logger
	prefix        string
	nodeID        string
	reloadTimeout time.Duration

	mu           sync.Mutex
	currentEpoch string
	lastPingOK   time.Time
}

func NewCoordinator(store portsout.StateStore, locker portsout.Locker, scanner portsout.Scanner,
	recorder *metrics.Recorder, prefix, nodeID string, reloadTimeout time.Duration, logger logging.Logger) *Coordinator {
	return &Coordinator{
		store:         store,
		locker:        locker,
		scanner:       scanner,
		recorder:      recorder,
		logger:        logger,
		prefix:        prefix,
		nodeID:        nodeID,
		reloadTimeout: reloadTimeout,
		currentEpoch:  "0",
	}
}

func (c *Coordinator) heartbeatKey() string {
	return fmt.Sprintf("%sclamav:heartbeat:%s", c.prefix, c.nodeID)
}

func (c *Coordinator) targetEpochKey() string { return c.prefix + "clamav:target_epoch" }
func (c *Coordinator) updateLockKey() string  { return c.prefix + "clamav:update_lock" }
func (c *Coordinator) scalingKey() string     { return c.prefix + "clamav:scaling_request" }
func (c *Coordinator) statusKey() string      { return fmt.Sprintf("%sclamav:status:%s", c.prefix, c.nodeID) }
func (c *Coordinator) heartbeatGlob() string  { return c.prefix + "clamav:heartbeat:*" }

// Run blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Infow("starting HA coordinator", "node_id", c.nodeID)

	// First heartbeat immediately so the node counts as alive before the
	// first tick.
	c.heartbeat(ctx)

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	updateTicker := time.NewTicker(updateInterval)

	defer heartbeatTicker.Stop()
	defer updateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("stopping HA coordinator", "node_id", c.nodeID)
			return

		case <-heartbeatTicker.C:
			c.heartbeat(ctx)

		case <-updateTicker.C:
			c.checkUpdate(ctx)
		}
	}
}

// heartbeat advertises liveness and the running epoch, but only after a
// fresh PING: a dead engine must let the key decay.
func (c *Coordinator) heartbeat(ctx context.Context) {
	if err := c.scanner.Ping(ctx); err != nil {
		c.logger.Warnw("skipping heartbeat, engine not responding", "error", err, "node_id", c.nodeID)
		return
	}

	c.mu.Lock()
	c.lastPingOK = time.Now()
	epoch := c.currentEpoch
	c.mu.Unlock()

	if err := c.store.Set(ctx, c.heartbeatKey(), epoch, heartbeatTTL); err != nil {
		c.logger.Warnw("failed to write heartbeat", "error", err, "node_id", c.nodeID)
	}
}

// EngineHealthy reports whether the engine answered a PING within window.
func (c *Coordinator) EngineHealthy(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.lastPingOK.IsZero() && time.Since(c.lastPingOK) < window
}

func (c *Coordinator) checkUpdate(ctx context.Context) {
	target, err := c.store.Get(ctx, c.targetEpochKey())
	if err != nil {
		if !redisutils.IsNil(err) {
			c.logger.Warnw("failed to read target epoch", "error", err)
		}
		return
	}

	c.mu.Lock()
	current := c.currentEpoch
	c.mu.Unlock()

	if target == "" || target == current {
		return
	}

	// Counting heartbeat keys is deliberately coarse; a node flapping in
	// or out only delays the surge decision by one round.
	liveNodes, err := c.store.List(ctx, c.heartbeatGlob())
	if err != nil {
		c.logger.Warnw("failed to count heartbeats", "error", err)
		return
	}

	if len(liveNodes) <= 1 {
		c.logger.Infow("sole active node, requesting surge before reload", "target_epoch", target)

		if err := c.store.Set(ctx, c.scalingKey(), "1", surgeTTL); err != nil {
			c.logger.Warnw("failed to request surge", "error", err)
		}

		return
	}

	// Single acquisition attempt; a held lock means another node is
	// reloading and the next update tick is our backoff. Obtain must not
	// retry internally: this goroutine also services the heartbeat ticker,
	// and blocking here would let our own heartbeat key expire mid-update.
	lock, err := c.locker.Obtain(ctx, c.updateLockKey(), lockTTL)
	if err != nil {
		if !redisutils.IsLockTaken(err) {
			c.logger.Warnw("failed to acquire update lock", "error", err)
		}
		return
	}

	c.runReload(ctx, lock, target)
}

func (c *Coordinator) runReload(ctx context.Context, lock portsout.Lock, target string) {
	c.logger.Infow("acquired update lock, reloading engine", "node_id", c.nodeID, "target_epoch", target)

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)

	go c.watchdog(ctx, lock, watchdogDone)

	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			c.logger.Warnw("failed to release update lock", "error", err)
		}
	}()

	if err := c.reloadAndVerify(ctx); err != nil {
		// The cluster stays on the old epoch for this node until an
		// operator steps in; the alert path is the epoch-lag metric.
		c.logger.Errorw("engine reload failed", "error", err, "node_id", c.nodeID, "target_epoch", target)

		if serr := c.store.Set(ctx, c.statusKey(), "ERROR", heartbeatTTL*10); serr != nil {
			c.logger.Warnw("failed to record reload failure", "error", serr)
		}

		return
	}

	c.mu.Lock()
	c.currentEpoch = target
	c.lastPingOK = time.Now()
	c.mu.Unlock()

	// The new epoch must be visible in the heartbeat before the lock is
	// released, so the next holder sees an accurate cluster state.
	if err := c.store.Set(ctx, c.heartbeatKey(), target, heartbeatTTL); err != nil {
		c.logger.Warnw("failed to publish post-reload heartbeat", "error", err)
	}

	if epoch, err := strconv.ParseInt(target, 10, 64); err == nil {
		c.recorder.ReloadEpoch(epoch)
	}

	c.logger.Infow("engine reload complete", "node_id", c.nodeID, "epoch", target)

	c.settleSurge(ctx, target)
}

func (c *Coordinator) watchdog(ctx context.Context, lock portsout.Lock, done <-chan struct{}) {
	ticker := time.NewTicker(lockRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, lockTTL); err != nil {
				c.logger.Warnw("failed to extend update lock", "error", err)
			}
		}
	}
}

func (c *Coordinator) reloadAndVerify(ctx context.Context) error {
	if err := c.scanner.Reload(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(c.reloadTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.scanner.Ping(ctx); err == nil {
			return nil
		}

		time.Sleep(pingPollInterval)
	}

	return fmt.Errorf("engine did not answer PING within %s after reload", c.reloadTimeout)
}

// settleSurge drops the scaling request once every live heartbeat reports
// the target epoch, letting the autoscaler shrink the surge replica.
func (c *Coordinator) settleSurge(ctx context.Context, target string) {
	keys, err := c.store.List(ctx, c.heartbeatGlob())
	if err != nil {
		c.logger.Warnw("failed to list heartbeats for surge settlement", "error", err)
		return
	}

	for _, key := range keys {
		epoch, err := c.store.Get(ctx, key)
		if err != nil || epoch != target {
			return
		}
	}

	if err := c.store.Delete(ctx, c.scalingKey()); err != nil {
		c.logger.Warnw("failed to clear surge request", "error", err)
	}
}
