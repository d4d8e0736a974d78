/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package clusterrouter

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/balancer/base"
	"google.golang.org/grpc/connectivity"
)

// childRetentionInterval is how long a child deactivated by a configuration
// update is kept alive before it is torn down. Cluster membership in the
// routing configuration can flap; destroying and recreating the child
// policy (and its connections) on every flap would cause reconnection
// storms, so a reappearing cluster reuses its still-live child instead.
//
// It is a variable only for tests.
var childRetentionInterval = 15 * time.Minute

// childRecord owns one cluster's child policy instance: its lifecycle, its
// last-observed connectivity state, its current picker, and its delayed
// removal timer. All fields below the creation-time ones are only accessed
// on the owning router's serializer.
type childRecord struct {
	router *clusterRouter
	name   string

	child       balancer.Balancer
	builderName string
	helper      *childHelper

	state  connectivity.State
	picker *childPicker

	// Delayed removal state. removalGen invalidates timer callbacks from
	// a previous deactivation that lost a race with reactivation.
	pendingRemoval bool
	removalTimer   *time.Timer
	removalGen     uint64
}

func newChildRecord(r *clusterRouter, name string) *childRecord {
	if r.logger.V(2) {
		r.logger.Infof("created child %q", name)
	}
	// Start in IDLE, consistent with how the channel treats a balancer
	// that has not reported yet.
	return &childRecord{router: r, name: name, state: connectivity.Idle}
}

// updateLocked reactivates the record if it was pending removal, creates
// the child policy instance if this is the first update (or the policy type
// changed), and forwards the per-cluster configuration and addresses.
func (c *childRecord) updateLocked(policy *childPolicy, s balancer.ClientConnState) {
	if c.router.shuttingDown {
		return
	}
	c.cancelRemovalLocked()

	if c.child != nil && c.builderName != policy.Name {
		// The cluster switched to a different policy type. The old
		// instance cannot be reconfigured across types; tear it down and
		// build the new one from scratch.
		if c.router.logger.V(2) {
			c.router.logger.Infof("child %q: switching policy from %q to %q", c.name, c.builderName, policy.Name)
		}
		c.child.Close()
		c.child = nil
		c.helper = nil
		c.picker = nil
		c.state = connectivity.Idle
	}
	if c.child == nil {
		builder := balancer.Get(policy.Name)
		if builder == nil {
			// The parsing boundary validated the policy name, so this only
			// happens if the policy was unregistered since. Treat it like
			// the child failing rather than aborting the router.
			c.router.logger.Errorf("child %q: policy %q is not registered", c.name, policy.Name)
			c.state = connectivity.TransientFailure
			c.picker = &childPicker{
				name:   c.name,
				picker: base.NewErrPicker(fmt.Errorf("cluster router: policy %q is not registered", policy.Name)),
			}
			return
		}
		c.builderName = policy.Name
		c.helper = &childHelper{ClientConn: c.router.cc, record: c}
		c.child = builder.Build(c.helper, c.router.bOpts)
		if c.router.logger.V(2) {
			c.router.logger.Infof("child %q: created new policy %q (%p)", c.name, policy.Name, c.child)
		}
	}

	s.BalancerConfig = policy.Config
	if err := c.child.UpdateClientConnState(s); err != nil {
		c.router.logger.Warningf("child %q: error from UpdateClientConnState: %v", c.name, err)
	}
}

// onChildStateLocked applies a connectivity state and picker reported by
// the child. The picker is recorded unconditionally. The visible state is
// latched on failure: once TRANSIENT_FAILURE has been observed, only READY
// replaces it, so a child flapping between TRANSIENT_FAILURE and CONNECTING
// cannot masquerade as recovering.
func (c *childRecord) onChildStateLocked(h *childHelper, state balancer.State) {
	if c.router.shuttingDown {
		return
	}
	if h != c.helper {
		// Report from a child instance that has since been torn down.
		return
	}
	c.picker = &childPicker{name: c.name, picker: state.Picker}
	if c.state != connectivity.TransientFailure || state.ConnectivityState == connectivity.Ready {
		c.state = state.ConnectivityState
	}
	c.router.updateStateLocked()
}

// deactivateLocked marks the record for removal and arms the retention
// timer. The child keeps its last picker and state until the timer fires,
// so calls routed to it through an already-published picker keep working.
func (c *childRecord) deactivateLocked() {
	if c.pendingRemoval {
		return
	}
	c.pendingRemoval = true
	c.removalGen++
	gen := c.removalGen
	c.removalTimer = time.AfterFunc(childRetentionInterval, func() {
		c.router.serializer.Schedule(func(context.Context) {
			c.onRemovalTimerLocked(gen)
		})
	})
	if c.router.logger.V(2) {
		c.router.logger.Infof("child %q: deactivated, removal in %v", c.name, childRetentionInterval)
	}
}

// cancelRemovalLocked reactivates a record pending removal. Calling it when
// no removal is pending is a no-op.
func (c *childRecord) cancelRemovalLocked() {
	if !c.pendingRemoval {
		return
	}
	c.pendingRemoval = false
	if c.removalTimer != nil {
		c.removalTimer.Stop()
		c.removalTimer = nil
	}
	if c.router.logger.V(2) {
		c.router.logger.Infof("child %q: reactivated", c.name)
	}
}

// onRemovalTimerLocked runs on the serializer when the retention timer
// fires. The timer goroutine does not own the record; a reactivation (or
// router shutdown) that was serialized before this callback leaves the
// pending flag cleared or the generation stale, and the firing is a no-op.
func (c *childRecord) onRemovalTimerLocked(gen uint64) {
	if c.router.shuttingDown || !c.pendingRemoval || gen != c.removalGen {
		return
	}
	c.pendingRemoval = false
	delete(c.router.children, c.name)
	if c.router.logger.V(2) {
		c.router.logger.Infof("child %q: removed after retention interval", c.name)
	}
	c.orphanLocked()
}

// orphanLocked tears the record down immediately: cancels any pending
// removal timer, shuts down the child policy instance, and drops the cached
// picker.
func (c *childRecord) orphanLocked() {
	c.cancelRemovalLocked()
	if c.child != nil {
		c.child.Close()
		c.child = nil
		c.helper = nil
	}
	c.picker = nil
	c.state = connectivity.Shutdown
	if c.router.logger.V(2) {
		c.router.logger.Infof("child %q: shut down", c.name)
	}
}

func (c *childRecord) resolverErrorLocked(err error) {
	if c.child != nil {
		c.child.ResolverError(err)
	}
}

func (c *childRecord) exitIdleLocked() {
	if ei, ok := c.child.(balancer.ExitIdler); ok {
		ei.ExitIdle()
	}
}

func (c *childRecord) resetConnectionBackoffLocked() {
	if rb, ok := c.child.(interface{ ResetConnectionBackoff() }); ok {
		rb.ResetConnectionBackoff()
	}
}

// childHelper is the balancer.ClientConn handed to a child policy. SubConn
// operations pass straight through to the channel; state reports re-enter
// the router's serializer, where the record applies them. A helper is tied
// to one child instance so reports from a replaced instance can be told
// apart and dropped.
type childHelper struct {
	balancer.ClientConn
	record *childRecord
}

// UpdateState schedules the state report onto the owning router's
// serializer. Child policies may call this from any goroutine, including
// synchronously from within their own UpdateClientConnState.
func (h *childHelper) UpdateState(state balancer.State) {
	h.record.router.serializer.Schedule(func(context.Context) {
		h.record.onChildStateLocked(h, state)
	})
}
