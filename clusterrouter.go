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

// Package clusterrouter implements a cluster-routing load balancing policy.
//
// The policy is configured with a map from cluster name to a child load
// balancing policy. It builds one child per cluster, keeps each child's
// connectivity state and picker, and routes every RPC to the child named by
// the call's routing attribute (see SetPickedCluster). The overall channel
// state is aggregated over the configured children.
//
// A cluster removed from the configuration is not torn down immediately:
// its child is kept alive for a retention interval so that configuration
// flapping does not cost a reconnection storm.
package clusterrouter

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"github.com/xdsrouting/clusterrouter/internal/grpcsync"
	"github.com/xdsrouting/clusterrouter/internal/hierarchy"
)

// Name is the name with which the cluster router policy is registered.
const Name = "cluster_router_experimental"

func init() {
	balancer.Register(bb{})
}

type bb struct{}

func (bb) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	ctx, cancel := context.WithCancel(context.Background())
	r := &clusterRouter{
		cc:               cc,
		bOpts:            opts,
		children:         make(map[string]*childRecord),
		serializer:       grpcsync.NewSerializer(ctx),
		serializerCancel: cancel,
	}
	r.logger = newPrefixLogger(r)
	if r.logger.V(2) {
		r.logger.Infof("created")
	}
	return r
}

func (bb) Name() string {
	return Name
}

func (bb) ParseConfig(c json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	return parseConfig(c)
}

// clusterRouter routes RPCs to per-cluster child policies.
//
// All mutable state lives behind the serializer: configuration updates from
// the channel, state reports from children, and removal-timer expirations
// each run as one callback at a time on its single goroutine. There are no
// locks; mutual exclusion comes from never running two mutators
// concurrently.
type clusterRouter struct {
	// Set at creation time, read-only afterwards.
	cc     balancer.ClientConn
	bOpts  balancer.BuildOptions
	logger *prefixLogger

	serializer       *grpcsync.Serializer
	serializerCancel context.CancelFunc

	// Below fields are only accessed on the serializer.
	//
	// children is a superset of the configured clusters: it also holds
	// records pending removal. config is the latest snapshot; pickers are
	// always built over its key set, never over the children map.
	config           *lbConfig
	children         map[string]*childRecord
	updateInProgress bool
	updateEpoch      uint64
	shuttingDown     bool
}

// UpdateClientConnState handles a new configuration snapshot plus address
// list from the channel. The configuration type is validated synchronously;
// everything else runs on the serializer.
func (r *clusterRouter) UpdateClientConnState(s balancer.ClientConnState) error {
	newConfig, ok := s.BalancerConfig.(*lbConfig)
	if !ok {
		return fmt.Errorf("unexpected balancer config with type: %T", s.BalancerConfig)
	}
	r.serializer.Schedule(func(context.Context) {
		r.updateLocked(s, newConfig)
	})
	return nil
}

func (r *clusterRouter) updateLocked(s balancer.ClientConnState, newConfig *lbConfig) {
	if r.shuttingDown {
		return
	}
	if r.logger.V(2) {
		r.logger.Infof("received update with %d children", len(newConfig.Children))
	}
	r.updateInProgress = true
	r.updateEpoch++
	r.config = newConfig

	// Deactivate the children not in the new config.
	for name, child := range r.children {
		if _, ok := newConfig.Children[name]; !ok {
			child.deactivateLocked()
		}
	}

	// Each tier of the balancer hierarchy consumes the leading element of
	// every address's path when splitting the list among its children.
	addressesSplit := hierarchy.Group(s.ResolverState.Addresses)
	endpointsSplit := hierarchy.GroupEndpoints(s.ResolverState.Endpoints)

	// Add or update the children in the new config.
	for name, childCfg := range newConfig.Children {
		child := r.children[name]
		if child == nil {
			child = newChildRecord(r, name)
			r.children[name] = child
		}
		child.updateLocked(childCfg.ChildPolicy, balancer.ClientConnState{
			ResolverState: resolver.State{
				Addresses:     addressesSplit[name],
				Endpoints:     endpointsSplit[name],
				ServiceConfig: s.ResolverState.ServiceConfig,
				Attributes:    s.ResolverState.Attributes,
			},
		})
	}

	// State reports raised synchronously by the children above are queued
	// behind this callback on the serializer. Publishing is suppressed
	// until they have drained, so exactly one aggregate — covering the
	// complete new configuration — goes out per update pass. The epoch
	// check voids this finalize if another update supersedes it first.
	epoch := r.updateEpoch
	r.serializer.Schedule(func(context.Context) {
		r.finishUpdateLocked(epoch)
	})
}

func (r *clusterRouter) finishUpdateLocked(epoch uint64) {
	if r.shuttingDown || epoch != r.updateEpoch {
		return
	}
	r.updateInProgress = false
	r.updateStateLocked()
}

// updateStateLocked recomputes the aggregate connectivity state and picker
// and publishes them to the channel. Children pending removal are excluded
// from both: the state count skips names absent from the config, and the
// picker is built over the config's key set.
func (r *clusterRouter) updateStateLocked() {
	// If an update from the channel is being propagated to the children,
	// ignore their reports; one picker covering the fully-applied update
	// is published when the pass completes. This avoids publishing a
	// picker that reflects a half-applied configuration.
	if r.updateInProgress {
		return
	}
	if r.shuttingDown || r.config == nil {
		return
	}

	var numReady, numConnecting, numIdle int
	for name, child := range r.children {
		if _, ok := r.config.Children[name]; !ok {
			continue
		}
		switch child.state {
		case connectivity.Ready:
			numReady++
		case connectivity.Connecting:
			numConnecting++
		case connectivity.Idle:
			numIdle++
		}
	}
	var aggState connectivity.State
	switch {
	case numReady > 0:
		aggState = connectivity.Ready
	case numConnecting > 0:
		aggState = connectivity.Connecting
	case numIdle > 0:
		aggState = connectivity.Idle
	default:
		// The config always has at least one cluster, so this means every
		// configured child is failing.
		aggState = connectivity.TransientFailure
	}
	if r.logger.V(2) {
		r.logger.Infof("connectivity changed to %v", aggState)
	}

	pickers := make(map[string]*childPicker, len(r.config.Children))
	for name := range r.config.Children {
		cp := r.children[name].picker
		if cp == nil {
			if r.logger.V(2) {
				r.logger.Infof("child %q has not yet reported a picker; queuing its picks", name)
			}
			cp = &childPicker{name: name, picker: queuePicker{}}
		}
		pickers[name] = cp
	}
	r.cc.UpdateState(balancer.State{
		ConnectivityState: aggState,
		Picker:            &clusterPicker{children: pickers},
	})
}

// ResolverError forwards a resolver error to every live child.
func (r *clusterRouter) ResolverError(err error) {
	r.serializer.Schedule(func(context.Context) {
		if r.shuttingDown {
			return
		}
		for _, child := range r.children {
			child.resolverErrorLocked(err)
		}
	})
}

// UpdateSubConnState is unused; SubConn state flows through the listeners
// the children register at SubConn creation.
func (r *clusterRouter) UpdateSubConnState(sc balancer.SubConn, state balancer.SubConnState) {
	r.logger.Errorf("UpdateSubConnState(%v, %+v) called unexpectedly", sc, state)
}

// ExitIdle asks every live child to exit idle, including children pending
// removal.
func (r *clusterRouter) ExitIdle() {
	r.serializer.Schedule(func(context.Context) {
		if r.shuttingDown {
			return
		}
		for _, child := range r.children {
			child.exitIdleLocked()
		}
	})
}

// ResetConnectionBackoff forwards a backoff reset to every live child that
// supports it.
func (r *clusterRouter) ResetConnectionBackoff() {
	r.serializer.Schedule(func(context.Context) {
		if r.shuttingDown {
			return
		}
		for _, child := range r.children {
			child.resetConnectionBackoffLocked()
		}
	})
}

// Close shuts the router down: every child is torn down immediately (no
// retention interval), pending removal timers are cancelled, and the
// serializer is stopped. Close is idempotent, and every operation invoked
// after it is a silent no-op.
func (r *clusterRouter) Close() {
	done := make(chan struct{})
	scheduled := r.serializer.Schedule(func(context.Context) {
		defer close(done)
		if r.shuttingDown {
			return
		}
		r.shuttingDown = true
		for name, child := range r.children {
			child.orphanLocked()
			delete(r.children, name)
		}
		r.config = nil
	})
	if !scheduled {
		return
	}
	select {
	case <-done:
	case <-r.serializer.Done:
	}
	r.serializerCancel()
	<-r.serializer.Done
	if r.logger.V(2) {
		r.logger.Infof("shutdown")
	}
}
