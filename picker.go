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
	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// childPicker pairs a cluster name with the picker its child most recently
// reported. It is immutable: a new state report from the child produces a
// new childPicker, never an in-place update, because a clusterPicker
// embedding it may be picking concurrently on RPC goroutines.
type childPicker struct {
	name   string
	picker balancer.Picker
}

func (cp *childPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	if cp.picker == nil {
		return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
	}
	return cp.picker.Pick(info)
}

// clusterPicker routes each pick to the child picker named by the call's
// routing attribute. The map is built once per aggregate recomputation,
// over the cluster names of the configuration snapshot that produced it,
// and is never mutated afterwards.
type clusterPicker struct {
	children map[string]*childPicker
}

func (cp *clusterPicker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	cluster := pickedCluster(info.Ctx)
	if p := cp.children[cluster]; p != nil {
		return p.Pick(info)
	}
	return balancer.PickResult{}, status.Errorf(codes.Unavailable, "unknown cluster selected for RPC: %q", cluster)
}

// queuePicker stands in for a child that has not yet reported a picker.
// Picks are queued (not failed) until the child publishes a real picker.
type queuePicker struct{}

func (queuePicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
}
