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

// Package testutils contains fakes for the balancer and ClientConn
// interfaces, used by the cluster router tests.
package testutils

import (
	"context"
	"fmt"
	"testing"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
)

// TestSubConn is a fake balancer.SubConn. Tests drive connectivity changes
// by calling UpdateState, which hands them to the state listener the
// balancer registered when it created the subconn.
type TestSubConn struct {
	tcc           *BalancerClientConn // the CC that owns this SubConn
	id            string
	ConnectCh     chan struct{}
	stateListener func(balancer.SubConnState)
}

// NewTestSubConn returns a SubConn detached from any ClientConn. Most
// tests should let the balancer create subconns through
// BalancerClientConn.NewSubConn; this is for picker-level tests that only
// need a SubConn value to compare against.
func NewTestSubConn(id string) *TestSubConn {
	return &TestSubConn{
		ConnectCh: make(chan struct{}, 1),
		id:        id,
	}
}

// UpdateAddresses is a no-op.
func (tsc *TestSubConn) UpdateAddresses([]resolver.Address) {}

// Connect signals the ConnectCh, dropping the signal if one is pending.
func (tsc *TestSubConn) Connect() {
	select {
	case tsc.ConnectCh <- struct{}{}:
	default:
	}
}

// GetOrBuildProducer is a no-op.
func (tsc *TestSubConn) GetOrBuildProducer(balancer.ProducerBuilder) (balancer.Producer, func()) {
	return nil, nil
}

// UpdateState pushes the state to the listener registered at creation, if
// any.
func (tsc *TestSubConn) UpdateState(state balancer.SubConnState) {
	if tsc.stateListener != nil {
		tsc.stateListener(state)
	}
}

// Shutdown records the subconn on the parent ClientConn's
// ShutdownSubConnCh.
func (tsc *TestSubConn) Shutdown() {
	select {
	case tsc.tcc.ShutdownSubConnCh <- tsc:
	default:
	}
}

// String returns the subconn's id.
func (tsc *TestSubConn) String() string {
	return tsc.id
}

// BalancerClientConn is a fake balancer.ClientConn. Subconn activity and
// the balancer's state publications are exposed on channels for tests to
// observe.
type BalancerClientConn struct {
	t *testing.T

	NewSubConnAddrsCh chan []resolver.Address // address lists passed to NewSubConn, up to 10 pending.
	NewSubConnCh      chan *TestSubConn       // subconns created, up to 10 pending.
	ShutdownSubConnCh chan *TestSubConn       // subconns shut down, up to 10 pending.

	NewPickerCh  chan balancer.Picker            // most recent picker, latest wins.
	NewStateCh   chan connectivity.State         // most recent connectivity state, latest wins.
	ResolveNowCh chan resolver.ResolveNowOptions // most recent ResolveNow options, latest wins.

	subConnIdx int
}

// NewBalancerClientConn creates a BalancerClientConn.
func NewBalancerClientConn(t *testing.T) *BalancerClientConn {
	return &BalancerClientConn{
		t: t,

		NewSubConnAddrsCh: make(chan []resolver.Address, 10),
		NewSubConnCh:      make(chan *TestSubConn, 10),
		ShutdownSubConnCh: make(chan *TestSubConn, 10),

		NewPickerCh:  make(chan balancer.Picker, 1),
		NewStateCh:   make(chan connectivity.State, 1),
		ResolveNowCh: make(chan resolver.ResolveNowOptions, 1),
	}
}

// NewSubConn creates a fake SubConn carrying the caller's state listener
// and records the call on NewSubConnAddrsCh and NewSubConnCh.
func (tcc *BalancerClientConn) NewSubConn(a []resolver.Address, o balancer.NewSubConnOptions) (balancer.SubConn, error) {
	sc := &TestSubConn{
		tcc:           tcc,
		id:            fmt.Sprintf("sc%d", tcc.subConnIdx),
		ConnectCh:     make(chan struct{}, 1),
		stateListener: o.StateListener,
	}
	tcc.subConnIdx++
	tcc.t.Logf("testutils.BalancerClientConn: NewSubConn(%v, %+v) => %s", a, o, sc)
	select {
	case tcc.NewSubConnAddrsCh <- a:
	default:
	}
	select {
	case tcc.NewSubConnCh <- sc:
	default:
	}
	return sc, nil
}

// RemoveSubConn fails the test; balancers are expected to shut subconns
// down through SubConn.Shutdown instead.
func (tcc *BalancerClientConn) RemoveSubConn(sc balancer.SubConn) {
	tcc.t.Errorf("RemoveSubConn(%v) called unexpectedly", sc)
}

// UpdateAddresses only logs the call.
func (tcc *BalancerClientConn) UpdateAddresses(sc balancer.SubConn, addrs []resolver.Address) {
	tcc.t.Logf("testutils.BalancerClientConn: UpdateAddresses(%v, %+v)", sc, addrs)
}

// UpdateState updates the latest connectivity state and picker, replacing
// any value not yet consumed.
func (tcc *BalancerClientConn) UpdateState(bs balancer.State) {
	tcc.t.Logf("testutils.BalancerClientConn: UpdateState(%v)", bs)
	select {
	case <-tcc.NewStateCh:
	default:
	}
	tcc.NewStateCh <- bs.ConnectivityState

	select {
	case <-tcc.NewPickerCh:
	default:
	}
	tcc.NewPickerCh <- bs.Picker
}

// ResolveNow records the last ResolveNow options.
func (tcc *BalancerClientConn) ResolveNow(o resolver.ResolveNowOptions) {
	select {
	case <-tcc.ResolveNowCh:
	default:
	}
	tcc.ResolveNowCh <- o
}

// Target panics.
func (tcc *BalancerClientConn) Target() string {
	panic("not implemented")
}

// WaitForPicker waits for a picker to be pushed to this ClientConn and
// returns it. It fails if ctx expires first.
func (tcc *BalancerClientConn) WaitForPicker(ctx context.Context) (balancer.Picker, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout waiting for picker: %v", ctx.Err())
	case p := <-tcc.NewPickerCh:
		return p, nil
	}
}

// WaitForConnectivityState waits for the connectivity state want to be
// pushed to this ClientConn, skipping intermediate states. It fails if ctx
// expires first.
func (tcc *BalancerClientConn) WaitForConnectivityState(ctx context.Context, want connectivity.State) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for connectivity state %v: %v", want, ctx.Err())
		case got := <-tcc.NewStateCh:
			if got == want {
				return nil
			}
		}
	}
}

// TestConstPicker is a picker that always returns the same pick result.
type TestConstPicker struct {
	Err error
	SC  balancer.SubConn
}

// Pick returns the const SubConn or the error.
func (tcp *TestConstPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	if tcp.Err != nil {
		return balancer.PickResult{}, tcp.Err
	}
	return balancer.PickResult{SubConn: tcp.SC}, nil
}
