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

// Package grpcsync provides synchronization primitives for the cluster
// router balancer.
package grpcsync

import (
	"context"
	"sync"
)

// Serializer executes scheduled callbacks one at a time, on a single
// dedicated goroutine, in the order they were scheduled. It is the only
// mutual-exclusion mechanism used by the balancer state machine: state
// owned by the serializer is never touched off it, so no locks guard it.
//
// This type is safe for concurrent access.
type Serializer struct {
	// Done is closed after the context passed to NewSerializer is canceled
	// and the callback running at that time, if any, has returned.
	Done chan struct{}

	mu      sync.Mutex
	backlog []func(context.Context)
	wake    chan struct{}
}

// NewSerializer returns a Serializer whose run goroutine exits after ctx is
// canceled. No callback starts executing once ctx is canceled; callbacks
// still in the backlog at that point are dropped.
func NewSerializer(ctx context.Context) *Serializer {
	s := &Serializer{
		Done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go s.run(ctx)
	return s
}

// Schedule queues f to run after all previously scheduled callbacks have
// returned. It never blocks; the backlog grows as needed.
//
// It returns false if the serializer has already stopped, in which case f
// will never run.
func (s *Serializer) Schedule(f func(ctx context.Context)) bool {
	select {
	case <-s.Done:
		return false
	default:
	}
	s.mu.Lock()
	s.backlog = append(s.backlog, f)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Serializer) run(ctx context.Context) {
	defer close(s.Done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.backlog) == 0 {
				s.mu.Unlock()
				break
			}
			f := s.backlog[0]
			s.backlog[0] = nil
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			f(ctx)
		}
	}
}
