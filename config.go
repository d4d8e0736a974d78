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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/serviceconfig"
)

// childPolicy is the childPolicy field of a cluster entry: a list of
// candidate policies, in preference order, of which the first one
// registered with the balancer registry is selected and its configuration
// parsed.
type childPolicy struct {
	// Name of the selected policy.
	Name string
	// Config is the parsed configuration for the selected policy, as
	// returned by its balancer.ConfigParser. Nil if the policy does not
	// implement balancer.ConfigParser.
	Config serviceconfig.LoadBalancingConfig
}

// UnmarshalJSON implements json unmarshaller.
func (cp *childPolicy) UnmarshalJSON(b []byte) error {
	var candidates []map[string]json.RawMessage
	if err := json.Unmarshal(b, &candidates); err != nil {
		return fmt.Errorf("json.Unmarshal(%s) failed: %v", string(b), err)
	}

	var names []string
	for _, candidate := range candidates {
		if len(candidate) != 1 {
			return fmt.Errorf("invalid childPolicy: entry %v does not contain exactly one policy", candidate)
		}
		var name string
		var rawCfg json.RawMessage
		for name, rawCfg = range candidate {
		}
		names = append(names, name)

		builder := balancer.Get(name)
		if builder == nil {
			// The policy is not registered; try the next candidate.
			continue
		}
		cp.Name = name

		parser, ok := builder.(balancer.ConfigParser)
		if !ok {
			if string(rawCfg) != "{}" {
				logger.Warningf("non-empty balancer configuration %q, but balancer does not implement ParseConfig", string(rawCfg))
			}
			return nil
		}
		cfg, err := parser.ParseConfig(rawCfg)
		if err != nil {
			return fmt.Errorf("error parsing config for policy %q: %v", name, err)
		}
		cp.Config = cfg
		return nil
	}
	return fmt.Errorf("invalid childPolicy: no supported policies found in %v", names)
}

// childConfig is the on-the-wire shape of one cluster entry.
type childConfig struct {
	// ChildPolicy is the load balancing policy for the cluster.
	ChildPolicy *childPolicy `json:"childPolicy"`
}

// lbConfig is the balancer configuration for the cluster router: an
// immutable snapshot mapping cluster name to its child policy. A new
// snapshot wholesale-replaces the previous one on every update.
type lbConfig struct {
	serviceconfig.LoadBalancingConfig `json:"-"`

	Children map[string]childConfig `json:"children"`
}

// parseConfig validates the whole configuration before the balancer sees
// any of it. Per-cluster problems are collected and reported as a single
// aggregated error rather than failing on the first bad entry, so a
// control-plane operator sees every offending cluster at once.
func parseConfig(c json.RawMessage) (*lbConfig, error) {
	var raw struct {
		Children map[string]json.RawMessage `json:"children"`
	}
	if err := json.Unmarshal(c, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cluster router config %s: %v", string(c), err)
	}
	if len(raw.Children) == 0 {
		return nil, fmt.Errorf("invalid cluster router config %s: no children provided", string(c))
	}

	var errs []string
	children := make(map[string]childConfig, len(raw.Children))
	for name, rawChild := range raw.Children {
		if name == "" {
			errs = append(errs, "child name cannot be empty")
			continue
		}
		var cc childConfig
		if err := json.Unmarshal(rawChild, &cc); err != nil {
			errs = append(errs, fmt.Sprintf("child %q: %v", name, err))
			continue
		}
		if cc.ChildPolicy == nil {
			errs = append(errs, fmt.Sprintf("child %q: no childPolicy provided", name))
			continue
		}
		children[name] = cc
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return nil, fmt.Errorf("errors parsing cluster router config: [%s]", strings.Join(errs, "; "))
	}
	return &lbConfig{Children: children}, nil
}
