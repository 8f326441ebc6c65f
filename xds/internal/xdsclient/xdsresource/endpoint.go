/*
 *
 * Copyright 2022 gRPC authors.
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
 */

package xdsresource

import (
	"fmt"
	"sort"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// EndpointsUpdate is the validated representation of an Endpoint (EDS /
// ClusterLoadAssignment) resource.
type EndpointsUpdate struct {
	// Priorities is indexed by priority, dense (no gaps) after validation.
	Priorities []Priority
	Drops      []OverloadDropConfig
	Raw        *anypb.Any
}

// Priority holds every locality at one priority level.
type Priority struct {
	Localities map[string]Locality
}

// Locality is a validated group of endpoints sharing a locality name.
type Locality struct {
	Region, Zone, SubZone string
	Weight                uint32
	Endpoints             []Endpoint
}

// LocalityName renders a deterministic string key for comparison; localities
// are compared lexicographically by this string.
func (l Locality) LocalityName() string {
	return fmt.Sprintf("%s/%s/%s", l.Region, l.Zone, l.SubZone)
}

// Endpoint is a single validated backend address.
type Endpoint struct {
	Address        string
	Weight         uint32
	HealthStatus   string
	DrainingStatus bool
}

// OverloadDropConfig is one (category, parts-per-million) drop rule.
type OverloadDropConfig struct {
	Category        string
	DropsPerMillion uint32
}

func unmarshalEndpointResource(r *anypb.Any) (string, any, error) {
	if r.GetTypeUrl() != EndpointTypeURL {
		return "", nil, NewErrorf(ErrorTypeNACKed, "unexpected resource type %q, want ClusterLoadAssignment", r.GetTypeUrl())
	}
	cla := &v3endpointpb.ClusterLoadAssignment{}
	if err := proto.Unmarshal(r.GetValue(), cla); err != nil {
		return "", nil, NewErrorf(ErrorTypeNACKed, "failed to unmarshal ClusterLoadAssignment resource: %v", err)
	}
	update, err := validateEndpoints(cla, r)
	if err != nil {
		return cla.GetClusterName(), nil, err
	}
	return cla.GetClusterName(), update, nil
}

func validateEndpoints(cla *v3endpointpb.ClusterLoadAssignment, raw *anypb.Any) (*EndpointsUpdate, error) {
	byPriority := map[uint32]map[string]Locality{}
	seenAddresses := map[string]bool{}

	for _, le := range cla.GetEndpoints() {
		weight := le.GetLoadBalancingWeight().GetValue()
		if weight == 0 {
			// Zero-weight or absent weight: drop the whole locality.
			continue
		}
		loc := le.GetLocality()
		name := fmt.Sprintf("%s/%s/%s", loc.GetRegion(), loc.GetZone(), loc.GetSubZone())
		priority := le.GetPriority()

		endpoints, err := validateLBEndpoints(le.GetLbEndpoints(), seenAddresses)
		if err != nil {
			return nil, err
		}
		if len(endpoints) == 0 {
			continue
		}

		m, ok := byPriority[priority]
		if !ok {
			m = map[string]Locality{}
			byPriority[priority] = m
		}
		if _, dup := m[name]; dup {
			return nil, NewErrorf(ErrorTypeNACKed, "duplicate locality %q within priority %d", name, priority)
		}
		m[name] = Locality{Region: loc.GetRegion(), Zone: loc.GetZone(), SubZone: loc.GetSubZone(), Weight: weight, Endpoints: endpoints}
	}

	if len(byPriority) == 0 {
		return nil, NewError(ErrorTypeNACKed, "endpoint resource has no non-empty priorities after validation")
	}

	priorities := make([]uint32, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })
	for i, p := range priorities {
		if uint32(i) != p {
			return nil, NewError(ErrorTypeNACKed, "priorities are not dense (missing a priority index)")
		}
	}

	out := make([]Priority, len(priorities))
	for i, p := range priorities {
		localities := byPriority[p]
		var sum uint64
		for _, l := range localities {
			sum += uint64(l.Weight)
		}
		if sum > uint64(1<<32-1) {
			return nil, NewErrorf(ErrorTypeNACKed, "sum of locality weights at priority %d overflows uint32", p)
		}
		out[i] = Priority{Localities: localities}
	}

	drops, err := validateDropOverloads(cla.GetPolicy().GetDropOverloads())
	if err != nil {
		return nil, err
	}

	return &EndpointsUpdate{Priorities: out, Drops: drops, Raw: raw}, nil
}

func validateLBEndpoints(in []*v3endpointpb.LbEndpoint, seenAddresses map[string]bool) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(in))
	for _, e := range in {
		status := e.GetHealthStatus()
		keep, draining := healthStatusDecision(status)
		if !keep {
			continue
		}

		sockAddr := e.GetEndpoint().GetAddress().GetSocketAddress()
		if sockAddr == nil {
			return nil, NewError(ErrorTypeNACKed, "endpoint address is not a SocketAddress")
		}
		addr := fmt.Sprintf("%s:%d", sockAddr.GetAddress(), sockAddr.GetPortValue())
		if seenAddresses[addr] {
			return nil, NewErrorf(ErrorTypeNACKed, "duplicate endpoint address %q", addr)
		}
		seenAddresses[addr] = true

		weight := uint32(1)
		if w := e.GetLoadBalancingWeight(); w != nil {
			if w.GetValue() == 0 {
				return nil, NewErrorf(ErrorTypeNACKed, "endpoint %q has explicit zero weight", addr)
			}
			weight = w.GetValue()
		}

		out = append(out, Endpoint{Address: addr, Weight: weight, HealthStatus: status.String(), DrainingStatus: draining})
	}
	return out, nil
}

// healthStatusDecision reports whether to keep an endpoint, and whether it
// should be tagged draining.
func healthStatusDecision(status v3corepb.HealthStatus) (keep, draining bool) {
	switch status {
	case v3corepb.HealthStatus_UNKNOWN, v3corepb.HealthStatus_HEALTHY:
		return true, false
	case v3corepb.HealthStatus_DRAINING:
		if EnableOverrideHostStatus {
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

func validateDropOverloads(in []*v3endpointpb.ClusterLoadAssignment_Policy_DropOverload) ([]OverloadDropConfig, error) {
	out := make([]OverloadDropConfig, 0, len(in))
	for _, d := range in {
		if d.GetCategory() == "" {
			return nil, NewError(ErrorTypeNACKed, "drop overload has empty category")
		}
		fp := d.GetDropPercentage()
		if fp == nil {
			return nil, NewErrorf(ErrorTypeNACKed, "drop overload %q has no percentage", d.GetCategory())
		}
		ppm, err := normalizeFractionalPercent(fp)
		if err != nil {
			return nil, err
		}
		if ppm > 1_000_000 {
			ppm = 1_000_000
		}
		out = append(out, OverloadDropConfig{Category: d.GetCategory(), DropsPerMillion: ppm})
	}
	return out, nil
}
