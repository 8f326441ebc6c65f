/*
 * Copyright 2019 gRPC authors.
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

package resolver

import (
	"errors"
	"testing"

	"google.golang.org/grpc/resolver"

	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/xdsresource"
	"github.com/grpc/grpc-sub003/xds/internal/xdsdependency"
)

func TestFirstClusterNameSimpleRoute(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{
		VirtualHost: &xdsresource.VirtualHost{
			Routes: []xdsresource.Route{{ClusterName: "cluster1"}},
		},
	}
	if got := firstClusterName(cfg); got != "cluster1" {
		t.Errorf("firstClusterName = %q, want cluster1", got)
	}
}

func TestFirstClusterNameWeightedClusters(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{
		VirtualHost: &xdsresource.VirtualHost{
			Routes: []xdsresource.Route{{
				WeightedClusters: []xdsresource.WeightedCluster{{Name: "w1", Weight: 50}, {Name: "w2", Weight: 50}},
			}},
		},
	}
	if got := firstClusterName(cfg); got != "w1" {
		t.Errorf("firstClusterName = %q, want w1 (first weighted cluster)", got)
	}
}

func TestFirstClusterNameNoVirtualHost(t *testing.T) {
	if got := firstClusterName(&xdsdependency.XdsConfig{}); got != "" {
		t.Errorf("firstClusterName = %q, want empty with no virtual host", got)
	}
}

func TestFirstClusterNameNoUsableRoute(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{
		VirtualHost: &xdsresource.VirtualHost{Routes: []xdsresource.Route{{}}},
	}
	if got := firstClusterName(cfg); got != "" {
		t.Errorf("firstClusterName = %q, want empty when no route names a cluster", got)
	}
}

func clusterWithAddrs(addrs ...string) xdsdependency.ClusterConfig {
	var eps []xdsresource.Endpoint
	for _, a := range addrs {
		eps = append(eps, xdsresource.Endpoint{Address: a})
	}
	return xdsdependency.ClusterConfig{
		Endpoints: &xdsdependency.EndpointConfig{
			Endpoints: &xdsresource.EndpointsUpdate{
				Priorities: []xdsresource.Priority{{Localities: map[string]xdsresource.Locality{
					"r/z/s": {Endpoints: eps},
				}}},
			},
		},
	}
}

func addrStrings(addrs []resolver.Address) []string {
	var out []string
	for _, a := range addrs {
		out = append(out, a.Addr)
	}
	return out
}

func TestAppendLeafAddressesLeafCluster(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{
		Clusters: map[string]xdsdependency.ClusterConfig{
			"c1": clusterWithAddrs("10.0.0.1:80", "10.0.0.2:80"),
		},
	}
	var out []resolver.Address
	got := appendLeafAddresses(cfg, "c1", map[string]bool{}, &out)
	if len(got) != 2 {
		t.Fatalf("got %d addresses, want 2", len(got))
	}
}

func TestAppendLeafAddressesAggregateRecursesAndDedups(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{
		Clusters: map[string]xdsdependency.ClusterConfig{
			"agg":   {Aggregate: &xdsdependency.AggregateConfig{LeafClusters: []string{"leaf1", "agg", "leaf2"}}},
			"leaf1": clusterWithAddrs("10.0.0.1:80"),
			"leaf2": clusterWithAddrs("10.0.0.2:80"),
		},
	}
	var out []resolver.Address
	got := appendLeafAddresses(cfg, "agg", map[string]bool{}, &out)
	gotAddrs := addrStrings(got)
	if len(gotAddrs) != 2 {
		t.Fatalf("got %d addresses (%v), want 2 (self-reference in the leaf list must not recurse infinitely)", len(gotAddrs), gotAddrs)
	}
}

func TestAppendLeafAddressesClusterErrorYieldsNoAddresses(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{
		Clusters: map[string]xdsdependency.ClusterConfig{
			"bad": {Err: errors.New("boom")},
		},
	}
	var out []resolver.Address
	if got := appendLeafAddresses(cfg, "bad", map[string]bool{}, &out); len(got) != 0 {
		t.Errorf("got %d addresses for a cluster in error state, want 0", len(got))
	}
}

func TestAppendLeafAddressesUnknownClusterYieldsNoAddresses(t *testing.T) {
	cfg := &xdsdependency.XdsConfig{Clusters: map[string]xdsdependency.ClusterConfig{}}
	var out []resolver.Address
	if got := appendLeafAddresses(cfg, "missing", map[string]bool{}, &out); len(got) != 0 {
		t.Errorf("got %d addresses for an unknown cluster, want 0", len(got))
	}
}
