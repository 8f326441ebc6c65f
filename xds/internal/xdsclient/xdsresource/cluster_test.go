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
	"testing"

	v3clusterpb "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	v3aggregateclusterpb "github.com/envoyproxy/go-control-plane/envoy/extensions/clusters/aggregate/v3"
	"google.golang.org/protobuf/types/known/anypb"
	wrapperspb "google.golang.org/protobuf/types/known/wrapperspb"
)

func TestValidateClusterEDS(t *testing.T) {
	c := &v3clusterpb.Cluster{
		Name:                 "cluster1",
		ClusterDiscoveryType: &v3clusterpb.Cluster_Type{Type: v3clusterpb.Cluster_EDS},
		EdsClusterConfig:     &v3clusterpb.Cluster_EdsClusterConfig{ServiceName: "eds1"},
	}
	update, err := validateCluster(c, nil)
	if err != nil {
		t.Fatalf("validateCluster: %v", err)
	}
	if update.ClusterType != ClusterTypeEDS {
		t.Errorf("ClusterType = %v, want ClusterTypeEDS", update.ClusterType)
	}
	if update.EDSServiceName != "eds1" {
		t.Errorf("EDSServiceName = %q, want eds1", update.EDSServiceName)
	}
	if update.MaxConcurrentRequests != defaultMaxConcurrentRequests {
		t.Errorf("MaxConcurrentRequests = %d, want default %d", update.MaxConcurrentRequests, defaultMaxConcurrentRequests)
	}
}

func TestValidateClusterXdstpRequiresExplicitEDSServiceName(t *testing.T) {
	c := &v3clusterpb.Cluster{
		Name:                 "xdstp://authority/envoy.config.cluster.v3.Cluster/foo",
		ClusterDiscoveryType: &v3clusterpb.Cluster_Type{Type: v3clusterpb.Cluster_EDS},
	}
	if _, err := validateCluster(c, nil); err == nil {
		t.Fatalf("validateCluster succeeded for an xdstp-style cluster with no eds_service_name, want error")
	}
}

func TestValidateClusterAggregate(t *testing.T) {
	aggCfg, err := anypb.New(&v3aggregateclusterpb.ClusterConfig{Clusters: []string{"c1", "c2"}})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}
	c := &v3clusterpb.Cluster{
		Name: "agg",
		ClusterDiscoveryType: &v3clusterpb.Cluster_ClusterType{
			ClusterType: &v3clusterpb.Cluster_CustomClusterType{Name: "envoy.clusters.aggregate", TypedConfig: aggCfg},
		},
	}
	update, err := validateCluster(c, nil)
	if err != nil {
		t.Fatalf("validateCluster: %v", err)
	}
	if update.ClusterType != ClusterTypeAggregate {
		t.Errorf("ClusterType = %v, want ClusterTypeAggregate", update.ClusterType)
	}
	if len(update.PrioritizedClusterNames) != 2 {
		t.Errorf("PrioritizedClusterNames = %v, want 2 entries", update.PrioritizedClusterNames)
	}
}

func TestValidateClusterAggregateRejectsEmptyChildren(t *testing.T) {
	aggCfg, err := anypb.New(&v3aggregateclusterpb.ClusterConfig{})
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}
	c := &v3clusterpb.Cluster{
		Name: "agg",
		ClusterDiscoveryType: &v3clusterpb.Cluster_ClusterType{
			ClusterType: &v3clusterpb.Cluster_CustomClusterType{Name: "envoy.clusters.aggregate", TypedConfig: aggCfg},
		},
	}
	if _, err := validateCluster(c, nil); err == nil {
		t.Fatalf("validateCluster succeeded for an aggregate cluster with no children, want error")
	}
}

func TestValidateLogicalDNSCluster(t *testing.T) {
	c := &v3clusterpb.Cluster{
		Name:                 "dns1",
		ClusterDiscoveryType: &v3clusterpb.Cluster_Type{Type: v3clusterpb.Cluster_LOGICAL_DNS},
		LoadAssignment: &v3endpointpb.ClusterLoadAssignment{
			Endpoints: []*v3endpointpb.LocalityLbEndpoints{
				{
					LbEndpoints: []*v3endpointpb.LbEndpoint{
						{
							HostIdentifier: &v3endpointpb.LbEndpoint_Endpoint{Endpoint: &v3endpointpb.Endpoint{
								Address: &v3corepb.Address{Address: &v3corepb.Address_SocketAddress{
									SocketAddress: &v3corepb.SocketAddress{Address: "dns.example.com", PortSpecifier: &v3corepb.SocketAddress_PortValue{PortValue: 443}},
								}},
							}},
						},
					},
				},
			},
		},
	}
	update, err := validateCluster(c, nil)
	if err != nil {
		t.Fatalf("validateCluster: %v", err)
	}
	if update.DNSHostName != "dns.example.com:443" {
		t.Errorf("DNSHostName = %q, want dns.example.com:443", update.DNSHostName)
	}
}

func TestValidateLogicalDNSClusterRequiresExactlyOneEndpoint(t *testing.T) {
	c := &v3clusterpb.Cluster{
		Name:                 "dns1",
		ClusterDiscoveryType: &v3clusterpb.Cluster_Type{Type: v3clusterpb.Cluster_LOGICAL_DNS},
		LoadAssignment:       &v3endpointpb.ClusterLoadAssignment{},
	}
	if _, err := validateCluster(c, nil); err == nil {
		t.Fatalf("validateCluster succeeded for a LOGICAL_DNS cluster with zero localities, want error")
	}
}

func TestValidateRingHashBoundsRejectsInverted(t *testing.T) {
	if _, err := validateRingHashBounds(100, 10); err == nil {
		t.Fatalf("validateRingHashBounds succeeded with min > max, want error")
	}
}

func TestValidateRingHashBoundsRejectsOutOfRange(t *testing.T) {
	if _, err := validateRingHashBounds(1, maxRingSize+1); err == nil {
		t.Fatalf("validateRingHashBounds succeeded with max above the hard cap, want error")
	}
}

func TestValidateClusterLBPolicyDefaultsToRoundRobin(t *testing.T) {
	c := &v3clusterpb.Cluster{
		Name:                 "cluster1",
		ClusterDiscoveryType: &v3clusterpb.Cluster_Type{Type: v3clusterpb.Cluster_EDS},
	}
	update, err := validateCluster(c, nil)
	if err != nil {
		t.Fatalf("validateCluster: %v", err)
	}
	if update.LBPolicy.Name != "round_robin" {
		t.Errorf("LBPolicy.Name = %q, want round_robin", update.LBPolicy.Name)
	}
}

func TestValidateOutlierDetectionRejectsOutOfRangePercent(t *testing.T) {
	od := &v3clusterpb.OutlierDetection{
		MaxEjectionPercent: wrapperspb.UInt32(150),
	}
	if _, err := validateOutlierDetection(od); err == nil {
		t.Fatalf("validateOutlierDetection succeeded with max_ejection_percent > 100, want error")
	}
}

func TestValidateOutlierDetectionNilIsNoOp(t *testing.T) {
	od, err := validateOutlierDetection(nil)
	if err != nil {
		t.Fatalf("validateOutlierDetection(nil): %v", err)
	}
	if od != nil {
		t.Errorf("validateOutlierDetection(nil) = %+v, want nil", od)
	}
}
