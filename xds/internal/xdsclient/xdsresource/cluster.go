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
	"strings"
	"time"

	v3clusterpb "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	v3aggregateclusterpb "github.com/envoyproxy/go-control-plane/envoy/extensions/clusters/aggregate/v3"
	v3ringhashpb "github.com/envoyproxy/go-control-plane/envoy/extensions/load_balancing_policies/ring_hash/v3"
	v3tlspb "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
)

// EnableOverrideHostStatus gates retention of the override-host-status set.
var EnableOverrideHostStatus = false

const maxRingSize = 8_388_608
const defaultMaxConcurrentRequests = 1024
const maxDurationSeconds = 315_576_000_000

// certProviderInstances is the immutable, once-populated set of certificate
// provider instance names declared in the bootstrap's
// certificate_providers map. It is installed by SetCertProviderInstances,
// which the xdsclient calls when it constructs a client.
var certProviderInstances = map[string]bool{}

// SetCertProviderInstances installs the set of certificate-provider
// instance names known from the bootstrap config. Called once at client
// construction time.
func SetCertProviderInstances(names map[string]bool) {
	certProviderInstances = names
}

// ClusterUpdate is the validated representation of a Cluster resource, a
// discriminated union over EDS / LOGICAL_DNS / AGGREGATE.
type ClusterUpdate struct {
	ClusterName string

	ClusterType ClusterDiscoveryType
	// EDSServiceName is set for ClusterTypeEDS.
	EDSServiceName string
	// DNSHostName is "host:port", set for ClusterTypeLogicalDNS.
	DNSHostName string
	// PrioritizedClusterNames is the ordered child list, set for
	// ClusterTypeAggregate.
	PrioritizedClusterNames []string

	LBPolicy               LBPolicyConfig
	LRSServerConfig        *LRSServerConfig
	MaxConcurrentRequests  uint32
	OutlierDetection       *OutlierDetection
	TLSConfig              *TLSConfig
	OverrideHostStatus     []string

	Raw *anypb.Any
}

// ClusterDiscoveryType is the discriminant of ClusterUpdate's union.
type ClusterDiscoveryType int

const (
	// ClusterTypeEDS is the EDS discovery type.
	ClusterTypeEDS ClusterDiscoveryType = iota
	// ClusterTypeLogicalDNS is the LOGICAL_DNS discovery type.
	ClusterTypeLogicalDNS
	// ClusterTypeAggregate is the AGGREGATE discovery type.
	ClusterTypeAggregate
)

// LRSServerConfig names the server loads should be reported to.
type LRSServerConfig struct {
	// Self indicates loads should be reported to the same server this
	// cluster was discovered from.
	Self bool
}

// LBPolicyConfig is the (simplified) LB policy tree for a cluster.
type LBPolicyConfig struct {
	// Name is "ring_hash" or "round_robin"; every policy other than ring
	// hash is reported as "round_robin".
	Name            string
	RingHashMinSize uint64
	RingHashMaxSize uint64
}

// OutlierDetection is the validated outlier-detection configuration.
type OutlierDetection struct {
	Interval           time.Duration
	BaseEjectionTime   time.Duration
	MaxEjectionTime    time.Duration
	MaxEjectionPercent uint32
}

// TLSConfig names the upstream TLS provider instance for a cluster.
type TLSConfig struct {
	CertProviderInstance string
}

func unmarshalClusterResource(r *anypb.Any) (string, any, error) {
	if r.GetTypeUrl() != ClusterTypeURL {
		return "", nil, NewErrorf(ErrorTypeNACKed, "unexpected resource type %q, want Cluster", r.GetTypeUrl())
	}
	c := &v3clusterpb.Cluster{}
	if err := proto.Unmarshal(r.GetValue(), c); err != nil {
		return "", nil, NewErrorf(ErrorTypeNACKed, "failed to unmarshal Cluster resource: %v", err)
	}
	update, err := validateCluster(c, r)
	if err != nil {
		return c.GetName(), nil, err
	}
	return c.GetName(), update, nil
}

func validateCluster(c *v3clusterpb.Cluster, raw *anypb.Any) (*ClusterUpdate, error) {
	update := &ClusterUpdate{ClusterName: c.GetName(), Raw: raw}

	if ct := c.GetClusterType(); ct != nil {
		if ct.GetName() != "envoy.clusters.aggregate" {
			return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: unsupported custom cluster type %q", c.GetName(), ct.GetName())
		}
		agg := &v3aggregateclusterpb.ClusterConfig{}
		if err := ct.GetTypedConfig().UnmarshalTo(agg); err != nil {
			return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: failed to unmarshal aggregate cluster config: %v", c.GetName(), err)
		}
		if len(agg.GetClusters()) == 0 {
			return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: aggregate cluster has no children", c.GetName())
		}
		update.ClusterType = ClusterTypeAggregate
		update.PrioritizedClusterNames = agg.GetClusters()
	} else {
		switch c.GetType() {
		case v3clusterpb.Cluster_EDS:
			update.ClusterType = ClusterTypeEDS
			svc := c.GetEdsClusterConfig().GetServiceName()
			if svc == "" && strings.HasPrefix(c.GetName(), "xdstp:") {
				return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: xdstp-style EDS cluster requires an explicit eds_service_name", c.GetName())
			}
			update.EDSServiceName = svc
		case v3clusterpb.Cluster_LOGICAL_DNS:
			update.ClusterType = ClusterTypeLogicalDNS
			hostname, err := validateLogicalDNSCluster(c)
			if err != nil {
				return nil, err
			}
			update.DNSHostName = hostname
		default:
			return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: unsupported or unset discovery type %v", c.GetName(), c.GetType())
		}
	}

	lb, err := validateLBPolicy(c)
	if err != nil {
		return nil, err
	}
	update.LBPolicy = lb

	if lrs := c.GetLrsServer(); lrs != nil {
		if lrs.GetSelf() == nil {
			return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: lrs_server set to something other than self", c.GetName())
		}
		update.LRSServerConfig = &LRSServerConfig{Self: true}
	}

	update.MaxConcurrentRequests = defaultMaxConcurrentRequests
	for _, thresh := range c.GetCircuitBreakers().GetThresholds() {
		if thresh.GetPriority() == 0 { // DEFAULT priority
			if mr := thresh.GetMaxRequests(); mr != nil {
				update.MaxConcurrentRequests = mr.GetValue()
			}
		}
	}

	if od, err := validateOutlierDetection(c.GetOutlierDetection()); err != nil {
		return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: outlier detection: %v", c.GetName(), err)
	} else {
		update.OutlierDetection = od
	}

	if ts := c.GetTransportSocket(); ts != nil {
		tc, err := validateTransportSocket(ts)
		if err != nil {
			return nil, NewErrorf(ErrorTypeNACKed, "cluster %q: %v", c.GetName(), err)
		}
		update.TLSConfig = tc
	}

	if EnableOverrideHostStatus {
		for _, s := range c.GetCommonLbConfig().GetOverrideHostStatus().GetStatuses() {
			update.OverrideHostStatus = append(update.OverrideHostStatus, s.String())
		}
	}

	return update, nil
}

func validateLogicalDNSCluster(c *v3clusterpb.Cluster) (string, error) {
	if cfg := c.GetDnsResolutionConfig(); cfg != nil && len(cfg.GetResolvers()) > 0 {
		return "", NewErrorf(ErrorTypeNACKed, "cluster %q: LOGICAL_DNS cluster must not set a custom resolver", c.GetName())
	}
	la := c.GetLoadAssignment()
	if len(la.GetEndpoints()) != 1 {
		return "", NewErrorf(ErrorTypeNACKed, "cluster %q: LOGICAL_DNS cluster must have exactly one locality", c.GetName())
	}
	lbEndpoints := la.GetEndpoints()[0].GetLbEndpoints()
	if len(lbEndpoints) != 1 {
		return "", NewErrorf(ErrorTypeNACKed, "cluster %q: LOGICAL_DNS cluster must have exactly one endpoint", c.GetName())
	}
	sockAddr := lbEndpoints[0].GetEndpoint().GetAddress().GetSocketAddress()
	if sockAddr == nil {
		return "", NewErrorf(ErrorTypeNACKed, "cluster %q: LOGICAL_DNS endpoint must be a SocketAddress", c.GetName())
	}
	host := sockAddr.GetAddress()
	port := sockAddr.GetPortValue()
	if host == "" || port == 0 {
		return "", NewErrorf(ErrorTypeNACKed, "cluster %q: LOGICAL_DNS endpoint must carry a hostname and port", c.GetName())
	}
	return host + ":" + portToString(port), nil
}

func portToString(p uint32) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

func validateLBPolicy(c *v3clusterpb.Cluster) (LBPolicyConfig, error) {
	if lbp := c.GetLoadBalancingPolicy(); lbp != nil {
		for _, p := range lbp.GetPolicies() {
			tc := p.GetTypedExtensionConfig()
			if tc == nil {
				continue
			}
			if rh, ok := asRingHash(tc.GetTypedConfig()); ok {
				return validateRingHash(rh)
			}
		}
		return LBPolicyConfig{Name: "round_robin"}, nil
	}

	switch c.GetLbPolicy() {
	case v3clusterpb.Cluster_ROUND_ROBIN:
		return LBPolicyConfig{Name: "round_robin"}, nil
	case v3clusterpb.Cluster_RING_HASH:
		rh := c.GetRingHashLbConfig()
		minSize := uint64(1024)
		maxSize := uint64(8388608)
		if rh.GetMinimumRingSize() != nil {
			minSize = rh.GetMinimumRingSize().GetValue()
		}
		if rh.GetMaximumRingSize() != nil {
			maxSize = rh.GetMaximumRingSize().GetValue()
		}
		return validateRingHashBounds(minSize, maxSize)
	default:
		return LBPolicyConfig{Name: "round_robin"}, nil
	}
}

func asRingHash(a *anypb.Any) (*v3ringhashpb.RingHash, bool) {
	if a == nil {
		return nil, false
	}
	rh := &v3ringhashpb.RingHash{}
	if err := a.UnmarshalTo(rh); err != nil {
		return nil, false
	}
	return rh, true
}

func validateRingHash(rh *v3ringhashpb.RingHash) (LBPolicyConfig, error) {
	minSize := uint64(1024)
	maxSize := uint64(8388608)
	if rh.GetMinimumRingSize() != nil {
		minSize = rh.GetMinimumRingSize().GetValue()
	}
	if rh.GetMaximumRingSize() != nil {
		maxSize = rh.GetMaximumRingSize().GetValue()
	}
	if rh.GetHashFunction() != v3ringhashpb.RingHash_XX_HASH {
		return LBPolicyConfig{}, NewError(ErrorTypeNACKed, "ring_hash: only the XX_HASH hash function is supported")
	}
	return validateRingHashBounds(minSize, maxSize)
}

func validateRingHashBounds(minSize, maxSize uint64) (LBPolicyConfig, error) {
	if minSize > maxSize {
		return LBPolicyConfig{}, NewError(ErrorTypeNACKed, "ring_hash: minimum_ring_size > maximum_ring_size")
	}
	if minSize < 1 || maxSize > maxRingSize {
		return LBPolicyConfig{}, NewErrorf(ErrorTypeNACKed, "ring_hash: ring size bounds must be within [1, %d]", maxRingSize)
	}
	return LBPolicyConfig{Name: "ring_hash", RingHashMinSize: minSize, RingHashMaxSize: maxSize}, nil
}

func validateOutlierDetection(od *v3clusterpb.OutlierDetection) (*OutlierDetection, error) {
	if od == nil {
		return nil, nil
	}
	dur := func(d *durationpb.Duration) (time.Duration, error) {
		if d == nil {
			return 0, nil
		}
		v := d.AsDuration()
		if v < 0 || v > maxDurationSeconds*time.Second {
			return 0, NewError(ErrorTypeNACKed, "duration out of range")
		}
		return v, nil
	}
	interval, err := dur(od.GetInterval())
	if err != nil {
		return nil, err
	}
	base, err := dur(od.GetBaseEjectionTime())
	if err != nil {
		return nil, err
	}
	maxEj, err := dur(od.GetMaxEjectionTime())
	if err != nil {
		return nil, err
	}
	pct := od.GetMaxEjectionPercent().GetValue()
	if pct > 100 {
		return nil, NewError(ErrorTypeNACKed, "max_ejection_percent must be <= 100")
	}
	return &OutlierDetection{Interval: interval, BaseEjectionTime: base, MaxEjectionTime: maxEj, MaxEjectionPercent: pct}, nil
}

const upstreamTLSContextTypeURL = "type.googleapis.com/envoy.extensions.transport_sockets.tls.v3.UpstreamTlsContext"

func validateTransportSocket(ts interface {
	GetName() string
	GetTypedConfig() *anypb.Any
}) (*TLSConfig, error) {
	if ts.GetTypedConfig().GetTypeUrl() != upstreamTLSContextTypeURL {
		return nil, NewErrorf(ErrorTypeNACKed, "unsupported transport socket type %q", ts.GetTypedConfig().GetTypeUrl())
	}
	instance, err := extractCertProviderInstance(ts.GetTypedConfig())
	if err != nil {
		return nil, err
	}
	if instance == "" {
		return nil, NewError(ErrorTypeNACKed, "UpstreamTlsContext does not identify a certificate provider instance")
	}
	if !certProviderInstances[instance] {
		return nil, NewErrorf(ErrorTypeNACKed, "certificate provider instance %q not declared in bootstrap", instance)
	}
	return &TLSConfig{CertProviderInstance: instance}, nil
}

func extractCertProviderInstance(a *anypb.Any) (string, error) {
	utc := &v3tlspb.UpstreamTlsContext{}
	if err := a.UnmarshalTo(utc); err != nil {
		return "", NewErrorf(ErrorTypeNACKed, "failed to unmarshal UpstreamTlsContext: %v", err)
	}
	ctc := utc.GetCommonTlsContext()
	if vc := ctc.GetValidationContextCertificateProviderInstance(); vc != nil {
		return vc.GetInstanceName(), nil
	}
	if tc := ctc.GetTlsCertificateCertificateProviderInstance(); tc != nil {
		return tc.GetInstanceName(), nil
	}
	return "", nil
}
