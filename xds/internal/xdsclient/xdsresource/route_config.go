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
	"strings"
	"time"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3routepb "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// EnableRouteLookup gates the cluster-specifier-plugin handling; it mirrors
// an experimental environment flag upstream, and tests exercise both
// settings.
var EnableRouteLookup = false

const maxUint32 = uint64(1<<32 - 1)
const maxRetryDuration = 315_576_000_000 * time.Second

var validRetryOnTokens = map[string]bool{
	"cancelled":          true,
	"deadline-exceeded":  true,
	"internal":           true,
	"resource-exhausted": true,
	"unavailable":        true,
}

// RouteConfigUpdate is the validated representation of a RouteConfiguration
// resource.
type RouteConfigUpdate struct {
	VirtualHosts []VirtualHost
	Raw          *anypb.Any
}

// VirtualHost holds one virtual host of a validated route configuration.
type VirtualHost struct {
	Domains         []string
	Routes          []Route
	RetryPolicy     *RetryPolicy
	PerFilterConfig map[string]*anypb.Any
}

// Route is a single validated route entry.
type Route struct {
	Prefix *string
	Path   *string
	Regex  *string

	Headers         []HeaderMatcher
	RuntimeFraction *uint32 // parts per million, nil if unset

	ClusterName            string
	WeightedClusters       []WeightedCluster
	ClusterSpecifierPlugin string
	NonForwardingAction    bool

	HashPolicies      []HashPolicy
	RetryPolicy       *RetryPolicy
	MaxStreamDuration *time.Duration
	PerFilterConfig   map[string]*anypb.Any
}

// HeaderMatcher is a single header-matching criterion on a route.
type HeaderMatcher struct {
	Name        string
	InvertMatch bool
}

// WeightedCluster is one entry of a weighted-cluster route action.
type WeightedCluster struct {
	Name   string
	Weight uint32
}

// HashPolicy describes one entry of a route's consistent-hash policy list.
type HashPolicy struct {
	HeaderName string
	Terminal   bool
}

// RetryPolicy is the validated representation of a retry policy, usable
// both at the virtual-host and the route level.
type RetryPolicy struct {
	RetryOn       map[string]bool
	NumRetries    uint32
	BaseInterval  time.Duration
	MaxInterval   time.Duration
}

func unmarshalRouteConfigResource(r *anypb.Any) (string, any, error) {
	if r.GetTypeUrl() != RouteConfigTypeURL {
		return "", nil, NewErrorf(ErrorTypeNACKed, "unexpected resource type %q, want RouteConfiguration", r.GetTypeUrl())
	}
	rc := &v3routepb.RouteConfiguration{}
	if err := proto.Unmarshal(r.GetValue(), rc); err != nil {
		return "", nil, NewErrorf(ErrorTypeNACKed, "failed to unmarshal RouteConfiguration resource: %v", err)
	}
	update, err := validateRouteConfiguration(rc, r)
	if err != nil {
		return rc.GetName(), nil, err
	}
	return rc.GetName(), update, nil
}

func validateRouteConfiguration(rc *v3routepb.RouteConfiguration, raw *anypb.Any) (*RouteConfigUpdate, error) {
	// This implementation registers no cluster-specifier-plugin factories, so
	// every declared plugin is an unsupported extension type from its point
	// of view. A plugin marked optional degrades to "routes referencing it
	// are pruned" (it stays out of knownPlugins); a non-optional one fails
	// the whole resource, matching how an unsupported required extension is
	// handled elsewhere in xDS.
	knownPlugins := map[string]bool{}
	for _, p := range rc.GetClusterSpecifierPlugins() {
		name := p.GetExtension().GetName()
		if !p.GetIsOptional() {
			return nil, NewErrorf(ErrorTypeNACKed, "cluster specifier plugin %q is not optional and not supported", name)
		}
	}

	vhs := make([]VirtualHost, 0, len(rc.GetVirtualHosts()))
	for _, vh := range rc.GetVirtualHosts() {
		domains, err := validateDomains(vh.GetDomains())
		if err != nil {
			return nil, fmt.Errorf("virtual host %q: %w", vh.GetName(), err)
		}

		rp, err := validateRetryPolicy(vh.GetRetryPolicy())
		if err != nil {
			return nil, fmt.Errorf("virtual host %q: retry policy: %w", vh.GetName(), err)
		}

		routes := make([]Route, 0, len(vh.GetRoutes()))
		for _, r := range vh.GetRoutes() {
			route, ok, err := validateRoute(r, knownPlugins)
			if err != nil {
				return nil, fmt.Errorf("virtual host %q: route %q: %w", vh.GetName(), r.GetName(), err)
			}
			if !ok {
				// Route failed a per-route validity check but the resource
				// as a whole is still usable; drop just this route.
				continue
			}
			routes = append(routes, route)
		}
		if len(routes) == 0 {
			return nil, NewErrorf(ErrorTypeNACKed, "virtual host %q: no valid routes remain after pruning", vh.GetName())
		}

		vhs = append(vhs, VirtualHost{
			Domains:         domains,
			Routes:          routes,
			RetryPolicy:     rp,
			PerFilterConfig: vh.GetTypedPerFilterConfig(),
		})
	}
	if len(vhs) == 0 {
		return nil, NewError(ErrorTypeNACKed, "route configuration has no virtual hosts")
	}

	return &RouteConfigUpdate{VirtualHosts: vhs, Raw: raw}, nil
}

// validateDomains enforces that every domain pattern is one of: "*",
// "*suffix", "prefix*", or an exact string with no "*".
func validateDomains(domains []string) ([]string, error) {
	if len(domains) == 0 {
		return nil, NewError(ErrorTypeNACKed, "no domains specified")
	}
	for _, d := range domains {
		if d == "" {
			return nil, NewError(ErrorTypeNACKed, "empty domain pattern")
		}
		if d == "*" {
			continue
		}
		count := strings.Count(d, "*")
		if count == 0 {
			continue
		}
		if count > 1 {
			return nil, NewErrorf(ErrorTypeNACKed, "invalid domain pattern %q", d)
		}
		if !strings.HasPrefix(d, "*") && !strings.HasSuffix(d, "*") {
			return nil, NewErrorf(ErrorTypeNACKed, "invalid domain pattern %q", d)
		}
	}
	return domains, nil
}

// validateRoute returns (route, keep, error). keep is false when the route
// should be silently pruned rather than fail the whole resource.
func validateRoute(r *v3routepb.Route, knownPlugins map[string]bool) (Route, bool, error) {
	match := r.GetMatch()
	route := Route{
		PerFilterConfig: r.GetTypedPerFilterConfig(),
	}

	switch ps := match.GetPathSpecifier().(type) {
	case *v3routepb.RouteMatch_Prefix:
		v := ps.Prefix
		if v != "" && !strings.HasPrefix(v, "/") {
			return Route{}, false, nil
		}
		if strings.Count(v, "/") > 2 {
			return Route{}, false, nil
		}
		route.Prefix = &v
	case *v3routepb.RouteMatch_Path:
		v := ps.Path
		if !strings.HasPrefix(v, "/") || strings.Count(v, "/") != 2 {
			return Route{}, false, nil
		}
		parts := strings.SplitN(v[1:], "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Route{}, false, nil
		}
		route.Path = &v
	case *v3routepb.RouteMatch_SafeRegex:
		v := ps.SafeRegex.GetRegex()
		route.Regex = &v
	default:
		return Route{}, false, nil
	}

	for _, h := range match.GetHeaders() {
		route.Headers = append(route.Headers, HeaderMatcher{Name: h.GetName(), InvertMatch: h.GetInvertMatch()})
	}

	if rf := match.GetRuntimeFraction(); rf != nil {
		ppm, err := normalizeFractionalPercent(rf.GetDefaultValue())
		if err != nil {
			return Route{}, false, err
		}
		route.RuntimeFraction = &ppm
	}

	switch action := r.GetAction().(type) {
	case *v3routepb.Route_Route:
		ra := action.Route
		switch cs := ra.GetClusterSpecifier().(type) {
		case *v3routepb.RouteAction_Cluster:
			if cs.Cluster == "" {
				return Route{}, false, nil
			}
			route.ClusterName = cs.Cluster
		case *v3routepb.RouteAction_WeightedClusters:
			wcs, err := validateWeightedClusters(cs.WeightedClusters)
			if err != nil {
				return Route{}, false, err
			}
			if len(wcs) == 0 {
				return Route{}, false, nil
			}
			route.WeightedClusters = wcs
		case *v3routepb.RouteAction_ClusterHeader:
			return Route{}, false, nil
		default:
			if !EnableRouteLookup {
				return Route{}, false, nil
			}
			name := clusterSpecifierPluginName(ra)
			if name == "" {
				return Route{}, false, nil
			}
			if !knownPlugins[name] {
				// The plugin was declared as optional and this client does
				// not support its extension type: drop just this route
				// rather than failing the whole resource (a non-optional
				// unsupported plugin already failed validation earlier).
				return Route{}, false, nil
			}
			route.ClusterSpecifierPlugin = name
		}

		if rp, err := validateRetryPolicy(ra.GetRetryPolicy()); err != nil {
			return Route{}, false, err
		} else {
			route.RetryPolicy = rp
		}
		if d := ra.GetMaxStreamDuration().GetMaxStreamDuration(); d != nil {
			dur := d.AsDuration()
			route.MaxStreamDuration = &dur
		}
		for _, hp := range ra.GetHashPolicy() {
			if h := hp.GetHeader(); h != nil {
				route.HashPolicies = append(route.HashPolicies, HashPolicy{HeaderName: h.GetHeaderName(), Terminal: hp.GetTerminal()})
			}
		}
	case *v3routepb.Route_NonForwardingAction:
		route.NonForwardingAction = true
	default:
		return Route{}, false, nil
	}

	return route, true, nil
}

// clusterSpecifierPluginName is a seam kept separate so the oneof case for
// the (experimental) cluster-specifier-plugin field can be adapted without
// touching the rest of the route validator should the upstream proto field
// name change across go-control-plane versions.
func clusterSpecifierPluginName(ra *v3routepb.RouteAction) string {
	if p, ok := ra.GetClusterSpecifier().(*v3routepb.RouteAction_ClusterSpecifierPlugin); ok {
		return p.ClusterSpecifierPlugin
	}
	return ""
}

func validateWeightedClusters(wc *v3routepb.WeightedCluster) ([]WeightedCluster, error) {
	var sum uint64
	out := make([]WeightedCluster, 0, len(wc.GetClusters()))
	for _, c := range wc.GetClusters() {
		if c.GetName() == "" {
			return nil, NewError(ErrorTypeNACKed, "weighted cluster entry has empty name")
		}
		if c.GetWeight() == nil {
			return nil, NewErrorf(ErrorTypeNACKed, "weighted cluster %q has no explicit weight", c.GetName())
		}
		w := c.GetWeight().GetValue()
		if w == 0 {
			continue
		}
		sum += uint64(w)
		if sum > maxUint32 {
			return nil, NewError(ErrorTypeNACKed, "sum of weighted cluster weights overflows uint32")
		}
		out = append(out, WeightedCluster{Name: c.GetName(), Weight: w})
	}
	if tw := wc.GetTotalWeight(); tw != nil {
		if uint64(tw.GetValue()) != sum {
			return nil, NewErrorf(ErrorTypeNACKed, "declared total_weight %d does not match sum of weights %d", tw.GetValue(), sum)
		}
	}
	return out, nil
}

func normalizeFractionalPercent(fp *v3corepb.FractionalPercent) (uint32, error) {
	if fp == nil {
		return 1_000_000, nil
	}
	num := uint64(fp.GetNumerator())
	switch fp.GetDenominator() {
	case v3corepb.FractionalPercent_HUNDRED:
		return uint32(num * 10_000), nil
	case v3corepb.FractionalPercent_TEN_THOUSAND:
		return uint32(num * 100), nil
	case v3corepb.FractionalPercent_MILLION:
		return uint32(num), nil
	default:
		return 0, NewError(ErrorTypeNACKed, "unknown fractional percent denominator")
	}
}

func validateRetryPolicy(rp *v3routepb.RetryPolicy) (*RetryPolicy, error) {
	if rp == nil {
		return nil, nil
	}
	out := &RetryPolicy{NumRetries: 1, RetryOn: map[string]bool{}}
	for _, tok := range strings.Split(rp.GetRetryOn(), ",") {
		tok = strings.TrimSpace(tok)
		if validRetryOnTokens[tok] {
			out.RetryOn[tok] = true
		}
	}
	if n := rp.GetNumRetries(); n != nil {
		if n.GetValue() < 1 {
			return nil, NewError(ErrorTypeNACKed, "num_retries must be >= 1")
		}
		out.NumRetries = n.GetValue()
	}
	bo := rp.GetRetryBackOff()
	if bo != nil {
		if bo.GetBaseInterval() == nil {
			return nil, NewError(ErrorTypeNACKed, "retry_back_off present without base_interval")
		}
		base := bo.GetBaseInterval().AsDuration()
		if base < 0 || base > maxRetryDuration {
			return nil, NewError(ErrorTypeNACKed, "base_interval out of range")
		}
		out.BaseInterval = base
		max := base * 10
		if mi := bo.GetMaxInterval(); mi != nil {
			max = mi.AsDuration()
		}
		if max < 0 || max > maxRetryDuration {
			return nil, NewError(ErrorTypeNACKed, "max_interval out of range")
		}
		out.MaxInterval = max
	}
	return out, nil
}
