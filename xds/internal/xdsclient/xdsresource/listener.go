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
	"time"

	v3listenerpb "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	v3httppb "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// HTTPFilter is one entry of the HTTP filter chain carried by an
// API-listener's HTTP connection manager.
type HTTPFilter struct {
	Name       string
	TypeURL    string
	IsTerminal bool
	Config     proto.Message
}

const routerFilterTypeURL = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"

// ListenerUpdate is the validated representation of a Listener resource.
// Only the API-listener variant is modeled; server-side filter-chain
// listeners are explicitly out of scope.
type ListenerUpdate struct {
	// RouteConfigName is set when the HCM references an RDS resource by
	// name instead of inlining it. Empty when InlineRouteConfig is set.
	RouteConfigName string
	// InlineRouteConfig is set when the HCM carries its RouteConfiguration
	// inline rather than by RDS name.
	InlineRouteConfig *RouteConfigUpdate
	// HTTPFilters is the ordered filter chain, always ending in a terminal
	// (router) filter.
	HTTPFilters []HTTPFilter
	// MaxStreamDuration is the HCM-level stream duration cap, if configured.
	MaxStreamDuration time.Duration

	Raw *anypb.Any
}

// knownNonTerminalFilterTypeURLs is consulted for every non-terminal HTTP
// filter: a type URL not listed here is dropped if the filter was marked
// optional, otherwise validation fails. This module does not carry a full
// filter registry. The only entry is the router's type URL, which is
// terminal, so every non-terminal filter is treated as unknown.
var knownNonTerminalFilterTypeURLs = map[string]bool{
	"type.googleapis.com/envoy.extensions.filters.http.router.v3.Router": false,
}

func unmarshalListenerResource(r *anypb.Any) (string, any, error) {
	if r.GetTypeUrl() != ListenerTypeURL {
		return "", nil, NewErrorf(ErrorTypeNACKed, "unexpected resource type %q, want Listener", r.GetTypeUrl())
	}
	lis := &v3listenerpb.Listener{}
	if err := proto.Unmarshal(r.GetValue(), lis); err != nil {
		return "", nil, NewErrorf(ErrorTypeNACKed, "failed to unmarshal Listener resource: %v", err)
	}
	update, err := validateListener(lis, r)
	if err != nil {
		return lis.GetName(), nil, err
	}
	return lis.GetName(), update, nil
}

func validateListener(lis *v3listenerpb.Listener, raw *anypb.Any) (*ListenerUpdate, error) {
	apiLis := lis.GetApiListener()
	hasAddress := lis.GetAddress() != nil
	if apiLis == nil {
		if hasAddress {
			return nil, NewErrorf(ErrorTypeNACKed, "listener %q: server-side (filter-chain) listeners are out of scope for this client", lis.GetName())
		}
		return nil, NewErrorf(ErrorTypeNACKed, "listener %q: has neither an API listener nor a server-side address", lis.GetName())
	}

	hcmAny := apiLis.GetApiListener()
	hcm := &v3httppb.HttpConnectionManager{}
	if err := anypb.UnmarshalTo(hcmAny, hcm, proto.UnmarshalOptions{}); err != nil {
		return nil, NewErrorf(ErrorTypeNACKed, "listener %q: failed to unmarshal HttpConnectionManager: %v", lis.GetName(), err)
	}

	update := &ListenerUpdate{Raw: raw}

	switch rs := hcm.GetRouteSpecifier().(type) {
	case *v3httppb.HttpConnectionManager_Rds:
		name := rs.Rds.GetRouteConfigName()
		if name == "" {
			return nil, NewErrorf(ErrorTypeNACKed, "listener %q: rds route_config_name is empty", lis.GetName())
		}
		update.RouteConfigName = name
	case *v3httppb.HttpConnectionManager_RouteConfig:
		rc, err := validateRouteConfiguration(rs.RouteConfig, nil)
		if err != nil {
			return nil, fmt.Errorf("listener %q: inlined route config invalid: %w", lis.GetName(), err)
		}
		update.InlineRouteConfig = rc
	default:
		return nil, NewErrorf(ErrorTypeNACKed, "listener %q: HCM has neither rds nor route_config set", lis.GetName())
	}

	filters, err := validateHTTPFilters(hcm.GetHttpFilters())
	if err != nil {
		return nil, fmt.Errorf("listener %q: %w", lis.GetName(), err)
	}
	update.HTTPFilters = filters

	if d := hcm.GetCommonHttpProtocolOptions().GetMaxStreamDuration(); d != nil {
		dur := d.AsDuration()
		// AsDuration saturates at the largest Duration, so a value of 2^63ns
		// or more arrives here as 1<<63-1.
		if dur < 0 || dur >= time.Duration(1<<63-1) {
			return nil, NewErrorf(ErrorTypeNACKed, "listener %q: max_stream_duration out of range", lis.GetName())
		}
		update.MaxStreamDuration = dur
	}

	return update, nil
}

// validateHTTPFilters enforces: the chain must end in exactly one terminal
// (router) filter, in the last position only; unknown filters marked
// optional are dropped, unknown required filters fail validation.
func validateHTTPFilters(in []*v3httppb.HttpFilter) ([]HTTPFilter, error) {
	if len(in) == 0 {
		return nil, NewError(ErrorTypeNACKed, "http_filters list is empty; must end in a terminal filter")
	}
	out := make([]HTTPFilter, 0, len(in))
	for i, f := range in {
		typedConfig := f.GetTypedConfig()
		typeURL := typedConfig.GetTypeUrl()
		isTerminal := typeURL == routerFilterTypeURL
		last := i == len(in)-1

		if isTerminal && !last {
			return nil, NewErrorf(ErrorTypeNACKed, "terminal filter %q is not the last filter in the chain", f.GetName())
		}
		if !isTerminal && last {
			return nil, NewErrorf(ErrorTypeNACKed, "last filter %q is not a terminal (router) filter", f.GetName())
		}
		if !isTerminal {
			if _, known := knownNonTerminalFilterTypeURLs[typeURL]; !known {
				if f.GetIsOptional() {
					continue
				}
				return nil, NewErrorf(ErrorTypeNACKed, "unsupported required HTTP filter %q (type %q)", f.GetName(), typeURL)
			}
		}
		out = append(out, HTTPFilter{
			Name:       f.GetName(),
			TypeURL:    typeURL,
			IsTerminal: isTerminal,
		})
	}
	if len(out) == 0 || !out[len(out)-1].IsTerminal {
		return nil, NewError(ErrorTypeNACKed, "http filter chain has no terminal (router) filter after pruning optional unknown filters")
	}
	return out, nil
}
