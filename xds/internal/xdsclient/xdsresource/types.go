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

// Package xdsresource implements the xDS data model: the four validated
// resource types (Listener, RouteConfiguration, Cluster, Endpoint), their
// pure validating decoders, and the resource-type registry used by the
// transport and cache layers to stay resource-type agnostic.
package xdsresource

import "fmt"

// Type is the well-known xDS resource type, a closed set of four values.
type Type int

const (
	// ListenerResource identifies an LDS resource.
	ListenerResource Type = iota
	// RouteConfigResource identifies an RDS resource.
	RouteConfigResource
	// ClusterResource identifies a CDS resource.
	ClusterResource
	// EndpointResource identifies an EDS resource.
	EndpointResource
)

func (t Type) String() string {
	switch t {
	case ListenerResource:
		return "ListenerResource"
	case RouteConfigResource:
		return "RouteConfigResource"
	case ClusterResource:
		return "ClusterResource"
	case EndpointResource:
		return "EndpointResource"
	default:
		return "UnknownResource"
	}
}

// Well-known xDS v3 type URLs, matching the bootstrap config's expectations.
const (
	ListenerTypeURL    = "type.googleapis.com/envoy.config.listener.v3.Listener"
	RouteConfigTypeURL = "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
	ClusterTypeURL     = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	EndpointTypeURL    = "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"
)

// TypeURLOf returns the well-known type URL for t.
func TypeURLOf(t Type) string {
	switch t {
	case ListenerResource:
		return ListenerTypeURL
	case RouteConfigResource:
		return RouteConfigTypeURL
	case ClusterResource:
		return ClusterTypeURL
	case EndpointResource:
		return EndpointTypeURL
	default:
		return ""
	}
}

// TypeFromURL maps a wire type URL back to its Type, and reports whether the
// URL was recognized.
func TypeFromURL(url string) (Type, bool) {
	switch url {
	case ListenerTypeURL:
		return ListenerResource, true
	case RouteConfigTypeURL:
		return RouteConfigResource, true
	case ClusterTypeURL:
		return ClusterResource, true
	case EndpointTypeURL:
		return EndpointResource, true
	default:
		return 0, false
	}
}

// AllResourcesRequiredInSotW reports whether the resource type uses the
// state-of-the-world delivery semantics, where absence of a previously
// subscribed name from a response means "resource does not exist" (true for
// Listener and Cluster, false for RouteConfiguration and Endpoint).
func AllResourcesRequiredInSotW(t Type) bool {
	return t == ListenerResource || t == ClusterResource
}

// Name is a resource name, a tuple of (authority, id). The default/empty
// authority selects the top-level xds_servers configuration from
// bootstrap.
type Name struct {
	Authority string
	ID        string
}

// String renders the name the way it would appear as a cache key, mostly
// useful for logging.
func (n Name) String() string {
	if n.Authority == "" {
		return n.ID
	}
	return fmt.Sprintf("xdstp://%s/%s", n.Authority, n.ID)
}

// ParseName parses a resource name which may be a plain id (default
// authority) or an xdstp://authority/... URI-style name.
func ParseName(name string) Name {
	const prefix = "xdstp://"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return Name{ID: name}
	}
	rest := name[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return Name{Authority: rest[:i], ID: rest[i+1:]}
		}
	}
	return Name{ID: name}
}
