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

import "google.golang.org/protobuf/types/known/anypb"

// Decoder decodes a serialized resource, implementing the validator function
// for one of the four resource types, and reports the resource's own name
// (read from the decoded message, e.g. Listener.name or
// ClusterLoadAssignment.cluster_name) so the caller can key the cache
// without knowing the name up front.
type Decoder func(raw *anypb.Any) (name string, resource any, err error)

// ResourceTypeInfo is the immutable, process-wide-constructed-once
// description of one of the four resource types, populated by the registry
// below at init time.
type ResourceTypeInfo struct {
	Type    Type
	TypeURL string
	// AllResourcesRequiredInSotW reports whether this type uses
	// state-of-the-world delivery semantics.
	AllResourcesRequiredInSotW bool
	Decode                     Decoder
}

var registry = map[Type]ResourceTypeInfo{}

func register(info ResourceTypeInfo) {
	registry[info.Type] = info
}

// TypeInfo returns the registered ResourceTypeInfo for t.
func TypeInfo(t Type) (ResourceTypeInfo, bool) {
	info, ok := registry[t]
	return info, ok
}

func init() {
	register(ResourceTypeInfo{
		Type:                       ListenerResource,
		TypeURL:                    ListenerTypeURL,
		AllResourcesRequiredInSotW: true,
		Decode:                     unmarshalListenerResource,
	})
	register(ResourceTypeInfo{
		Type:                       RouteConfigResource,
		TypeURL:                    RouteConfigTypeURL,
		AllResourcesRequiredInSotW: false,
		Decode:                     unmarshalRouteConfigResource,
	})
	register(ResourceTypeInfo{
		Type:                       ClusterResource,
		TypeURL:                    ClusterTypeURL,
		AllResourcesRequiredInSotW: true,
		Decode:                     unmarshalClusterResource,
	})
	register(ResourceTypeInfo{
		Type:                       EndpointResource,
		TypeURL:                    EndpointTypeURL,
		AllResourcesRequiredInSotW: false,
		Decode:                     unmarshalEndpointResource,
	})
}
