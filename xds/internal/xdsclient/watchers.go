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

package xdsclient

import "github.com/grpc/grpc-sub003/xds/internal/xdsclient/xdsresource"

// ListenerWatcher is notified of changes to a Listener resource.
type ListenerWatcher interface {
	OnResourceChanged(update xdsresource.ListenerUpdate)
	OnError(err error)
	OnResourceDoesNotExist()
}

// RouteConfigWatcher is notified of changes to a RouteConfiguration
// resource.
type RouteConfigWatcher interface {
	OnResourceChanged(update xdsresource.RouteConfigUpdate)
	OnError(err error)
	OnResourceDoesNotExist()
}

// ClusterWatcher is notified of changes to a Cluster resource.
type ClusterWatcher interface {
	OnResourceChanged(update xdsresource.ClusterUpdate)
	OnError(err error)
	OnResourceDoesNotExist()
}

// EndpointsWatcher is notified of changes to an Endpoint (EDS) resource.
type EndpointsWatcher interface {
	OnResourceChanged(update xdsresource.EndpointsUpdate)
	OnError(err error)
	OnResourceDoesNotExist()
}

// The four adapters below satisfy the cache's type-erased `watcher`
// interface and re-assert the concrete update type before invoking the
// consumer's typed watcher. Each resource's validator always hands the
// cache a pointer to its own update type, so the assertion never fails
// for values that originated from this package's decoders.

type listenerWatcherAdapter struct{ w ListenerWatcher }

func (a *listenerWatcherAdapter) onResourceChanged(value any) {
	a.w.OnResourceChanged(*value.(*xdsresource.ListenerUpdate))
}
func (a *listenerWatcherAdapter) onError(err error)         { a.w.OnError(err) }
func (a *listenerWatcherAdapter) onResourceDoesNotExist()   { a.w.OnResourceDoesNotExist() }

type routeConfigWatcherAdapter struct{ w RouteConfigWatcher }

func (a *routeConfigWatcherAdapter) onResourceChanged(value any) {
	a.w.OnResourceChanged(*value.(*xdsresource.RouteConfigUpdate))
}
func (a *routeConfigWatcherAdapter) onError(err error)       { a.w.OnError(err) }
func (a *routeConfigWatcherAdapter) onResourceDoesNotExist() { a.w.OnResourceDoesNotExist() }

type clusterWatcherAdapter struct{ w ClusterWatcher }

func (a *clusterWatcherAdapter) onResourceChanged(value any) {
	a.w.OnResourceChanged(*value.(*xdsresource.ClusterUpdate))
}
func (a *clusterWatcherAdapter) onError(err error)       { a.w.OnError(err) }
func (a *clusterWatcherAdapter) onResourceDoesNotExist() { a.w.OnResourceDoesNotExist() }

type endpointsWatcherAdapter struct{ w EndpointsWatcher }

func (a *endpointsWatcherAdapter) onResourceChanged(value any) {
	a.w.OnResourceChanged(*value.(*xdsresource.EndpointsUpdate))
}
func (a *endpointsWatcherAdapter) onError(err error)       { a.w.OnError(err) }
func (a *endpointsWatcherAdapter) onResourceDoesNotExist() { a.w.OnResourceDoesNotExist() }
