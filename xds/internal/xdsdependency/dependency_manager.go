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

// Package xdsdependency resolves the dependency graph rooted at a single
// Listener resource (Listener -> RouteConfiguration -> Clusters -> Endpoints)
// and reports a composite snapshot only once every resource it needs has
// been obtained at least once.
package xdsdependency

import (
	"context"
	"fmt"
	"sync"

	"github.com/grpc/grpc-sub003/internal/grpcsync"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/xdsresource"
)

// maxAggregateClusterDepth bounds the recursion in populateClusterConfig,
// guarding against a cyclic or runaway aggregate-cluster chain.
const maxAggregateClusterDepth = 16

// EndpointConfig is the resolved endpoint data for a leaf (EDS or
// LOGICAL_DNS) cluster, or an explanatory note if it could not be
// obtained.
type EndpointConfig struct {
	Endpoints       *xdsresource.EndpointsUpdate
	ResolutionNote  string
}

// AggregateConfig is the resolved child list for an aggregate cluster.
type AggregateConfig struct {
	LeafClusters []string
}

// ClusterConfig is one entry of XdsConfig.Clusters: either an error (the
// cluster does not exist, or failed validation with no prior good value),
// or a cluster resource paired with either its endpoint data (leaf cluster)
// or its expanded leaf-cluster list (aggregate cluster).
type ClusterConfig struct {
	Cluster *xdsresource.ClusterUpdate
	Err     error

	Endpoints *EndpointConfig
	Aggregate *AggregateConfig
}

// XdsConfig is the composite snapshot reported to a Watcher once every
// resource needed to serve the named Listener has been obtained. It is
// immutable once constructed.
type XdsConfig struct {
	Listener     *xdsresource.ListenerUpdate
	RouteConfig  *xdsresource.RouteConfigUpdate
	VirtualHost  *xdsresource.VirtualHost
	Clusters     map[string]ClusterConfig
}

// Watcher receives the composite config for a listener, or an error/
// does-not-exist report restricted to the Listener or RouteConfiguration
// resource.
type Watcher interface {
	OnUpdate(config *XdsConfig)
	OnError(context string, err error)
	OnResourceDoesNotExist(context string)
}

// ClusterSubscription is a caller-held reference keeping a cluster name
// included in the dependency graph even though nothing in the current
// route config points at it (e.g. a retry-policy-driven RLS target).
// Releasing it (Cancel) drops the subscription once no other route or
// subscription still needs the cluster.
type ClusterSubscription struct {
	mgr  *Manager
	name string

	once sync.Once
}

// Cancel releases this subscription.
func (s *ClusterSubscription) Cancel() {
	s.once.Do(func() {
		s.mgr.serializer.Schedule(func(context.Context) {
			s.mgr.unsubscribeCluster(s.name)
		})
	})
}

// Manager watches the Listener named listenerResourceName and every
// resource it transitively depends on, reporting composite XdsConfig
// snapshots to watcher. One Manager exists per (authority, listener name);
// this module leaves authority composition to the caller and takes a
// single resolved listener name.
type Manager struct {
	client               xdsclient.XDSClient
	watcher              Watcher
	dataPlaneAuthority   string
	listenerResourceName string

	serializer       *grpcsync.CallbackSerializer
	serializerCancel context.CancelFunc

	cancelListener func()

	currentListener    *xdsresource.ListenerUpdate
	routeConfigName    string
	cancelRouteConfig  func()
	currentRouteConfig *xdsresource.RouteConfigUpdate

	// externalSubscriptions counts ClusterSubscription handles per cluster
	// name, independent of whether the route config also references it.
	externalSubscriptions map[string]int

	clusterWatchers  map[string]*clusterWatcherState
	endpointWatchers map[string]*endpointWatcherState
}

type clusterWatcherState struct {
	cancel func()
	update *xdsresource.ClusterUpdate
	err    error
}

type endpointWatcherState struct {
	cancel func()
	update *xdsresource.EndpointsUpdate
	err    error
}

// NewManager creates a Manager and starts watching listenerResourceName.
func NewManager(client xdsclient.XDSClient, watcher Watcher, dataPlaneAuthority, listenerResourceName string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:                client,
		watcher:               watcher,
		dataPlaneAuthority:    dataPlaneAuthority,
		listenerResourceName:  listenerResourceName,
		serializer:            grpcsync.NewCallbackSerializer(ctx),
		serializerCancel:      cancel,
		externalSubscriptions: map[string]int{},
		clusterWatchers:       map[string]*clusterWatcherState{},
		endpointWatchers:      map[string]*endpointWatcherState{},
	}
	m.serializer.Schedule(func(context.Context) {
		m.cancelListener = m.client.WatchListener(listenerResourceName, &listenerWatcher{m: m})
	})
	return m
}

// GetClusterSubscription returns an external subscription keeping
// clusterName in the dependency graph. Must be released with Cancel once
// no longer needed.
//
// Must not be called from within a Watcher callback (OnUpdate/OnError/
// OnResourceDoesNotExist): those run on this Manager's own serializer
// goroutine, and GetClusterSubscription blocks waiting for a callback
// scheduled on that same serializer, which would never get to run.
func (m *Manager) GetClusterSubscription(clusterName string) *ClusterSubscription {
	done := make(chan struct{})
	m.serializer.Schedule(func(context.Context) {
		m.externalSubscriptions[clusterName]++
		m.startClusterWatch(clusterName)
		close(done)
	})
	<-done
	return &ClusterSubscription{mgr: m, name: clusterName}
}

func (m *Manager) unsubscribeCluster(name string) {
	m.externalSubscriptions[name]--
	if m.externalSubscriptions[name] <= 0 {
		delete(m.externalSubscriptions, name)
	}
	m.maybeReportUpdate()
}

// Close stops every watch this Manager holds. Like GetClusterSubscription,
// it must not be called from within a Watcher callback.
func (m *Manager) Close() {
	done := make(chan struct{})
	m.serializer.Schedule(func(context.Context) {
		if m.cancelListener != nil {
			m.cancelListener()
		}
		if m.cancelRouteConfig != nil {
			m.cancelRouteConfig()
		}
		for _, st := range m.clusterWatchers {
			st.cancel()
		}
		for _, st := range m.endpointWatchers {
			st.cancel()
		}
		close(done)
	})
	<-done
	m.serializerCancel()
}

type listenerWatcher struct{ m *Manager }

func (w *listenerWatcher) OnResourceChanged(update xdsresource.ListenerUpdate) {
	w.m.onListenerUpdate(&update)
}
func (w *listenerWatcher) OnError(err error) {
	w.m.watcher.OnError("listener "+w.m.listenerResourceName, err)
}
func (w *listenerWatcher) OnResourceDoesNotExist() {
	w.m.watcher.OnResourceDoesNotExist("listener " + w.m.listenerResourceName)
}

func (m *Manager) onListenerUpdate(update *xdsresource.ListenerUpdate) {
	m.currentListener = update

	if update.InlineRouteConfig != nil {
		if m.cancelRouteConfig != nil {
			m.cancelRouteConfig()
			m.cancelRouteConfig = nil
		}
		m.routeConfigName = ""
		m.currentRouteConfig = update.InlineRouteConfig
		m.onRouteConfigResolved()
		return
	}

	if update.RouteConfigName == m.routeConfigName && m.cancelRouteConfig != nil {
		m.maybeReportUpdate()
		return
	}
	if m.cancelRouteConfig != nil {
		m.cancelRouteConfig()
	}
	m.routeConfigName = update.RouteConfigName
	m.currentRouteConfig = nil
	name := update.RouteConfigName
	m.cancelRouteConfig = m.client.WatchRouteConfig(name, &routeConfigWatcher{m: m, name: name})
}

type routeConfigWatcher struct {
	m    *Manager
	name string
}

func (w *routeConfigWatcher) OnResourceChanged(update xdsresource.RouteConfigUpdate) {
	if w.m.routeConfigName != w.name {
		return
	}
	w.m.currentRouteConfig = &update
	w.m.onRouteConfigResolved()
}
func (w *routeConfigWatcher) OnError(err error) {
	w.m.watcher.OnError("route config "+w.name, err)
}
func (w *routeConfigWatcher) OnResourceDoesNotExist() {
	w.m.watcher.OnResourceDoesNotExist("route config " + w.name)
}

func (m *Manager) onRouteConfigResolved() {
	vh := findVirtualHost(m.currentRouteConfig, m.dataPlaneAuthority)
	if vh == nil {
		m.watcher.OnError("route config "+m.routeConfigName, fmt.Errorf("no virtual host matches authority %q", m.dataPlaneAuthority))
		return
	}

	wanted := m.rootClusterNames(vh)
	for name := range wanted {
		m.startClusterWatch(name)
	}
	for name, st := range m.clusterWatchers {
		if wanted[name] || m.externalSubscriptions[name] > 0 {
			continue
		}
		st.cancel()
		delete(m.clusterWatchers, name)
	}

	m.maybeReportUpdate()
}

// rootClusterNames returns the clusters that are roots of the dependency
// graph: the ones a caller actually asked for, either by referencing them
// from a route in vh or by holding a ClusterSubscription on them. Every
// other entry in m.clusterWatchers is reachable only as someone's aggregate
// child, and must not be treated as its own independent depth-0 root —
// doing so would make which cluster in an aggregate cycle gets the
// correctly-rooted result depend on Go's map iteration order.
func (m *Manager) rootClusterNames(vh *xdsresource.VirtualHost) map[string]bool {
	names := map[string]bool{}
	for _, route := range vh.Routes {
		collectRouteClusters(route, names)
	}
	for name := range m.externalSubscriptions {
		names[name] = true
	}
	return names
}

func collectRouteClusters(r xdsresource.Route, out map[string]bool) {
	if r.ClusterName != "" {
		out[r.ClusterName] = true
	}
	for _, wc := range r.WeightedClusters {
		out[wc.Name] = true
	}
}

func findVirtualHost(rc *xdsresource.RouteConfigUpdate, authority string) *xdsresource.VirtualHost {
	if rc == nil {
		return nil
	}
	var best *xdsresource.VirtualHost
	bestLen := -1
	for i := range rc.VirtualHosts {
		vh := &rc.VirtualHosts[i]
		for _, d := range vh.Domains {
			if d == "*" && bestLen < 0 {
				best, bestLen = vh, 0
				continue
			}
			if d == authority && len(d) > bestLen {
				best, bestLen = vh, len(d)
			}
		}
	}
	return best
}

func (m *Manager) startClusterWatch(name string) {
	if _, ok := m.clusterWatchers[name]; ok {
		return
	}
	st := &clusterWatcherState{}
	st.cancel = m.client.WatchCluster(name, &clusterWatcher{m: m, name: name})
	m.clusterWatchers[name] = st
}

type clusterWatcher struct {
	m    *Manager
	name string
}

func (w *clusterWatcher) OnResourceChanged(update xdsresource.ClusterUpdate) {
	st, ok := w.m.clusterWatchers[w.name]
	if !ok {
		return
	}
	st.update = &update
	st.err = nil
	w.m.onDependencyResolved(update)
}
func (w *clusterWatcher) OnError(err error) {
	st, ok := w.m.clusterWatchers[w.name]
	if !ok {
		return
	}
	if st.update == nil {
		st.err = err
	}
	w.m.maybeReportUpdate()
}
func (w *clusterWatcher) OnResourceDoesNotExist() {
	st, ok := w.m.clusterWatchers[w.name]
	if !ok {
		return
	}
	st.update = nil
	st.err = fmt.Errorf("cluster %q does not exist", w.name)
	w.m.maybeReportUpdate()
}

func (m *Manager) onDependencyResolved(update xdsresource.ClusterUpdate) {
	switch update.ClusterType {
	case xdsresource.ClusterTypeEDS:
		name := update.EDSServiceName
		if name == "" {
			name = update.ClusterName
		}
		m.startEndpointWatch(name)
	case xdsresource.ClusterTypeLogicalDNS:
		// This client does not bundle a DNS resolver; a resolution_note
		// explains the gap at snapshot time instead.
	case xdsresource.ClusterTypeAggregate:
		for _, child := range update.PrioritizedClusterNames {
			m.startClusterWatch(child)
		}
	}
	m.maybeReportUpdate()
}

func (m *Manager) startEndpointWatch(name string) {
	if _, ok := m.endpointWatchers[name]; ok {
		return
	}
	st := &endpointWatcherState{}
	st.cancel = m.client.WatchEndpoints(name, &endpointWatcher{m: m, name: name})
	m.endpointWatchers[name] = st
}

type endpointWatcher struct {
	m    *Manager
	name string
}

func (w *endpointWatcher) OnResourceChanged(update xdsresource.EndpointsUpdate) {
	st, ok := w.m.endpointWatchers[w.name]
	if !ok {
		return
	}
	st.update = &update
	st.err = nil
	w.m.maybeReportUpdate()
}
func (w *endpointWatcher) OnError(err error) {
	st, ok := w.m.endpointWatchers[w.name]
	if !ok {
		return
	}
	if st.update == nil {
		st.err = err
	}
	w.m.maybeReportUpdate()
}
func (w *endpointWatcher) OnResourceDoesNotExist() {
	st, ok := w.m.endpointWatchers[w.name]
	if !ok {
		return
	}
	st.update = nil
	st.err = fmt.Errorf("endpoint %q does not exist", w.name)
	w.m.maybeReportUpdate()
}

// maybeReportUpdate checks whether every resource currently required to
// serve the listener has been obtained at least once, and if so builds and
// reports a fresh XdsConfig snapshot.
func (m *Manager) maybeReportUpdate() {
	if m.currentListener == nil || m.currentRouteConfig == nil {
		return
	}
	vh := findVirtualHost(m.currentRouteConfig, m.dataPlaneAuthority)
	if vh == nil {
		return
	}

	clusters := map[string]ClusterConfig{}
	seenEDS := map[string]bool{}
	for name := range m.rootClusterNames(vh) {
		cfg, ready := m.populateClusterConfig(name, 0, clusters, seenEDS)
		if !ready {
			return
		}
		clusters[name] = cfg
	}

	m.watcher.OnUpdate(&XdsConfig{
		Listener:    m.currentListener,
		RouteConfig: m.currentRouteConfig,
		VirtualHost: vh,
		Clusters:    clusters,
	})
}

// populateClusterConfig resolves one cluster entry, recursing into
// aggregate children up to maxAggregateClusterDepth. Only call this with
// depth 0 for a genuine root (see rootClusterNames) — calling it at depth 0
// for a cluster reachable only as someone else's aggregate child reopens
// the map-iteration-order hazard rootClusterNames exists to avoid. Returns
// ready=false if a dependency that will eventually resolve (a cluster or
// endpoint watch still in REQUESTED state) has not yet done so; the
// overall update is withheld in that case rather than reported partially.
func (m *Manager) populateClusterConfig(name string, depth int, out map[string]ClusterConfig, seenEDS map[string]bool) (ClusterConfig, bool) {
	if existing, ok := out[name]; ok {
		return existing, true
	}
	if depth > maxAggregateClusterDepth {
		return ClusterConfig{Err: fmt.Errorf("aggregate cluster %q exceeds max depth %d", name, maxAggregateClusterDepth)}, true
	}

	st, ok := m.clusterWatchers[name]
	if !ok {
		return ClusterConfig{}, false
	}
	if st.update == nil && st.err == nil {
		return ClusterConfig{}, false
	}
	if st.update == nil {
		return ClusterConfig{Err: st.err}, true
	}

	cluster := st.update
	switch cluster.ClusterType {
	case xdsresource.ClusterTypeAggregate:
		leaves := make([]string, 0, len(cluster.PrioritizedClusterNames))
		for _, child := range cluster.PrioritizedClusterNames {
			childCfg, ready := m.populateClusterConfig(child, depth+1, out, seenEDS)
			if !ready {
				return ClusterConfig{}, false
			}
			out[child] = childCfg
			leaves = append(leaves, child)
		}
		return ClusterConfig{Cluster: cluster, Aggregate: &AggregateConfig{LeafClusters: leaves}}, true

	case xdsresource.ClusterTypeEDS:
		edsName := cluster.EDSServiceName
		if edsName == "" {
			edsName = cluster.ClusterName
		}
		seenEDS[edsName] = true
		est, ok := m.endpointWatchers[edsName]
		if !ok || (est.update == nil && est.err == nil) {
			return ClusterConfig{}, false
		}
		if est.update == nil {
			return ClusterConfig{Cluster: cluster, Endpoints: &EndpointConfig{ResolutionNote: est.err.Error()}}, true
		}
		return ClusterConfig{Cluster: cluster, Endpoints: &EndpointConfig{Endpoints: est.update}}, true

	case xdsresource.ClusterTypeLogicalDNS:
		return ClusterConfig{Cluster: cluster, Endpoints: &EndpointConfig{ResolutionNote: "DNS resolution of " + cluster.DNSHostName + " is not performed by this client"}}, true
	}
	return ClusterConfig{Cluster: cluster}, true
}
