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

package xdsdependency

import (
	"testing"
	"time"

	"github.com/grpc/grpc-sub003/xds/internal/xdsclient"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/bootstrap"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/load"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/xdsresource"
)

// fakeXDSClient is a minimal in-memory xdsclient.XDSClient: Watch calls
// register a watcher under the resource name, and test helpers push
// updates directly to every watcher currently registered for a name.
type fakeXDSClient struct {
	listeners map[string][]xdsclient.ListenerWatcher
	routes    map[string][]xdsclient.RouteConfigWatcher
	clusters  map[string][]xdsclient.ClusterWatcher
	endpoints map[string][]xdsclient.EndpointsWatcher
}

func newFakeXDSClient() *fakeXDSClient {
	return &fakeXDSClient{
		listeners: map[string][]xdsclient.ListenerWatcher{},
		routes:    map[string][]xdsclient.RouteConfigWatcher{},
		clusters:  map[string][]xdsclient.ClusterWatcher{},
		endpoints: map[string][]xdsclient.EndpointsWatcher{},
	}
}

func (f *fakeXDSClient) WatchListener(name string, w xdsclient.ListenerWatcher) func() {
	f.listeners[name] = append(f.listeners[name], w)
	return func() {}
}
func (f *fakeXDSClient) WatchRouteConfig(name string, w xdsclient.RouteConfigWatcher) func() {
	f.routes[name] = append(f.routes[name], w)
	return func() {}
}
func (f *fakeXDSClient) WatchCluster(name string, w xdsclient.ClusterWatcher) func() {
	f.clusters[name] = append(f.clusters[name], w)
	return func() {}
}
func (f *fakeXDSClient) WatchEndpoints(name string, w xdsclient.EndpointsWatcher) func() {
	f.endpoints[name] = append(f.endpoints[name], w)
	return func() {}
}
func (f *fakeXDSClient) ReportLoad(string, string) (*load.PerClusterStore, func()) { return nil, func() {} }
func (f *fakeXDSClient) ResetBackoff()                                            {}
func (f *fakeXDSClient) BootstrapConfig() *bootstrap.Config                       { return &bootstrap.Config{} }
func (f *fakeXDSClient) Close()                                                   {}

func (f *fakeXDSClient) sendListener(name string, u xdsresource.ListenerUpdate) {
	for _, w := range f.listeners[name] {
		w.OnResourceChanged(u)
	}
}
func (f *fakeXDSClient) sendRoute(name string, u xdsresource.RouteConfigUpdate) {
	for _, w := range f.routes[name] {
		w.OnResourceChanged(u)
	}
}
func (f *fakeXDSClient) sendCluster(name string, u xdsresource.ClusterUpdate) {
	for _, w := range f.clusters[name] {
		w.OnResourceChanged(u)
	}
}
func (f *fakeXDSClient) sendEndpoints(name string, u xdsresource.EndpointsUpdate) {
	for _, w := range f.endpoints[name] {
		w.OnResourceChanged(u)
	}
}

// fakeWatcher records the sequence of callbacks delivered by the Manager.
type fakeWatcher struct {
	updates []*XdsConfig
	errs    []string
}

func (w *fakeWatcher) OnUpdate(cfg *XdsConfig)            { w.updates = append(w.updates, cfg) }
func (w *fakeWatcher) OnError(ctx string, err error)      { w.errs = append(w.errs, ctx+": "+err.Error()) }
func (w *fakeWatcher) OnResourceDoesNotExist(ctx string)  { w.errs = append(w.errs, ctx+": does not exist") }

// await spins briefly on the serializer-scheduled callbacks that back the
// Manager's watchers; since the fake client delivers synchronously but the
// Manager's own response runs on its CallbackSerializer, a short wait is
// enough in a single-threaded test environment.
func await() { time.Sleep(10 * time.Millisecond) }

func simpleRouteConfig(clusterName string) xdsresource.RouteConfigUpdate {
	return xdsresource.RouteConfigUpdate{
		VirtualHosts: []xdsresource.VirtualHost{
			{
				Domains: []string{"*"},
				Routes:  []xdsresource.Route{{ClusterName: clusterName}},
			},
		},
	}
}

func TestManagerReportsUpdateOnceEverythingResolved(t *testing.T) {
	client := newFakeXDSClient()
	w := &fakeWatcher{}
	m := NewManager(client, w, "authority", "listener1")
	defer m.Close()
	await()

	client.sendListener("listener1", xdsresource.ListenerUpdate{RouteConfigName: "rc1"})
	await()
	client.sendRoute("rc1", simpleRouteConfig("cluster1"))
	await()
	client.sendCluster("cluster1", xdsresource.ClusterUpdate{ClusterName: "cluster1", ClusterType: xdsresource.ClusterTypeEDS})
	await()

	if len(w.updates) != 0 {
		t.Fatalf("got an update before endpoints resolved: %d updates", len(w.updates))
	}

	client.sendEndpoints("cluster1", xdsresource.EndpointsUpdate{
		Priorities: []xdsresource.Priority{{Localities: map[string]xdsresource.Locality{
			"r/z/s": {Endpoints: []xdsresource.Endpoint{{Address: "10.0.0.1:80"}}},
		}}},
	})
	await()

	if len(w.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(w.updates))
	}
	cfg := w.updates[0]
	cc, ok := cfg.Clusters["cluster1"]
	if !ok {
		t.Fatalf("config has no entry for cluster1")
	}
	if cc.Endpoints == nil || cc.Endpoints.Endpoints == nil {
		t.Fatalf("cluster1 config has no endpoint data")
	}
}

func TestManagerInlineRouteConfigSkipsRDSWatch(t *testing.T) {
	client := newFakeXDSClient()
	w := &fakeWatcher{}
	m := NewManager(client, w, "authority", "listener1")
	defer m.Close()
	await()

	rc := simpleRouteConfig("cluster1")
	client.sendListener("listener1", xdsresource.ListenerUpdate{InlineRouteConfig: &rc})
	await()

	if len(client.routes) != 0 {
		t.Errorf("an RDS watch was started despite an inline route config")
	}
	client.sendCluster("cluster1", xdsresource.ClusterUpdate{ClusterName: "cluster1", ClusterType: xdsresource.ClusterTypeEDS})
	client.sendEndpoints("cluster1", xdsresource.EndpointsUpdate{Priorities: []xdsresource.Priority{{Localities: map[string]xdsresource.Locality{
		"r/z/s": {Endpoints: []xdsresource.Endpoint{{Address: "10.0.0.1:80"}}},
	}}}})
	await()

	if len(w.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(w.updates))
	}
}

func TestManagerAggregateClusterExpansion(t *testing.T) {
	client := newFakeXDSClient()
	w := &fakeWatcher{}
	m := NewManager(client, w, "authority", "listener1")
	defer m.Close()
	await()

	client.sendListener("listener1", xdsresource.ListenerUpdate{RouteConfigName: "rc1"})
	client.sendRoute("rc1", simpleRouteConfig("agg"))
	await()

	client.sendCluster("agg", xdsresource.ClusterUpdate{
		ClusterName:             "agg",
		ClusterType:             xdsresource.ClusterTypeAggregate,
		PrioritizedClusterNames: []string{"leaf1", "leaf2"},
	})
	await()

	client.sendCluster("leaf1", xdsresource.ClusterUpdate{ClusterName: "leaf1", ClusterType: xdsresource.ClusterTypeEDS})
	client.sendCluster("leaf2", xdsresource.ClusterUpdate{ClusterName: "leaf2", ClusterType: xdsresource.ClusterTypeEDS})
	await()

	if len(w.updates) != 0 {
		t.Fatalf("got an update before leaf endpoints resolved")
	}

	client.sendEndpoints("leaf1", xdsresource.EndpointsUpdate{Priorities: []xdsresource.Priority{{Localities: map[string]xdsresource.Locality{
		"r/z/s": {Endpoints: []xdsresource.Endpoint{{Address: "10.0.0.1:80"}}},
	}}}})
	client.sendEndpoints("leaf2", xdsresource.EndpointsUpdate{Priorities: []xdsresource.Priority{{Localities: map[string]xdsresource.Locality{
		"r/z/s": {Endpoints: []xdsresource.Endpoint{{Address: "10.0.0.2:80"}}},
	}}}})
	await()

	if len(w.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(w.updates))
	}
	cfg := w.updates[len(w.updates)-1]
	agg, ok := cfg.Clusters["agg"]
	if !ok || agg.Aggregate == nil {
		t.Fatalf("aggregate cluster entry missing or not marked aggregate")
	}
	if len(agg.Aggregate.LeafClusters) != 2 {
		t.Errorf("got %d leaf clusters, want 2", len(agg.Aggregate.LeafClusters))
	}
}

// TestManagerAggregateClusterCycleRootStaysOK exercises a pair of aggregate
// clusters that reference each other (A -> [B], B -> [A]) with only A
// reachable from the route. Resolution must always report A with no error:
// it is the true root, and must not be penalized just because Go happened
// to visit it through the cycle before settling on its own depth-0 result.
// Run several times since map iteration order (the variable the original
// bug depended on) differs from one run to the next.
func TestManagerAggregateClusterCycleRootStaysOK(t *testing.T) {
	for i := 0; i < 20; i++ {
		client := newFakeXDSClient()
		w := &fakeWatcher{}
		m := NewManager(client, w, "authority", "listener1")
		await()

		client.sendListener("listener1", xdsresource.ListenerUpdate{RouteConfigName: "rc1"})
		client.sendRoute("rc1", simpleRouteConfig("A"))
		await()

		client.sendCluster("A", xdsresource.ClusterUpdate{
			ClusterName:             "A",
			ClusterType:             xdsresource.ClusterTypeAggregate,
			PrioritizedClusterNames: []string{"B"},
		})
		client.sendCluster("B", xdsresource.ClusterUpdate{
			ClusterName:             "B",
			ClusterType:             xdsresource.ClusterTypeAggregate,
			PrioritizedClusterNames: []string{"A"},
		})
		await()

		if len(w.updates) != 1 {
			t.Fatalf("run %d: got %d updates, want 1", i, len(w.updates))
		}
		cfg := w.updates[0]
		a, ok := cfg.Clusters["A"]
		if !ok {
			t.Fatalf("run %d: config has no entry for root cluster A", i)
		}
		if a.Err != nil {
			t.Fatalf("run %d: root cluster A has Err = %v, want nil (A is the route root, not just someone's aggregate child)", i, a.Err)
		}
		if a.Aggregate == nil || len(a.Aggregate.LeafClusters) != 1 || a.Aggregate.LeafClusters[0] != "B" {
			t.Errorf("run %d: A.Aggregate = %+v, want a single leaf \"B\"", i, a.Aggregate)
		}

		m.Close()
	}
}

func TestManagerClusterSubscriptionKeepsClusterWatched(t *testing.T) {
	client := newFakeXDSClient()
	w := &fakeWatcher{}
	m := NewManager(client, w, "authority", "listener1")
	defer m.Close()
	await()

	sub := m.GetClusterSubscription("extra")
	await()

	if _, ok := client.clusters["extra"]; !ok {
		t.Fatalf("external subscription did not start a cluster watch")
	}

	sub.Cancel()
	await()
}
