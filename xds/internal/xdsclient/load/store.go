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

// Package load holds per-cluster drop and locality load-reporting counters.
// Counters are accessed on the hot path (the request-dispatch path of the
// balancer/resolver consumer, outside the client's work serializer) so they
// must never share a mutex with cache/subscription mutation: scalar
// counters are plain atomics, and only the map-valued counters (categorized
// drops, named backend metrics) take a short-held per-counter lock around a
// move-out.
package load

import (
	"sync"
	"sync/atomic"
	"time"

	v3endpointpb "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	durationpb "google.golang.org/protobuf/types/known/durationpb"
)

// perClusterKey identifies one (cluster, eds_service_name) pair as reported
// to LRS.
type perClusterKey struct {
	cluster        string
	edsServiceName string
}

// Store accumulates drop and locality counters for every cluster this
// client reports loads for. One Store exists per management server
// (Transport owns exactly one).
type Store struct {
	mu       sync.Mutex
	clusters map[perClusterKey]*perClusterStore
}

// NewStore creates an empty load Store.
func NewStore() *Store {
	return &Store{clusters: map[perClusterKey]*perClusterStore{}}
}

// PerCluster returns (creating if necessary) the counters for the given
// (cluster, eds_service_name).
func (s *Store) PerCluster(cluster, edsServiceName string) *PerClusterStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := perClusterKey{cluster: cluster, edsServiceName: edsServiceName}
	pcs, ok := s.clusters[key]
	if !ok {
		pcs = newPerClusterStore()
		s.clusters[key] = pcs
	}
	return &PerClusterStore{pcs: pcs}
}

// Snapshot atomically reads and resets every tracked cluster's counters
// (or only those named in clusterNames, unless sendAll), returning the LRS
// wire shape.
func (s *Store) Snapshot(clusterNames []string, sendAll bool, elapsed time.Duration) []*v3endpointpb.ClusterStats {
	want := map[string]bool{}
	for _, c := range clusterNames {
		want[c] = true
	}

	s.mu.Lock()
	keys := make([]perClusterKey, 0, len(s.clusters))
	for k := range s.clusters {
		if sendAll || want[k.cluster] {
			keys = append(keys, k)
		}
	}
	pcs := make([]*perClusterStore, len(keys))
	for i, k := range keys {
		pcs[i] = s.clusters[k]
	}
	s.mu.Unlock()

	out := make([]*v3endpointpb.ClusterStats, 0, len(keys))
	for i, k := range keys {
		out = append(out, pcs[i].snapshotAndReset(k.cluster, k.edsServiceName, elapsed))
	}
	return out
}

// PerClusterStore is the user-facing handle returned by Store.PerCluster:
// a drop-stats and locality-stats recorder for one (cluster,
// eds_service_name) pair.
type PerClusterStore struct {
	pcs *perClusterStore
}

// CallDropped increments the drop counter for category. An empty category
// is recorded in the uncategorized bucket.
func (p *PerClusterStore) CallDropped(category string) {
	if p == nil {
		return
	}
	p.pcs.callDropped(category)
}

// CallStarted records the start of a call to locality.
func (p *PerClusterStore) CallStarted(locality string) {
	if p == nil {
		return
	}
	p.pcs.localityStore(locality).issued.Add(1)
	p.pcs.localityStore(locality).inProgress.Add(1)
}

// CallFinished records the end of a call to locality.
func (p *PerClusterStore) CallFinished(locality string, err error) {
	if p == nil {
		return
	}
	ls := p.pcs.localityStore(locality)
	ls.inProgress.Add(-1)
	if err == nil {
		ls.successful.Add(1)
	} else {
		ls.errors.Add(1)
	}
}

// CallServerLoad records a named backend-metric value for a finished call
// to locality.
func (p *PerClusterStore) CallServerLoad(locality, name string, val float64) {
	if p == nil {
		return
	}
	p.pcs.localityStore(locality).addServerLoad(name, val)
}

type perClusterStore struct {
	dropMu        sync.Mutex
	categorized   map[string]*atomicCounter
	uncategorized atomicCounter

	localityMu sync.Mutex
	localities map[string]*localityStore
}

func newPerClusterStore() *perClusterStore {
	return &perClusterStore{
		categorized: map[string]*atomicCounter{},
		localities:  map[string]*localityStore{},
	}
}

func (p *perClusterStore) callDropped(category string) {
	if category == "" {
		p.uncategorized.Add(1)
		return
	}
	p.dropMu.Lock()
	c, ok := p.categorized[category]
	if !ok {
		c = &atomicCounter{}
		p.categorized[category] = c
	}
	c.Add(1)
	p.dropMu.Unlock()
}

func (p *perClusterStore) localityStore(locality string) *localityStore {
	p.localityMu.Lock()
	defer p.localityMu.Unlock()
	ls, ok := p.localities[locality]
	if !ok {
		ls = newLocalityStore()
		p.localities[locality] = ls
	}
	return ls
}

func (p *perClusterStore) snapshotAndReset(cluster, edsServiceName string, elapsed time.Duration) *v3endpointpb.ClusterStats {
	p.dropMu.Lock()
	categorized := p.categorized
	p.categorized = map[string]*atomicCounter{}
	uncategorized := p.uncategorized.Reset()
	p.dropMu.Unlock()

	var drops []*v3endpointpb.ClusterStats_DroppedRequests
	var totalDropped uint64
	for cat, c := range categorized {
		n := c.Reset()
		totalDropped += n
		drops = append(drops, &v3endpointpb.ClusterStats_DroppedRequests{Category: cat, DroppedCount: n})
	}
	totalDropped += uncategorized

	p.localityMu.Lock()
	localities := p.localities
	p.localities = map[string]*localityStore{}
	p.localityMu.Unlock()

	var upstreamStats []*v3endpointpb.UpstreamLocalityStats
	for name, ls := range localities {
		upstreamStats = append(upstreamStats, ls.snapshot(name))
	}

	return &v3endpointpb.ClusterStats{
		ClusterName:           cluster,
		ClusterServiceName:    edsServiceName,
		UpstreamLocalityStats: upstreamStats,
		TotalDroppedRequests:  totalDropped,
		DroppedRequests:       drops,
		LoadReportInterval:    durationpb.New(elapsed),
	}
}

type localityStore struct {
	issued     atomicCounter
	successful atomicCounter
	errors     atomicCounter
	inProgress atomicCounter

	metricsMu sync.Mutex
	metrics   map[string]*serverLoadSum
}

type serverLoadSum struct {
	count uint64
	sum   float64
}

func newLocalityStore() *localityStore {
	return &localityStore{metrics: map[string]*serverLoadSum{}}
}

func (l *localityStore) addServerLoad(name string, val float64) {
	l.metricsMu.Lock()
	defer l.metricsMu.Unlock()
	s, ok := l.metrics[name]
	if !ok {
		s = &serverLoadSum{}
		l.metrics[name] = s
	}
	s.count++
	s.sum += val
}

func (l *localityStore) snapshot(localityName string) *v3endpointpb.UpstreamLocalityStats {
	l.metricsMu.Lock()
	metrics := l.metrics
	l.metrics = map[string]*serverLoadSum{}
	l.metricsMu.Unlock()

	var loadMetrics []*v3endpointpb.EndpointLoadMetricStats
	for name, s := range metrics {
		loadMetrics = append(loadMetrics, &v3endpointpb.EndpointLoadMetricStats{
			MetricName:                    name,
			NumRequestsFinishedWithMetric: s.count,
			TotalMetricValue:              s.sum,
		})
	}

	return &v3endpointpb.UpstreamLocalityStats{
		Locality:                parseLocalityName(localityName),
		TotalSuccessfulRequests: l.successful.Reset(),
		TotalRequestsInProgress: l.inProgress.value(),
		TotalErrorRequests:      l.errors.Reset(),
		TotalIssuedRequests:     l.issued.Reset(),
		LoadMetricStats:         loadMetrics,
	}
}

func parseLocalityName(s string) *v3endpointpb.Locality {
	region, zone, subZone := "", "", ""
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	if len(parts) > 0 {
		region = parts[0]
	}
	if len(parts) > 1 {
		zone = parts[1]
	}
	if len(parts) > 2 {
		subZone = parts[2]
	}
	return &v3endpointpb.Locality{Region: region, Zone: zone, SubZone: subZone}
}

// atomicCounter is a scalar counter that atomically reads and resets itself
// on snapshot, so concurrent Add calls are never lost between snapshots.
type atomicCounter struct {
	v atomic.Uint64
}

func (c *atomicCounter) Add(delta int64) {
	if delta >= 0 {
		c.v.Add(uint64(delta))
		return
	}
	c.v.Add(^uint64(-delta - 1))
}

func (c *atomicCounter) Reset() uint64 {
	return c.v.Swap(0)
}

func (c *atomicCounter) value() uint64 {
	return c.v.Load()
}
