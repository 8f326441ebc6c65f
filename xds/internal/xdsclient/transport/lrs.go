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

package transport

import (
	"context"
	"io"
	"sync"
	"time"

	v3lrspb "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
)

// lrsState owns the lifecycle of the (at most one) LRS stream for this
// transport: opened on demand when the cache registers the first
// drop/locality-stats handle, closed when the last one is dropped.
type lrsState struct {
	t *Transport

	mu         sync.Mutex
	refCount   int
	cancel     context.CancelFunc
	doneCh     chan struct{}
}

func newLRSState(t *Transport) *lrsState {
	return &lrsState{t: t}
}

// ref is called when a drop-stats or locality-stats handle is registered
// against this server; it starts the LRS stream if this is the first one.
func (l *lrsState) ref() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refCount++
	if l.refCount == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.doneCh = make(chan struct{})
		go l.run(ctx)
	}
}

// unref is called when a handle is dropped; it closes the LRS stream once
// the last handle is released.
func (l *lrsState) unref() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refCount--
	if l.refCount == 0 && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *lrsState) stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run drives a single LRS stream: sends the initial request with node
// identity, reads back the cluster set and interval, then reports on a
// ticker until the context is cancelled.
func (l *lrsState) run(ctx context.Context) {
	defer close(l.doneCh)

	for ctx.Err() == nil {
		client := v3lrspb.NewLoadReportingServiceClient(l.t.cc)
		stream, err := client.StreamLoadStats(ctx)
		if err != nil {
			l.t.logger.Warningf("LRS stream creation failed: %v", err)
			select {
			case <-time.After(l.t.backoff(0)):
			case <-ctx.Done():
			}
			continue
		}

		if err := stream.Send(&v3lrspb.LoadStatsRequest{Node: l.t.nodeProto}); err != nil {
			l.t.logger.Warningf("LRS initial request failed: %v", err)
			continue
		}

		resp, err := stream.Recv()
		if err != nil {
			l.t.logger.Warningf("LRS initial response failed: %v", err)
			continue
		}

		interval := resp.GetLoadReportingInterval().AsDuration()
		if interval <= 0 {
			interval = 10 * time.Second
		}
		clusters := resp.GetClusters()
		sendAll := resp.GetSendAllClusters()

		l.reportLoop(ctx, stream, clusters, sendAll, interval)
		return
	}
}

func (l *lrsState) reportLoop(ctx context.Context, stream v3lrspb.LoadReportingService_StreamLoadStatsClient, clusters []string, sendAll bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			req := &v3lrspb.LoadStatsRequest{ClusterStats: l.t.lrsStore.Snapshot(clusters, sendAll, elapsed)}
			if err := stream.Send(req); err != nil {
				l.t.logger.Warningf("LRS report send failed: %v", err)
				return
			}
			// Drain any (ignored) ack-like response so the stream does
			// not build up unread messages; the LRS response after the
			// first is typically empty.
			go func() {
				if _, err := stream.Recv(); err != nil && err != io.EOF {
					l.t.logger.Warningf("LRS stream recv error: %v", err)
				}
			}()
		}
	}
}
