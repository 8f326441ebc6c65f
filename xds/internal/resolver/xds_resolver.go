/*
 * Copyright 2019 gRPC authors.
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
 *
 */

// Package resolver implements a gRPC resolver.Builder on top of the xDS
// dependency manager: it does LDS/RDS/CDS/EDS through xdsclient and
// xdsdependency and pushes the resolved backend addresses of the route
// config's first-matched cluster to the channel.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/resolver"

	"github.com/grpc/grpc-sub003/internal/grpclog"
	"github.com/grpc/grpc-sub003/internal/grpcsync"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient"
	"github.com/grpc/grpc-sub003/xds/internal/xdsdependency"
)

// Scheme is the xDS resolver's scheme.
const Scheme = "xds"

func init() {
	resolver.Register(&xdsResolverBuilder{})
}

// newBuilderForTesting creates an xds resolver builder using a specific xds
// bootstrap config, so tests can use multiple xds clients in different
// ClientConns at the same time.
func newBuilderForTesting(config []byte) (resolver.Builder, error) {
	return &xdsResolverBuilder{
		newXDSClient: func() (xdsclient.XDSClient, func(), error) {
			return xdsclient.NewWithBootstrapContentsForTesting(config)
		},
	}, nil
}

type xdsResolverBuilder struct {
	newXDSClient func() (xdsclient.XDSClient, func(), error)
}

// Build helps implement the resolver.Builder interface. The xds bootstrap
// process is performed (and a new xds client is built) every time an xds
// resolver is built, scoped to this ClientConn's lifetime.
func (b *xdsResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions) (_ resolver.Resolver, retErr error) {
	r := &xdsResolver{
		cc:     cc,
		logger: grpclog.NewPrefixLogger(fmt.Sprintf("[xds-resolver %s] ", target.URL.String())),
	}
	defer func() {
		if retErr != nil {
			r.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	r.serializer = grpcsync.NewCallbackSerializer(ctx)
	r.serializerCancel = cancel

	newXDSClient := b.newXDSClient
	if newXDSClient == nil {
		newXDSClient = xdsclient.New
	}
	client, closeClient, err := newXDSClient()
	if err != nil {
		return nil, fmt.Errorf("xds: failed to create xds-client: %v", err)
	}
	r.xdsClient = client
	r.xdsClientClose = closeClient

	if client.BootstrapConfig() == nil {
		return nil, fmt.Errorf("xds: bootstrap configuration is empty")
	}

	listenerName := strings.TrimPrefix(target.URL.Path, "/")
	if listenerName == "" {
		listenerName = target.URL.Opaque
	}
	authority := target.URL.Host

	r.depManager = xdsdependency.NewManager(client, r, authority, listenerName)
	return r, nil
}

// Scheme helps implement the resolver.Builder interface.
func (*xdsResolverBuilder) Scheme() string {
	return Scheme
}

// xdsResolver implements resolver.Resolver on top of an xdsdependency.Manager,
// pushing resolved backend addresses to the channel whenever the manager
// reports a complete config.
type xdsResolver struct {
	cc     resolver.ClientConn
	logger *grpclog.PrefixLogger

	xdsClient      xdsclient.XDSClient
	xdsClientClose func()

	serializer       *grpcsync.CallbackSerializer
	serializerCancel context.CancelFunc

	depManager *xdsdependency.Manager
}

// ResolveNow is a no-op: the resolver is driven entirely by xDS watch
// callbacks, not by explicit re-resolution requests.
func (*xdsResolver) ResolveNow(resolver.ResolveNowOptions) {}

func (r *xdsResolver) Close() {
	r.serializerCancel()
	<-r.serializer.Done()

	if r.depManager != nil {
		r.depManager.Close()
	}
	if r.xdsClientClose != nil {
		r.xdsClientClose()
	}
	if r.logger != nil {
		r.logger.Infof("Shutdown")
	}
}

// OnUpdate implements xdsdependency.Watcher. It takes the cluster of the
// virtual host's first route that names one (for a weighted split, its
// first weighted cluster), resolves that cluster's endpoints, and pushes
// their addresses to the channel. Weighted-cluster splitting, retries, hashing,
// and HTTP filter wiring are downstream-consumer concerns explicitly out
// of this module's core scope; this exists only to demonstrate that the
// facade's watch-driven config is consumable end to end.
func (r *xdsResolver) OnUpdate(cfg *xdsdependency.XdsConfig) {
	r.serializer.Schedule(func(context.Context) {
		clusterName := firstClusterName(cfg)
		if clusterName == "" {
			r.cc.ReportError(fmt.Errorf("xds: route config has no usable cluster"))
			return
		}
		cc, ok := cfg.Clusters[clusterName]
		if !ok || cc.Err != nil {
			r.cc.ReportError(fmt.Errorf("xds: cluster %q: %v", clusterName, cc.Err))
			return
		}

		var addrs []resolver.Address
		addrs = appendLeafAddresses(cfg, clusterName, map[string]bool{}, &addrs)

		r.cc.UpdateState(resolver.State{Addresses: addrs})
	})
}

// OnError implements xdsdependency.Watcher.
func (r *xdsResolver) OnError(context string, err error) {
	r.serializer.Schedule(func(ctx2 context.Context) {
		r.cc.ReportError(fmt.Errorf("xds: %s: %w", context, err))
	})
}

// OnResourceDoesNotExist implements xdsdependency.Watcher.
func (r *xdsResolver) OnResourceDoesNotExist(context string) {
	r.serializer.Schedule(func(ctx2 context.Context) {
		r.cc.ReportError(fmt.Errorf("xds: resource does not exist: %s", context))
	})
}

func firstClusterName(cfg *xdsdependency.XdsConfig) string {
	if cfg.VirtualHost == nil {
		return ""
	}
	for _, route := range cfg.VirtualHost.Routes {
		if route.ClusterName != "" {
			return route.ClusterName
		}
		for _, wc := range route.WeightedClusters {
			return wc.Name
		}
	}
	return ""
}

// appendLeafAddresses recursively flattens an aggregate cluster's leaves
// into a flat address list, in priority order.
func appendLeafAddresses(cfg *xdsdependency.XdsConfig, clusterName string, visited map[string]bool, out *[]resolver.Address) []resolver.Address {
	if visited[clusterName] {
		return *out
	}
	visited[clusterName] = true

	cc, ok := cfg.Clusters[clusterName]
	if !ok || cc.Err != nil {
		return *out
	}
	if cc.Aggregate != nil {
		for _, leaf := range cc.Aggregate.LeafClusters {
			appendLeafAddresses(cfg, leaf, visited, out)
		}
		return *out
	}
	if cc.Endpoints == nil || cc.Endpoints.Endpoints == nil {
		return *out
	}
	for _, priority := range cc.Endpoints.Endpoints.Priorities {
		for _, locality := range priority.Localities {
			for _, ep := range locality.Endpoints {
				*out = append(*out, resolver.Address{Addr: ep.Address})
			}
		}
	}
	return *out
}
