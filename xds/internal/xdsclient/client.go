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

// Package xdsclient implements the resource cache, watcher registry, and
// client facade that resolvers and balancers use to subscribe to xDS
// resources, on top of the ADS/LRS transport channel.
package xdsclient

import (
	"context"
	"fmt"

	"github.com/grpc/grpc-sub003/internal/grpclog"
	"github.com/grpc/grpc-sub003/internal/grpcsync"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/bootstrap"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/load"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/transport"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/xdsresource"
)

// XDSClient is the public surface consumed by resolvers and balancers.
type XDSClient interface {
	WatchListener(name string, w ListenerWatcher) func()
	WatchRouteConfig(name string, w RouteConfigWatcher) func()
	WatchCluster(name string, w ClusterWatcher) func()
	WatchEndpoints(name string, w EndpointsWatcher) func()

	// ReportLoad returns a drop-stats and locality-stats handle for
	// (clusterName, edsServiceName), and a function to release it. The LRS
	// stream to the management server is opened on the first handle
	// registered against it and closed when the last one is released.
	ReportLoad(clusterName, edsServiceName string) (*load.PerClusterStore, func())

	// ResetBackoff forces an immediate reconnect attempt on every
	// transport owned by this client.
	ResetBackoff()

	BootstrapConfig() *bootstrap.Config

	Close()
}

// Client is the concrete implementation of XDSClient: one resource cache
// and the per-management-server Transports that feed it. Only the Transport
// to the bootstrap config's first xds_server is created, and every
// subscription is routed to it whatever authority a resource name carries.
type Client struct {
	config *bootstrap.Config
	logger *grpclog.PrefixLogger

	serializer       *grpcsync.CallbackSerializer
	serializerCancel context.CancelFunc

	cache *cache

	// transports is keyed by ServerConfig.ServerURI: multiple authorities
	// pointing at the same management server share one Transport rather
	// than opening a redundant stream per authority.
	transports map[string]*clientTransport

	// defaultServerURI is the ServerURI of the bootstrap's first
	// xds_server; its transport carries every subscription and load report.
	defaultServerURI string
}

type clientTransport struct {
	t *transport.Transport
}

// New creates an XDSClient using the bootstrap configuration found via the
// environment.
func New() (XDSClient, func(), error) {
	cfg, err := bootstrap.NewConfig()
	if err != nil {
		return nil, nil, err
	}
	return newWithConfig(cfg, "")
}

// NewWithBootstrapContentsForTesting creates an XDSClient from raw
// bootstrap file contents, bypassing the environment; used by the
// resolver's test-only builder.
func NewWithBootstrapContentsForTesting(contents []byte) (XDSClient, func(), error) {
	cfg, err := bootstrap.NewConfigFromContents(contents)
	if err != nil {
		return nil, nil, err
	}
	return newWithConfig(cfg, "")
}

// NewForTesting creates an XDSClient directly from an already-parsed
// bootstrap.Config, bypassing both the environment and JSON parsing. Unlike
// NewWithBootstrapContentsForTesting, this lets a test set fields (such as
// ServerConfig.Dialer) that have no bootstrap file representation, e.g. to
// point the client at an in-memory fake management server.
func NewForTesting(cfg *bootstrap.Config, name string) (XDSClient, func(), error) {
	return newWithConfig(cfg, name)
}

func newWithConfig(cfg *bootstrap.Config, name string) (XDSClient, func(), error) {
	if len(cfg.XDSServers) == 0 {
		return nil, nil, fmt.Errorf("xds: bootstrap configuration has no xds_servers")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:           cfg,
		logger:           grpclog.NewPrefixLogger(fmt.Sprintf("[xds-client %s] ", name)),
		serializer:       grpcsync.NewCallbackSerializer(ctx),
		serializerCancel: cancel,
		transports:       map[string]*clientTransport{},
		defaultServerURI: cfg.XDSServers[0].ServerURI,
	}
	c.cache = newCache(c)

	if _, err := c.transportFor(cfg.XDSServers[0]); err != nil {
		cancel()
		return nil, nil, err
	}

	xdsresource.SetCertProviderInstances(certProviderInstanceSet(cfg))

	return c, c.Close, nil
}

func certProviderInstanceSet(cfg *bootstrap.Config) map[string]bool {
	out := map[string]bool{}
	for name := range cfg.CertProviderConfigs {
		out[name] = true
	}
	return out
}

func (c *Client) transportFor(sc bootstrap.ServerConfig) (*clientTransport, error) {
	if ct, ok := c.transports[sc.ServerURI]; ok {
		return ct, nil
	}
	t, err := transport.New(transport.Options{
		ServerCfg:          sc,
		UpdateHandler:      c.handleResourceUpdate,
		StreamErrorHandler: c.handleStreamError,
		NodeProto:          c.config.Node,
		Logger:             c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("xds: failed to create transport for server %q: %v", sc.ServerURI, err)
	}
	ct := &clientTransport{t: t}
	c.transports[sc.ServerURI] = ct
	return ct, nil
}

// handleResourceUpdate is the Transport's UpdateHandlerFunc: it decodes and
// validates every resource in update, writes accepted ones into the cache,
// and returns a non-nil error (triggering a NACK) iff at least one
// resource failed.
func (c *Client) handleResourceUpdate(update transport.ResourceUpdate) error {
	rtype, ok := xdsresource.TypeFromURL(update.URL)
	if !ok {
		return fmt.Errorf("xds: unsupported resource type url %q", update.URL)
	}
	info, ok := xdsresource.TypeInfo(rtype)
	if !ok {
		return fmt.Errorf("xds: no decoder registered for resource type %v", rtype)
	}

	var (
		firstErr error
		errCount int
		present  = map[string]bool{}
	)

	type decoded struct {
		name  string
		value any
	}
	var accepted []decoded

	for _, raw := range update.Resources {
		name, value, err := info.Decode(raw)
		if name != "" {
			present[name] = true
		}
		if err != nil {
			errCount++
			if firstErr == nil {
				firstErr = err
			}
			if name != "" {
				c.cache.handleResourceError(rtype, name, err)
			}
			continue
		}
		accepted = append(accepted, decoded{name: name, value: value})
	}

	for _, d := range accepted {
		c.cache.handleUpdate(rtype, d.name, d.value, update.Version)
	}

	if info.AllResourcesRequiredInSotW {
		c.cache.handleResourcesAbsent(rtype, present)
	}

	if errCount > 0 {
		return fmt.Errorf("xds: %d resource(s) of type %v failed validation, first error: %v", errCount, rtype, firstErr)
	}
	return nil
}

func (c *Client) handleStreamError(err error) {
	c.serializer.Schedule(func(context.Context) {
		c.cache.handleStreamFailure(err)
	})
}

// subscribe and unsubscribe must only be called from within a serializer
// callback (cache.watch/cancelWatch already run there).
//
// name is accepted (matching the cache's per-name subscribe/unsubscribe
// calls) but not yet used to pick a transport: every resource is currently
// routed to the bootstrap's first xds_server, regardless of any xdstp://
// authority segment its name carries. Routing by authority is future work;
// see the Client doc comment on the transports field.
func (c *Client) subscribe(t xdsresource.Type, name string) {
	ct := c.transports[c.defaultServerURI]
	typeURL := xdsresource.TypeURLOf(t)
	ct.t.SendRequest(typeURL, c.cache.resourceNames(t))
}

func (c *Client) unsubscribe(t xdsresource.Type, name string) {
	ct := c.transports[c.defaultServerURI]
	typeURL := xdsresource.TypeURLOf(t)
	ct.t.SendRequest(typeURL, c.cache.resourceNames(t))
}

// schedule implements subscriptionHandler.
func (c *Client) schedule(f func(context.Context)) bool {
	return c.serializer.Schedule(f)
}

func (c *Client) watch(t xdsresource.Type, name string, w watcher) func() {
	c.serializer.Schedule(func(context.Context) {
		c.cache.watch(t, name, w)
	})
	return func() {
		c.cancelWatch(t, name, w, false)
	}
}

func (c *Client) cancelWatch(t xdsresource.Type, name string, w watcher, delayUnsubscription bool) {
	c.serializer.Schedule(func(context.Context) {
		c.cache.cancelWatch(t, name, w, delayUnsubscription)
	})
}

// WatchListener implements XDSClient.
func (c *Client) WatchListener(name string, w ListenerWatcher) func() {
	return c.watch(xdsresource.ListenerResource, name, &listenerWatcherAdapter{w: w})
}

// WatchRouteConfig implements XDSClient.
func (c *Client) WatchRouteConfig(name string, w RouteConfigWatcher) func() {
	return c.watch(xdsresource.RouteConfigResource, name, &routeConfigWatcherAdapter{w: w})
}

// WatchCluster implements XDSClient.
func (c *Client) WatchCluster(name string, w ClusterWatcher) func() {
	return c.watch(xdsresource.ClusterResource, name, &clusterWatcherAdapter{w: w})
}

// WatchEndpoints implements XDSClient.
func (c *Client) WatchEndpoints(name string, w EndpointsWatcher) func() {
	return c.watch(xdsresource.EndpointResource, name, &endpointsWatcherAdapter{w: w})
}

// ReportLoad implements XDSClient.
func (c *Client) ReportLoad(clusterName, edsServiceName string) (*load.PerClusterStore, func()) {
	ct := c.transports[c.defaultServerURI]
	store := ct.t.LoadStore().PerCluster(clusterName, edsServiceName)
	ct.t.ReportLoad()
	return store, func() { ct.t.StopReportingLoad() }
}

// ResetBackoff implements XDSClient.
func (c *Client) ResetBackoff() {
	for _, ct := range c.transports {
		ct.t.ResetBackoff()
	}
}

// BootstrapConfig implements XDSClient.
func (c *Client) BootstrapConfig() *bootstrap.Config {
	return c.config
}

// Close implements XDSClient.
func (c *Client) Close() {
	c.serializerCancel()
	<-c.serializer.Done()
	for _, ct := range c.transports {
		ct.t.Close()
	}
}
