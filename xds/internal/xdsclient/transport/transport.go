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

// Package transport implements the xDS ADS/LRS transport protocol
// functionality required by the xdsclient. It owns a single gRPC ClientConn
// to one management server and is resource-type agnostic: resource
// contents are opaque blobs meaningful only to the xdsresource layer above
// it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/grpc/grpc-sub003/internal/backoff"
	"github.com/grpc/grpc-sub003/internal/buffer"
	"github.com/grpc/grpc-sub003/internal/grpclog"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/bootstrap"
	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/load"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	v3adsgrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	v3discoverypb "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
)

type adsStream = v3adsgrpc.AggregatedDiscoveryService_StreamAggregatedResourcesClient

// Transport provides a resource-type agnostic implementation of the xDS
// transport protocol. Under the hood it owns the gRPC connection to a
// single management server and manages the lifecycle of the ADS and LRS
// streams.
type Transport struct {
	cc                  *grpc.ClientConn
	serverURI           string
	updateHandler       UpdateHandlerFunc
	adsStreamErrHandler func(error)
	lrsStore            *load.Store
	backoff             func(int) time.Duration
	nodeProto           *v3corepb.Node
	logger              *grpclog.PrefixLogger

	adsRunnerCancel context.CancelFunc
	adsRunnerDoneCh chan struct{}

	adsStreamCh  chan adsStream
	adsRequestCh *buffer.Unbounded

	// resetBackoffCh is signalled by ResetBackoff to force the next
	// reconnect attempt to happen immediately.
	resetBackoffCh chan struct{}

	mu        sync.Mutex
	resources map[string]map[string]bool
	versions  map[string]string
	nonces    map[string]string

	lrs *lrsState
}

// UpdateHandlerFunc is the xDS data model layer: it decodes and validates
// the resources in update and performs cache writes. A nil return means
// every resource in the response was accepted (ACK); a non-nil error
// means at least one was rejected and describes which (NACK).
type UpdateHandlerFunc func(update ResourceUpdate) error

// ResourceUpdate is a representation of one ADS response, containing only
// the fields the xdsresource layer needs.
type ResourceUpdate struct {
	Resources []*anypb.Any
	URL       string
	Version   string
}

// Options specifies configuration knobs used when creating a new Transport.
type Options struct {
	ServerCfg          bootstrap.ServerConfig
	UpdateHandler      UpdateHandlerFunc
	StreamErrorHandler func(error)
	Backoff            func(retries int) time.Duration
	Logger             *grpclog.PrefixLogger
	NodeProto          *v3corepb.Node
}

// For overriding in unit tests.
var grpcDial = grpc.Dial

// New creates a new Transport and starts its ADS runner goroutine.
func New(opts Options) (*Transport, error) {
	switch {
	case opts.ServerCfg.ServerURI == "":
		return nil, errors.New("missing server URI when creating a new transport")
	case opts.ServerCfg.Creds == nil:
		return nil, errors.New("missing credentials when creating a new transport")
	case opts.UpdateHandler == nil:
		return nil, errors.New("missing update handler when creating a new transport")
	case opts.StreamErrorHandler == nil:
		return nil, errors.New("missing stream error handler when creating a new transport")
	}

	dopts := []grpc.DialOption{
		opts.ServerCfg.Creds,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    5 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	}
	if opts.ServerCfg.Dialer != nil {
		dopts = append(dopts, grpc.WithContextDialer(opts.ServerCfg.Dialer))
	}
	cc, err := grpcDial(opts.ServerCfg.ServerURI, dopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create a transport to the management server %q: %v", opts.ServerCfg.ServerURI, err)
	}

	boff := opts.Backoff
	if boff == nil {
		boff = backoff.DefaultExponential.Backoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = grpclog.NewPrefixLogger("[xds-transport] ")
	}
	ret := &Transport{
		cc:                  cc,
		serverURI:           opts.ServerCfg.ServerURI,
		updateHandler:       opts.UpdateHandler,
		adsStreamErrHandler: opts.StreamErrorHandler,
		lrsStore:            load.NewStore(),
		backoff:             boff,
		nodeProto:           opts.NodeProto,
		logger:              logger,

		adsStreamCh:     make(chan adsStream, 1),
		adsRequestCh:    buffer.NewUnbounded(),
		resources:       make(map[string]map[string]bool),
		versions:        make(map[string]string),
		nonces:          make(map[string]string),
		adsRunnerDoneCh: make(chan struct{}),
		resetBackoffCh:  make(chan struct{}, 1),
	}
	ret.lrs = newLRSState(ret)

	ctx, cancel := context.WithCancel(context.Background())
	ret.adsRunnerCancel = cancel
	go ret.adsRunner(ctx)

	ret.logger.Infof("Created transport to server %q", ret.serverURI)
	return ret, nil
}

// LoadStore returns the load.Store used to accumulate LRS stats for this
// transport.
func (t *Transport) LoadStore() *load.Store {
	return t.lrsStore
}

// ReportLoad registers interest in the LRS stream to this server, opening
// it if this is the first interested caller.
func (t *Transport) ReportLoad() {
	t.lrs.ref()
}

// StopReportingLoad releases interest in the LRS stream registered by a
// prior ReportLoad call, closing the stream once the last caller releases
// it.
func (t *Transport) StopReportingLoad() {
	t.lrs.unref()
}

// ResetBackoff forces the next reconnect attempt to happen immediately,
// cancelling any pending backoff timer.
func (t *Transport) ResetBackoff() {
	select {
	case t.resetBackoffCh <- struct{}{}:
	default:
	}
}

type resourceRequest struct {
	resources []string
	url       string
}

// SendRequest sends out an ADS request for the provided resources of the
// specified type. Asynchronous: queued if no valid stream exists yet.
func (t *Transport) SendRequest(url string, resources []string) {
	t.adsRequestCh.Put(&resourceRequest{url: url, resources: resources})
}

func (t *Transport) newAggregatedDiscoveryServiceStream(ctx context.Context, cc *grpc.ClientConn) (adsStream, error) {
	return v3adsgrpc.NewAggregatedDiscoveryServiceClient(cc).StreamAggregatedResources(ctx, grpc.WaitForReady(true))
}

func (t *Transport) sendAggregatedDiscoveryServiceRequest(stream adsStream, resourceNames []string, resourceURL, version, nonce string, nackErr error) error {
	req := &v3discoverypb.DiscoveryRequest{
		Node:          t.nodeProto,
		TypeUrl:       resourceURL,
		ResourceNames: resourceNames,
		VersionInfo:   version,
		ResponseNonce: nonce,
	}
	if nackErr != nil {
		req.ErrorDetail = &statuspb.Status{
			Code: int32(codes.InvalidArgument), Message: nackErr.Error(),
		}
	}
	if err := stream.Send(req); err != nil {
		return fmt.Errorf("sending ADS request failed: %v", err)
	}
	t.logger.Debugf("ADS request sent: %+v", req)
	return nil
}

func (t *Transport) recvAggregatedDiscoveryServiceResponse(stream adsStream) (resources []*anypb.Any, resourceURL, version, nonce string, err error) {
	resp, err := stream.Recv()
	if err != nil {
		return nil, "", "", "", fmt.Errorf("failed to read ADS response: %v", err)
	}
	t.logger.Infof("ADS response received, type: %v", resp.GetTypeUrl())
	return resp.GetResources(), resp.GetTypeUrl(), resp.GetVersionInfo(), resp.GetNonce(), nil
}

// adsRunner starts an ADS stream, backing off exponentially between
// attempts that fail without receiving a single reply, and resets backoff
// on request.
func (t *Transport) adsRunner(ctx context.Context) {
	defer close(t.adsRunnerDoneCh)

	go t.send(ctx)

	backoffAttempt := 0
	backoffTimer := time.NewTimer(0)
	for ctx.Err() == nil {
		select {
		case <-backoffTimer.C:
		case <-t.resetBackoffCh:
			if !backoffTimer.Stop() {
				<-backoffTimer.C
			}
			backoffTimer.Reset(0)
			backoffAttempt = 0
			continue
		case <-ctx.Done():
			backoffTimer.Stop()
			return
		}

		resetBackoff := func() bool {
			stream, err := t.newAggregatedDiscoveryServiceStream(ctx, t.cc)
			if err != nil {
				t.adsStreamErrHandler(err)
				t.logger.Warningf("ADS stream creation failed: %v", err)
				return false
			}
			t.logger.Infof("ADS stream created")

			select {
			case <-t.adsStreamCh:
			default:
			}
			t.adsStreamCh <- stream
			return t.recv(stream)
		}()

		if resetBackoff {
			backoffTimer.Reset(0)
			backoffAttempt = 0
		} else {
			backoffTimer.Reset(t.backoff(backoffAttempt))
			backoffAttempt++
		}
	}
}

// send sends resource requests and ACK/NACKs on the ADS stream. On every
// new stream, all currently-subscribed resources are re-requested in full,
// per the state-of-the-world subscription protocol.
func (t *Transport) send(ctx context.Context) {
	var stream adsStream
	for {
		select {
		case <-ctx.Done():
			return
		case stream = <-t.adsStreamCh:
			if !t.sendExisting(stream) {
				stream = nil
			}
		case u := <-t.adsRequestCh.Get():
			t.adsRequestCh.Load()

			var (
				resources           []string
				url, version, nonce string
				send                bool
				nackErr             error
			)
			switch update := u.(type) {
			case *resourceRequest:
				resources, url, version, nonce = t.processResourceRequest(update)
				send = true
			case *ackRequest:
				resources, url, version, nonce, send = t.processAckRequest(update, stream)
				if !send {
					continue
				}
				nackErr = update.nackErr
			}
			if stream == nil {
				continue
			}
			if err := t.sendAggregatedDiscoveryServiceRequest(stream, resources, url, version, nonce, nackErr); err != nil {
				t.logger.Warningf("ADS request failed: %v", err)
				stream = nil
			}
		}
	}
}

// sendExisting re-requests all subscribed resources when recovering from a
// broken stream. Only the nonces map is reset; versions persist across
// stream restarts because they are a property of the resource, not the
// stream.
func (t *Transport) sendExisting(stream adsStream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nonces = make(map[string]string)

	for url, resources := range t.resources {
		if err := t.sendAggregatedDiscoveryServiceRequest(stream, mapToSlice(resources), url, t.versions[url], "", nil); err != nil {
			t.logger.Warningf("ADS request failed: %v", err)
			return false
		}
	}
	return true
}

// recv receives ADS responses and drives the ACK/NACK response cycle.
// Returns true if at least one message was successfully received (used to
// decide whether to reset backoff).
func (t *Transport) recv(stream adsStream) bool {
	msgReceived := false
	for {
		resources, url, rVersion, nonce, err := t.recvAggregatedDiscoveryServiceResponse(stream)
		if err != nil {
			t.adsStreamErrHandler(err)
			t.logger.Warningf("ADS stream closed with error: %v", err)
			return msgReceived
		}
		msgReceived = true

		err = t.updateHandler(ResourceUpdate{Resources: resources, URL: url, Version: rVersion})
		if err != nil {
			t.mu.Lock()
			prevVersion := t.versions[url]
			t.mu.Unlock()
			t.adsRequestCh.Put(&ackRequest{url: url, nonce: nonce, stream: stream, version: prevVersion, nackErr: err})
			t.logger.Warningf("Sending NACK for type %v, version %v, nonce %v: %v", url, rVersion, nonce, err)
			continue
		}
		t.adsRequestCh.Put(&ackRequest{url: url, nonce: nonce, stream: stream, version: rVersion})
		t.logger.Infof("Sending ACK for type %v, version %v, nonce %v", url, rVersion, nonce)
	}
}

func mapToSlice(m map[string]bool) []string {
	ret := make([]string, 0, len(m))
	for i := range m {
		ret = append(ret, i)
	}
	return ret
}

func sliceToMap(ss []string) map[string]bool {
	ret := make(map[string]bool, len(ss))
	for _, s := range ss {
		ret[s] = true
	}
	return ret
}

func (t *Transport) processResourceRequest(req *resourceRequest) ([]string, string, string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	resources := sliceToMap(req.resources)
	t.resources[req.url] = resources
	return req.resources, req.url, t.versions[req.url], t.nonces[req.url]
}

type ackRequest struct {
	url     string
	version string
	nonce   string
	nackErr error
	stream  grpc.ClientStream
}

func (t *Transport) processAckRequest(ack *ackRequest, stream grpc.ClientStream) ([]string, string, string, string, bool) {
	if ack.stream != stream {
		return nil, "", "", "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	nonce := ack.nonce
	t.nonces[ack.url] = nonce

	s, ok := t.resources[ack.url]
	if !ok || len(s) == 0 {
		return nil, "", "", "", false
	}
	resources := mapToSlice(s)

	if ack.nackErr == nil {
		t.versions[ack.url] = ack.version
	}

	return resources, ack.url, ack.version, nonce, true
}

// Close closes the Transport, tearing down the ADS and LRS streams and the
// underlying gRPC connection.
func (t *Transport) Close() {
	t.lrs.stop()
	t.adsRunnerCancel()
	<-t.adsRunnerDoneCh
	t.cc.Close()
}

// ChannelConnectivityStateForTesting returns the connectivity state of the
// gRPC channel to the management server.
func (t *Transport) ChannelConnectivityStateForTesting() connectivity.State {
	return t.cc.GetState()
}
