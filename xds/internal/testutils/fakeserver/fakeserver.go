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

// Package fakeserver implements a minimal ADS/LRS management server over an
// in-process bufconn connection, for tests that need to drive a resource
// through the real wire-decode path instead of injecting already-validated
// updates directly into a fake XDSClient.
package fakeserver

import (
	"context"
	"net"
	"time"

	v3discoverypb "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	v3lrspb "github.com/envoyproxy/go-control-plane/envoy/service/load_stats/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
)

const bufSize = 1024 * 1024

// Server is a management server stand-in: it records every ADS/LRS request
// it receives and replies with whatever response the test pushes, rather
// than implementing real snapshot or version bookkeeping.
type Server struct {
	lis *bufconn.Listener
	gs  *grpc.Server
	ads *fakeADS
	lrs *fakeLRS
}

// New starts a Server listening on an in-memory bufconn connection.
func New() *Server {
	s := &Server{
		lis: bufconn.Listen(bufSize),
		gs:  grpc.NewServer(),
		ads: newFakeADS(),
		lrs: newFakeLRS(),
	}
	v3discoverypb.RegisterAggregatedDiscoveryServiceServer(s.gs, s.ads)
	v3lrspb.RegisterLoadReportingServiceServer(s.gs, s.lrs)
	go s.gs.Serve(s.lis)
	return s
}

// Dialer connects to this Server; install it as bootstrap.ServerConfig.Dialer
// to point a Transport at it instead of a real TCP listener.
func (s *Server) Dialer(ctx context.Context, _ string) (net.Conn, error) {
	return s.lis.DialContext(ctx)
}

// Stop tears down the gRPC server and its listener.
func (s *Server) Stop() {
	s.gs.Stop()
}

// PushResponse queues resp to be sent on the current (or next) ADS stream.
func (s *Server) PushResponse(resp *v3discoverypb.DiscoveryResponse) {
	s.ads.push(resp)
}

// Requests is the ordered stream of DiscoveryRequests received over ADS.
func (s *Server) Requests() <-chan *v3discoverypb.DiscoveryRequest {
	return s.ads.requests
}

// LRSRequests is the ordered stream of LoadStatsRequests received over LRS,
// starting with the initial node-identity-only request.
func (s *Server) LRSRequests() <-chan *v3lrspb.LoadStatsRequest {
	return s.lrs.requests
}

type fakeADS struct {
	v3discoverypb.UnimplementedAggregatedDiscoveryServiceServer

	requests  chan *v3discoverypb.DiscoveryRequest
	responses chan *v3discoverypb.DiscoveryResponse
}

func newFakeADS() *fakeADS {
	return &fakeADS{
		requests:  make(chan *v3discoverypb.DiscoveryRequest, 64),
		responses: make(chan *v3discoverypb.DiscoveryResponse, 64),
	}
}

func (f *fakeADS) push(resp *v3discoverypb.DiscoveryResponse) {
	f.responses <- resp
}

// StreamAggregatedResources pipes every received request onto f.requests
// and sends whatever is pushed to f.responses back down the stream, with no
// ACK/NACK bookkeeping of its own: the caller decides what to send and when.
func (f *fakeADS) StreamAggregatedResources(stream v3discoverypb.AggregatedDiscoveryService_StreamAggregatedResourcesServer) error {
	ctx := stream.Context()
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case f.requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case resp := <-f.responses:
			if err := stream.Send(resp); err != nil {
				return err
			}
		case err := <-recvErrCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type fakeLRS struct {
	v3lrspb.UnimplementedLoadReportingServiceServer

	requests chan *v3lrspb.LoadStatsRequest
	interval time.Duration
}

func newFakeLRS() *fakeLRS {
	return &fakeLRS{
		requests: make(chan *v3lrspb.LoadStatsRequest, 64),
		interval: 20 * time.Millisecond,
	}
}

// StreamLoadStats answers the initial request with a single response
// telling the client to report on every cluster at f.interval, then drains
// every subsequent report onto f.requests until the stream ends.
func (f *fakeLRS) StreamLoadStats(stream v3lrspb.LoadReportingService_StreamLoadStatsServer) error {
	ctx := stream.Context()

	initial, err := stream.Recv()
	if err != nil {
		return err
	}
	select {
	case f.requests <- initial:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := stream.Send(&v3lrspb.LoadStatsResponse{
		SendAllClusters:       true,
		LoadReportingInterval: durationpb.New(f.interval),
	}); err != nil {
		return err
	}

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		select {
		case f.requests <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
