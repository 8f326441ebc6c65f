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

import (
	"fmt"
	"sync"

	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/bootstrap"
)

// Pool tracks one Client per distinct bootstrap configuration, so that
// multiple callers sharing a bootstrap config (e.g. several gRPC channels
// in the same process) share one ADS/LRS connection to each management
// server instead of opening a redundant one each.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*pooledClient
}

type pooledClient struct {
	client   XDSClient
	refCount int
}

// NewPool creates an empty Pool. The config argument is not used: each
// client in the Pool is built from the bootstrap contents passed by the
// first NewClientForTesting caller for its Name.
func NewPool(config *bootstrap.Config) *Pool {
	return &Pool{clients: map[string]*pooledClient{}}
}

// OptionsForTesting configures a test-only client built from raw bootstrap
// contents rather than the environment (a `Name` disambiguates multiple
// clients sharing one process-wide Pool in the same test).
type OptionsForTesting struct {
	Name     string
	Contents []byte
}

// NewClientForTesting returns an XDSClient built from opts.Contents,
// creating it if this is the first caller for opts.Name and reusing it
// (with a bumped refcount) otherwise. The returned func releases this
// caller's reference, closing the underlying Client once the last
// reference is released.
func (p *Pool) NewClientForTesting(opts OptionsForTesting) (XDSClient, func(), error) {
	if opts.Name == "" {
		return nil, nil, fmt.Errorf("xds: OptionsForTesting.Name must be set")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.clients[opts.Name]; ok {
		pc.refCount++
		return pc.client, func() { p.release(opts.Name) }, nil
	}

	cfg, err := bootstrap.NewConfigFromContents(opts.Contents)
	if err != nil {
		return nil, nil, err
	}
	c, _, err := newWithConfig(cfg, opts.Name)
	if err != nil {
		return nil, nil, err
	}
	p.clients[opts.Name] = &pooledClient{client: c, refCount: 1}
	return c, func() { p.release(opts.Name) }, nil
}

func (p *Pool) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.clients[name]
	if !ok {
		return
	}
	pc.refCount--
	if pc.refCount > 0 {
		return
	}
	delete(p.clients, name)
	pc.client.Close()
}

// DefaultPool is a process-wide Pool. The package-level constructors (New,
// NewWithBootstrapContentsForTesting) do not use it; each of their calls
// builds a new Client.
var DefaultPool = NewPool(nil)
