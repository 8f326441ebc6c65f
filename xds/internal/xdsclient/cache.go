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
	"context"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/grpc/grpc-sub003/xds/internal/xdsclient/xdsresource"
)

// resourceStatus is the closed set of states a subscribed resource can be in.
type resourceStatus int

const (
	resourceStatusRequested resourceStatus = iota
	resourceStatusACKed
	resourceStatusNACKed
	resourceStatusDoesNotExist
)

// watcher is the cache-facing, type-erased half of a consumer's typed
// watcher (ListenerWatcher, RouteConfigWatcher, ClusterWatcher,
// EndpointsWatcher); the typed wrappers in watchers.go adapt to this.
type watcher interface {
	onResourceChanged(value any)
	onError(err error)
	onResourceDoesNotExist()
}

// resourceState is one per (type, authority, name).
type resourceState struct {
	status           resourceStatus
	value            any
	version          string
	failedVersion    string
	failedDetails    string
	failedUpdateTime time.Time
	updateTime       time.Time

	watchers map[watcher]bool

	doesNotExistTimer *time.Timer
}

func newResourceState() *resourceState {
	return &resourceState{status: resourceStatusRequested, watchers: map[watcher]bool{}}
}

// subscriptionHandler is the cache's view of its owning Client: just enough
// to (re)issue subscriptions and to schedule follow-up work (the
// does-not-exist timer callback) back onto the owning serializer. Kept as
// an interface, rather than a concrete *Client field, so the cache can be
// unit-tested without a real transport.
type subscriptionHandler interface {
	subscribe(t xdsresource.Type, name string)
	unsubscribe(t xdsresource.Type, name string)
	schedule(f func(context.Context)) bool
}

// cache is the resource cache / watcher registry. All access to it happens
// from within the owning Client's serializer, so no mutex is needed: mutual
// exclusion across watch/cancel/update callbacks is provided by the
// serializer itself.
type cache struct {
	client subscriptionHandler
	states map[xdsresource.Type]map[string]*resourceState
}

func newCache(c subscriptionHandler) *cache {
	states := map[xdsresource.Type]map[string]*resourceState{}
	for _, t := range []xdsresource.Type{xdsresource.ListenerResource, xdsresource.RouteConfigResource, xdsresource.ClusterResource, xdsresource.EndpointResource} {
		states[t] = map[string]*resourceState{}
	}
	return &cache{client: c, states: states}
}

// doesNotExistTimeout is how long a subscribed resource can go without a
// response before watchers are told it does not exist.
const doesNotExistTimeout = 15 * time.Second

// watch registers w under the state for (t, name), creating the state (and
// subscribing with the transport and arming the does-not-exist timer) if
// this is the first watcher. Must run on the client's serializer.
func (c *cache) watch(t xdsresource.Type, name string, w watcher) {
	byName := c.states[t]
	st, ok := byName[name]
	first := !ok
	if !ok {
		st = newResourceState()
		byName[name] = st
	}
	st.watchers[w] = true

	if first {
		c.client.subscribe(t, name)
		st.doesNotExistTimer = time.AfterFunc(doesNotExistTimeout, func() {
			c.client.schedule(func(context.Context) {
				c.onDoesNotExistTimeout(t, name)
			})
		})
		return
	}

	switch st.status {
	case resourceStatusACKed, resourceStatusNACKed:
		if st.value != nil {
			w.onResourceChanged(st.value)
		} else if st.status == resourceStatusNACKed {
			w.onError(fmt.Errorf("%s", st.failedDetails))
		}
	case resourceStatusDoesNotExist:
		w.onResourceDoesNotExist()
	}
}

func (c *cache) onDoesNotExistTimeout(t xdsresource.Type, name string) {
	st, ok := c.states[t][name]
	if !ok || st.status != resourceStatusRequested {
		return
	}
	c.transitionToDoesNotExist(t, name, st)
}

func (c *cache) transitionToDoesNotExist(t xdsresource.Type, name string, st *resourceState) {
	st.status = resourceStatusDoesNotExist
	st.value = nil
	for w := range st.watchers {
		w.onResourceDoesNotExist()
	}
}

// cancelWatch removes w from the state for (t, name). If no watchers
// remain and delayUnsubscription is false, the subscription is dropped and
// the state entry is deleted.
func (c *cache) cancelWatch(t xdsresource.Type, name string, w watcher, delayUnsubscription bool) {
	byName := c.states[t]
	st, ok := byName[name]
	if !ok {
		return
	}
	delete(st.watchers, w)
	if len(st.watchers) > 0 {
		return
	}
	if delayUnsubscription {
		return
	}
	if st.doesNotExistTimer != nil {
		st.doesNotExistTimer.Stop()
	}
	delete(byName, name)
	c.client.unsubscribe(t, name)
}

// resourceNames returns the current subscribed-name set for t,
// including names with zero watchers kept alive by delayUnsubscription
// (they remain in the map until explicitly dropped).
func (c *cache) resourceNames(t xdsresource.Type) []string {
	byName := c.states[t]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	return names
}

// handleUpdate applies one successfully decoded resource to the cache: a
// resource that compares semantically equal to what's already cached is
// still ACKed but does not trigger a watcher callback. Must run on the
// client's serializer.
func (c *cache) handleUpdate(t xdsresource.Type, name string, value any, version string) {
	byName := c.states[t]
	st, ok := byName[name]
	if !ok {
		// No watcher for this name (anymore); still track nothing, the
		// server is free to keep sending it in a SotW response.
		return
	}

	if st.doesNotExistTimer != nil {
		st.doesNotExistTimer.Stop()
		st.doesNotExistTimer = nil
	}

	changed := st.status != resourceStatusACKed || !sameResource(st.value, value)
	st.status = resourceStatusACKed
	st.version = version
	st.updateTime = time.Now()
	if !changed {
		return
	}
	st.value = value
	for w := range st.watchers {
		w.onResourceChanged(value)
	}
}

// handleResourceError marks (t, name) NACKed without discarding a prior
// good value; watchers that never saw a value are notified, others keep
// using their last delivered value.
func (c *cache) handleResourceError(t xdsresource.Type, name string, err error) {
	st, ok := c.states[t][name]
	if !ok {
		return
	}
	st.status = resourceStatusNACKed
	st.failedVersion = st.version
	st.failedDetails = err.Error()
	st.failedUpdateTime = time.Now()
	if st.value != nil {
		return
	}
	for w := range st.watchers {
		w.onError(err)
	}
}

// handleResourcesAbsent implements the state-of-the-world "absence means
// does-not-exist" rule for the resource types that require it; names still
// subscribed but missing from the latest SotW response transition to
// DOES_NOT_EXIST.
func (c *cache) handleResourcesAbsent(t xdsresource.Type, present map[string]bool) {
	for name, st := range c.states[t] {
		if present[name] {
			continue
		}
		if st.status == resourceStatusDoesNotExist {
			continue
		}
		c.transitionToDoesNotExist(t, name, st)
	}
}

// handleStreamFailure notifies every watcher of every resource still in
// REQUESTED status (never received a response) with a transient error;
// ACKed resources keep serving stale good data.
func (c *cache) handleStreamFailure(err error) {
	for _, byName := range c.states {
		for _, st := range byName {
			if st.status != resourceStatusRequested {
				continue
			}
			for w := range st.watchers {
				w.onError(err)
			}
		}
	}
}

// sameResource implements the semantic-equality update-acceptance rule
// using go-cmp with protocmp so the embedded *anypb.Any / proto-derived
// fields compare by value rather than by pointer.
func sameResource(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return cmp.Equal(a, b, protocmp.Transform(), cmpopts.EquateEmpty())
}
