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
	"fmt"
	"sort"
	"testing"

	"google.golang.org/grpc"
)

// newBareTransport builds a Transport with only the bookkeeping maps a unit
// test needs, bypassing New (and its real gRPC dial).
func newBareTransport() *Transport {
	return &Transport{
		resources: make(map[string]map[string]bool),
		versions:  make(map[string]string),
		nonces:    make(map[string]string),
	}
}

func TestMapToSliceSliceToMapRoundTrip(t *testing.T) {
	in := []string{"a", "b", "c"}
	m := sliceToMap(in)
	out := mapToSlice(m)
	sort.Strings(out)
	if fmt.Sprint(out) != fmt.Sprint(in) {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

func TestProcessResourceRequestRecordsSubscription(t *testing.T) {
	tr := newBareTransport()
	resources, url, version, nonce := tr.processResourceRequest(&resourceRequest{url: "type.A", resources: []string{"foo", "bar"}})

	if url != "type.A" {
		t.Errorf("url = %q, want type.A", url)
	}
	if version != "" || nonce != "" {
		t.Errorf("version/nonce = %q/%q, want empty for a never-before-seen type", version, nonce)
	}
	sort.Strings(resources)
	if fmt.Sprint(resources) != fmt.Sprint([]string{"bar", "foo"}) {
		t.Errorf("resources = %v, want [bar foo]", resources)
	}
	if got := tr.resources["type.A"]; len(got) != 2 {
		t.Errorf("tr.resources[type.A] = %v, want 2 entries", got)
	}
}

func TestProcessResourceRequestPreservesPriorVersionAndNonce(t *testing.T) {
	tr := newBareTransport()
	tr.versions["type.A"] = "v1"
	tr.nonces["type.A"] = "n1"

	_, _, version, nonce := tr.processResourceRequest(&resourceRequest{url: "type.A", resources: []string{"foo"}})
	if version != "v1" || nonce != "n1" {
		t.Errorf("version/nonce = %q/%q, want v1/n1 preserved from a prior subscription", version, nonce)
	}
}

func TestProcessAckRequestStaleStreamIsDropped(t *testing.T) {
	tr := newBareTransport()
	tr.resources["type.A"] = map[string]bool{"foo": true}

	s1 := new(grpc.ClientConn)
	ack := &ackRequest{url: "type.A", nonce: "n1", stream: (*fakeClientStream)(nil)}
	_ = s1
	_, _, _, _, send := tr.processAckRequest(ack, nil)
	if send {
		t.Errorf("processAckRequest sent an ACK whose originating stream no longer matches the current one")
	}
}

func TestProcessAckRequestACKUpdatesVersion(t *testing.T) {
	tr := newBareTransport()
	tr.resources["type.A"] = map[string]bool{"foo": true}
	stream := (*fakeClientStream)(nil)

	resources, url, version, nonce, send := tr.processAckRequest(&ackRequest{url: "type.A", nonce: "n1", version: "v2", stream: stream}, stream)
	if !send {
		t.Fatalf("processAckRequest declined to send an ACK for the current stream")
	}
	if url != "type.A" || version != "v2" || nonce != "n1" {
		t.Errorf("got url=%q version=%q nonce=%q, want type.A/v2/n1", url, version, nonce)
	}
	if len(resources) != 1 || resources[0] != "foo" {
		t.Errorf("resources = %v, want [foo]", resources)
	}
	if got := tr.versions["type.A"]; got != "v2" {
		t.Errorf("tr.versions[type.A] = %q, want v2 committed after an ACK", got)
	}
}

func TestProcessAckRequestNACKLeavesVersionUnchanged(t *testing.T) {
	tr := newBareTransport()
	tr.resources["type.A"] = map[string]bool{"foo": true}
	tr.versions["type.A"] = "v1"
	stream := (*fakeClientStream)(nil)

	_, _, version, _, send := tr.processAckRequest(&ackRequest{url: "type.A", nonce: "n2", version: "v2", nackErr: fmt.Errorf("bad"), stream: stream}, stream)
	if !send {
		t.Fatalf("processAckRequest declined to send a NACK for the current stream")
	}
	if version != "v2" {
		t.Errorf("ack version forwarded = %q, want v2 (processAckRequest forwards the version the ackRequest carries; recv fills it with the last ACKed version for a NACK)", version)
	}
	if got := tr.versions["type.A"]; got != "v1" {
		t.Errorf("tr.versions[type.A] = %q, want v1 unchanged after a NACK", got)
	}
}

func TestProcessAckRequestNoSubscriptionIsDropped(t *testing.T) {
	tr := newBareTransport()
	stream := (*fakeClientStream)(nil)
	_, _, _, _, send := tr.processAckRequest(&ackRequest{url: "type.A", nonce: "n1", stream: stream}, stream)
	if send {
		t.Errorf("processAckRequest sent an ACK/NACK for a type with no current subscription")
	}
}

// fakeClientStream is only ever used as a typed nil for stream-identity
// comparison (ackRequest.stream != stream); no method is ever called on it.
type fakeClientStream struct{ grpc.ClientStream }
