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

import "testing"

// TestLRSStateRefUnrefCounting drives the refcount transitions directly,
// seeding an initial refCount of 1 (as if a stream were already running) so
// that ref()/unref() never cross the refCount==1 boundary that would spawn
// the real run() goroutine (which dials out over l.t.cc).
func TestLRSStateRefUnrefCounting(t *testing.T) {
	l := &lrsState{}
	cancelled := false
	l.refCount = 1
	l.cancel = func() { cancelled = true }

	l.ref() // 1 -> 2, must not touch l.cancel
	if l.refCount != 2 {
		t.Fatalf("refCount = %d, want 2", l.refCount)
	}
	if cancelled {
		t.Fatalf("ref() on an already-open stream called cancel")
	}

	l.unref() // 2 -> 1
	if l.refCount != 1 {
		t.Fatalf("refCount = %d, want 1", l.refCount)
	}
	if cancelled {
		t.Fatalf("unref() above zero called cancel")
	}

	l.unref() // 1 -> 0, last handle released
	if l.refCount != 0 {
		t.Fatalf("refCount = %d, want 0", l.refCount)
	}
	if !cancelled {
		t.Fatalf("unref() releasing the last handle did not cancel the stream")
	}
	if l.cancel != nil {
		t.Errorf("l.cancel not cleared after the stream was cancelled")
	}
}

func TestLRSStateStopIsNoOpWithoutAnOpenStream(t *testing.T) {
	l := &lrsState{}
	l.stop() // must not panic with a nil cancel
}

func TestLRSStateStopCancelsAndClears(t *testing.T) {
	l := &lrsState{}
	cancelled := false
	l.cancel = func() { cancelled = true }

	l.stop()
	if !cancelled {
		t.Errorf("stop() did not invoke cancel")
	}
	if l.cancel != nil {
		t.Errorf("l.cancel not cleared after stop()")
	}
}
