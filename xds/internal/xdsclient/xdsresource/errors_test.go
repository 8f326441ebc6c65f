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

package xdsresource

import (
	"fmt"
	"testing"
)

func TestErrTypeRoundTrips(t *testing.T) {
	err := NewErrorf(ErrorTypeNACKed, "bad value %d", 42)
	if got := ErrType(err); got != ErrorTypeNACKed {
		t.Errorf("ErrType = %v, want ErrorTypeNACKed", got)
	}
	if got := err.Error(); got != "bad value 42" {
		t.Errorf("Error() = %q, want %q", got, "bad value 42")
	}
}

func TestErrTypeUnwrapsThroughFmtErrorf(t *testing.T) {
	inner := NewError(ErrorTypeResourceNotFound, "does not exist")
	wrapped := fmt.Errorf("listener %q: %w", "foo", inner)
	if got := ErrType(wrapped); got != ErrorTypeResourceNotFound {
		t.Errorf("ErrType(wrapped) = %v, want ErrorTypeResourceNotFound", got)
	}
}

func TestErrTypeUnknownForPlainError(t *testing.T) {
	if got := ErrType(fmt.Errorf("plain")); got != ErrorTypeUnknown {
		t.Errorf("ErrType(plain error) = %v, want ErrorTypeUnknown", got)
	}
}

func TestErrTypeNilIsUnknown(t *testing.T) {
	if got := ErrType(nil); got != ErrorTypeUnknown {
		t.Errorf("ErrType(nil) = %v, want ErrorTypeUnknown", got)
	}
}
