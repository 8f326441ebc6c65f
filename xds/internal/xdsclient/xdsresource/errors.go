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

import "fmt"

// ErrorType classifies an error encountered while processing a resource.
type ErrorType int

const (
	// ErrorTypeUnknown indicates the error type is not known.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeTransientError indicates a transient transport error;
	// previously cached values remain valid.
	ErrorTypeTransientError
	// ErrorTypeNACKed indicates a validation error: the payload was
	// well-formed but failed a semantic invariant. NACKed to the server.
	ErrorTypeNACKed
	// ErrorTypeResourceNotFound indicates a "resource does not exist"
	// condition: either a SotW response omitted the name, or the
	// does-not-exist timer fired.
	ErrorTypeResourceNotFound
	// ErrorTypeResourceTypeUnsupported indicates a response for a type URL
	// this client does not know how to handle.
	ErrorTypeResourceTypeUnsupported
)

// Error wraps an underlying error with an ErrorType, so that callers at
// different layers can classify it without string matching.
type Error struct {
	t   ErrorType
	err error
}

// NewError creates a new Error with the given type and message.
func NewError(t ErrorType, msg string) error {
	return &Error{t: t, err: fmt.Errorf("%s", msg)}
}

// NewErrorf creates a new Error with the given type and formatted message.
func NewErrorf(t ErrorType, format string, args ...any) error {
	return &Error{t: t, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// ErrType returns the ErrorType of err if it (or something it wraps) is an
// *Error, and ErrorTypeUnknown otherwise.
func ErrType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	for {
		if xe, ok := err.(*Error); ok {
			return xe.t
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ErrorTypeUnknown
		}
		err = u.Unwrap()
		if err == nil {
			return ErrorTypeUnknown
		}
	}
}
