/*
 *
 * Copyright 2021 gRPC authors.
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

// Package grpclog provides a prefix-aware logger built on the standard
// library's log package, matching the logging texture used throughout the
// rest of this module.
package grpclog

import (
	"fmt"
	"log"
)

// PrefixLogger does logging with a prefix.
//
// Logging method names are as they are in package log, not as they are in
// standard update/v2. Usage is also similar to standard log, minus the
// leveled logging.
type PrefixLogger struct {
	logger *log.Logger
	prefix string
}

// Infof does info logging.
func (pl *PrefixLogger) Infof(format string, args ...any) {
	pl.log(format, args...)
}

// Warningf does warning logging.
func (pl *PrefixLogger) Warningf(format string, args ...any) {
	pl.log(format, args...)
}

// Errorf does error logging.
func (pl *PrefixLogger) Errorf(format string, args ...any) {
	pl.log(format, args...)
}

// Debugf does debug logging. There is no verbosity filtering: it logs the
// same way as Infof.
func (pl *PrefixLogger) Debugf(format string, args ...any) {
	pl.log(format, args...)
}

func (pl *PrefixLogger) log(format string, args ...any) {
	if pl == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if pl.prefix != "" {
		msg = pl.prefix + msg
	}
	if pl.logger != nil {
		pl.logger.Println(msg)
		return
	}
	log.Println(msg)
}

// NewPrefixLogger creates a prefix logger with the given prefix.
func NewPrefixLogger(prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: prefix}
}
