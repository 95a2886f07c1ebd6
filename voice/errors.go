// Copyright 2025 The VoiceLink Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package voice

import (
	"errors"
	"fmt"
	"time"
)

// HandshakeTimeoutError is returned by Connect when the session and server
// signals did not both arrive within the handshake timeout.
type HandshakeTimeoutError struct {
	Timeout time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("voice handshake timed out after %s", e.Timeout)
}

func NewHandshakeTimeoutError(timeout time.Duration) *HandshakeTimeoutError {
	return &HandshakeTimeoutError{Timeout: timeout}
}

// ErrHandshakeAborted is returned by Connect when a forced disconnect
// interrupts a handshake wait that is still in flight.
var ErrHandshakeAborted = errors.New("voice handshake aborted by disconnect")

// GatewayError is a terminal close of the voice transport: the remote ended
// the session cleanly or rejected it outright. It must not be retried.
type GatewayError struct {
	Code   int
	Reason string
}

func (e *GatewayError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("voice gateway closed (code %d)", e.Code)
	}
	return fmt.Sprintf("voice gateway closed (code %d): %s", e.Code, e.Reason)
}

func NewGatewayError(code int, reason string) *GatewayError {
	return &GatewayError{Code: code, Reason: reason}
}

// TryReconnectError is a transient transport failure. The run loop retries
// it with backoff when reconnection was requested.
type TryReconnectError struct {
	Err error
}

func (e *TryReconnectError) Error() string {
	return fmt.Sprintf("voice transport interrupted: %v", e.Err)
}

func (e *TryReconnectError) Unwrap() error { return e.Err }

func NewTryReconnectError(err error) *TryReconnectError {
	return &TryReconnectError{Err: err}
}

func TryReconnectErrorf(format string, a ...any) *TryReconnectError {
	return &TryReconnectError{Err: fmt.Errorf(format, a...)}
}

// DialError is returned by Connect when the connector could not establish
// the transport session. It is not retried at the coordinator level.
type DialError struct {
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("voice transport dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

func NewDialError(err error) *DialError {
	return &DialError{Err: err}
}
