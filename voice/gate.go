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
	"context"
	"sync"
	"time"
)

// signalGate holds the two single-shot latches a connect attempt waits on:
// the session id arriving over the main gateway, and the server
// token/endpoint arriving separately. A latch is a channel closed at most
// once per arm cycle, so a signal that fires before anyone waits is never
// lost.
type signalGate struct {
	mu        sync.Mutex
	session   chan struct{}
	server    chan struct{}
	interrupt chan struct{}
}

func newSignalGate() *signalGate {
	g := &signalGate{}
	g.Clear()
	return g
}

// Clear re-arms all latches. Waiters holding channels from a previous
// cycle keep observing that cycle only.
func (g *signalGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = make(chan struct{})
	g.server = make(chan struct{})
	g.interrupt = make(chan struct{})
}

func (g *signalGate) MarkSessionReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	closeOnce(g.session)
}

func (g *signalGate) MarkServerReady() {
	g.mu.Lock()
	defer g.mu.Unlock()
	closeOnce(g.server)
}

// ServerReady reports whether the server latch is set in the current cycle.
func (g *signalGate) ServerReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return isClosed(g.server)
}

// Interrupt unblocks any pending AwaitBoth with ErrHandshakeAborted.
func (g *signalGate) Interrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	closeOnce(g.interrupt)
}

// AwaitBoth blocks until both latches of the current cycle are set.
// It fails with a *HandshakeTimeoutError once timeout elapses, with
// ErrHandshakeAborted on Interrupt, or with the context error.
// A latch already set when AwaitBoth is called is satisfied immediately.
func (g *signalGate) AwaitBoth(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	session, server, interrupt := g.session, g.server, g.interrupt
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, latch := range [...]chan struct{}{session, server} {
		select {
		case <-latch:
		case <-interrupt:
			return ErrHandshakeAborted
		case <-timer.C:
			return NewHandshakeTimeoutError(timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func closeOnce(ch chan struct{}) {
	if !isClosed(ch) {
		close(ch)
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
