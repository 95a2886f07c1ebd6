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

// Package voice coordinates the lifecycle of one voice-channel session:
// it asks the platform gateway to join a channel, waits for the session
// and server signals that arrive asynchronously over separate paths,
// dials the media transport from the negotiated parameters, and keeps the
// session alive across transient failures with a supervised reconnect
// loop. Playback and recording delegate to the live transport.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/voicelink-go/voicelink/asynctask"
)

// Params configures a Client.
type Params struct {
	// The platform gateway used to issue voice state changes.
	Gateway GatewayClient

	// The factory that dials a live media transport from negotiated
	// session parameters.
	Connector Connector

	// The bot user this session belongs to. Immutable for the lifetime
	// of the Client.
	UserID string

	// The guild owning the voice channel.
	GuildID string

	// The voice channel to join.
	ChannelID string
}

// Client is the voice session coordinator. Create one with New; its
// control surface stays valid across reconnects.
type Client struct {
	gateway    GatewayClient
	connector  Connector
	userID     string
	guildID    string
	sessionRef string

	gate  *signalGate
	store paramStore

	mu          sync.Mutex
	channelID   string
	conn        Conn
	runner      *asynctask.TaskNoValue
	attempts    int
	handshaking bool

	// sleep is replaceable in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(params Params) *Client {
	c := &Client{
		gateway:    params.Gateway,
		connector:  params.Connector,
		userID:     params.UserID,
		guildID:    params.GuildID,
		sessionRef: uuid.NewString(),
		channelID:  params.ChannelID,
		gate:       newSignalGate(),
		sleep:      sleepContext,
	}
	c.store.p.UserID = params.UserID
	return c
}

// OnVoiceStateUpdate feeds the inbound voice-state event into the
// coordinator. While a handshake is pending it contributes the session id
// to it; otherwise it tracks channel moves, and a nil channel means the
// platform removed us from voice.
func (c *Client) OnVoiceStateUpdate(ctx context.Context, ev VoiceStateUpdate) error {
	Logger().Info("voice session id received", slog.String("session_id", ev.SessionID))
	c.store.setSessionID(ev.SessionID)

	c.mu.Lock()
	handshaking := c.handshaking
	c.mu.Unlock()

	if handshaking {
		c.gate.MarkSessionReady()
		return nil
	}
	if ev.ChannelID == nil {
		return c.Disconnect(ctx, false)
	}
	c.mu.Lock()
	c.channelID = *ev.ChannelID
	c.mu.Unlock()
	return nil
}

// OnVoiceServerUpdate feeds the inbound voice-server event into the
// coordinator. An update missing its token or endpoint is incomplete and
// leaves the handshake waiting for a complete one; a duplicate complete
// update is dropped so it cannot rebind credentials under an in-flight
// connection attempt.
func (c *Client) OnVoiceServerUpdate(ev VoiceServerUpdate) {
	if c.gate.ServerReady() {
		Logger().Info("ignoring extraneous voice server update")
		return
	}
	if ev.Token == "" || ev.Endpoint == "" {
		Logger().Warn("voice server update incomplete, awaiting endpoint")
		return
	}
	endpoint := normalizeEndpoint(ev.Endpoint)
	Logger().Info("voice gateway endpoint received", slog.String("endpoint", endpoint))
	c.store.setServer(ev.GuildID, ev.Token, endpoint)
	c.gate.MarkServerReady()
}

// Connect joins the configured channel, waits up to timeout for the
// two-signal handshake, dials the media transport, and starts the
// supervised run loop. With reconnect, transient transport failures are
// retried with exponential backoff inside the run loop; failures of this
// initial call are never retried and are reported to the caller.
func (c *Client) Connect(ctx context.Context, reconnect bool, timeout time.Duration) error {
	conn, err := c.establish(ctx, timeout)
	if err != nil {
		return err
	}

	// Only one supervised run loop may exist: fully retire the previous
	// one before the new transport is exposed.
	c.mu.Lock()
	prev := c.runner
	c.runner = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		prev.Await()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	runner := asynctask.CreateTaskNoValue(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return c.runLoop(ctx, reconnect, timeout)
	})
	c.mu.Lock()
	c.runner = runner
	c.mu.Unlock()
	return nil
}

// establish performs one full negotiation: clear latches, issue the join
// request, await both signals, and dial the transport.
func (c *Client) establish(ctx context.Context, timeout time.Duration) (Conn, error) {
	c.gate.Clear()
	c.setHandshaking(true)
	defer c.setHandshaking(false)

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	channelID := c.channelID
	c.mu.Unlock()

	Logger().Info("connecting to voice channel",
		slog.String("channel_id", channelID),
		slog.String("session_ref", c.sessionRef),
		slog.Int("attempt", attempt),
	)
	if err := c.voiceConnect(ctx); err != nil {
		return nil, err
	}

	if err := c.gate.AwaitBoth(ctx, timeout); err != nil {
		var timedOut *HandshakeTimeoutError
		if errors.As(err, &timedOut) {
			if derr := c.Disconnect(ctx, true); derr != nil {
				Logger().Error("cleanup after handshake timeout failed", slog.String("error", derr.Error()))
			}
		}
		return nil, err
	}

	// A stray duplicate signal arriving between the wait and the dial
	// must not satisfy the next cycle.
	c.gate.Clear()

	conn, err := c.connector.Connect(ctx, c.store.snapshot())
	if err != nil {
		return nil, NewDialError(err)
	}
	return conn, nil
}

// runLoop supervises the live transport. Backoff state is local to one
// loop instance: a fresh Connect starts over from the initial delay.
func (c *Client) runLoop(ctx context.Context, reconnect bool, timeout time.Duration) error {
	policy := newReconnectBackoff()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return nil
		}

		err := conn.Run(ctx)
		if ctx.Err() != nil {
			// Superseded by a newer connect or torn down; whatever
			// replaced this loop owns the remaining state.
			return nil
		}

		var gatewayErr *GatewayError
		var transient *TryReconnectError
		switch {
		case errors.As(err, &gatewayErr):
			Logger().Info("voice connection got a clean close", slog.String("error", gatewayErr.Error()))
			c.disconnectQuietly(ctx)
			return nil

		case errors.As(err, &transient):
			if !reconnect {
				c.disconnectQuietly(ctx)
				return err
			}

			Logger().Warn("disconnected from voice, reconnecting",
				slog.String("error", transient.Error()))

			// Retry until a reconnect handshake succeeds: a timed-out
			// attempt goes back to backing off, it never ends the loop.
			for {
				delay := policy.NextBackOff()
				Logger().Info("waiting before voice reconnect", slog.Duration("delay", delay))
				if !c.sleep(ctx, delay) {
					return nil
				}

				// Leave the channel explicitly so the platform
				// re-negotiates from scratch on the next join.
				if derr := c.voiceDisconnect(ctx); derr != nil {
					Logger().Error("voice state teardown failed", slog.String("error", derr.Error()))
				}

				newConn, err := c.establish(ctx, timeout)
				if err != nil {
					var timedOut *HandshakeTimeoutError
					if errors.As(err, &timedOut) {
						Logger().Warn("could not connect to voice, retrying")
						continue
					}
					if errors.Is(err, ErrHandshakeAborted) || ctx.Err() != nil {
						return nil
					}
					return err
				}
				c.mu.Lock()
				c.conn = newConn
				c.mu.Unlock()
				break
			}

		default:
			c.disconnectQuietly(ctx)
			return err
		}
	}
}

func (c *Client) disconnectQuietly(ctx context.Context) {
	if err := c.Disconnect(ctx, false); err != nil {
		Logger().Error("voice disconnect failed", slog.String("error", err.Error()))
	}
}

// Disconnect tears the session down: the transport if one is live, then
// the platform channel membership. Cleanup runs on every exit path, and
// calling Disconnect with no live transport is not an error. With force,
// a handshake wait still in flight is unblocked instead of left to time
// out.
func (c *Client) Disconnect(ctx context.Context, force bool) error {
	if force {
		c.gate.Interrupt()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	defer c.cleanup()

	var errs []error
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.voiceDisconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// cleanup re-arms the signal gate so stale signals from a torn-down
// negotiation cannot satisfy a future connect attempt.
func (c *Client) cleanup() {
	c.gate.Clear()
}

func (c *Client) setHandshaking(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaking = v
}

// MoveTo asks the platform to rebind the session to another channel
// without touching the live transport. The tracked channel updates when
// the resulting voice-state event arrives.
func (c *Client) MoveTo(ctx context.Context, channelID string) error {
	id := channelID
	return c.gateway.ChangeVoiceState(ctx, c.guildID, &id)
}

func (c *Client) voiceConnect(ctx context.Context) error {
	c.mu.Lock()
	channelID := c.channelID
	c.mu.Unlock()
	return c.gateway.ChangeVoiceState(ctx, c.guildID, &channelID)
}

func (c *Client) voiceDisconnect(ctx context.Context) error {
	Logger().Info("terminating voice handshake",
		slog.String("channel_id", c.ChannelID()),
		slog.String("guild_id", c.guildID),
	)
	return c.gateway.ChangeVoiceState(ctx, c.guildID, nil)
}

// Wait blocks until the supervised run loop terminates and returns the
// error it surfaced, if any. It returns nil when no run loop is active or
// the loop was superseded.
func (c *Client) Wait() error {
	c.mu.Lock()
	runner := c.runner
	c.mu.Unlock()
	if runner == nil {
		return nil
	}
	res := runner.Await()
	if errors.Is(res.Error, asynctask.TaskCanceledErr()) {
		return nil
	}
	return res.Error
}

// Play starts playback from src on the live transport. It is a no-op
// when no transport is attached. The finalizer after is called with an
// optional error once playback ends or fails.
func (c *Client) Play(src AudioSource, after func(error)) {
	if conn := c.current(); conn != nil {
		conn.Play(src, after)
	}
}

// Stop stops playback.
func (c *Client) Stop() {
	if conn := c.current(); conn != nil {
		conn.Stop()
	}
}

// IsPlaying reports whether audio is currently being played.
func (c *Client) IsPlaying() bool {
	if conn := c.current(); conn != nil {
		return conn.IsPlaying()
	}
	return false
}

// IsRecording reports whether inbound voice is currently being recorded.
func (c *Client) IsRecording() bool {
	if conn := c.current(); conn != nil {
		return conn.IsRecording()
	}
	return false
}

// Record begins buffering inbound audio on the live transport. The
// recording window should stay around 30 seconds: the buffer lives in
// memory until StopRecord drains it.
func (c *Client) Record(after func(error)) {
	if conn := c.current(); conn != nil {
		conn.Record(after)
	}
}

// StopRecord finalizes the recording buffer into a WAV container and
// returns it. It returns nil bytes when no transport is attached.
func (c *Client) StopRecord(ctx context.Context) ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, nil
	}
	return conn.StopRecord(ctx)
}

// Latency is the seconds between a heartbeat and its acknowledgement on
// the live transport, or +Inf when none is attached.
func (c *Client) Latency() float64 {
	if conn := c.current(); conn != nil {
		return conn.Latency()
	}
	return math.Inf(1)
}

// AverageLatency averages the most recent heartbeat latencies in seconds,
// or +Inf when no transport is attached.
func (c *Client) AverageLatency() float64 {
	if conn := c.current(); conn != nil {
		return conn.AverageLatency()
	}
	return math.Inf(1)
}

// State describes the negotiated transport, or an empty map when no
// transport is attached.
func (c *Client) State() map[string]any {
	if conn := c.current(); conn != nil {
		return conn.State()
	}
	return map[string]any{}
}

// IsConnected reports whether a live transport is attached.
func (c *Client) IsConnected() bool { return c.current() != nil }

// SessionID is the session identifier of the latest negotiation.
func (c *Client) SessionID() string { return c.store.snapshot().SessionID }

// ServerID is the guild identifier the voice server reported.
func (c *Client) ServerID() string { return c.store.snapshot().GuildID }

// Endpoint is the normalized voice server hostname.
func (c *Client) Endpoint() string { return c.store.snapshot().Endpoint }

// ChannelID is the channel this session currently targets.
func (c *Client) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Attempts counts issued join requests, including reconnects.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) current() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
