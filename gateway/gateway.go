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

// Package gateway implements the voice transport: the websocket control
// connection, heartbeating, the encrypted UDP media stream, playback and
// recording. It produces connections satisfying the voice.Conn interface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicelink-go/voicelink/asynctask"
	"github.com/voicelink-go/voicelink/voice"
)

// Close codes that end the session for good. Anything else is treated
// as a transient interruption worth a reconnect.
const (
	closeNormal       = 1000
	closeDisconnected = 4014
	closeServerCrash  = 4015
)

func isTerminalClose(code int) bool {
	switch code {
	case closeNormal, closeDisconnected, closeServerCrash:
		return true
	}
	return false
}

const maxRecentAcks = 20

// Conn is a live voice transport session. It owns the gateway websocket
// and the UDP media socket negotiated during the handshake.
type Conn struct {
	params  voice.ConnectionParams
	ws      *websocket.Conn
	udp     *net.UDPConn
	decoder FrameDecoder

	ssrc              uint32
	mode              EncryptionMode
	endpointIP        string
	endpointPort      uint16
	externalIP        string
	externalPort      uint16
	crypt             *cryptor
	heartbeatInterval time.Duration

	// The websocket permits one concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	lastHeartbeat time.Time
	recentAcks    []float64
	player        *audioPlayer
	recorder      *audioRecorder
	localClose    bool
}

var _ voice.Conn = (*Conn)(nil)

// Run reads the gateway until the session ends, heartbeating in the
// background. It returns a *voice.GatewayError on a terminal close and a
// *voice.TryReconnectError on a transient one.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeat := asynctask.CreateTaskNoValue(ctx, c.heartbeatLoop)
	defer heartbeat.Cancel()

	// Unblock the read loop when the context goes away.
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isLocalClose() {
				return voice.NewGatewayError(closeNormal, "disconnected")
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if isTerminalClose(closeErr.Code) {
					return voice.NewGatewayError(closeErr.Code, closeErr.Text)
				}
				return voice.TryReconnectErrorf("gateway closed (code %d): %s", closeErr.Code, closeErr.Text)
			}
			return voice.NewTryReconnectError(err)
		}
		if err := c.handleMessage(message); err != nil {
			return err
		}
	}
}

func (c *Conn) handleMessage(message []byte) error {
	p, err := decodePayload(message)
	if err != nil {
		return fmt.Errorf("decoding gateway message: %w", err)
	}
	switch p.Op {
	case opHeartbeatAck:
		c.recordAck()
	case opHeartbeat:
		return c.sendHeartbeat()
	case opSessionDescription:
		// The server may re-key a session mid-stream.
		var sd sessionDescriptionData
		if err := decodePayloadData(p, &sd); err != nil {
			return err
		}
		return c.applySessionDescription(sd)
	case opSpeaking, opClientConnect, opClientDisconnect, opResumed:
		// Informational, nothing to track.
	default:
		voice.Logger().Debug("unhandled voice gateway opcode", slog.Int("op", p.Op))
	}
	return nil
}

func (c *Conn) applySessionDescription(sd sessionDescriptionData) error {
	key, err := secretKeyBytes(sd.SecretKey)
	if err != nil {
		return err
	}
	mode := EncryptionMode(sd.Mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.crypt = newCryptor(mode, key)
	return nil
}

func secretKeyBytes(raw []int) ([32]byte, error) {
	var key [32]byte
	if len(raw) != len(key) {
		return key, fmt.Errorf("session description carried a %d-byte secret key", len(raw))
	}
	for i, b := range raw {
		if b < 0 || b > 255 {
			return key, fmt.Errorf("secret key byte %d out of range: %d", i, b)
		}
		key[i] = byte(b)
	}
	return key, nil
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) sendHeartbeat() error {
	if err := c.writePayload(opHeartbeat, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Conn) recordAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHeartbeat.IsZero() {
		return
	}
	latency := time.Since(c.lastHeartbeat).Seconds()
	if len(c.recentAcks) == maxRecentAcks {
		copy(c.recentAcks, c.recentAcks[1:])
		c.recentAcks = c.recentAcks[:maxRecentAcks-1]
	}
	c.recentAcks = append(c.recentAcks, latency)
}

// Latency is the round-trip time, in seconds, of the most recent
// acknowledged heartbeat. It is +Inf before the first acknowledgement.
func (c *Conn) Latency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recentAcks) == 0 {
		return math.Inf(1)
	}
	return c.recentAcks[len(c.recentAcks)-1]
}

// AverageLatency averages the most recent heartbeat round trips,
// in seconds. It is +Inf before the first acknowledgement.
func (c *Conn) AverageLatency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recentAcks) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, v := range c.recentAcks {
		sum += v
	}
	return sum / float64(len(c.recentAcks))
}

func (c *Conn) writePayload(op int, d any) error {
	msg, err := encodePayload(op, d)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) sendSpeaking(flags int) error {
	return c.writePayload(opSpeaking, speakingData{Speaking: flags, SSRC: c.ssrc})
}

func (c *Conn) isLocalClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localClose
}

// Disconnect stops playback and recording, sends a clean close frame and
// tears down both sockets. It is idempotent.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.localClose {
		c.mu.Unlock()
		return nil
	}
	c.localClose = true
	player := c.player
	recorder := c.recorder
	c.mu.Unlock()

	if player != nil {
		player.stop()
	}
	if recorder != nil {
		recorder.stop()
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnecting"), deadline)
	c.writeMu.Unlock()

	err := c.ws.Close()
	if c.udp != nil {
		_ = c.udp.Close()
	}
	return err
}

// State describes the negotiated transport for diagnostics.
func (c *Conn) State() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"endpoint":        c.params.Endpoint,
		"endpoint_ip":     c.endpointIP,
		"endpoint_port":   int(c.endpointPort),
		"external_ip":     c.externalIP,
		"external_port":   int(c.externalPort),
		"ssrc":            c.ssrc,
		"encryption_mode": string(c.mode),
		"playing":         c.player != nil && c.player.playing.Load(),
		"recording":       c.recorder != nil && c.recorder.recording.Load(),
	}
}

func decodePayloadData(p payload, v any) error {
	if err := json.Unmarshal(p.D, v); err != nil {
		return fmt.Errorf("unmarshaling payload data (op %d): %w", p.Op, err)
	}
	return nil
}
