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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicelink-go/voicelink/voice"
)

// DefaultHandshakeTimeout bounds each blocking step of the transport
// handshake.
const DefaultHandshakeTimeout = 10 * time.Second

const discoveryAttempts = 4

// Connector dials voice gateway endpoints and drives the session
// handshake, producing live connections for the coordinator. The zero
// value is ready to use.
type Connector struct {
	// Dialer used for the gateway websocket. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// URL builds the gateway URL to dial from a negotiated endpoint.
	// Defaults to wss://{endpoint}/?v=4.
	URL func(endpoint string) string

	// Decoder turns received media frames into PCM samples when
	// recording. Defaults to PCMDecoder; plug in an Opus decoder for
	// real platform audio.
	Decoder FrameDecoder

	// HandshakeTimeout bounds each blocking step of the handshake.
	// Defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

var _ voice.Connector = (*Connector)(nil)

// Connect dials the negotiated endpoint and performs the full session
// handshake: hello, identify, ready, IP discovery, protocol selection
// and session description.
func (cn *Connector) Connect(ctx context.Context, params voice.ConnectionParams) (voice.Conn, error) {
	dialer := cn.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	urlFn := cn.URL
	if urlFn == nil {
		urlFn = func(endpoint string) string {
			return fmt.Sprintf("wss://%s/?v=4", endpoint)
		}
	}
	decoder := cn.Decoder
	if decoder == nil {
		decoder = PCMDecoder{}
	}
	timeout := cn.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}

	url := urlFn(params.Endpoint)
	voice.Logger().Info("dialing voice gateway",
		slog.String("url", url), slog.String("guild_id", params.GuildID))

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing voice gateway %q: %w", url, err)
	}

	conn := &Conn{params: params, ws: ws, decoder: decoder}
	if err := conn.handshake(timeout); err != nil {
		_ = ws.Close()
		if conn.udp != nil {
			_ = conn.udp.Close()
		}
		return nil, err
	}

	voice.Logger().Info("voice transport established",
		slog.String("endpoint", params.Endpoint),
		slog.String("mode", string(conn.mode)),
		slog.Uint64("ssrc", uint64(conn.ssrc)))
	return conn, nil
}

// handshake drives the connection flow up to a usable media stream.
func (c *Conn) handshake(timeout time.Duration) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.ws.SetReadDeadline(time.Time{})

	var hello helloData
	if err := c.awaitOp(opHello, &hello); err != nil {
		return err
	}
	if hello.HeartbeatInterval <= 0 {
		return fmt.Errorf("voice gateway hello carried no heartbeat interval")
	}
	c.heartbeatInterval = time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))

	err := c.writePayload(opIdentify, identifyData{
		ServerID:  c.params.GuildID,
		UserID:    c.params.UserID,
		SessionID: c.params.SessionID,
		Token:     c.params.Token,
	})
	if err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}

	var ready readyData
	if err := c.awaitOp(opReady, &ready); err != nil {
		return err
	}
	mode, ok := selectEncryptionMode(ready.Modes)
	if !ok {
		return fmt.Errorf("voice gateway offered no supported encryption mode: %v", ready.Modes)
	}
	c.ssrc = ready.SSRC
	c.mode = mode
	c.endpointIP = ready.IP
	c.endpointPort = ready.Port

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ready.IP, strconv.Itoa(int(ready.Port))))
	if err != nil {
		return fmt.Errorf("resolving media address: %w", err)
	}
	udp, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("opening media socket: %w", err)
	}
	c.udp = udp

	var address string
	var port uint16
	for attempt := 1; ; attempt++ {
		address, port, err = discoverExternalAddress(udp, c.ssrc, timeout)
		if err == nil {
			break
		}
		if attempt == discoveryAttempts {
			return fmt.Errorf("ip discovery failed after %d attempts: %w", attempt, err)
		}
		voice.Logger().Warn("ip discovery attempt failed, retrying",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	c.externalIP = address
	c.externalPort = port

	err = c.writePayload(opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data:     selectProtocolAddr{Address: address, Port: port, Mode: string(mode)},
	})
	if err != nil {
		return fmt.Errorf("sending select protocol: %w", err)
	}

	var sd sessionDescriptionData
	if err := c.awaitOp(opSessionDescription, &sd); err != nil {
		return err
	}
	return c.applySessionDescription(sd)
}

// awaitOp reads gateway messages until one with the wanted opcode
// arrives, then unmarshals its data into v. Other opcodes received in
// between are skipped.
func (c *Conn) awaitOp(op int, v any) error {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("voice gateway handshake (awaiting op %d): %w", op, err)
		}
		p, err := decodePayload(message)
		if err != nil {
			return err
		}
		if p.Op != op {
			voice.Logger().Debug("skipping payload during handshake", slog.Int("op", p.Op))
			continue
		}
		if err := json.Unmarshal(p.D, v); err != nil {
			return fmt.Errorf("unmarshaling payload data (op %d): %w", op, err)
		}
		return nil
	}
}
