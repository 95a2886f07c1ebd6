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
	"encoding/json"
	"fmt"
)

// Voice gateway opcodes (protocol v4).
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatAck       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
	opClientConnect      = 12
	opClientDisconnect   = 13
)

// Speaking flags.
const (
	SpeakingMicrophone = 1 << 0
	SpeakingSoundshare = 1 << 1
	SpeakingPriority   = 1 << 2
)

// payload is the {op, d} envelope every gateway message travels in.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

func encodePayload(op int, d any) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload data (op %d): %w", op, err)
	}
	msg, err := json.Marshal(payload{Op: op, D: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling payload envelope (op %d): %w", op, err)
	}
	return msg, nil
}

func decodePayload(message []byte) (payload, error) {
	var p payload
	if err := json.Unmarshal(message, &p); err != nil {
		return payload{}, fmt.Errorf("unmarshaling payload envelope: %w", err)
	}
	return p, nil
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type helloData struct {
	// Milliseconds between heartbeats.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type sessionDescriptionData struct {
	Mode string `json:"mode"`
	// The key arrives as a JSON array of numbers, not base64.
	SecretKey []int `json:"secret_key"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolAddr `json:"data"`
}

type selectProtocolAddr struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}
