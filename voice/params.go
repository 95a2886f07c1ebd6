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
	"strings"
	"sync"
)

// VoiceStateUpdate is the inbound event carrying our session id, and the
// channel the platform currently places us in. A nil ChannelID means we
// were removed from voice.
type VoiceStateUpdate struct {
	SessionID string
	ChannelID *string
}

// VoiceServerUpdate is the inbound event carrying the voice server
// assignment. Token and Endpoint may arrive empty; such an update is
// incomplete and a later complete one must be awaited.
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

// ConnectionParams is everything a Connector needs to dial one session.
type ConnectionParams struct {
	UserID    string
	SessionID string
	GuildID   string
	Token     string
	Endpoint  string
}

// paramStore accumulates ConnectionParams from the two asynchronous
// inbound events until a connect attempt snapshots them.
type paramStore struct {
	mu sync.Mutex
	p  ConnectionParams
}

func (s *paramStore) setSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p.SessionID = id
}

func (s *paramStore) setServer(guildID, token, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p.GuildID = guildID
	s.p.Token = token
	s.p.Endpoint = endpoint
}

func (s *paramStore) snapshot() ConnectionParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p
}

// normalizeEndpoint reduces a raw voice server endpoint, possibly of the
// form "wss://host:port", to a bare hostname suitable for dialing.
func normalizeEndpoint(raw string) string {
	host := raw
	// The port fragment follows the last colon. A colon followed by a
	// path separator belongs to a scheme instead.
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i+1:], "/") {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "wss://")
}
