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

import "context"

// AudioSource yields encoded audio, one 20ms frame per call.
// It returns io.EOF once the source is exhausted.
type AudioSource interface {
	Read() ([]byte, error)
}

// Conn is one live media transport bound to a negotiated session.
// The Client owns at most one Conn at a time; all methods other than Run
// and StopRecord return immediately.
type Conn interface {
	// Run blocks for the lifetime of the transport session. It returns
	// a *GatewayError on a terminal close, a *TryReconnectError on a
	// transient failure, or the context error when ctx is canceled.
	Run(ctx context.Context) error

	// Disconnect closes the transport with a clean close code.
	Disconnect() error

	// Play starts playback from src. The finalizer after is called once
	// playback ends, with the error that stopped it, if any.
	Play(src AudioSource, after func(error))

	// Stop stops playback.
	Stop()

	IsPlaying() bool
	IsRecording() bool

	// Record begins buffering inbound audio. The finalizer after is
	// called if recording stops on its own due to an error.
	Record(after func(error))

	// StopRecord finalizes the recording buffer into a WAV container
	// and returns it.
	StopRecord(ctx context.Context) ([]byte, error)

	// Latency is the duration, in seconds, between the most recent
	// heartbeat and its acknowledgement.
	Latency() float64

	// AverageLatency averages the most recent heartbeat latencies,
	// in seconds.
	AverageLatency() float64

	// State describes the negotiated transport for diagnostics.
	State() map[string]any
}

// Connector turns negotiated session parameters into a live Conn.
type Connector interface {
	Connect(ctx context.Context, params ConnectionParams) (Conn, error)
}

// GatewayClient is the chat-platform gateway the coordinator asks to join,
// move, and leave voice channels. Passing a nil channelID leaves the
// current channel.
type GatewayClient interface {
	ChangeVoiceState(ctx context.Context, guildID string, channelID *string) error
}
