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
	"log/slog"
	"os"
	"sync/atomic"
)

var voiceLogger atomic.Pointer[slog.Logger]

func init() {
	ResetLogger()
}

// Logger is the global logger used by the voice packages.
// By default, it is a logger with a text handler which writes to stderr,
// with minimum level "info". You can change it with SetLogger.
func Logger() *slog.Logger {
	return voiceLogger.Load()
}

// SetLogger sets the global logger used by the voice packages.
// A nil value is ignored.
func SetLogger(l *slog.Logger) {
	if l != nil {
		voiceLogger.Store(l)
	}
}

func ResetLogger() {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	SetLogger(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

// EnableVerboseStderrLogging enables debug-level logging to stderr.
// This is useful when diagnosing handshake or reconnect problems.
func EnableVerboseStderrLogging() {
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	voiceLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
