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
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicelink-go/voicelink/asynctask"
	"github.com/voicelink-go/voicelink/voice"
)

const frameDuration = 20 * time.Millisecond

// audioPlayer paces encoded frames from an AudioSource onto the media
// socket, one every 20ms, keyed to a drift-free frame clock.
type audioPlayer struct {
	conn    *Conn
	src     voice.AudioSource
	after   func(error)
	task    *asynctask.TaskNoValue
	playing atomic.Bool
}

// Play starts playback from src, replacing any playback in progress.
// The finalizer after, if non-nil, is called once playback ends with the
// error that stopped it, or nil on a clean end.
func (c *Conn) Play(src voice.AudioSource, after func(error)) {
	if after == nil {
		after = func(error) {}
	}
	p := &audioPlayer{conn: c, src: src, after: after}
	p.playing.Store(true)
	p.task = asynctask.CreateTaskNoValue(context.Background(), p.run)

	c.mu.Lock()
	prev := c.player
	c.player = p
	c.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
}

// Stop stops playback in progress, if any.
func (c *Conn) Stop() {
	c.mu.Lock()
	p := c.player
	c.mu.Unlock()
	if p != nil {
		p.stop()
	}
}

// IsPlaying reports whether audio is being played right now.
func (c *Conn) IsPlaying() bool {
	c.mu.Lock()
	p := c.player
	c.mu.Unlock()
	return p != nil && p.playing.Load()
}

func (p *audioPlayer) stop() {
	p.playing.Store(false)
	if p.task != nil {
		p.task.Cancel()
	}
}

func (p *audioPlayer) run(ctx context.Context) error {
	var runErr error
	defer func() {
		p.playing.Store(false)
		if err := p.conn.sendSpeaking(0); err != nil {
			voice.Logger().Debug("failed to clear speaking state", slog.String("error", err.Error()))
		}
		p.after(runErr)
	}()

	if err := p.conn.sendSpeaking(SpeakingMicrophone); err != nil {
		runErr = err
		return err
	}

	var seq uint16
	var timestamp uint32
	next := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := p.src.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			runErr = err
			return err
		}

		header := buildRTPHeader(seq, timestamp, p.conn.ssrc)
		packet := p.conn.currentCryptor().Encrypt(header, frame)
		if _, err := p.conn.udp.Write(packet); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			runErr = err
			return err
		}
		seq++
		timestamp += FrameSamples

		// Pace against the frame clock, not against time.Sleep drift.
		next = next.Add(frameDuration)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Conn) currentCryptor() *cryptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crypt
}
