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
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/voicelink-go/voicelink/asynctask"
	"github.com/voicelink-go/voicelink/asyncqueue"
	"github.com/voicelink-go/voicelink/util"
	"github.com/voicelink-go/voicelink/voice"
)

// FrameDecoder turns one received media frame into interleaved PCM
// samples. The codec is pluggable so the transport does not bind one.
type FrameDecoder interface {
	Decode(frame []byte) ([]int, error)
}

// PCMDecoder treats frames as raw little-endian 16-bit interleaved PCM.
type PCMDecoder struct{}

func (PCMDecoder) Decode(frame []byte) ([]int, error) {
	if len(frame)%2 != 0 {
		return nil, errors.New("pcm frame length is not sample aligned")
	}
	samples := make([]int, len(frame)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(frame[2*i:])))
	}
	return samples, nil
}

type recordedPacket struct {
	ssrc      uint32
	seq       uint16
	timestamp uint32
	payload   []byte
	// Seconds since recording started, used to align concurrent
	// speakers when mixing.
	received float64
}

// audioRecorder buffers decrypted inbound media packets until the
// recording is finalized into a WAV container. A read task drains the
// UDP socket and a collect task moves packets from the queue into the
// buffer, keeping the socket loop free of storage work.
type audioRecorder struct {
	conn      *Conn
	after     func(error)
	queue     *asyncqueue.Queue[recordedPacket]
	read      *asynctask.TaskNoValue
	collect   *asynctask.TaskNoValue
	recording atomic.Bool
	started   time.Time

	mu      sync.Mutex
	packets []recordedPacket
}

// Record begins buffering inbound audio, replacing any recording in
// progress. The finalizer after, if non-nil, is called when recording
// stops on its own due to a socket error.
func (c *Conn) Record(after func(error)) {
	if after == nil {
		after = func(error) {}
	}
	r := &audioRecorder{
		conn:    c,
		after:   after,
		queue:   asyncqueue.New[recordedPacket](),
		started: time.Now(),
	}
	r.recording.Store(true)
	r.collect = asynctask.CreateTaskNoValue(context.Background(), r.collectLoop)
	r.read = asynctask.CreateTaskNoValue(context.Background(), r.readLoop)

	c.mu.Lock()
	prev := c.recorder
	c.recorder = r
	c.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
}

// IsRecording reports whether inbound audio is being buffered right now.
func (c *Conn) IsRecording() bool {
	c.mu.Lock()
	r := c.recorder
	c.mu.Unlock()
	return r != nil && r.recording.Load()
}

// StopRecord stops the recording and returns the buffered audio encoded
// as a WAV container. It returns nil bytes when nothing was recording.
func (c *Conn) StopRecord(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	r := c.recorder
	c.recorder = nil
	c.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	return r.finalize(ctx, c.decoder)
}

func (r *audioRecorder) readLoop(ctx context.Context) error {
	defer r.queue.Close()

	// A read deadline in the past kicks the blocked read on cancel.
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.udp.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, err := r.conn.udp.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A stale deadline left behind by a replaced recorder is
			// cleared and retried, not treated as a stream failure.
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				_ = r.conn.udp.SetReadDeadline(time.Time{})
				continue
			}
			r.recording.Store(false)
			r.after(err)
			return err
		}
		packet := buf[:n]
		if isRTCP(packet) {
			continue
		}
		header, plain, err := r.conn.currentCryptor().Decrypt(packet)
		if err != nil {
			voice.Logger().Debug("dropping undecipherable media packet",
				slog.Int("size", n), slog.String("error", err.Error()))
			continue
		}
		seq, timestamp, ssrc := parseRTPHeader(header)
		r.queue.Put(recordedPacket{
			ssrc:      ssrc,
			seq:       seq,
			timestamp: timestamp,
			payload:   plain,
			received:  time.Since(r.started).Seconds(),
		})
	}
}

func (r *audioRecorder) collectLoop(context.Context) error {
	for {
		pkt, ok := r.queue.Get()
		if !ok {
			return nil
		}
		r.mu.Lock()
		r.packets = append(r.packets, pkt)
		r.mu.Unlock()
	}
}

func (r *audioRecorder) stop() {
	r.recording.Store(false)
	if r.read != nil {
		r.read.Cancel()
	}
}

// finalize stops the capture tasks, waits for the buffered packets to
// drain, and renders them into a WAV container.
func (r *audioRecorder) finalize(ctx context.Context, decoder FrameDecoder) ([]byte, error) {
	r.stop()
	if _, ok := r.collect.AwaitContext(ctx); !ok {
		return nil, ctx.Err()
	}

	r.mu.Lock()
	packets := r.packets
	r.packets = nil
	r.mu.Unlock()

	pcm, err := renderPCM(packets, decoder)
	if err != nil {
		return nil, err
	}
	return encodeWAV(pcm)
}

// renderPCM decodes the packets of each media stream in sequence order,
// fills receive gaps with silence, and mixes concurrent streams aligned
// by receive time.
func renderPCM(packets []recordedPacket, decoder FrameDecoder) ([]int, error) {
	streams := make(map[uint32][]recordedPacket)
	for _, pkt := range packets {
		streams[pkt.ssrc] = append(streams[pkt.ssrc], pkt)
	}

	var rendered [][]int
	var offsets []int
	for _, stream := range streams {
		slices.SortStableFunc(stream, func(a, b recordedPacket) int {
			if a.timestamp != b.timestamp {
				return cmp.Compare(a.timestamp, b.timestamp)
			}
			return cmp.Compare(a.seq, b.seq)
		})
		pcm, err := renderStream(stream, decoder)
		if err != nil {
			return nil, err
		}
		rendered = append(rendered, pcm)
		offsets = append(offsets, int(stream[0].received*SampleRate)*Channels)
	}
	return mixStreams(rendered, offsets), nil
}

const maxSilenceGap = time.Second

// renderStream decodes one speaker's packets, inserting silence where
// the RTP timestamps show a pause, capped at one second per gap.
func renderStream(stream []recordedPacket, decoder FrameDecoder) ([]int, error) {
	frameSeconds := frameDuration.Seconds()
	var pcm []int
	var last uint32
	haveLast := false
	for _, pkt := range stream {
		if haveLast {
			elapsed := float64(pkt.timestamp-last) / SampleRate
			if gap := min(elapsed, maxSilenceGap.Seconds()) - frameSeconds; gap > 0 {
				pcm = append(pcm, make([]int, int(gap*SampleRate)*Channels)...)
			}
		}
		samples, err := decoder.Decode(pkt.payload)
		if err != nil {
			return nil, fmt.Errorf("decoding media frame: %w", err)
		}
		pcm = append(pcm, samples...)
		last = pkt.timestamp
		haveLast = true
	}
	return pcm, nil
}

// mixStreams sums the rendered streams at their receive-time offsets,
// clamping to the 16-bit sample range.
func mixStreams(streams [][]int, offsets []int) []int {
	total := 0
	for i, s := range streams {
		total = max(total, offsets[i]+len(s))
	}
	mixed := make([]int, total)
	for i, s := range streams {
		base := offsets[i]
		for j, sample := range s {
			mixed[base+j] += sample
		}
	}
	for i, sample := range mixed {
		mixed[i] = max(-32768, min(32767, sample))
	}
	return mixed
}

func encodeWAV(samples []int) ([]byte, error) {
	var buf util.WriteSeekerBuffer
	enc := wav.NewEncoder(&buf, SampleRate, 16, Channels, 1)
	err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding wav data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalizing wav container: %w", err)
	}
	return buf.Bytes(), nil
}
