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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmFrame(samples ...int16) []byte {
	frame := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(s))
	}
	return frame
}

func TestPCMDecoder(t *testing.T) {
	samples, err := PCMDecoder{}.Decode(pcmFrame(0, 100, -100, 32767, -32768))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100, -100, 32767, -32768}, samples)

	_, err = PCMDecoder{}.Decode([]byte{0x01})
	require.Error(t, err)
}

func TestRenderStreamContiguousFrames(t *testing.T) {
	stream := []recordedPacket{
		{seq: 0, timestamp: 0, payload: pcmFrame(1, 2)},
		{seq: 1, timestamp: FrameSamples, payload: pcmFrame(3, 4)},
	}
	pcm, err := renderStream(stream, PCMDecoder{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, pcm)
}

func TestRenderStreamFillsGapsWithSilence(t *testing.T) {
	// 100ms between frames: 80ms of the gap is silence.
	stream := []recordedPacket{
		{seq: 0, timestamp: 0, payload: pcmFrame(1, 1)},
		{seq: 1, timestamp: 5 * FrameSamples, payload: pcmFrame(2, 2)},
	}
	pcm, err := renderStream(stream, PCMDecoder{})
	require.NoError(t, err)

	silence := len(pcm) - 4
	assert.InDelta(t, 4*FrameSamples*Channels, silence, 4)
	assert.Equal(t, []int{1, 1}, pcm[:2])
	assert.Equal(t, []int{2, 2}, pcm[len(pcm)-2:])
	assert.Zero(t, pcm[2])
}

func TestRenderStreamCapsSilenceGap(t *testing.T) {
	// A ten second pause in the timestamps collapses to one second.
	stream := []recordedPacket{
		{seq: 0, timestamp: 0, payload: pcmFrame(1, 1)},
		{seq: 1, timestamp: 10 * SampleRate, payload: pcmFrame(2, 2)},
	}
	pcm, err := renderStream(stream, PCMDecoder{})
	require.NoError(t, err)

	maxSilence := (SampleRate - FrameSamples) * Channels
	assert.InDelta(t, maxSilence, len(pcm)-4, 4)
}

func TestMixStreamsSumsAndClamps(t *testing.T) {
	mixed := mixStreams(
		[][]int{{30000, -30000, 10}, {10000, -10000, 5}},
		[]int{0, 0},
	)
	assert.Equal(t, []int{32767, -32768, 15}, mixed)
}

func TestMixStreamsHonorsOffsets(t *testing.T) {
	mixed := mixStreams(
		[][]int{{1, 1}, {2, 2}},
		[]int{0, 3},
	)
	assert.Equal(t, []int{1, 1, 0, 2, 2}, mixed)
}

func TestRenderPCMSingleSpeaker(t *testing.T) {
	packets := []recordedPacket{
		{ssrc: 9, seq: 1, timestamp: FrameSamples, payload: pcmFrame(3, 4)},
		{ssrc: 9, seq: 0, timestamp: 0, payload: pcmFrame(1, 2)},
	}
	pcm, err := renderPCM(packets, PCMDecoder{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, pcm)
}

func TestEncodeWAV(t *testing.T) {
	data, err := encodeWAV([]int{0, 1, -1, 100, -100, 32767})
	require.NoError(t, err)

	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}

func TestEncodeWAVEmptyRecording(t *testing.T) {
	data, err := encodeWAV(nil)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
}
