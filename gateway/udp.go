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
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Media stream format: 48kHz interleaved stereo in 20ms frames.
const (
	SampleRate   = 48000
	Channels     = 2
	FrameSamples = 960

	rtpHeaderSize = 12

	rtpVersionByte = 0x80
	rtpPayloadType = 0x78
)

func buildRTPHeader(seq uint16, timestamp, ssrc uint32) [rtpHeaderSize]byte {
	var h [rtpHeaderSize]byte
	h[0] = rtpVersionByte
	h[1] = rtpPayloadType
	binary.BigEndian.PutUint16(h[2:4], seq)
	binary.BigEndian.PutUint32(h[4:8], timestamp)
	binary.BigEndian.PutUint32(h[8:12], ssrc)
	return h
}

func parseRTPHeader(h [rtpHeaderSize]byte) (seq uint16, timestamp, ssrc uint32) {
	seq = binary.BigEndian.Uint16(h[2:4])
	timestamp = binary.BigEndian.Uint32(h[4:8])
	ssrc = binary.BigEndian.Uint32(h[8:12])
	return seq, timestamp, ssrc
}

// isRTCP reports whether the packet carries a control payload type
// rather than media.
func isRTCP(packet []byte) bool {
	return len(packet) >= 2 && packet[1] >= 200 && packet[1] <= 204
}

const discoveryPacketSize = 70

// discoverExternalAddress performs the IP discovery exchange on the
// media socket: a 70-byte request carrying our SSRC, answered by the
// voice server with the address and port it sees us on.
func discoverExternalAddress(conn *net.UDPConn, ssrc uint32, timeout time.Duration) (string, uint16, error) {
	req := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(req[0:2], 1)
	binary.BigEndian.PutUint16(req[2:4], discoveryPacketSize)
	binary.BigEndian.PutUint32(req[4:8], ssrc)
	if _, err := conn.Write(req); err != nil {
		return "", 0, fmt.Errorf("sending discovery request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	resp := make([]byte, discoveryPacketSize)
	n, err := conn.Read(resp)
	if err != nil {
		return "", 0, fmt.Errorf("reading discovery response: %w", err)
	}
	if n < discoveryPacketSize {
		return "", 0, fmt.Errorf("short discovery response: %d bytes", n)
	}

	// The address is a null-terminated string starting at byte 4.
	end := bytes.IndexByte(resp[4:68], 0)
	if end <= 0 {
		return "", 0, fmt.Errorf("malformed discovery response")
	}
	address := string(resp[4 : 4+end])
	port := binary.BigEndian.Uint16(resp[68:70])
	return address, port, nil
}
