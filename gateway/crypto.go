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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptionMode names an xsalsa20-poly1305 nonce strategy negotiated
// during the handshake.
type EncryptionMode string

const (
	// ModeNormal derives the nonce from the RTP header, zero padded.
	ModeNormal EncryptionMode = "xsalsa20_poly1305"
	// ModeSuffix appends a random 24-byte nonce to each packet.
	ModeSuffix EncryptionMode = "xsalsa20_poly1305_suffix"
	// ModeLite appends a 4-byte incrementing counter to each packet.
	ModeLite EncryptionMode = "xsalsa20_poly1305_lite"
)

// selectEncryptionMode picks the first supported mode from the server's
// offered list.
func selectEncryptionMode(offered []string) (EncryptionMode, bool) {
	for _, m := range offered {
		switch mode := EncryptionMode(m); mode {
		case ModeNormal, ModeSuffix, ModeLite:
			return mode, true
		}
	}
	return "", false
}

var errDecryptionFailed = errors.New("packet decryption failed")

// cryptor seals and opens media packets with the session secret key.
// It is not safe for concurrent use; the player and recorder each hold
// their own packet direction.
type cryptor struct {
	mode EncryptionMode
	key  [32]byte
	lite uint32
}

func newCryptor(mode EncryptionMode, key [32]byte) *cryptor {
	return &cryptor{mode: mode, key: key}
}

// Encrypt seals one media frame into a full packet: the 12-byte RTP
// header, the ciphertext, and the mode's nonce suffix when it has one.
func (c *cryptor) Encrypt(header [12]byte, plain []byte) []byte {
	var nonce [24]byte
	packet := append(make([]byte, 0, len(header)+len(plain)+secretbox.Overhead+len(nonce)), header[:]...)
	switch c.mode {
	case ModeSuffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			panic(fmt.Sprintf("reading random nonce: %v", err))
		}
		packet = secretbox.Seal(packet, plain, &nonce, &c.key)
		packet = append(packet, nonce[:]...)
	case ModeLite:
		c.lite++
		binary.BigEndian.PutUint32(nonce[:4], c.lite)
		packet = secretbox.Seal(packet, plain, &nonce, &c.key)
		packet = append(packet, nonce[:4]...)
	default:
		copy(nonce[:], header[:])
		packet = secretbox.Seal(packet, plain, &nonce, &c.key)
	}
	return packet
}

// Decrypt opens one received packet, returning its RTP header and the
// plaintext frame.
func (c *cryptor) Decrypt(packet []byte) (header [12]byte, plain []byte, err error) {
	if len(packet) < rtpHeaderSize+secretbox.Overhead {
		return header, nil, fmt.Errorf("packet too short: %d bytes", len(packet))
	}
	copy(header[:], packet[:rtpHeaderSize])
	body := packet[rtpHeaderSize:]

	var nonce [24]byte
	switch c.mode {
	case ModeSuffix:
		if len(body) < 24+secretbox.Overhead {
			return header, nil, fmt.Errorf("packet too short for nonce suffix: %d bytes", len(packet))
		}
		copy(nonce[:], body[len(body)-24:])
		body = body[:len(body)-24]
	case ModeLite:
		if len(body) < 4+secretbox.Overhead {
			return header, nil, fmt.Errorf("packet too short for nonce counter: %d bytes", len(packet))
		}
		copy(nonce[:4], body[len(body)-4:])
		body = body[:len(body)-4]
	default:
		copy(nonce[:], header[:])
	}

	plain, ok := secretbox.Open(nil, body, &nonce, &c.key)
	if !ok {
		return header, nil, errDecryptionFailed
	}
	return header, plain, nil
}
