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

package util

import (
	"errors"
	"io"
)

// WriteSeekerBuffer is an in-memory io.WriteSeeker. The WAV encoder needs
// to seek back into the header once the data length is known, which
// bytes.Buffer cannot do.
type WriteSeekerBuffer struct {
	b   []byte
	pos int64
}

func (b *WriteSeekerBuffer) Bytes() []byte { return b.b }

func (b *WriteSeekerBuffer) Len() int { return len(b.b) }

func (b *WriteSeekerBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	end := b.pos + int64(len(p))
	if end > int64(len(b.b)) {
		grown := make([]byte, end)
		copy(grown, b.b)
		b.b = grown
	}
	copy(b.b[b.pos:end], p)
	b.pos = end
	return len(p), nil
}

func (b *WriteSeekerBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = b.pos + offset
	case io.SeekEnd:
		pos = int64(len(b.b)) + offset
	default:
		return 0, errors.New("WriteSeekerBuffer.Seek: invalid whence")
	}
	if pos < 0 {
		return 0, errors.New("WriteSeekerBuffer.Seek: negative position")
	}
	b.pos = pos
	return pos, nil
}
