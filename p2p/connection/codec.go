// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package connection

import (
	"bufio"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxMessageSize is the largest frame payload accepted from a peer.
const DefaultMaxMessageSize = 5 * 1024 * 1024

// maxVarint32Len is the encoded size of the largest 32 bit varint.
const maxVarint32Len = 5

// writeFrame writes payload prefixed with its varint32 length.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, maxVarint32Len+len(payload))
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// frameReader splits a stream into length-prefixed frames.
type frameReader struct {
	r       *bufio.Reader
	maxSize int
	hdr     [maxVarint32Len]byte
}

func newFrameReader(r io.Reader, maxSize int) *frameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &frameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// readFrame returns the next frame payload.
func (fr *frameReader) readFrame() ([]byte, error) {
	size, err := fr.readLength()
	if err != nil {
		return nil, err
	}
	switch {
	case size == 0:
		return nil, NewP2PError(EmptyMessage, "zero length frame")
	case size > uint64(fr.maxSize):
		return nil, NewP2PError(BigMessage, "frame of %d bytes exceeds limit %d", size, fr.maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (fr *frameReader) readLength() (uint64, error) {
	for i := 0; i < maxVarint32Len; i++ {
		b, err := fr.r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		fr.hdr[i] = b
		if b < 0x80 {
			v, n := protowire.ConsumeVarint(fr.hdr[:i+1])
			if n < 0 || v > math.MaxUint32 {
				return 0, NewP2PError(MessageWithWrongLength, "malformed length prefix")
			}
			return v, nil
		}
	}
	return 0, NewP2PError(MessageWithWrongLength, "length prefix exceeds 32 bits")
}
