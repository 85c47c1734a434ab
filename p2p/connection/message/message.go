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

// Package message implements the connection-level messages exchanged by channels.
// A message frame starts with its type byte, followed by a protobuf body.
package message

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type is the first byte of every frame.
type Type byte

const (
	KeepAlivePing Type = 0xff
	KeepAlivePong Type = 0xfe
)

func (t Type) String() string {
	switch t {
	case KeepAlivePing:
		return "KEEP_ALIVE_PING"
	case KeepAlivePong:
		return "KEEP_ALIVE_PONG"
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

var (
	ErrEmpty   = errors.New("empty frame")
	ErrUnknown = errors.New("unknown message type")
	ErrBody    = errors.New("malformed message body")
)

// Message is a decoded connection-level message.
type Message interface {
	Type() Type
	// Data returns the complete frame, including the type byte.
	Data() []byte
}

// TypeOf returns the type byte of frame.
func TypeOf(frame []byte) (Type, error) {
	if len(frame) == 0 {
		return 0, ErrEmpty
	}
	return Type(frame[0]), nil
}

// Parse decodes a frame. Frames of types not handled by this package yield
// ErrUnknown.
func Parse(frame []byte) (Message, error) {
	typ, err := TypeOf(frame)
	if err != nil {
		return nil, err
	}
	switch typ {
	case KeepAlivePing:
		ts, err := decodeKeepAlive(frame[1:])
		if err != nil {
			return nil, err
		}
		return &Ping{Timestamp: ts}, nil
	case KeepAlivePong:
		ts, err := decodeKeepAlive(frame[1:])
		if err != nil {
			return nil, err
		}
		return &Pong{Timestamp: ts}, nil
	}
	return nil, fmt.Errorf("%w %v", ErrUnknown, typ)
}

// Ping asks the remote side to prove liveness. Timestamp is the sender's wall
// clock in milliseconds.
type Ping struct{ Timestamp int64 }

// NewPing creates a ping stamped with the current time.
func NewPing() *Ping { return &Ping{Timestamp: time.Now().UnixMilli()} }

func (p *Ping) Type() Type   { return KeepAlivePing }
func (p *Ping) Data() []byte { return encodeKeepAlive(KeepAlivePing, p.Timestamp) }

// Pong answers a ping.
type Pong struct{ Timestamp int64 }

// NewPong creates a pong stamped with the current time.
func NewPong() *Pong { return &Pong{Timestamp: time.Now().UnixMilli()} }

func (p *Pong) Type() Type   { return KeepAlivePong }
func (p *Pong) Data() []byte { return encodeKeepAlive(KeepAlivePong, p.Timestamp) }

// keepAliveTimestamp is the field number of TcpKeepAliveMessage.timestamp.
const keepAliveTimestamp protowire.Number = 1

func encodeKeepAlive(typ Type, ts int64) []byte {
	b := []byte{byte(typ)}
	b = protowire.AppendTag(b, keepAliveTimestamp, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(ts))
}

func decodeKeepAlive(body []byte) (int64, error) {
	var ts int64
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return 0, fmt.Errorf("%w: %v", ErrBody, protowire.ParseError(n))
		}
		body = body[n:]
		if num == keepAliveTimestamp && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return 0, fmt.Errorf("%w: %v", ErrBody, protowire.ParseError(n))
			}
			ts = int64(v)
			body = body[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, body)
		if n < 0 {
			return 0, fmt.Errorf("%w: %v", ErrBody, protowire.ParseError(n))
		}
		body = body[n:]
	}
	return ts, nil
}
