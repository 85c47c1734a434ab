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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"syscall"
)

// ErrorType classifies protocol violations by a peer.
type ErrorType int

const (
	NoSuchMessage ErrorType = iota
	ParseMessageFailed
	MessageWithWrongLength
	BadMessage
	BadProtocol
	TypeAlreadyRegistered
	EmptyMessage
	BigMessage
)

var errorTypeToString = map[ErrorType]string{
	NoSuchMessage:          "no such message",
	ParseMessageFailed:     "parse message failed",
	MessageWithWrongLength: "message with wrong length",
	BadMessage:             "bad message",
	BadProtocol:            "bad protocol",
	TypeAlreadyRegistered:  "type already registered",
	EmptyMessage:           "empty message",
	BigMessage:             "big message",
}

func (t ErrorType) String() string {
	if s, ok := errorTypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown error type %d", int(t))
}

// P2PError is a protocol violation. A channel hitting one is closed.
type P2PError struct {
	Type ErrorType
	msg  string
}

func NewP2PError(typ ErrorType, format string, v ...interface{}) *P2PError {
	return &P2PError{Type: typ, msg: fmt.Sprintf(format, v...)}
}

func (e *P2PError) Error() string {
	if e.msg == "" {
		return e.Type.String()
	}
	return e.Type.String() + ": " + e.msg
}

// DisconnectCode is the reason a channel was disconnected.
type DisconnectCode uint8

const (
	DisconnectRequested DisconnectCode = iota
	DisconnectTooManyPeers
	DisconnectDuplicatePeer
	DisconnectSameIP
	DisconnectRestricted
	DisconnectPingTimeout
	DisconnectBadProtocol
	DisconnectUnknown
)

var disconnectCodeToString = [...]string{
	DisconnectRequested:     "disconnect requested",
	DisconnectTooManyPeers:  "too many peers",
	DisconnectDuplicatePeer: "already connected",
	DisconnectSameIP:        "too many peers with the same IP",
	DisconnectRestricted:    "address not allowed",
	DisconnectPingTimeout:   "ping timeout",
	DisconnectBadProtocol:   "breach of protocol",
	DisconnectUnknown:       "unknown reason",
}

func (d DisconnectCode) String() string {
	if int(d) < len(disconnectCodeToString) {
		return disconnectCodeToString[d]
	}
	return fmt.Sprintf("unknown disconnect code %d", d)
}

func (d DisconnectCode) Error() string {
	return d.String()
}

// errKind is the coarse class of a channel failure. It determines the log level
// used when the channel is closed.
type errKind int

const (
	kindReadTimeout errKind = iota
	kindIO
	kindProtocol
	kindUnknown
)

var errKindToString = [...]string{
	kindReadTimeout: "read_timeout",
	kindIO:          "io",
	kindProtocol:    "protocol",
	kindUnknown:     "unknown",
}

func (k errKind) String() string { return errKindToString[k] }

var errReadTimeout = errors.New("read timeout")

// maxCauseDepth bounds the unwrap walk of error chains that are not comparable.
const maxCauseDepth = 64

// causalChain returns err followed by its causes in depth-first order. Errors
// wrapping several causes contribute each of them, shared causes are listed once.
// loop is true if an error is its own cause.
func causalChain(err error) (chain []error, loop bool) {
	var (
		visited = make(map[error]bool)
		onPath  = make(map[error]bool)
		walk    func(error)
	)
	walk = func(err error) {
		if err == nil || loop {
			return
		}
		if len(chain) >= maxCauseDepth {
			loop = true
			return
		}
		hashable := reflect.TypeOf(err).Comparable()
		if hashable {
			if onPath[err] {
				loop = true
				return
			}
			if visited[err] {
				return
			}
			visited[err], onPath[err] = true, true
			defer delete(onPath, err)
		}
		chain = append(chain, err)
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		case interface{ Unwrap() []error }:
			for _, cause := range u.Unwrap() {
				walk(cause)
			}
		}
	}
	walk(err)
	return chain, loop
}

// classify maps a channel failure to its kind. The returned root is the innermost
// cause of err.
func classify(err error) (kind errKind, root error, loop bool) {
	if err == nil {
		return kindUnknown, nil, false
	}
	chain, loop := causalChain(err)
	root = chain[len(chain)-1]
	kind = kindUnknown
	for _, e := range chain {
		switch {
		case e == errReadTimeout || e == os.ErrDeadlineExceeded:
			return kindReadTimeout, root, loop
		case isIOError(e):
			kind = kindIO
		}
	}
	if kind == kindIO {
		return kind, root, loop
	}
	if _, ok := root.(*P2PError); ok {
		return kindProtocol, root, loop
	}
	return kindUnknown, root, loop
}

func isIOError(err error) bool {
	switch err.(type) {
	case *net.OpError, *os.PathError, *os.SyscallError, syscall.Errno:
		return true
	}
	return err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe || err == net.ErrClosed
}
