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
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/enode"
)

const (
	defaultReadTimeout = 60 * time.Second
	frameWriteTimeout  = 20 * time.Second
	writeQueueSize     = 64
)

// ChannelConfig holds the settings of a channel.
type ChannelConfig struct {
	// ReadTimeout closes the channel when no frame arrives for this long.
	ReadTimeout time.Duration

	// MaxMessageSize is the largest accepted frame payload.
	MaxMessageSize int

	Clock mclock.Clock
	Log   log.Logger
}

func (cfg ChannelConfig) withDefaults() ChannelConfig {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	return cfg
}

// Channel is a framed message connection to a single peer.
//
// A channel is attached to its connection by Init. From then on it reads frames
// and hands them to its handler, and writes frames queued by Send, until it is
// disconnected. Once disconnected it stays disconnected.
type Channel struct {
	cfg      ChannelConfig
	registry Registry
	handler  Handler
	log      log.Logger

	conn          net.Conn
	remoteAddr    *net.TCPAddr
	remoteID      string
	isActive      bool
	discoveryMode bool
	startTime     mclock.AbsTime
	node          atomic.Pointer[enode.Node]

	disconnected   atomic.Bool
	disconnectTime atomic.Int64
	lastSendTime   atomic.Int64
	lastRecvTime   atomic.Int64
	pingSent       atomic.Int64 // zero when no pong is outstanding
	latency        atomic.Int64

	writeq    chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	loops     sync.WaitGroup
	done      chan struct{}
}

// NewChannel creates a detached channel reporting to registry.
func NewChannel(registry Registry, cfg ChannelConfig) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:      cfg,
		registry: registry,
		log:      cfg.Log,
		writeq:   make(chan []byte, writeQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Init attaches the channel to conn and starts its read and write loops. A
// non-empty remoteID marks the channel as initiated by this side.
func (c *Channel) Init(conn net.Conn, remoteID string, discoveryMode bool, handler Handler) {
	c.conn = conn
	c.remoteID = remoteID
	c.isActive = remoteID != ""
	c.discoveryMode = discoveryMode
	c.handler = handler
	c.startTime = c.cfg.Clock.Now()
	c.lastRecvTime.Store(int64(c.startTime))
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.remoteAddr = addr
	}
	c.log = c.cfg.Log.New("peer", conn.RemoteAddr())

	c.loops.Add(2)
	go c.readLoop()
	go c.writeLoop()
	go func() {
		c.loops.Wait()
		close(c.done)
	}()
}

// Send queues frame for writing. It does nothing once the channel is
// disconnected.
func (c *Channel) Send(frame []byte) {
	if c.disconnected.Load() {
		c.log.Warn("Send to peer failed as channel has closed", "type", frameType(frame))
		return
	}
	select {
	case c.writeq <- frame:
	case <-c.closing:
		c.log.Warn("Send to peer failed as channel has closed", "type", frameType(frame))
	}
}

// Disconnect marks the channel disconnected, notifies the registry and closes the
// connection. Only the first call has an effect.
func (c *Channel) Disconnect(code DisconnectCode) {
	if !c.markDisconnected() {
		return
	}
	c.log.Debug("Disconnecting peer", "reason", code, "online", c.onlineTime())
	disconnectCounter.WithLabelValues(code.String()).Inc()
	if c.registry != nil {
		c.registry.ProcessDisconnect(c, code)
	}
	c.shutdown()
}

// Close closes the connection without notifying the registry.
func (c *Channel) Close() {
	c.markDisconnected()
	c.shutdown()
}

// ProcessException closes the channel after a failure, logging it according to its
// kind.
func (c *Channel) ProcessException(err error) {
	kind, root, loop := classify(err)
	if loop {
		c.log.Warn("Loop in causal chain detected")
	}
	exceptionCounter.WithLabelValues(kind.String()).Inc()
	switch kind {
	case kindReadTimeout, kindIO:
		c.log.Warn("Close peer", "reason", err)
	case kindProtocol:
		perr := root.(*P2PError)
		c.log.Warn("Close peer", "type", perr.Type, "info", perr.msg)
	default:
		c.log.Error("Close peer, exception caught", "err", err)
	}
	c.Close()
}

func (c *Channel) markDisconnected() bool {
	if !c.disconnected.CompareAndSwap(false, true) {
		return false
	}
	c.disconnectTime.Store(int64(c.cfg.Clock.Now()))
	return true
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closing)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Channel) readLoop() {
	defer c.loops.Done()
	fr := newFrameReader(c.conn, c.cfg.MaxMessageSize)
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		frame, err := fr.readFrame()
		if err != nil {
			c.readFailed(err)
			return
		}
		c.lastRecvTime.Store(int64(c.cfg.Clock.Now()))
		if c.handler == nil {
			continue
		}
		if err := c.handler.HandleMessage(c, frame); err != nil {
			c.ProcessException(err)
			return
		}
	}
}

func (c *Channel) readFailed(err error) {
	switch {
	case c.disconnected.Load():
		// Closed locally, the read error is expected.
		c.shutdown()
	case errors.Is(err, io.EOF):
		c.log.Debug("Peer closed the connection")
		c.Close()
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.ProcessException(fmt.Errorf("%w: no frame for %v (%v)", errReadTimeout, c.cfg.ReadTimeout, err))
	default:
		c.ProcessException(err)
	}
}

func (c *Channel) writeLoop() {
	defer c.loops.Done()
	for {
		select {
		case frame := <-c.writeq:
			if c.disconnected.Load() {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
			if err := writeFrame(c.conn, frame); err != nil {
				if c.disconnected.Load() {
					return
				}
				c.log.Warn("Send to peer failed", "type", frameType(frame), "err", err)
				// A timed out write may have sent part of the frame.
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					c.Close()
					return
				}
				continue
			}
			c.lastSendTime.Store(int64(c.cfg.Clock.Now()))
		case <-c.closing:
			return
		}
	}
}

func (c *Channel) onlineTime() time.Duration {
	return c.cfg.Clock.Now().Sub(c.startTime).Round(time.Second)
}

// SetNode records the identity of the remote peer.
func (c *Channel) SetNode(n *enode.Node) { c.node.Store(n) }

// Node returns the identity of the remote peer, or nil if unknown.
func (c *Channel) Node() *enode.Node { return c.node.Load() }

// PeerID returns the hex id of the remote peer, or "<null>" if unknown.
func (c *Channel) PeerID() string {
	if n := c.node.Load(); n != nil && len(n.ID) > 0 {
		return n.HexID()
	}
	return "<null>"
}

// RemoteAddr returns the remote endpoint. It is nil before Init.
func (c *Channel) RemoteAddr() *net.TCPAddr { return c.remoteAddr }

// RemoteIP returns the remote IP address.
func (c *Channel) RemoteIP() netip.Addr {
	if c.remoteAddr == nil {
		return netip.Addr{}
	}
	return c.remoteAddr.AddrPort().Addr().Unmap()
}

// RemoteID returns the id hint the channel was dialed with. It is empty for
// inbound channels.
func (c *Channel) RemoteID() string { return c.remoteID }

func (c *Channel) IsActive() bool      { return c.isActive }
func (c *Channel) DiscoveryMode() bool { return c.discoveryMode }
func (c *Channel) IsDisconnect() bool  { return c.disconnected.Load() }

func (c *Channel) StartTime() mclock.AbsTime      { return c.startTime }
func (c *Channel) LastSendTime() mclock.AbsTime   { return mclock.AbsTime(c.lastSendTime.Load()) }
func (c *Channel) LastRecvTime() mclock.AbsTime   { return mclock.AbsTime(c.lastRecvTime.Load()) }
func (c *Channel) DisconnectTime() mclock.AbsTime { return mclock.AbsTime(c.disconnectTime.Load()) }

// Latency returns the round trip time of the last answered ping.
func (c *Channel) Latency() time.Duration { return time.Duration(c.latency.Load()) }

// Done is closed when the read and write loops have exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) String() string {
	return fmt.Sprintf("Channel %s %v", c.PeerID(), c.remoteAddr)
}

func frameType(frame []byte) interface{} {
	if len(frame) == 0 {
		return "<empty>"
	}
	return fmt.Sprintf("0x%02x", frame[0])
}
