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
	"net"
	"net/netip"
	"sync"
	"time"
)

// fakeRegistry records the calls made by channels and clients.
type fakeRegistry struct {
	mu          sync.Mutex
	added       []*Channel
	addErr      error
	disconnects []DisconnectCode
	triggers    chan *net.TCPAddr
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{triggers: make(chan *net.TCPAddr, 16)}
}

func (r *fakeRegistry) AddChannel(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, ch)
	return nil
}

func (r *fakeRegistry) ProcessDisconnect(ch *Channel, code DisconnectCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, code)
}

func (r *fakeRegistry) TriggerConnect(addr *net.TCPAddr) {
	r.triggers <- addr
}

func (r *fakeRegistry) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

func (r *fakeRegistry) addedChannels() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Channel(nil), r.added...)
}

// recordConn is a net.Conn that records writes and blocks reads until closed.
type recordConn struct {
	remote *net.TCPAddr

	mu      sync.Mutex
	written [][]byte
	writes  chan []byte
	closed  chan struct{}
	once    sync.Once

	// writeErr, if set, fails every write.
	writeErr error
}

func newRecordConn(remote string) *recordConn {
	return &recordConn{
		remote: net.TCPAddrFromAddrPort(mustAddrPort(remote)),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *recordConn) Read(b []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *recordConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	cpy := append([]byte(nil), b...)
	c.mu.Lock()
	c.written = append(c.written, cpy)
	c.mu.Unlock()
	c.writes <- cpy
	return len(b), nil
}

func (c *recordConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *recordConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 18888}
}
func (c *recordConn) RemoteAddr() net.Addr               { return c.remote }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

func mustAddrPort(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}
