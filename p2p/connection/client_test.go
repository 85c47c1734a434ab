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
	"testing"
	"time"

	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestPeerClientConnectFailureTriggersReconnect(t *testing.T) {
	reg := newFakeRegistry()
	client := NewPeerClient(reg, nil, ClientConfig{Workers: 2})
	client.Start()
	defer client.Stop()

	node := enode.New(nil, "127.0.0.1", "", closedPort(t))
	f := client.ConnectAsync(node, false)
	assert.Error(t, f.Wait())
	assert.Nil(t, f.Channel())

	select {
	case addr := <-reg.triggers:
		assert.Equal(t, node.PreferAddr().String(), addr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect triggered")
	}
}

func TestPeerClientDiscoveryModeNoReconnect(t *testing.T) {
	reg := newFakeRegistry()
	client := NewPeerClient(reg, nil, ClientConfig{Workers: 1})
	client.Start()
	defer client.Stop()

	f := client.ConnectAsync(enode.New(nil, "127.0.0.1", "", closedPort(t)), true)
	assert.Error(t, f.Wait())
	select {
	case addr := <-reg.triggers:
		t.Fatalf("unexpected reconnect to %v", addr)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeerClientNoAddress(t *testing.T) {
	reg := newFakeRegistry()
	client := NewPeerClient(reg, nil, ClientConfig{Workers: 1})
	f := client.ConnectAsync(enode.New(nil, "", "", 18888), false)
	assert.ErrorIs(t, f.Err(), errNoAddress)
	assert.Len(t, reg.triggers, 0)
}

func TestPeerClientConnectAndStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := l.Accept(); err == nil {
			accepted <- c
		}
	}()

	reg := newFakeRegistry()
	client := NewPeerClient(reg, nil, ClientConfig{Workers: 1})
	client.Start()

	id := enode.RandomID()
	node := enode.New(id, "127.0.0.1", "", l.Addr().(*net.TCPAddr).Port)
	f := client.ConnectAsync(node, false)
	require.NoError(t, f.Wait())
	ch := f.Channel()
	require.NotNil(t, ch)
	assert.True(t, ch.IsActive())
	assert.Equal(t, node.HexID(), ch.PeerID())
	assert.Equal(t, []*Channel{ch}, reg.addedChannels())

	var remote net.Conn
	select {
	case remote = <-accepted:
		defer remote.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound connection")
	}

	client.Stop()
	select {
	case <-ch.Done():
	default:
		t.Fatal("Stop returned before channel loops exited")
	}
	assert.True(t, ch.IsDisconnect())

	// Dials after Stop fail without blocking.
	f = client.ConnectAsync(node, true)
	assert.ErrorIs(t, f.Wait(), errClientStopped)
}

func TestPeerClientRandomRemoteID(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	client := NewPeerClient(newFakeRegistry(), nil, ClientConfig{Workers: 1})
	client.Start()
	defer client.Stop()

	f := client.ConnectAsync(enode.New(nil, "127.0.0.1", "", l.Addr().(*net.TCPAddr).Port), false)
	require.NoError(t, f.Wait())
	assert.Len(t, f.Channel().RemoteID(), enode.NodeIDLen*2)
	assert.True(t, f.Channel().IsActive())
	assert.Equal(t, "<null>", f.Channel().PeerID())
	require.NotNil(t, f.Channel().Node(), "dialed endpoint must be recorded")
	assert.Equal(t, l.Addr().String(), f.Channel().Node().PreferAddr().String())
}

func TestPeerClientConnectAsyncDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := newFakeRegistry()
	client := NewPeerClient(reg, nil, ClientConfig{Workers: 1})

	// No workers are running, so every dial stays queued.
	var futures []*ConnectFuture
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			futures = append(futures, client.ConnectAsync(enode.New(nil, "127.0.0.1", "", 1000+i), false))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConnectAsync blocked")
	}
	for _, f := range futures {
		select {
		case <-f.Done():
			t.Fatal("queued dial completed before the client ran")
		default:
		}
	}

	client.Stop()
	for _, f := range futures {
		assert.ErrorIs(t, f.Wait(), errClientStopped)
	}
	assert.Len(t, reg.triggers, 0, "stopping must not trigger reconnects")
}

func TestPeerServerAccept(t *testing.T) {
	reg := newFakeRegistry()
	srv := NewPeerServer(reg, nil, ServerConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(reg.addedChannels()) == 1 }, 5*time.Second, 10*time.Millisecond)
	ch := reg.addedChannels()[0]
	assert.False(t, ch.IsActive())

	srv.Stop()
	waitDone(t, ch)
	srv.Stop()
}

func TestPeerServerRejected(t *testing.T) {
	reg := newFakeRegistry()
	reg.addErr = DisconnectTooManyPeers
	srv := NewPeerServer(reg, nil, ServerConfig{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "rejected connection should be closed")
}
