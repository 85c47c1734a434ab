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

	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/p2p/connection/message"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/nodemesh/nodemesh/p2p/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	calls chan *enode.Node
}

func (d *fakeDialer) ConnectAsync(node *enode.Node, discoveryMode bool) *ConnectFuture {
	d.calls <- node
	f := newConnectFuture("")
	f.complete(nil, nil)
	return f
}

func attach(m *Manager, addr string, id []byte) (*Channel, *recordConn) {
	conn := newRecordConn(addr)
	ch := NewChannel(m, ChannelConfig{Clock: m.clock})
	if id != nil {
		ch.SetNode(enode.New(id, "", "", 0))
	}
	ch.Init(conn, "", false, m)
	return ch, conn
}

func TestManagerAdmission(t *testing.T) {
	restrict, err := netutil.ParseNetlist("10.0.0.0/8")
	require.NoError(t, err)
	m := NewManager(ManagerConfig{MaxConnections: 3, MaxConnectionsWithSameIP: 1, NetRestrict: restrict})
	defer m.Stop()

	ch1, _ := attach(m, "10.0.0.1:1000", nil)
	defer ch1.Close()
	require.NoError(t, m.AddChannel(ch1))

	dup, _ := attach(m, "10.0.0.1:1000", nil)
	defer dup.Close()
	assert.Equal(t, DisconnectDuplicatePeer, m.AddChannel(dup))

	sameIP, _ := attach(m, "10.0.0.1:1001", nil)
	defer sameIP.Close()
	assert.Equal(t, DisconnectSameIP, m.AddChannel(sameIP))

	outside, _ := attach(m, "192.168.0.1:1000", nil)
	defer outside.Close()
	assert.Equal(t, DisconnectRestricted, m.AddChannel(outside))

	id := enode.RandomID()
	ch2, _ := attach(m, "10.0.0.2:1000", id)
	defer ch2.Close()
	require.NoError(t, m.AddChannel(ch2))
	sameID, _ := attach(m, "10.0.0.3:1000", id)
	defer sameID.Close()
	assert.Equal(t, DisconnectDuplicatePeer, m.AddChannel(sameID))

	ch3, _ := attach(m, "10.0.0.4:1000", nil)
	defer ch3.Close()
	require.NoError(t, m.AddChannel(ch3))
	ch4, _ := attach(m, "10.0.0.5:1000", nil)
	defer ch4.Close()
	assert.Equal(t, DisconnectTooManyPeers, m.AddChannel(ch4))
	assert.Len(t, m.Channels(), 3)
}

func TestManagerRemovesClosedChannels(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Stop()

	ch, _ := attach(m, "10.0.0.1:1000", nil)
	require.NoError(t, m.AddChannel(ch))
	ch.Close()
	assert.Eventually(t, func() bool { return len(m.Channels()) == 0 }, 5*time.Second, 5*time.Millisecond)

	// The IP slot is released as well.
	again, _ := attach(m, "10.0.0.1:1001", nil)
	defer again.Close()
	assert.NoError(t, m.AddChannel(again))

	again.Disconnect(DisconnectRequested)
	assert.Empty(t, m.Channels())
}

func TestManagerReconnectThrottle(t *testing.T) {
	d := &fakeDialer{calls: make(chan *enode.Node, 8)}
	m := NewManager(ManagerConfig{ReconnectInterval: time.Hour})
	m.SetDialer(d)
	defer m.Stop()

	id := enode.RandomID()
	known := enode.New(id, "10.0.0.7", "", 18888)
	m.Connect(known)
	<-d.calls

	addr := known.PreferAddr()
	m.TriggerConnect(addr)
	m.TriggerConnect(addr)
	m.TriggerConnect(addr)

	select {
	case n := <-d.calls:
		assert.Equal(t, known, n, "redial should reuse the known record")
	case <-time.After(5 * time.Second):
		t.Fatal("no redial")
	}
	select {
	case n := <-d.calls:
		t.Fatalf("redial not throttled: %v", n)
	case <-time.After(100 * time.Millisecond):
	}

	other := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 8), Port: 18888}
	m.TriggerConnect(other)
	select {
	case n := <-d.calls:
		assert.Nil(t, n.ID)
		assert.Equal(t, "10.0.0.8", n.HostV4)
	case <-time.After(5 * time.Second):
		t.Fatal("no dial to unknown address")
	}
}

func TestManagerConnectChecks(t *testing.T) {
	home := enode.New(enode.RandomID(), "10.0.0.100", "", 18888)
	d := &fakeDialer{calls: make(chan *enode.Node, 8)}
	m := NewManager(ManagerConfig{HomeNode: home})
	m.SetDialer(d)
	defer m.Stop()

	assert.Nil(t, m.Connect(enode.New(home.ID, "10.0.0.9", "", 18888)), "own id")
	assert.Nil(t, m.Connect(enode.New(nil, "10.0.0.100", "", 18888)), "own endpoint")
	assert.Nil(t, m.Connect(enode.New(nil, "127.0.0.1", "", 18888)), "loopback on own port")
	assert.Nil(t, m.Connect(enode.New([]byte{1, 2, 3}, "10.0.0.9", "", 18888)), "short id")
	assert.Len(t, d.calls, 0)

	require.NotNil(t, m.Connect(enode.New(nil, "10.0.0.100", "", 18889)))
	require.NotNil(t, m.Connect(enode.New(enode.RandomID(), "10.0.0.9", "", 18888)))
	assert.Len(t, d.calls, 2)
}

func TestManagerConnectableNodes(t *testing.T) {
	home := enode.New(enode.RandomID(), "10.0.0.100", "", 18888)
	m := NewManager(ManagerConfig{HomeNode: home})
	defer m.Stop()

	a := enode.New(enode.RandomID(), "10.0.0.1", "", 18888)
	ch1, _ := attach(m, "10.0.0.1:18888", nil)
	ch1.SetNode(a)
	defer ch1.Close()
	require.NoError(t, m.AddChannel(ch1))

	inbound, _ := attach(m, "10.0.0.2:5555", nil)
	defer inbound.Close()
	require.NoError(t, m.AddChannel(inbound))

	assert.Equal(t, []*enode.Node{a}, m.ConnectableNodes())
	assert.Equal(t, home, m.HomeNode())
}

func TestManagerHandleMessage(t *testing.T) {
	var got [][]byte
	m := NewManager(ManagerConfig{Handler: HandlerFunc(func(ch *Channel, frame []byte) error {
		got = append(got, frame)
		return nil
	})})
	defer m.Stop()
	ch, conn := attach(m, "10.0.0.1:1000", nil)
	defer ch.Close()

	require.NoError(t, m.HandleMessage(ch, (&message.Ping{Timestamp: 5}).Data()))
	select {
	case w := <-conn.writes:
		// length prefix, then the pong type byte
		assert.Equal(t, byte(message.KeepAlivePong), w[1])
	case <-time.After(5 * time.Second):
		t.Fatal("no pong sent")
	}

	require.NoError(t, m.HandleMessage(ch, []byte{0x01, 0x02}))
	assert.Equal(t, [][]byte{{0x01, 0x02}}, got)

	err := m.HandleMessage(ch, []byte{0xff, 0x08})
	var perr *P2PError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ParseMessageFailed, perr.Type)

	bare := NewManager(ManagerConfig{})
	defer bare.Stop()
	require.ErrorAs(t, bare.HandleMessage(ch, []byte{0x01}), &perr)
	assert.Equal(t, NoSuchMessage, perr.Type)
}

func TestManagerKeepAlive(t *testing.T) {
	clock := new(mclock.Simulated)
	clock.Run(time.Hour)
	m := NewManager(ManagerConfig{Clock: clock})
	defer m.Stop()

	ch, conn := attach(m, "10.0.0.1:1000", nil)
	defer ch.Close()
	require.NoError(t, m.AddChannel(ch))

	clock.Run(11 * time.Second)
	m.checkKeepAlive(clock.Now())
	select {
	case w := <-conn.writes:
		assert.Equal(t, byte(message.KeepAlivePing), w[1])
	case <-time.After(5 * time.Second):
		t.Fatal("no ping sent")
	}

	// An answered ping clears the wait.
	clock.Run(time.Second)
	require.NoError(t, m.HandleMessage(ch, (&message.Pong{Timestamp: 1}).Data()))
	assert.Equal(t, time.Second, ch.Latency())

	// Unanswered pings disconnect after the timeout.
	clock.Run(11 * time.Second)
	m.checkKeepAlive(clock.Now())
	<-conn.writes
	clock.Run(10 * time.Second)
	m.checkKeepAlive(clock.Now())
	assert.False(t, ch.IsDisconnect())
	clock.Run(11 * time.Second)
	m.checkKeepAlive(clock.Now())
	assert.True(t, ch.IsDisconnect())
	assert.Empty(t, m.Channels())
}

func TestManagerKeepAliveLoop(t *testing.T) {
	clock := new(mclock.Simulated)
	clock.Run(time.Hour)
	m := NewManager(ManagerConfig{Clock: clock})
	ch, conn := attach(m, "10.0.0.1:1000", nil)
	defer ch.Close()
	require.NoError(t, m.AddChannel(ch))

	m.Start()
	clock.WaitForTimers(1)
	clock.Run(10 * time.Second)
	select {
	case w := <-conn.writes:
		assert.Equal(t, byte(message.KeepAlivePing), w[1])
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive loop did not ping")
	}
	m.Stop()
	m.Stop()
}
