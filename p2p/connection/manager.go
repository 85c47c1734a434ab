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
	"bytes"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/connection/message"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/nodemesh/nodemesh/p2p/netutil"
	"golang.org/x/time/rate"
)

const (
	defaultMaxConnections           = 50
	defaultMaxConnectionsWithSameIP = 2
	defaultReconnectInterval        = 30 * time.Second
	defaultPingInterval             = 10 * time.Second
	defaultPingTimeout              = 20 * time.Second

	knownNodesCacheSize = 1024
	throttleCacheSize   = 1024
)

var (
	errInvalidNode = errors.New("invalid node record")
	errSelfDial    = errors.New("node is the local host")
)

// ManagerConfig holds the settings of a Manager.
type ManagerConfig struct {
	MaxConnections           int
	MaxConnectionsWithSameIP int

	// NetRestrict, if set, limits channels to these networks.
	NetRestrict netutil.Netlist

	// ReconnectInterval is the minimum time between redials of the same address
	// after a failed dial.
	ReconnectInterval time.Duration

	// PingInterval is the idle time after which a channel is pinged, PingTimeout
	// the time a ping may stay unanswered.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// HomeNode is the record of this node.
	HomeNode *enode.Node

	// Handler receives all frames that aren't keepalive messages. Without it such
	// frames are protocol errors.
	Handler Handler

	Clock mclock.Clock
	Log   log.Logger
}

func (cfg ManagerConfig) withDefaults() ManagerConfig {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.MaxConnectionsWithSameIP <= 0 {
		cfg.MaxConnectionsWithSameIP = defaultMaxConnectionsWithSameIP
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	return cfg
}

// Dialer creates outbound channels. It is implemented by PeerClient.
type Dialer interface {
	ConnectAsync(node *enode.Node, discoveryMode bool) *ConnectFuture
}

// Manager is the channel registry of a node. It admits channels subject to
// connection limits, answers keepalive messages, redials failed peers at a
// bounded rate and provides the node snapshot published to DNS.
type Manager struct {
	cfg   ManagerConfig
	log   log.Logger
	clock mclock.Clock

	mu       sync.Mutex
	dialer   Dialer
	channels map[string]*Channel
	ips      netutil.DistinctNetSet
	known    *lru.Cache // addr -> *enode.Node
	throttle *lru.Cache // addr -> *rate.Limiter
	local    mapset.Set[string]
	running  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	known, _ := lru.New(knownNodesCacheSize)
	throttle, _ := lru.New(throttleCacheSize)
	return &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		clock:    cfg.Clock,
		channels: make(map[string]*Channel),
		ips:      netutil.DistinctNetSet{Subnet: 32, Subnet6: 128, Limit: uint(cfg.MaxConnectionsWithSameIP)},
		known:    known,
		throttle: throttle,
		local:    localAddresses(cfg.HomeNode),
		quit:     make(chan struct{}),
	}
}

// SetDialer sets the dialer used for reconnects.
func (m *Manager) SetDialer(d Dialer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialer = d
}

// Start launches the keepalive loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.keepAliveLoop()
}

// Stop terminates background work. Channels are owned by the client and server
// and are not closed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stoppedLocked() {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.mu.Unlock()
	m.wg.Wait()
}

// AddChannel implements Registry.
func (m *Manager) AddChannel(ch *Channel) error {
	ip := ch.RemoteIP()
	if len(m.cfg.NetRestrict) > 0 && !m.cfg.NetRestrict.Contains(ip) {
		return DisconnectRestricted
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stoppedLocked() {
		return DisconnectRequested
	}
	key := ch.RemoteAddr().String()
	if _, ok := m.channels[key]; ok {
		return DisconnectDuplicatePeer
	}
	if n := ch.Node(); n != nil && m.hasNodeLocked(n.ID) {
		return DisconnectDuplicatePeer
	}
	if len(m.channels) >= m.cfg.MaxConnections {
		return DisconnectTooManyPeers
	}
	if !m.ips.Add(ip) {
		return DisconnectSameIP
	}
	m.channels[key] = ch
	if n := ch.Node(); n != nil {
		m.known.Add(key, n)
	}
	channelGauge.Set(float64(len(m.channels)))
	m.log.Debug("Adding channel", "peer", key, "active", ch.IsActive(), "count", len(m.channels))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ch.Done():
			m.remove(ch)
		case <-m.quit:
		}
	}()
	return nil
}

func (m *Manager) stoppedLocked() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

func (m *Manager) hasNodeLocked(id []byte) bool {
	if len(id) == 0 {
		return false
	}
	for _, c := range m.channels {
		if n := c.Node(); n != nil && bytes.Equal(n.ID, id) {
			return true
		}
	}
	return false
}

// ProcessDisconnect implements Registry.
func (m *Manager) ProcessDisconnect(ch *Channel, code DisconnectCode) {
	m.log.Debug("Peer disconnected", "peer", ch.RemoteAddr(), "id", ch.PeerID(), "reason", code)
	m.remove(ch)
}

func (m *Manager) remove(ch *Channel) {
	addr := ch.RemoteAddr()
	if addr == nil {
		return
	}
	key := addr.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[key] != ch {
		return
	}
	delete(m.channels, key)
	m.ips.Remove(ch.RemoteIP())
	channelGauge.Set(float64(len(m.channels)))
}

// TriggerConnect implements Registry. It redials addr unless a dial to it was
// made within the reconnect interval or it is connected already.
func (m *Manager) TriggerConnect(addr *net.TCPAddr) {
	key := addr.String()
	if !m.limiter(key).Allow() {
		m.log.Trace("Reconnect throttled", "addr", key)
		return
	}
	var node *enode.Node
	if v, ok := m.known.Get(key); ok {
		node = v.(*enode.Node)
	} else {
		node = nodeFromAddr(addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, connected := m.channels[key]; connected || m.dialer == nil || m.stoppedLocked() {
		return
	}
	dialer := m.dialer
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		dialer.ConnectAsync(node, false)
	}()
}

// localAddresses returns the addresses this host is reachable on.
func localAddresses(home *enode.Node) mapset.Set[string] {
	set := netutil.AllLocalAddresses()
	if home != nil {
		for _, h := range []string{home.HostV4, home.HostV6} {
			if h != "" {
				set.Add(h)
			}
		}
	}
	return set
}

// checkDial rejects records that can't be dialed or point back at this node.
// Records without an id are dialed by address only.
func (m *Manager) checkDial(node *enode.Node) error {
	if len(node.ID) > 0 && !netutil.ValidNode(node) {
		return errInvalidNode
	}
	home := m.cfg.HomeNode
	if home == nil {
		return nil
	}
	if len(node.ID) > 0 && bytes.Equal(node.ID, home.ID) {
		return errSelfDial
	}
	if node.Port == home.Port && m.local.Contains(node.PreferHost()) {
		return errSelfDial
	}
	return nil
}

// Connect dials node unless it is connected already or fails checkDial, in
// which case the result is nil.
func (m *Manager) Connect(node *enode.Node) *ConnectFuture {
	if err := m.checkDial(node); err != nil {
		m.log.Debug("Not dialing node", "node", node, "err", err)
		return nil
	}
	addr := node.PreferAddr()
	m.mu.Lock()
	dialer := m.dialer
	if addr != nil {
		m.known.Add(addr.String(), node)
	}
	m.mu.Unlock()
	if dialer == nil {
		return nil
	}
	return dialer.ConnectAsync(node, false)
}

func (m *Manager) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.throttle.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Every(m.cfg.ReconnectInterval), 1)
	m.throttle.Add(key, lim)
	return lim
}

func nodeFromAddr(addr *net.TCPAddr) *enode.Node {
	ip := addr.AddrPort().Addr()
	if ip.Unmap().Is4() {
		return enode.New(nil, ip.Unmap().String(), "", addr.Port)
	}
	return enode.New(nil, "", ip.String(), addr.Port)
}

// Channels returns the live channels.
func (m *Manager) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		list = append(list, ch)
	}
	return list
}

// ConnectableNodes returns the records of connected peers whose identity is
// known, ordered by key.
func (m *Manager) ConnectableNodes() []*enode.Node {
	var nodes []*enode.Node
	for _, ch := range m.Channels() {
		if ch.IsDisconnect() {
			continue
		}
		if n := ch.Node(); n != nil && n.PreferAddr() != nil {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Key() < nodes[j].Key() })
	return nodes
}

// HomeNode returns the record of this node.
func (m *Manager) HomeNode() *enode.Node {
	return m.cfg.HomeNode
}

// HandleMessage implements Handler. Keepalive messages are answered here, all
// others go to the configured handler.
func (m *Manager) HandleMessage(ch *Channel, frame []byte) error {
	typ, err := message.TypeOf(frame)
	if err != nil {
		return NewP2PError(EmptyMessage, "%v", err)
	}
	switch typ {
	case message.KeepAlivePing, message.KeepAlivePong:
		msg, err := message.Parse(frame)
		if err != nil {
			return NewP2PError(ParseMessageFailed, "%v", err)
		}
		m.handleKeepAlive(ch, msg)
		return nil
	}
	if m.cfg.Handler != nil {
		return m.cfg.Handler.HandleMessage(ch, frame)
	}
	return NewP2PError(NoSuchMessage, "type %v", typ)
}
