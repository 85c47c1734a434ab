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

// Package p2p assembles the network layer of a node: the peer server and
// client, the channel manager and the DNS tree publisher.
package p2p

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/connection"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc/publish"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/nodemesh/nodemesh/p2p/netutil"
)

var (
	errServiceRunning = errors.New("p2p service already running")
	errServiceStopped = errors.New("p2p service stopped")
)

// Service runs the network layer of a node.
type Service struct {
	cfg Config
	log log.Logger

	mu        sync.Mutex
	home      *enode.Node
	manager   *connection.Manager
	client    *connection.PeerClient
	server    *connection.PeerServer
	publisher *publish.Service
	running   bool
	stopped   bool
}

// New creates a service. The configuration is validated but nothing is started.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Service{cfg: cfg, log: cfg.Logger}, nil
}

// Start resolves the node record, opens the listener, starts the dial workers and
// keepalive loop, dials the seed nodes and starts DNS publishing. A publishing
// configuration error is logged and leaves publishing disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return errServiceStopped
	case s.running:
		return errServiceRunning
	}

	home, err := s.homeNode(ctx)
	if err != nil {
		return err
	}
	s.home = home
	s.log.Info("Starting P2P networking", "id", enode.TerminalID(home.ID), "ipv4", home.HostV4, "ipv6", home.HostV6, "port", home.Port)

	chanCfg := connection.ChannelConfig{
		ReadTimeout: s.cfg.ReadTimeout,
		Clock:       s.cfg.Clock,
		Log:         s.log,
	}
	s.manager = connection.NewManager(connection.ManagerConfig{
		MaxConnections:           s.cfg.MaxConnections,
		MaxConnectionsWithSameIP: s.cfg.MaxConnectionsWithSameIP,
		NetRestrict:              s.cfg.NetRestrict,
		ReconnectInterval:        s.cfg.ReconnectInterval,
		PingInterval:             s.cfg.PingInterval,
		PingTimeout:              s.cfg.PingTimeout,
		HomeNode:                 home,
		Handler:                  s.cfg.Handler,
		Clock:                    s.cfg.Clock,
		Log:                      s.log,
	})
	s.client = connection.NewPeerClient(s.manager, s.manager, connection.ClientConfig{
		ConnectTimeout: s.cfg.NodeConnectionTimeout,
		Channel:        chanCfg,
		Log:            s.log,
	})
	s.server = connection.NewPeerServer(s.manager, s.manager, connection.ServerConfig{
		ListenAddr: s.cfg.ListenAddr,
		Channel:    chanCfg,
		Log:        s.log,
	})
	s.manager.SetDialer(s.client)

	if err := s.server.Start(); err != nil {
		return err
	}
	s.manager.Start()
	s.client.Start()
	s.running = true

	for _, seed := range s.cfg.SeedNodes {
		addr, err := netutil.ParseInetSocketAddress(seed)
		if err != nil {
			s.log.Warn("Skipping seed node", "node", seed, "err", err)
			continue
		}
		s.manager.Connect(nodeFromTCPAddr(addr))
	}

	pcfg := s.cfg.Publish
	if pcfg.Logger == nil {
		pcfg.Logger = s.log
	}
	if pcfg.Clock == nil {
		pcfg.Clock = s.cfg.Clock
	}
	s.publisher = publish.New(pcfg, s.manager)
	s.publisher.Start() // failures are logged and disable publishing
	return nil
}

// homeNode builds the record of this node, probing the external addresses that
// aren't configured.
func (s *Service) homeNode(ctx context.Context) (*enode.Node, error) {
	id, err := s.nodeID()
	if err != nil {
		return nil, err
	}
	_, portStr, _ := net.SplitHostPort(s.cfg.ListenAddr)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	v4, v6 := s.cfg.ExternalIPv4, s.cfg.ExternalIPv6
	if !s.cfg.DisableAddressProbe && (v4 == "" || v6 == "") {
		p := s.prober()
		if v4 == "" {
			v4 = p.ExternalIPv4(ctx)
		}
		if v6 == "" {
			v6 = p.ExternalIPv6(ctx)
		}
	}
	return enode.New(id, v4, v6, port), nil
}

func (s *Service) nodeID() ([]byte, error) {
	if s.cfg.NodeID == "" {
		return enode.RandomID(), nil
	}
	return enode.ParseID(s.cfg.NodeID)
}

func (s *Service) prober() *netutil.Prober {
	p := netutil.NewProber()
	p.Log = s.log
	for _, server := range s.cfg.STUNServers {
		p.IPv4 = append(p.IPv4, &netutil.STUNSource{Server: server, Fam: netutil.IPv4})
	}
	return p
}

// Stop shuts down publishing and all connections. It is safe to call Stop
// multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if !s.running {
		return
	}
	s.publisher.Stop()
	s.server.Stop()
	s.client.Stop()
	s.manager.Stop()
	s.log.Info("P2P networking stopped")
}

// Manager returns the channel manager, or nil before Start.
func (s *Service) Manager() *connection.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager
}

// Publisher returns the DNS publish service, or nil before Start.
func (s *Service) Publisher() *publish.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publisher
}

// HomeNode returns the record of this node, or nil before Start.
func (s *Service) HomeNode() *enode.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home
}

// ListenAddr returns the address of the peer server, or nil if it isn't running.
func (s *Service) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

func nodeFromTCPAddr(addr *net.TCPAddr) *enode.Node {
	ip := addr.AddrPort().Addr().Unmap()
	if ip.Is4() {
		return enode.New(nil, ip.String(), "", addr.Port)
	}
	return enode.New(nil, "", ip.String(), addr.Port)
}
