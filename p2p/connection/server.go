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
	"net"
	"sync"
	"time"

	"github.com/nodemesh/nodemesh/log"
)

// ServerConfig holds the settings of a PeerServer.
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on, e.g. ":18888".
	ListenAddr string

	Channel ChannelConfig
	Log     log.Logger
}

// PeerServer accepts inbound connections as passive channels.
type PeerServer struct {
	cfg      ServerConfig
	registry Registry
	handler  Handler
	log      log.Logger

	mu       sync.Mutex
	listener net.Listener
	channels map[*Channel]struct{}
	quit     chan struct{}
	loopWG   sync.WaitGroup
}

// NewPeerServer creates a server reporting channels to registry.
func NewPeerServer(registry Registry, handler Handler, cfg ServerConfig) *PeerServer {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Channel.Log == nil {
		cfg.Channel.Log = cfg.Log
	}
	return &PeerServer{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
		log:      cfg.Log,
		channels: make(map[*Channel]struct{}),
		quit:     make(chan struct{}),
	}
}

// Start opens the listener and starts accepting connections.
func (s *PeerServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already running")
	}
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Info("TCP listener up", "addr", listener.Addr())
	s.loopWG.Add(1)
	go s.listenLoop()
	return nil
}

// Addr returns the listening address, or nil if the server isn't running.
func (s *PeerServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all inbound channels and waits for them.
func (s *PeerServer) Stop() {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
	}
	close(s.quit)
	s.listener.Close()
	s.mu.Unlock()

	s.loopWG.Wait()
}

func (s *PeerServer) listenLoop() {
	defer s.loopWG.Done()

	var wg sync.WaitGroup
	defer func() {
		s.mu.Lock()
		for ch := range s.channels {
			ch.Close()
		}
		s.mu.Unlock()
		wg.Wait()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Debug("Temporary accept error", "err", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			select {
			case <-s.quit:
			default:
				s.log.Error("Accept failed", "err", err)
			}
			return
		}
		inboundCounter.Inc()
		s.log.Trace("Accepted connection", "addr", conn.RemoteAddr())

		ch := NewChannel(s.registry, s.cfg.Channel)
		s.mu.Lock()
		s.channels[ch] = struct{}{}
		s.mu.Unlock()
		ch.Init(conn, "", false, s.handler)
		if err := s.registry.AddChannel(ch); err != nil {
			s.log.Debug("Inbound channel rejected", "addr", conn.RemoteAddr(), "err", err)
			ch.Close()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch.Done()
			s.mu.Lock()
			delete(s.channels, ch)
			s.mu.Unlock()
		}()
	}
}
