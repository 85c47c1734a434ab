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

// Package publish keeps a DNS discovery tree of the node's peers up to date.
package publish

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
	"github.com/nodemesh/nodemesh/p2p/enode"
)

// NodeSource supplies the peers to publish.
type NodeSource interface {
	ConnectableNodes() []*enode.Node
	HomeNode() *enode.Node
}

// Service publishes the node's peers to a DNS discovery tree. With static nodes
// configured the tree is published once, otherwise on a fixed delay schedule.
type Service struct {
	cfg Config
	src NodeSource
	log log.Logger

	key      *btcec.PrivateKey
	provider Provider

	mu      sync.Mutex
	static  []netip.AddrPort
	lastSeq int64

	republish chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopOnce  sync.Once
}

// New creates a publish service. src may be nil when static nodes are
// configured.
func New(cfg Config, src NodeSource) *Service {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		src:       src,
		log:       cfg.Logger.New("domain", cfg.Domain),
		republish: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start validates the configuration, checks the provider connection and
// schedules publishing. On failure publishing stays disabled and the error is
// returned after being logged. A disabled service returns nil.
func (s *Service) Start() error {
	if err := s.init(); err != nil {
		if errors.Is(err, errDisabled) {
			s.log.Info("DNS publish service is disabled")
			return nil
		}
		s.log.Error("Failed to start DNS publish service", "err", err)
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	static := len(s.staticNodes()) > 0 || s.cfg.StaticNodesFile != ""
	if s.cfg.StaticNodesFile != "" {
		if err := s.watchStaticNodes(); err != nil {
			s.log.Warn("Failed to watch static node file", "file", s.cfg.StaticNodesFile, "err", err)
		}
	}
	s.wg.Add(1)
	go s.loop(static)
	s.log.Info("Started DNS publish service", "provider", s.cfg.Type, "static", static)
	return nil
}

func (s *Service) init() error {
	if !s.cfg.Enable {
		return errDisabled
	}
	var (
		static []netip.AddrPort
		err    error
	)
	if s.cfg.StaticNodesFile != "" {
		static, err = loadStaticNodesFile(s.cfg.StaticNodesFile)
	} else {
		static, err = parseStaticNodes(s.cfg.StaticNodes)
	}
	if err != nil {
		return err
	}
	s.setStaticNodes(static)

	if err := checkConfig(&s.cfg, s.hasIPv4()); err != nil {
		return err
	}
	if s.key, err = parseKey(s.cfg.DNSPrivate); err != nil {
		return err
	}
	provider := s.cfg.Provider
	if provider == nil {
		if provider, err = NewProvider(s.ctx, &s.cfg); err != nil {
			return err
		}
	}
	if err := provider.TestConnect(s.ctx); err != nil {
		return err
	}
	s.provider = provider
	return nil
}

// hasIPv4 reports whether this node is reachable over IPv4. Static trees
// describe other nodes and only need IPv4 endpoints among them.
func (s *Service) hasIPv4() bool {
	for _, ap := range s.staticNodes() {
		if ap.Addr().Is4() {
			return true
		}
	}
	if s.src == nil {
		return false
	}
	home := s.src.HomeNode()
	return home != nil && home.HostV4 != ""
}

// Stop cancels the schedule and waits for a running cycle. It is safe to call
// Stop multiple times.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// Republish triggers a publish cycle outside of the schedule.
func (s *Service) Republish() {
	select {
	case s.republish <- struct{}{}:
	default:
	}
}

// PublishOnce validates the configuration and builds and deploys one tree
// synchronously, without scheduling further cycles. It is meant for tools and
// must not be used together with Start.
func (s *Service) PublishOnce() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		if err := s.init(); err != nil {
			return err
		}
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
	}
	return s.publishCycle()
}

func (s *Service) loop(static bool) {
	defer s.wg.Done()

	var next <-chan time.Duration
	if static {
		s.publishCycle()
	} else {
		next = s.schedule(s.cfg.InitialDelay)
	}
	for {
		select {
		case <-next:
		case <-s.republish:
		case <-s.ctx.Done():
			return
		}
		s.publishCycle()
		if !static {
			// The delay counts from the end of the previous cycle.
			next = s.schedule(s.cfg.Interval)
		}
	}
}

func (s *Service) schedule(d time.Duration) <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.cfg.Clock.AfterFunc(d, func() { ch <- d })
	return ch
}

// publishCycle snapshots the peers, builds a tree and hands it to the provider.
// Failures are logged and do not affect later cycles.
func (s *Service) publishCycle() error {
	err := s.doPublish()
	if err != nil {
		s.log.Error("Failed to publish DNS tree", "err", err)
		cycleCounter.WithLabelValues("failure").Inc()
	} else {
		cycleCounter.WithLabelValues("success").Inc()
	}
	return err
}

func (s *Service) doPublish() error {
	var nodes []*dnsdisc.DnsNode
	for _, n := range s.snapshot() {
		dn, err := dnsdisc.NewDnsNode(n)
		if err != nil {
			s.log.Debug("Skipping node", "node", n, "err", err)
			continue
		}
		nodes = append(nodes, dn)
	}
	leaves := dnsdisc.Merge(nodes, s.cfg.MaxMergeSize)
	tree, err := dnsdisc.MakeTree(s.nextSeq(), leaves, s.cfg.KnownTreeURLs, s.key)
	if err != nil {
		return err
	}
	s.log.Info("Publishing DNS tree", "nodes", len(tree.DnsNodes()), "leaves", len(leaves), "seq", tree.Seq())
	return s.provider.Deploy(s.ctx, s.cfg.Domain, tree)
}

// nextSeq returns the tree sequence number: the unix time, strictly increasing.
func (s *Service) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := time.Now().Unix()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// snapshot returns the nodes to publish: the static nodes if configured,
// otherwise the connectable peers and the home node. Duplicates are removed.
func (s *Service) snapshot() []*enode.Node {
	var (
		seen  = mapset.NewThreadUnsafeSet[string]()
		nodes []*enode.Node
	)
	add := func(n *enode.Node) {
		if n != nil && seen.Add(n.Key()) {
			nodes = append(nodes, n)
		}
	}
	if static := s.staticNodes(); len(static) > 0 {
		for _, ap := range static {
			if ap.Addr().Is4() {
				add(enode.New(nil, ap.Addr().String(), "", int(ap.Port())))
			} else {
				add(enode.New(nil, "", ap.Addr().String(), int(ap.Port())))
			}
		}
		return nodes
	}
	if s.src == nil {
		return nil
	}
	for _, n := range s.src.ConnectableNodes() {
		add(n)
	}
	add(s.src.HomeNode())
	return nodes
}

func (s *Service) staticNodes() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.static
}

func (s *Service) setStaticNodes(nodes []netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.static = nodes
}
