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

package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeProvider struct {
	mu         sync.Mutex
	connectErr error
	deployErrs []error // returned by consecutive Deploy calls
	deployed   chan *dnsdisc.Tree
	domains    []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{deployed: make(chan *dnsdisc.Tree, 16)}
}

func (p *fakeProvider) TestConnect(ctx context.Context) error {
	return p.connectErr
}

func (p *fakeProvider) Deploy(ctx context.Context, domain string, t *dnsdisc.Tree) error {
	p.mu.Lock()
	var err error
	if len(p.deployErrs) > 0 {
		err, p.deployErrs = p.deployErrs[0], p.deployErrs[1:]
	}
	p.domains = append(p.domains, domain)
	p.mu.Unlock()
	p.deployed <- t
	return err
}

func (p *fakeProvider) wait(t *testing.T) *dnsdisc.Tree {
	t.Helper()
	select {
	case tree := <-p.deployed:
		return tree
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deploy")
		return nil
	}
}

func (p *fakeProvider) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case <-p.deployed:
		t.Fatal("unexpected deploy")
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSource struct {
	nodes []*enode.Node
	home  *enode.Node
}

func (s *fakeSource) ConnectableNodes() []*enode.Node { return s.nodes }
func (s *fakeSource) HomeNode() *enode.Node           { return s.home }

func testConfig(p Provider) Config {
	return Config{
		Enable:          true,
		Type:            Route53,
		Domain:          testDomain,
		DNSPrivate:      testKeyHex(),
		ChangeThreshold: 0.1,
		Provider:        p,
	}
}

func dnsNodeKeys(nodes []*dnsdisc.DnsNode) []string {
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Key()
	}
	return keys
}

func TestServiceStaticSingleNode(t *testing.T) {
	p := newFakeProvider()
	cfg := testConfig(p)
	cfg.StaticNodes = []string{"1.2.3.4:18888"}

	s := New(cfg, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	tree := p.wait(t)
	assert.Equal(t, []*dnsdisc.DnsNode{{HostV4: "1.2.3.4", Port: 18888}}, tree.DnsNodes())
	assert.Equal(t, []string{testDomain}, p.domains)
	p.assertIdle(t)
}

func TestServiceStaticDedup(t *testing.T) {
	p := newFakeProvider()
	cfg := testConfig(p)
	cfg.StaticNodes = []string{"1.2.3.4:1", "[2001:db8::1]:2", "1.2.3.4:1", "[::ffff:5.6.7.8]:3"}

	s := New(cfg, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	tree := p.wait(t)
	assert.Equal(t, []string{"1.2.3.4||1", "5.6.7.8||3", "|2001:db8::1|2"}, dnsNodeKeys(tree.DnsNodes()))

	s.Republish()
	tree = p.wait(t)
	assert.Len(t, tree.DnsNodes(), 3)
}

func TestServiceSchedule(t *testing.T) {
	var (
		p     = newFakeProvider()
		clock = new(mclock.Simulated)
		cfg   = testConfig(p)
		home  = enode.New(enode.RandomID(), "9.9.9.9", "", 18888)
		src   = &fakeSource{home: home, nodes: []*enode.Node{
			enode.New(enode.RandomID(), "1.1.1.1", "", 18888),
			enode.New(enode.RandomID(), "", "2001:db8::1", 18888),
			enode.New(enode.RandomID(), "", "", 18888), // no host, skipped
			home,
		}}
	)
	p.deployErrs = []error{errors.New("provider down")}
	cfg.Clock = clock

	s := New(cfg, src)
	require.NoError(t, s.Start())
	defer s.Stop()

	clock.WaitForTimers(1)
	clock.Run(DefaultInitialDelay - time.Second)
	p.assertIdle(t)
	clock.Run(time.Second)
	p.wait(t) // fails

	// A failed cycle doesn't stop the schedule.
	clock.WaitForTimers(1)
	clock.Run(DefaultInterval)
	tree := p.wait(t)
	assert.Equal(t, []string{"1.1.1.1||18888", "9.9.9.9||18888", "|2001:db8::1|18888"}, dnsNodeKeys(tree.DnsNodes()))

	clock.WaitForTimers(1)
	clock.Run(DefaultInterval)
	next := p.wait(t)
	assert.Greater(t, next.Seq(), tree.Seq())
}

func TestServiceStartFailures(t *testing.T) {
	src := &fakeSource{home: enode.New(nil, "9.9.9.9", "", 1)}
	tests := []struct {
		name   string
		modify func(*Config)
		src    NodeSource
		err    error
	}{
		{name: "no ipv4", modify: func(c *Config) {}, src: &fakeSource{home: enode.New(nil, "", "::1", 1)}, err: errNoIPv4},
		{name: "no type", modify: func(c *Config) { c.Type = "" }, err: errNoType},
		{name: "bad type", modify: func(c *Config) { c.Type = "aliyun" }},
		{name: "no domain", modify: func(c *Config) { c.Domain = "" }, err: errNoDomain},
		{name: "no key", modify: func(c *Config) { c.DNSPrivate = "" }, err: errNoKey},
		{name: "bad key", modify: func(c *Config) { c.DNSPrivate = "abcd" }},
		{name: "route53 creds", modify: func(c *Config) { c.Provider = nil }, err: errRoute53Creds},
		{name: "cloudflare creds", modify: func(c *Config) { c.Provider = nil; c.Type = Cloudflare }, err: errCloudflareCred},
		{name: "static hostname", modify: func(c *Config) { c.StaticNodes = []string{"example.org:1"} }},
		{name: "bad tree url", modify: func(c *Config) { c.KnownTreeURLs = []string{"tree://nope"} }},
		{name: "bad threshold", modify: func(c *Config) { c.ChangeThreshold = 2 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := newFakeProvider()
			cfg := testConfig(p)
			test.modify(&cfg)
			if test.src == nil {
				test.src = src
			}
			s := New(cfg, test.src)
			err := s.Start()
			if test.err != nil {
				assert.Equal(t, test.err, err)
			} else {
				assert.Error(t, err)
			}
			s.Stop()
			p.assertIdle(t)
		})
	}
}

func TestServiceDisabled(t *testing.T) {
	p := newFakeProvider()
	cfg := testConfig(p)
	cfg.Enable = false
	s := New(cfg, &fakeSource{})
	assert.NoError(t, s.Start())
	assert.Error(t, s.PublishOnce())
	s.Stop()
	p.assertIdle(t)
}

func TestServiceConnectFailure(t *testing.T) {
	p := newFakeProvider()
	p.connectErr = errors.New("bad credentials")
	cfg := testConfig(p)
	cfg.StaticNodes = []string{"1.2.3.4:18888"}
	s := New(cfg, nil)
	assert.Equal(t, p.connectErr, s.Start())
	s.Stop()
	p.assertIdle(t)
}

func TestServiceStopIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(newFakeProvider())
	cfg.Clock = new(mclock.Simulated)
	s := New(cfg, &fakeSource{home: enode.New(nil, "9.9.9.9", "", 1)})
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestServiceStaticNodesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "static.toml")
	require.NoError(t, os.WriteFile(file, []byte(`StaticNodes = ["1.2.3.4:1"]`), 0644))

	p := newFakeProvider()
	cfg := testConfig(p)
	cfg.StaticNodesFile = file
	s := New(cfg, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	tree := p.wait(t)
	assert.Equal(t, []string{"1.2.3.4||1"}, dnsNodeKeys(tree.DnsNodes()))

	require.NoError(t, os.WriteFile(file, []byte(`StaticNodes = ["1.2.3.4:1", "5.6.7.8:2"]`), 0644))
	tree = p.wait(t)
	assert.Equal(t, []string{"1.2.3.4||1", "5.6.7.8||2"}, dnsNodeKeys(tree.DnsNodes()))
}

func TestServicePublishOnce(t *testing.T) {
	p := newFakeProvider()
	cfg := testConfig(p)
	cfg.StaticNodes = []string{"1.2.3.4:18888", "1.2.3.5:18888"}
	s := New(cfg, nil)
	defer s.Stop()

	require.NoError(t, s.PublishOnce())
	assert.Len(t, p.wait(t).DnsNodes(), 2)
	p.assertIdle(t)

	p.deployErrs = []error{errors.New("boom")}
	assert.Error(t, s.PublishOnce())
}
