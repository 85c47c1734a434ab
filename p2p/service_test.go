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

package p2p

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodemesh/nodemesh/p2p/dnsdisc/publish"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testServiceConfig() Config {
	cfg := DefaultConfig
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ExternalIPv4 = "127.0.0.1"
	cfg.DisableAddressProbe = true
	return cfg
}

func TestServiceConnect(t *testing.T) {
	a, err := New(testServiceConfig())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	cfg := testServiceConfig()
	cfg.SeedNodes = []string{a.ListenAddr().String()}
	b, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	require.Eventually(t, func() bool {
		return len(a.Manager().Channels()) == 1 && len(b.Manager().Channels()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	out := b.Manager().Channels()[0]
	assert.True(t, out.IsActive())
	assert.Equal(t, a.ListenAddr().String(), out.RemoteAddr().String())
	assert.False(t, a.Manager().Channels()[0].IsActive())

	// The seeded peer is part of the snapshot published to DNS.
	live := b.Manager().ConnectableNodes()
	require.Len(t, live, 1)
	assert.Equal(t, "127.0.0.1", live[0].HostV4)
	assert.Equal(t, a.ListenAddr().(*net.TCPAddr).Port, live[0].Port)

	b.Stop()
	require.Eventually(t, func() bool {
		return len(a.Manager().Channels()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceHomeNode(t *testing.T) {
	cfg := testServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ExternalIPv6 = "2001:db8::1"
	id := enode.RandomID()
	cfg.NodeID = enode.New(id, "", "", 0).HexID()

	s, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, s.HomeNode())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	home := s.HomeNode()
	assert.Equal(t, id, home.ID)
	assert.Equal(t, "127.0.0.1", home.HostV4)
	assert.Equal(t, "2001:db8::1", home.HostV6)
	assert.Equal(t, home, s.Manager().HomeNode())

	// Publishing is off by default.
	assert.NotNil(t, s.Publisher())
	assert.ErrorIs(t, s.Start(context.Background()), errServiceRunning)
}

func TestServiceStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := New(testServiceConfig())
	require.NoError(t, err)
	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), errServiceStopped)

	s, err = New(testServiceConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.NotNil(t, s.ListenAddr())
	s.Stop()
	s.Stop()
}

func TestServiceBadSeed(t *testing.T) {
	cfg := testServiceConfig()
	cfg.SeedNodes = []string{"1.2.3.4"}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	data := `
ListenAddr = ":19999"
ExternalIPv4 = "1.2.3.4"
SeedNodes = ["10.0.0.1:18888", "[2001:db8::1]:18888"]
NetRestrict = ["10.0.0.0/8"]
NodeConnectionTimeout = "3s"

[Publish]
Enable = true
Type = "cloudflare"
Domain = "nodes.example.org"
StaticNodes = ["1.2.3.4:18888"]
Interval = "30m"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":19999", cfg.ListenAddr)
	assert.Equal(t, "1.2.3.4", cfg.ExternalIPv4)
	assert.Len(t, cfg.SeedNodes, 2)
	assert.Len(t, cfg.NetRestrict, 1)
	assert.Equal(t, 3*time.Second, cfg.NodeConnectionTimeout)
	assert.Equal(t, DefaultConfig.MaxConnections, cfg.MaxConnections)

	assert.True(t, cfg.Publish.Enable)
	assert.Equal(t, publish.Cloudflare, cfg.Publish.Type)
	assert.Equal(t, "nodes.example.org", cfg.Publish.Domain)
	assert.Equal(t, []string{"1.2.3.4:18888"}, cfg.Publish.StaticNodes)
	assert.Equal(t, 30*time.Minute, cfg.Publish.Interval)
	assert.Equal(t, publish.DefaultInitialDelay, cfg.Publish.InitialDelay)
	assert.Equal(t, publish.DefaultChangeThreshold, cfg.Publish.ChangeThreshold)
}

func TestLoadConfigUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddr = \":1\"\nBogus = 1\n"), 0644))
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bogus")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"listen", func(c *Config) { c.ListenAddr = "18888" }},
		{"node id", func(c *Config) { c.NodeID = "abcd" }},
		{"ipv4", func(c *Config) { c.ExternalIPv4 = "256.1.1.1" }},
		{"ipv6", func(c *Config) { c.ExternalIPv6 = "1.2.3.4" }},
		{"limits", func(c *Config) { c.MaxConnections = -1 }},
		{"timeout", func(c *Config) { c.NodeConnectionTimeout = -time.Second }},
	}
	for _, test := range tests {
		cfg := DefaultConfig
		test.mod(&cfg)
		assert.Error(t, cfg.Validate(), test.name)
	}
	cfg := DefaultConfig
	assert.NoError(t, cfg.Validate())
}
