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
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/connection"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc/publish"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/nodemesh/nodemesh/p2p/netutil"
)

// DefaultListenAddr is the TCP address a node listens on unless configured.
const DefaultListenAddr = ":18888"

// Config holds the settings of a Service.
type Config struct {
	// ListenAddr is the TCP address of the peer server.
	ListenAddr string

	// NodeID is the hex identifier of this node. A random one is used if empty.
	NodeID string `toml:",omitempty"`

	// ExternalIPv4 and ExternalIPv6 are the advertised addresses of this node.
	// Unset addresses are probed at startup unless DisableAddressProbe is set.
	ExternalIPv4        string `toml:",omitempty"`
	ExternalIPv6        string `toml:",omitempty"`
	DisableAddressProbe bool
	STUNServers         []string `toml:",omitempty"`

	// SeedNodes are "host:port" endpoints dialed at startup.
	SeedNodes []string `toml:",omitempty"`

	MaxConnections           int
	MaxConnectionsWithSameIP int

	// NetRestrict limits channels to the given CIDR networks.
	NetRestrict netutil.Netlist `toml:",omitempty"`

	NodeConnectionTimeout time.Duration
	ReadTimeout           time.Duration `toml:",omitempty"`
	PingInterval          time.Duration `toml:",omitempty"`
	PingTimeout           time.Duration `toml:",omitempty"`
	ReconnectInterval     time.Duration `toml:",omitempty"`

	Publish publish.Config

	// Handler receives the frames of all channels other than keepalive messages.
	Handler connection.Handler `toml:"-"`
	Clock   mclock.Clock       `toml:"-"`
	Logger  log.Logger         `toml:"-"`
}

// DefaultConfig contains the default node settings.
var DefaultConfig = Config{
	ListenAddr:               DefaultListenAddr,
	MaxConnections:           50,
	MaxConnectionsWithSameIP: 2,
	NodeConnectionTimeout:    connection.DefaultConnectionTimeout,
	Publish:                  publish.DefaultConfig,
}

// LoadConfig reads a TOML configuration file on top of DefaultConfig. Keys that
// don't correspond to a setting are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return cfg, fmt.Errorf("%s: unknown settings %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the settings needed to start the network layer. Publishing
// settings are checked by the publish service itself, a bad publish config only
// disables publishing.
func (cfg *Config) Validate() error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.ListenAddr, err)
	}
	if cfg.NodeID != "" {
		if _, err := enode.ParseID(cfg.NodeID); err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
	}
	if cfg.ExternalIPv4 != "" && !netutil.ValidIPv4(cfg.ExternalIPv4) {
		return fmt.Errorf("invalid external IPv4 address %q", cfg.ExternalIPv4)
	}
	if cfg.ExternalIPv6 != "" && !netutil.ValidIPv6(cfg.ExternalIPv6) {
		return fmt.Errorf("invalid external IPv6 address %q", cfg.ExternalIPv6)
	}
	for _, s := range cfg.SeedNodes {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return fmt.Errorf("invalid seed node %q: %w", s, err)
		}
	}
	if cfg.MaxConnections < 0 || cfg.MaxConnectionsWithSameIP < 0 {
		return errors.New("connection limits must not be negative")
	}
	if cfg.NodeConnectionTimeout < 0 {
		return errors.New("NodeConnectionTimeout must not be negative")
	}
	return nil
}
