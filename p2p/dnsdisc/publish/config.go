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
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nodemesh/nodemesh/common/mclock"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
)

// ProviderType selects the DNS hosting service.
type ProviderType string

const (
	Route53    ProviderType = "route53"
	Cloudflare ProviderType = "cloudflare"
)

// Default scheduling and tree parameters.
const (
	DefaultInitialDelay    = 5 * time.Minute
	DefaultInterval        = time.Hour
	DefaultChangeThreshold = 0.1
)

// Config holds the DNS publishing settings.
type Config struct {
	Enable bool
	Type   ProviderType
	Domain string

	// Credentials. Route53 needs the access key pair and region, the zone id is
	// looked up from the domain when empty. Cloudflare needs the API token.
	AccessKeyID      string `toml:",omitempty"`
	AccessKeySecret  string `toml:",omitempty"`
	AWSRegion        string `toml:",omitempty"`
	AWSHostedZoneID  string `toml:",omitempty"`
	CloudflareToken  string `toml:",omitempty"`
	CloudflareZoneID string `toml:",omitempty"`

	// ChangeThreshold is the minimum ratio of changed nodes versus the published
	// tree for a deploy to be submitted.
	ChangeThreshold float64

	// StaticNodes are "ip:port" endpoints published instead of the live peer set.
	// StaticNodesFile names a TOML file with a StaticNodes list. It is watched and
	// the tree is republished when it changes.
	StaticNodes     []string `toml:",omitempty"`
	StaticNodesFile string   `toml:",omitempty"`

	KnownTreeURLs []string `toml:",omitempty"`
	DNSPrivate    string   `toml:",omitempty"` // hex secp256k1 key signing the tree
	MaxMergeSize  int

	InitialDelay time.Duration `toml:",omitempty"`
	Interval     time.Duration `toml:",omitempty"`

	Provider Provider     `toml:"-"` // overrides the provider built from the credentials
	Clock    mclock.Clock `toml:"-"`
	Logger   log.Logger   `toml:"-"`
}

// DefaultConfig contains the default publishing settings. Publishing is off.
var DefaultConfig = Config{
	Type:            Route53,
	ChangeThreshold: DefaultChangeThreshold,
	MaxMergeSize:    dnsdisc.DefaultMaxMergeSize,
	InitialDelay:    DefaultInitialDelay,
	Interval:        DefaultInterval,
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxMergeSize <= 0 {
		cfg.MaxMergeSize = dnsdisc.DefaultMaxMergeSize
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

var (
	errDisabled       = errors.New("DNS publishing is disabled")
	errNoIPv4         = errors.New("must have IPv4 connection to publish DNS tree")
	errNoType         = errors.New("DNS provider type must be specified")
	errNoDomain       = errors.New("DNS domain must be specified")
	errRoute53Creds   = errors.New("Route53 access key id, secret and region must be specified")
	errCloudflareCred = errors.New("Cloudflare API token must be specified")
	errNoKey          = errors.New("DNS tree signing key must be specified")
)

// checkConfig validates the settings needed to publish.
func checkConfig(cfg *Config, hasIPv4 bool) error {
	if !cfg.Enable {
		return errDisabled
	}
	if !hasIPv4 {
		return errNoIPv4
	}
	switch cfg.Type {
	case "":
		return errNoType
	case Route53, Cloudflare:
	default:
		return fmt.Errorf("unknown DNS provider type %q", cfg.Type)
	}
	if cfg.Domain == "" {
		return errNoDomain
	}
	if cfg.Provider == nil {
		switch {
		case cfg.Type == Route53 && (cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.AWSRegion == ""):
			return errRoute53Creds
		case cfg.Type == Cloudflare && cfg.CloudflareToken == "":
			return errCloudflareCred
		}
	}
	if cfg.DNSPrivate == "" {
		return errNoKey
	}
	if _, err := parseKey(cfg.DNSPrivate); err != nil {
		return err
	}
	if _, err := parseStaticNodes(cfg.StaticNodes); err != nil {
		return err
	}
	for _, url := range cfg.KnownTreeURLs {
		if _, _, err := dnsdisc.ParseURL(url); err != nil {
			return fmt.Errorf("invalid known tree URL %q: %v", url, err)
		}
	}
	if cfg.ChangeThreshold < 0 || cfg.ChangeThreshold > 1 {
		return fmt.Errorf("change threshold %v out of range [0, 1]", cfg.ChangeThreshold)
	}
	return nil
}

// parseKey decodes a hex secp256k1 private key.
func parseKey(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid DNS tree signing key")
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return key, nil
}

// parseStaticNodes parses "ip:port" endpoints. Host names are rejected.
func parseStaticNodes(nodes []string) ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(nodes))
	for _, n := range nodes {
		ap, err := netip.ParseAddrPort(n)
		if err != nil {
			return nil, fmt.Errorf("invalid static node %q: %v", n, err)
		}
		addrs = append(addrs, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	}
	return addrs, nil
}

// staticNodesFile is the layout of the watched static node file.
type staticNodesFile struct {
	StaticNodes []string
}

func loadStaticNodesFile(path string) ([]netip.AddrPort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f staticNodesFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return parseStaticNodes(f.StaticNodes)
}
