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

package dnsdisc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nodemesh/nodemesh/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Client downloads trees by querying DNS servers.
type Client struct {
	cfg          Config
	entries      *lru.Cache
	ratelimit    *rate.Limiter
	singleflight singleflight.Group
}

// Config holds configuration options for the client.
type Config struct {
	Timeout    time.Duration // timeout used for DNS lookups (default 5s)
	CacheLimit int           // maximum number of cached records (default 1000)
	RateLimit  float64       // maximum DNS requests / second (default 3)
	Resolver   Resolver      // the DNS resolver to use (defaults to system DNS)
	Logger     log.Logger    // destination of client log messages (defaults to root logger)
}

func (cfg Config) withDefaults() Config {
	const (
		defaultTimeout   = 5 * time.Second
		defaultRateLimit = 3
		defaultCache     = 1000
	)
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheLimit == 0 {
		cfg.CacheLimit = defaultCache
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Resolver == nil {
		cfg.Resolver = new(net.Resolver)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return cfg
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	cache, err := lru.New(cfg.CacheLimit)
	if err != nil {
		panic(err)
	}
	return &Client{
		cfg:       cfg,
		entries:   cache,
		ratelimit: rate.NewLimiter(rate.Limit(cfg.RateLimit), 10),
	}
}

// SyncTree downloads the entire tree at the given URL. The root signature is
// verified against the public key contained in the URL.
func (c *Client) SyncTree(ctx context.Context, url string) (*Tree, error) {
	le, err := parseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid tree URL: %v", err)
	}
	root, err := c.resolveRoot(ctx, le)
	if err != nil {
		return nil, err
	}
	t := &Tree{root: &root, entries: make(map[string]entry)}
	if err := c.syncSubtree(ctx, le.domain, root.eroot, false, t.entries); err != nil {
		return nil, err
	}
	if err := c.syncSubtree(ctx, le.domain, root.lroot, true, t.entries); err != nil {
		return nil, err
	}
	return t, nil
}

// syncSubtree fetches all entries below hash into dst.
func (c *Client) syncSubtree(ctx context.Context, domain, hash string, links bool, dst map[string]entry) error {
	missing := []string{hash}
	for len(missing) > 0 {
		hash, missing = missing[0], missing[1:]
		if _, ok := dst[hash]; ok {
			continue
		}
		e, err := c.resolveEntry(ctx, domain, hash)
		if err != nil {
			return err
		}
		dst[hash] = e
		switch e := e.(type) {
		case *branchEntry:
			missing = append(missing, e.children...)
		case *linkEntry:
			if !links {
				return nameError{hash + "." + domain, errLinkInNodesTree}
			}
		case *nodesEntry:
			if links {
				return nameError{hash + "." + domain, errNodesInLinkTree}
			}
		}
	}
	return nil
}

// resolveRoot retrieves a root entry via DNS.
func (c *Client) resolveRoot(ctx context.Context, loc *linkEntry) (rootEntry, error) {
	e, err, _ := c.singleflight.Do(loc.str, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		txts, err := c.cfg.Resolver.LookupTXT(ctx, loc.domain)
		c.cfg.Logger.Trace("Resolving DNS discovery root", "tree", loc.domain, "err", err)
		if err != nil {
			return rootEntry{}, err
		}
		for _, txt := range txts {
			if strings.HasPrefix(txt, rootPrefix) {
				return parseAndVerifyRoot(txt, loc)
			}
		}
		return rootEntry{}, nameError{loc.domain, errNoRoot}
	})
	return e.(rootEntry), err
}

func parseAndVerifyRoot(txt string, loc *linkEntry) (rootEntry, error) {
	e, err := parseRoot(txt)
	if err != nil {
		return e, err
	}
	if !e.verifySignature(loc.pubkey) {
		return e, entryError{typ: "root", err: errInvalidSig}
	}
	return e, nil
}

// resolveEntry retrieves an entry from the cache or fetches it from the network
// if it isn't cached.
func (c *Client) resolveEntry(ctx context.Context, domain, hash string) (entry, error) {
	if err := c.ratelimit.Wait(ctx); err != nil {
		return nil, err
	}
	cacheKey := hash + "." + domain
	if e, ok := c.entries.Get(cacheKey); ok {
		return e.(entry), nil
	}
	ei, err, _ := c.singleflight.Do(cacheKey, func() (interface{}, error) {
		e, err := c.doResolveEntry(ctx, domain, hash)
		if err != nil {
			return nil, err
		}
		c.entries.Add(cacheKey, e)
		return e, nil
	})
	e, _ := ei.(entry)
	return e, err
}

// doResolveEntry fetches an entry via DNS.
func (c *Client) doResolveEntry(ctx context.Context, domain, hash string) (entry, error) {
	wantHash, err := b32format.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid base32 hash")
	}
	name := hash + "." + domain
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	txts, err := c.cfg.Resolver.LookupTXT(ctx, name)
	c.cfg.Logger.Trace("DNS discovery lookup", "name", name, "err", err)
	if err != nil {
		return nil, err
	}
	for _, txt := range txts {
		e, err := parseEntry(txt)
		if err == errUnknownEntry {
			continue
		}
		if !bytes.HasPrefix(keccak256([]byte(txt)), wantHash) {
			err = nameError{name, errHashMismatch}
		} else if err != nil {
			err = nameError{name, err}
		}
		return e, err
	}
	return nil, nameError{name, errNoEntry}
}
