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

package netutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nodemesh/nodemesh/log"
	"github.com/pion/stun"
	"golang.org/x/sync/errgroup"
)

// Family is an IP address family.
type Family string

const (
	IPv4 Family = "ipv4"
	IPv6 Family = "ipv6"
)

// Valid reports whether s is a textual address of family f.
func (f Family) Valid(s string) bool {
	if f == IPv6 {
		return ValidIPv6(s)
	}
	return ValidIPv4(s)
}

// Default lookup services. Each answers a plain GET with the caller's address on
// the first line of the body.
var (
	DefaultIPv4URLs = []string{
		"http://checkip.amazonaws.com",
		"https://ifconfig.me/ip",
		"https://4.ipw.cn",
	}
	DefaultIPv6URLs = []string{
		"https://v6.ident.me",
		"http://6.ipw.cn",
	}
)

const (
	sourceTimeout = 10 * time.Second
	maxLineLength = 256
)

var errFound = errors.New("address found")

// Source is a single way of learning the external address of this host.
type Source interface {
	Family() Family
	Name() string
	Fetch(ctx context.Context) (string, error)
}

// HTTPSource fetches the external address from a web service.
type HTTPSource struct {
	URL    string
	Fam    Family
	Client *http.Client // optional
}

func (s *HTTPSource) Family() Family { return s.Fam }
func (s *HTTPSource) Name() string   { return s.URL }

func (s *HTTPSource) Fetch(ctx context.Context) (string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	line, err := bufio.NewReader(io.LimitReader(resp.Body, maxLineLength)).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	ip := strings.TrimSpace(line)
	if ip == "" || !s.Fam.Valid(ip) {
		return "", fmt.Errorf("invalid address: %q", ip)
	}
	return ip, nil
}

// STUNSource learns the external address from the mapped address in a STUN binding
// response.
type STUNSource struct {
	Server string // host:port
	Fam    Family
}

func (s *STUNSource) Family() Family { return s.Fam }
func (s *STUNSource) Name() string   { return "stun://" + s.Server }

func (s *STUNSource) Fetch(ctx context.Context) (string, error) {
	network := "udp4"
	if s.Fam == IPv6 {
		network = "udp6"
	}
	conn, err := stun.Dial(network, s.Server)
	if err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		if stop() {
			conn.Close()
		}
	}()

	var (
		mapped  stun.XORMappedAddress
		respErr error
	)
	err = conn.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
		if ev.Error != nil {
			respErr = ev.Error
			return
		}
		respErr = mapped.GetFrom(ev.Message)
	})
	if err == nil {
		err = respErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	ip := mapped.IP.String()
	if !s.Fam.Valid(ip) {
		return "", fmt.Errorf("invalid address: %q", ip)
	}
	return ip, nil
}

// Prober resolves the external addresses of this host by racing several sources.
type Prober struct {
	IPv4 []Source
	IPv6 []Source

	// InterfaceAddrs lists local addresses for the IPv6 fallback. It defaults to
	// the addresses of all network interfaces.
	InterfaceAddrs func() ([]string, error)

	Log log.Logger
}

// NewProber creates a prober querying the default HTTP services.
func NewProber() *Prober {
	p := &Prober{Log: log.Root()}
	client := &http.Client{Timeout: sourceTimeout}
	for _, u := range DefaultIPv4URLs {
		p.IPv4 = append(p.IPv4, &HTTPSource{URL: u, Fam: IPv4, Client: client})
	}
	for _, u := range DefaultIPv6URLs {
		p.IPv6 = append(p.IPv6, &HTTPSource{URL: u, Fam: IPv6, Client: client})
	}
	return p
}

// ExternalIPv4 returns the external IPv4 address, or "" if no source answered.
func (p *Prober) ExternalIPv4(ctx context.Context) string {
	return p.ResolveExternal(ctx, p.IPv4)
}

// ExternalIPv6 returns the external IPv6 address. When no source answers, the
// first global IPv6 address of a local interface is used.
func (p *Prober) ExternalIPv6(ctx context.Context) string {
	if ip := p.ResolveExternal(ctx, p.IPv6); ip != "" {
		return ip
	}
	list := p.InterfaceAddrs
	if list == nil {
		list = InterfaceAddrs
	}
	addrs, err := list()
	if err != nil {
		p.logger().Warn("Failed to list interface addresses", "err", err)
		return ""
	}
	return OuterIPv6(addrs)
}

// ResolveExternal queries all sources concurrently and returns the first valid
// answer. Remaining queries are cancelled and ResolveExternal only returns after
// all of them have exited. If every source fails, the result is "".
func (p *Prober) ResolveExternal(ctx context.Context, sources []Source) string {
	var (
		once   sync.Once
		result string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			ip, err := src.Fetch(gctx)
			if err != nil {
				if gctx.Err() == nil {
					p.logger().Warn("Failed to get external address", "family", src.Family(), "source", src.Name(), "err", err)
				}
				return nil
			}
			once.Do(func() { result = ip })
			return errFound
		})
	}
	g.Wait()
	return result
}

func (p *Prober) logger() log.Logger {
	if p.Log == nil {
		return log.Root()
	}
	return p.Log
}
