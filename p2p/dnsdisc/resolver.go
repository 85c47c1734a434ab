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
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Resolver is a DNS resolver that can query TXT records.
type Resolver interface {
	LookupTXT(ctx context.Context, domain string) ([]string, error)
}

// ServerResolver queries TXT records from a fixed DNS server, bypassing the
// system resolver and its caches. This is useful to check a freshly published
// tree against the authoritative name server.
type ServerResolver struct {
	Server string // host:port, port defaults to 53
	Client *dns.Client
}

// NewServerResolver creates a resolver for the given server address.
func NewServerResolver(server string) *ServerResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &ServerResolver{Server: server, Client: new(dns.Client)}
}

// LookupTXT implements Resolver. Character strings of one record are joined.
func (r *ServerResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeTXT)
	m.RecursionDesired = true

	resp, _, err := r.Client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcp := *r.Client
		tcp.Net = "tcp"
		if resp, _, err = tcp.ExchangeContext(ctx, m, r.Server); err != nil {
			return nil, err
		}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup %s: %s", domain, dns.RcodeToString[resp.Rcode])
	}
	var txts []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	return txts, nil
}
