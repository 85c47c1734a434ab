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
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/nodemesh/nodemesh/p2p/enode"
)

// ipv4Pattern matches dotted quads. The first octet must be non-zero and no octet
// may carry a leading zero.
var ipv4Pattern = regexp.MustCompile(`^(1\d{2}|2[0-4]\d|25[0-5]|[1-9]\d|[1-9])` +
	`\.(1\d{2}|2[0-4]\d|25[0-5]|[1-9]\d|\d)` +
	`\.(1\d{2}|2[0-4]\d|25[0-5]|[1-9]\d|\d)` +
	`\.(1\d{2}|2[0-4]\d|25[0-5]|[1-9]\d|\d)$`)

// ValidIPv4 reports whether s is a textual IPv4 address.
func ValidIPv4(s string) bool {
	return s != "" && ipv4Pattern.MatchString(s)
}

// ValidIPv6 reports whether s is a textual IPv6 address. Surrounding whitespace and
// a zone suffix such as %eth0 are accepted.
func ValidIPv6(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		return false
	}
	ip, err := netip.ParseAddr(s)
	return err == nil && ip.Is6()
}

// ValidNode reports whether n can be dialed or published: its id has the expected
// length, at least one host is set and every host that is set is well formed.
func ValidNode(n *enode.Node) bool {
	switch {
	case n == nil || len(n.ID) != enode.NodeIDLen:
		return false
	case n.HostV4 == "" && n.HostV6 == "":
		return false
	case n.HostV4 != "" && !ValidIPv4(n.HostV4):
		return false
	case n.HostV6 != "" && !ValidIPv6(n.HostV6):
		return false
	}
	return true
}

// ParseInetSocketAddress parses an endpoint in the form ipv4:port or [ipv6]:port.
// Host names are resolved.
func ParseInetSocketAddress(s string) (*net.TCPAddr, error) {
	s = strings.TrimSpace(s)
	index := strings.LastIndexByte(s, ':')
	if index <= 0 {
		return nil, fmt.Errorf("invalid socket address %q, use ipv4:port or [ipv6]:port", s)
	}
	host, portStr := s[:index], s[index+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	} else if strings.Contains(host, ":") {
		return nil, fmt.Errorf("invalid socket address %q, use ipv4:port or [ipv6]:port", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))), nil
	}
	return net.ResolveTCPAddr("tcp", net.JoinHostPort(host, portStr))
}
