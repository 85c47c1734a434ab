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

// Package netutil contains address validation, classification and discovery of
// the external address of this host.
package netutil

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

var special4, special6 Netlist

func init() {
	// https://www.iana.org/assignments/iana-ipv4-special-registry/
	special4.MustAdd("0.0.0.0/8")
	special4.MustAdd("192.0.0.0/29")
	special4.MustAdd("192.0.2.0/24")   // TEST-NET-1
	special4.MustAdd("192.88.99.0/24") // 6to4 relay anycast
	special4.MustAdd("198.18.0.0/15")  // benchmarking
	special4.MustAdd("198.51.100.0/24")
	special4.MustAdd("203.0.113.0/24")
	special4.MustAdd("255.255.255.255/32")

	// https://www.iana.org/assignments/iana-ipv6-special-registry/
	special6.MustAdd("100::/64")
	special6.MustAdd("2001::/32")
	special6.MustAdd("2001:2::/48")
	special6.MustAdd("2001:10::/28")
	special6.MustAdd("2001:20::/28")
	special6.MustAdd("2001:db8::/32")
	special6.MustAdd("2002::/16")
}

// Netlist is a list of IP networks. It is used to restrict the addresses peers may
// connect from and to.
type Netlist []netip.Prefix

// ParseNetlist parses a comma-separated list of CIDR masks. Whitespace and empty
// elements are ignored.
func ParseNetlist(s string) (Netlist, error) {
	var l Netlist
	for _, mask := range strings.Split(s, ",") {
		mask = strings.TrimSpace(mask)
		if mask == "" {
			continue
		}
		if err := l.Add(mask); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add parses a CIDR mask and appends it to the list.
func (l *Netlist) Add(cidr string) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("invalid network %q: %w", cidr, err)
	}
	*l = append(*l, prefix.Masked())
	return nil
}

// MustAdd is like Add, but panics for invalid masks.
func (l *Netlist) MustAdd(cidr string) {
	if err := l.Add(cidr); err != nil {
		panic(err)
	}
}

// UnmarshalTOML reads the list from a TOML array of CIDR strings.
func (l *Netlist) UnmarshalTOML(v interface{}) error {
	items, ok := v.([]interface{})
	if !ok {
		return fmt.Errorf("netlist must be an array, got %T", v)
	}
	*l = (*l)[:0]
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return fmt.Errorf("netlist entry must be a string, got %T", item)
		}
		if err := l.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether ip is in one of the networks. A nil list contains
// nothing.
func (l Netlist) Contains(ip netip.Addr) bool {
	ip = ip.Unmap().WithZone("")
	for _, prefix := range l {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// AddrIsLAN reports whether an IP is a local network address.
func AddrIsLAN(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// AddrIsSpecialNetwork reports whether an IP is located in a special-use network
// range. This includes broadcast, multicast and documentation addresses.
func AddrIsSpecialNetwork(ip netip.Addr) bool {
	ip = ip.Unmap()
	switch {
	case ip.IsMulticast():
		return true
	case ip.Is4():
		return special4.Contains(ip)
	default:
		return special6.Contains(ip)
	}
}

// DistinctNetSet tracks IPs, ensuring that at most Limit of them fall into the
// same network of Subnet prefix bits. IPv6 addresses use Subnet6 bits.
type DistinctNetSet struct {
	Subnet  int
	Subnet6 int
	Limit   uint

	members map[netip.Prefix]uint
}

// Add adds ip to the set. It returns false (and doesn't add the IP) if its network
// is already full.
func (s *DistinctNetSet) Add(ip netip.Addr) bool {
	key := s.key(ip)
	if s.members[key] >= s.Limit {
		return false
	}
	s.members[key]++
	return true
}

// Remove removes ip from the set.
func (s *DistinctNetSet) Remove(ip netip.Addr) {
	key := s.key(ip)
	switch n := s.members[key]; n {
	case 0:
	case 1:
		delete(s.members, key)
	default:
		s.members[key] = n - 1
	}
}

// Len returns the number of tracked IPs.
func (s *DistinctNetSet) Len() int {
	n := uint(0)
	for _, c := range s.members {
		n += c
	}
	return int(n)
}

func (s *DistinctNetSet) key(ip netip.Addr) netip.Prefix {
	if s.members == nil {
		s.members = make(map[netip.Prefix]uint)
	}
	ip = ip.Unmap().WithZone("")
	bits := s.Subnet
	if ip.Is6() {
		bits = s.Subnet6
	}
	p, err := ip.Prefix(bits)
	if err != nil {
		panic(err)
	}
	return p
}

// String implements fmt.Stringer.
func (s *DistinctNetSet) String() string {
	keys := make([]string, 0, len(s.members))
	counts := make(map[string]uint, len(s.members))
	for k, n := range s.members {
		keys = append(keys, k.String())
		counts[k.String()] = n
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s×%d", k, counts[k])
	}
	b.WriteByte('}')
	return b.String()
}
