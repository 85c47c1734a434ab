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
	"net"
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/nodemesh/nodemesh/log"
)

// InterfaceAddrs returns the addresses of all local network interfaces without
// zone or prefix length.
func InterfaceAddrs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap().WithZone("").String())
		}
	}
	return out, nil
}

// AllLocalAddresses returns the set of addresses bound to local interfaces.
func AllLocalAddresses() mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	addrs, err := InterfaceAddrs()
	if err != nil {
		log.Warn("Failed to list local addresses", "err", err)
		return set
	}
	for _, a := range addrs {
		set.Add(a)
	}
	return set
}

// OuterIPv6 returns the first IPv6 address in addrs that isn't unspecified,
// link-local, loopback or multicast. The zone is dropped. It returns "" if there
// is no such address.
func OuterIPv6(addrs []string) string {
	for _, s := range addrs {
		ip, err := netip.ParseAddr(s)
		if err != nil || !ip.Is6() || ip.Is4In6() || isReserved(ip) {
			continue
		}
		return ip.WithZone("").String()
	}
	return ""
}

func isReserved(ip netip.Addr) bool {
	return ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsLoopback() || ip.IsMulticast()
}
