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
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/nodemesh/nodemesh/p2p/enode"
	"google.golang.org/protobuf/encoding/protowire"
)

// DnsNode is a published endpoint. Node ids are not published.
type DnsNode struct {
	HostV4 string
	HostV6 string
	Port   int
}

// NewDnsNode converts a node record. It fails for records without a host.
func NewDnsNode(n *enode.Node) (*DnsNode, error) {
	if n.HostV4 == "" && n.HostV6 == "" {
		return nil, errNoHost
	}
	return &DnsNode{HostV4: n.HostV4, HostV6: n.HostV6, Port: n.Port}, nil
}

// Key identifies the endpoint.
func (n *DnsNode) Key() string {
	return n.HostV4 + "|" + n.HostV6 + "|" + strconv.Itoa(n.Port)
}

// Node converts n to a node record without id.
func (n *DnsNode) Node() *enode.Node {
	return enode.New(nil, n.HostV4, n.HostV6, n.Port)
}

func (n *DnsNode) String() string {
	return n.Node().String()
}

// networkA returns the first octet of the IPv4 host, or -1.
func (n *DnsNode) networkA() int {
	if n.HostV4 == "" {
		return -1
	}
	ip, err := netip.ParseAddr(n.HostV4)
	if err != nil || !ip.Is4() {
		return -1
	}
	return int(ip.As4()[0])
}

// compareDnsNodes orders nodes by IPv4 address, then IPv6 address, then port.
// Nodes without IPv4 host sort last.
func compareDnsNodes(a, b *DnsNode) int {
	if c := compareHosts(a.HostV4, b.HostV4); c != 0 {
		return c
	}
	if c := compareHosts(a.HostV6, b.HostV6); c != 0 {
		return c
	}
	return a.Port - b.Port
}

func compareHosts(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	ipa, erra := netip.ParseAddr(a)
	ipb, errb := netip.ParseAddr(b)
	if erra == nil && errb == nil {
		return ipa.Compare(ipb)
	}
	return strings.Compare(a, b)
}

// Protobuf field numbers of the endpoint list encoding.
const (
	fieldEndpoints   protowire.Number = 1
	fieldAddress     protowire.Number = 1
	fieldPort        protowire.Number = 2
	fieldAddressIPv6 protowire.Number = 4
)

// encodeDnsNodes encodes a node list as a protobuf EndPoints message.
func encodeDnsNodes(nodes []*DnsNode) []byte {
	var b []byte
	for _, n := range nodes {
		var ep []byte
		if n.HostV4 != "" {
			ep = protowire.AppendTag(ep, fieldAddress, protowire.BytesType)
			ep = protowire.AppendString(ep, n.HostV4)
		}
		ep = protowire.AppendTag(ep, fieldPort, protowire.VarintType)
		ep = protowire.AppendVarint(ep, uint64(n.Port))
		if n.HostV6 != "" {
			ep = protowire.AppendTag(ep, fieldAddressIPv6, protowire.BytesType)
			ep = protowire.AppendString(ep, n.HostV6)
		}
		b = protowire.AppendTag(b, fieldEndpoints, protowire.BytesType)
		b = protowire.AppendBytes(b, ep)
	}
	return b
}

// decodeDnsNodes decodes a protobuf EndPoints message.
func decodeDnsNodes(b []byte) ([]*DnsNode, error) {
	var nodes []*DnsNode
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldEndpoints || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		ep, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		node, err := decodeEndpoint(ep)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func decodeEndpoint(b []byte) (*DnsNode, error) {
	node := new(DnsNode)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldAddress && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			node.HostV4, b = string(v), b[n:]
		case num == fieldAddressIPv6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			node.HostV6, b = string(v), b[n:]
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if v > 65535 {
				return nil, fmt.Errorf("port %d out of range", v)
			}
			node.Port, b = int(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if node.HostV4 == "" && node.HostV6 == "" {
		return nil, errNoHost
	}
	if node.HostV4 != "" && net.ParseIP(node.HostV4) == nil {
		return nil, fmt.Errorf("invalid IPv4 host %q", node.HostV4)
	}
	return node, nil
}
