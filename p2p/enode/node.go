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

// Package enode describes the peer records exchanged and published by the
// network layer.
package enode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// NodeIDLen is the length of a node identifier in bytes.
const NodeIDLen = 64

// Node represents a host on the network. The ID may be nil for records that were
// configured by address only.
type Node struct {
	ID     []byte
	HostV4 string
	HostV6 string
	Port   int
}

// New creates a node record.
func New(id []byte, hostV4, hostV6 string, port int) *Node {
	return &Node{ID: id, HostV4: hostV4, HostV6: hostV6, Port: port}
}

// HexID returns the node identifier as a hex string, or "" for nodes without one.
func (n *Node) HexID() string {
	if n.ID == nil {
		return ""
	}
	return hex.EncodeToString(n.ID)
}

// PreferHost returns the IPv4 host if present, else the IPv6 host.
func (n *Node) PreferHost() string {
	if n.HostV4 != "" {
		return n.HostV4
	}
	return n.HostV6
}

// PreferAddr returns the TCP endpoint a connection to n should be made to.
// It returns nil if the node has no usable host.
func (n *Node) PreferAddr() *net.TCPAddr {
	host := n.PreferHost()
	if host == "" {
		return nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(n.Port)))
}

// Key returns a stable identity for deduplication: the hex id when the node
// has one, otherwise its endpoints.
func (n *Node) Key() string {
	if len(n.ID) > 0 {
		return "id:" + hex.EncodeToString(n.ID)
	}
	return "ep:" + n.HostV4 + "|" + n.HostV6 + "|" + strconv.Itoa(n.Port)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var b strings.Builder
	if id := n.HexID(); id != "" {
		b.WriteString(TerminalID(n.ID))
		b.WriteByte('@')
	}
	switch {
	case n.HostV4 != "" && n.HostV6 != "":
		fmt.Fprintf(&b, "%s/[%s]:%d", n.HostV4, n.HostV6, n.Port)
	case n.HostV4 != "":
		fmt.Fprintf(&b, "%s:%d", n.HostV4, n.Port)
	default:
		fmt.Fprintf(&b, "[%s]:%d", n.HostV6, n.Port)
	}
	return b.String()
}

// TerminalID returns a shortened hex string of id for terminal logging.
func TerminalID(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return hex.EncodeToString(id)
}

// RandomID returns a random node identifier. It is used as the remote id hint for
// dials to nodes whose identity is not known yet.
func RandomID() []byte {
	id := make([]byte, NodeIDLen)
	if _, err := rand.Read(id); err != nil {
		panic("can't read random bytes: " + err.Error())
	}
	return id
}

// ParseID decodes a hex node identifier. The string may be prefixed with 0x.
func ParseID(in string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(in, "0x"))
	if err != nil {
		return nil, err
	} else if len(b) != NodeIDLen {
		return nil, fmt.Errorf("wrong length, want %d hex chars", NodeIDLen*2)
	}
	return b, nil
}
