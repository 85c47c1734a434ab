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
	"net/netip"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetlist(t *testing.T) {
	l, err := ParseNetlist(" 10.0.0.0/8, ,192.168.0.0/16 ,")
	require.NoError(t, err)
	assert.Len(t, l, 2)
	assert.True(t, l.Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, l.Contains(netip.MustParseAddr("::ffff:192.168.5.5")))
	assert.False(t, l.Contains(netip.MustParseAddr("11.0.0.1")))

	_, err = ParseNetlist("10.0.0.0/33")
	assert.Error(t, err)

	var nilList Netlist
	assert.False(t, nilList.Contains(netip.MustParseAddr("10.0.0.1")))
}

func TestNetlistTOML(t *testing.T) {
	var cfg struct{ Restrict Netlist }
	_, err := toml.Decode(`Restrict = ["10.0.0.0/8", "2001:db8::/32"]`, &cfg)
	require.NoError(t, err)
	assert.True(t, cfg.Restrict.Contains(netip.MustParseAddr("2001:db8::7")))
}

func TestAddrClassification(t *testing.T) {
	assert.True(t, AddrIsLAN(netip.MustParseAddr("127.0.0.1")))
	assert.True(t, AddrIsLAN(netip.MustParseAddr("192.168.1.1")))
	assert.True(t, AddrIsLAN(netip.MustParseAddr("fe80::1")))
	assert.False(t, AddrIsLAN(netip.MustParseAddr("8.8.8.8")))

	assert.True(t, AddrIsSpecialNetwork(netip.MustParseAddr("192.0.2.1")))
	assert.True(t, AddrIsSpecialNetwork(netip.MustParseAddr("224.0.0.1")))
	assert.True(t, AddrIsSpecialNetwork(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, AddrIsSpecialNetwork(netip.MustParseAddr("8.8.8.8")))
}

func TestDistinctNetSet(t *testing.T) {
	set := DistinctNetSet{Subnet: 24, Subnet6: 64, Limit: 2}
	assert.True(t, set.Add(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, set.Add(netip.MustParseAddr("10.0.0.2")))
	assert.False(t, set.Add(netip.MustParseAddr("10.0.0.3")))
	assert.True(t, set.Add(netip.MustParseAddr("10.0.1.1")))
	assert.True(t, set.Add(netip.MustParseAddr("2001:db8::1")))
	assert.Equal(t, 4, set.Len())

	set.Remove(netip.MustParseAddr("10.0.0.9"))
	assert.True(t, set.Add(netip.MustParseAddr("10.0.0.3")))
	set.Remove(netip.MustParseAddr("192.168.0.1"))
	assert.Equal(t, "{10.0.0.0/24×2 10.0.1.0/24×1 2001:db8::/64×1}", set.String())
}
