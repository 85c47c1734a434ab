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

import "sort"

// DefaultMaxMergeSize is the default number of endpoints packed into one leaf.
const DefaultMaxMergeSize = 5

// Merge packs endpoints into leaves of at most max endpoints each and returns the
// encoded leaves. Endpoints are sorted first, and a new leaf is started whenever
// the first octet of the IPv4 address changes, so that neighbouring networks
// share leaves. Duplicate endpoints are published once.
func Merge(nodes []*DnsNode, max int) []string {
	if max < 1 {
		max = 1
	}
	sorted := make([]*DnsNode, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.Key()]; ok {
			continue
		}
		seen[n.Key()] = struct{}{}
		sorted = append(sorted, n)
	}
	sortDnsNodes(sorted)

	var (
		leaves   []string
		leaf     []*DnsNode
		networkA = -1
	)
	for _, n := range sorted {
		if len(leaf) > 0 && (n.networkA() != networkA || len(leaf) >= max) {
			leaves = append(leaves, b64format.EncodeToString(encodeDnsNodes(leaf)))
			leaf = leaf[:0]
		}
		leaf = append(leaf, n)
		networkA = n.networkA()
	}
	if len(leaf) > 0 {
		leaves = append(leaves, b64format.EncodeToString(encodeDnsNodes(leaf)))
	}
	return leaves
}

func sortDnsNodes(nodes []*DnsNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return compareDnsNodes(nodes[i], nodes[j]) < 0
	})
}
