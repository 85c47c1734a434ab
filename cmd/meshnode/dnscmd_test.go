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

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app.Writer = &out
	defer func() { app.Writer = os.Stdout }()
	require.NoError(t, app.Run(append([]string{"meshnode", "--verbosity", "1"}, args...)))
	return out.String()
}

func TestDNSToTXT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	config := `
[Publish]
Type = "route53"
Domain = "nodes.example.org"
StaticNodes = ["1.2.3.4:18888", "5.6.7.8:18888"]
DNSPrivate = "` + testKeyHex + `"
`
	require.NoError(t, os.WriteFile(path, []byte(config), 0644))

	out := runApp(t, "dns", "to-txt", "--config", path)
	var records map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Contains(t, records, "nodes.example.org")
	assert.True(t, strings.HasPrefix(records["nodes.example.org"], "tree-root-v1:"))

	var hosts []string
	for _, n := range dnsdisc.DnsNodesFromTXT(records) {
		hosts = append(hosts, n.HostV4)
	}
	assert.ElementsMatch(t, []string{"1.2.3.4", "5.6.7.8"}, hosts)
}

func TestDNSKeygen(t *testing.T) {
	out := runApp(t, "dns", "keygen", "--domain", "nodes.example.org")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Len(t, strings.TrimPrefix(lines[0], "key: "), 64)

	url := strings.TrimPrefix(lines[1], "url: ")
	domain, _, err := dnsdisc.ParseURL(url)
	require.NoError(t, err)
	assert.Equal(t, "nodes.example.org", domain)
}
