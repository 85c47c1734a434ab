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
	"errors"
	"fmt"

	"github.com/nodemesh/nodemesh/p2p/netutil"
	"github.com/urfave/cli/v2"
)

var (
	externalIPCommand = &cli.Command{
		Name:   "externalip",
		Usage:  "Print the external address of this host",
		Action: externalIP,
		Flags:  []cli.Flag{ipv6Flag, stunFlag},
	}
	ipv6Flag = &cli.BoolFlag{
		Name:  "ipv6",
		Usage: "Probe the IPv6 address instead of IPv4",
	}
	stunFlag = &cli.StringSliceFlag{
		Name:  "stun",
		Usage: "Additional STUN server (host:port) to query",
	}
)

func externalIP(ctx *cli.Context) error {
	fam := netutil.IPv4
	if ctx.Bool(ipv6Flag.Name) {
		fam = netutil.IPv6
	}
	p := netutil.NewProber()
	for _, server := range ctx.StringSlice(stunFlag.Name) {
		src := &netutil.STUNSource{Server: server, Fam: fam}
		if fam == netutil.IPv6 {
			p.IPv6 = append(p.IPv6, src)
		} else {
			p.IPv4 = append(p.IPv4, src)
		}
	}

	var ip string
	if fam == netutil.IPv6 {
		ip = p.ExternalIPv6(runContext(ctx))
	} else {
		ip = p.ExternalIPv4(runContext(ctx))
	}
	if ip == "" {
		return errors.New("no address source answered")
	}
	fmt.Fprintln(ctx.App.Writer, ip)
	return nil
}
