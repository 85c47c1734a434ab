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
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nodemesh/nodemesh/p2p"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc/publish"
	"github.com/nodemesh/nodemesh/p2p/enode"
	"github.com/urfave/cli/v2"
)

var (
	dnsCommand = &cli.Command{
		Name:  "dns",
		Usage: "DNS Discovery Commands",
		Subcommands: []*cli.Command{
			dnsPublishCommand,
			dnsTXTCommand,
			dnsSyncCommand,
			dnsKeygenCommand,
		},
	}
	dnsPublishCommand = &cli.Command{
		Name:   "publish",
		Usage:  "Build the tree of the configured static nodes and deploy it once",
		Action: dnsPublish,
		Flags:  []cli.Flag{configFlag},
	}
	dnsTXTCommand = &cli.Command{
		Name:   "to-txt",
		Usage:  "Print the TXT records of the tree that would be published",
		Action: dnsToTXT,
		Flags:  []cli.Flag{configFlag},
	}
	dnsSyncCommand = &cli.Command{
		Name:      "sync",
		Usage:     "Download a DNS discovery tree",
		ArgsUsage: "<url>",
		Action:    dnsSync,
		Flags:     []cli.Flag{dnsTimeoutFlag, dnsServerFlag},
	}
	dnsKeygenCommand = &cli.Command{
		Name:   "keygen",
		Usage:  "Generate a tree signing key",
		Action: dnsKeygen,
		Flags:  []cli.Flag{dnsDomainFlag},
	}
)

var (
	dnsTimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Timeout for DNS lookups",
	}
	dnsServerFlag = &cli.StringFlag{
		Name:  "server",
		Usage: "Query this DNS server (host[:port]) instead of the system resolver",
	}
	dnsDomainFlag = &cli.StringFlag{
		Name:  "domain",
		Usage: "Domain name of the tree",
	}
)

// configNodeSource provides the node record described by the configuration file
// to publishing commands run outside of a node.
type configNodeSource struct {
	home *enode.Node
}

func newConfigNodeSource(cfg *p2p.Config) *configNodeSource {
	_, portStr, _ := net.SplitHostPort(cfg.ListenAddr)
	port, _ := strconv.Atoi(portStr)
	return &configNodeSource{home: enode.New(nil, cfg.ExternalIPv4, cfg.ExternalIPv6, port)}
}

func (s *configNodeSource) ConnectableNodes() []*enode.Node { return nil }

func (s *configNodeSource) HomeNode() *enode.Node {
	if s.home.PreferAddr() == nil {
		return nil
	}
	return s.home
}

// dnsPublish performs dnsPublishCommand.
func dnsPublish(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc := publish.New(cfg.Publish, newConfigNodeSource(&cfg))
	defer svc.Stop()
	return svc.PublishOnce()
}

// txtWriter is a provider that prints the records of the deployed tree.
type txtWriter struct {
	out io.Writer
}

func (w *txtWriter) TestConnect(context.Context) error { return nil }

func (w *txtWriter) Deploy(_ context.Context, domain string, t *dnsdisc.Tree) error {
	return writeJSON(w.out, t.ToTXT(domain))
}

// dnsToTXT performs dnsTXTCommand.
func dnsToTXT(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	pcfg := cfg.Publish
	pcfg.Enable = true
	pcfg.Provider = &txtWriter{out: ctx.App.Writer}
	svc := publish.New(pcfg, newConfigNodeSource(&cfg))
	defer svc.Stop()
	return svc.PublishOnce()
}

// dnsSync performs dnsSyncCommand.
func dnsSync(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("need tree URL as argument")
	}
	url := ctx.Args().Get(0)
	ccfg := dnsdisc.Config{Timeout: ctx.Duration(dnsTimeoutFlag.Name)}
	if server := ctx.String(dnsServerFlag.Name); server != "" {
		ccfg.Resolver = dnsdisc.NewServerResolver(server)
	}
	t, err := dnsdisc.NewClient(ccfg).SyncTree(runContext(ctx), url)
	if err != nil {
		return err
	}
	out := ctx.App.Writer
	fmt.Fprintf(out, "seq: %d\n", t.Seq())
	for _, link := range t.Links() {
		fmt.Fprintf(out, "link: %s\n", link)
	}
	for _, n := range t.DnsNodes() {
		fmt.Fprintf(out, "node: %s\n", n)
	}
	return nil
}

// dnsKeygen performs dnsKeygenCommand.
func dnsKeygen(ctx *cli.Context) error {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	out := ctx.App.Writer
	fmt.Fprintf(out, "key: %s\n", hex.EncodeToString(key.Serialize()))
	if domain := ctx.String(dnsDomainFlag.Name); domain != "" {
		fmt.Fprintf(out, "url: %s\n", dnsdisc.MakeURL(domain, key))
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
