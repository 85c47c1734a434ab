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
	"os"
	"os/signal"
	"syscall"

	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p"
	"github.com/urfave/cli/v2"
)

var (
	runCommand = &cli.Command{
		Name:   "run",
		Usage:  "Run a network node",
		Action: runNode,
		Flags: []cli.Flag{
			configFlag,
			listenFlag,
			seedFlag,
			noProbeFlag,
		},
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "TCP listen address (overrides the config file)",
	}
	seedFlag = &cli.StringSliceFlag{
		Name:  "seed",
		Usage: "Seed node as host:port, may be repeated (adds to the config file)",
	}
	noProbeFlag = &cli.BoolFlag{
		Name:  "noprobe",
		Usage: "Don't probe the external addresses of this host",
	}
)

// loadConfig reads the --config file, if any, and applies the flag overrides.
func loadConfig(ctx *cli.Context) (p2p.Config, error) {
	cfg := p2p.DefaultConfig
	if file := ctx.String(configFlag.Name); file != "" {
		var err error
		if cfg, err = p2p.LoadConfig(file); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(listenFlag.Name) {
		cfg.ListenAddr = ctx.String(listenFlag.Name)
	}
	cfg.SeedNodes = append(cfg.SeedNodes, ctx.StringSlice(seedFlag.Name)...)
	if ctx.Bool(noProbeFlag.Name) {
		cfg.DisableAddressProbe = true
	}
	return cfg, cfg.Validate()
}

func runNode(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	srv, err := p2p.New(cfg)
	if err != nil {
		return err
	}
	sigctx, stop := signal.NotifyContext(runContext(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(sigctx); err != nil {
		return err
	}
	log.Info("Node started", "listen", srv.ListenAddr(), "node", srv.HomeNode())

	<-sigctx.Done()
	log.Info("Got interrupt, shutting down...")
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Warn("Already shutting down, interrupt again to force")
		os.Exit(1)
	}()
	srv.Stop()
	return nil
}

// runContext returns the command context, or a background context when the
// command runs without one.
func runContext(ctx *cli.Context) context.Context {
	if ctx.Context != nil {
		return ctx.Context
	}
	return context.Background()
}
