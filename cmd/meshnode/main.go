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

// meshnode runs a network node and operates its DNS discovery tree.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nodemesh/nodemesh/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file in addition to stderr",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Serve Prometheus metrics on this address, e.g. 127.0.0.1:6060",
	}
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
	}
)

var logCloser io.Closer

var app = &cli.App{
	Name:        filepath.Base(os.Args[0]),
	Usage:       "network node and DNS discovery tree tool",
	Writer:      os.Stdout,
	HideVersion: true,
	Flags: []cli.Flag{
		verbosityFlag,
		logJSONFlag,
		logFileFlag,
		metricsAddrFlag,
	},
	Commands: []*cli.Command{
		runCommand,
		externalIPCommand,
		dnsCommand,
	},
	Before: setup,
	After: func(ctx *cli.Context) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
	CommandNotFound: func(ctx *cli.Context, cmd string) {
		fmt.Fprintf(os.Stderr, "No such command: %s\n", cmd)
		os.Exit(1)
	},
}

func main() {
	exit(app.Run(os.Args))
}

// setup configures logging and the metrics endpoint from the global flags.
func setup(ctx *cli.Context) error {
	closer, err := log.Setup(log.OutputConfig{
		Level: log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)),
		JSON:  ctx.Bool(logJSONFlag.Name),
		File:  ctx.String(logFileFlag.Name),
	})
	if err != nil {
		return err
	}
	logCloser = closer

	if addr := ctx.String(metricsAddrFlag.Name); addr != "" {
		log.Info("Starting metrics server", "addr", fmt.Sprintf("http://%s/metrics", addr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Failure in running metrics server", "err", err)
			}
		}()
	}
	return nil
}

func exit(err interface{}) {
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
