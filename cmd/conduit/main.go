// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
	"github.com/vmware/stomp-conduit/log"
)

var version string

func main() {
	app := cli.NewApp()
	app.Name = "conduit"
	app.Version = version
	app.Usage = "STOMP server for plain TCP and WebSocket clients"
	app.Commands = []cli.Command{
		{
			Name:   "start",
			Usage:  "Start the STOMP server",
			Flags:  conduitCLIFlags,
			Action: startAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		errorf("%v\n", err)
		os.Exit(1)
	}
}

func startAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String(flagName("ConfigFile")))
	if err != nil {
		return err
	}
	applyFlags(c, cfg)

	if err := log.Configure(&cfg.Log); err != nil {
		return err
	}

	server, err := newConduit(cfg)
	if err != nil {
		return err
	}
	if !cfg.NoBanner {
		printBanner(cfg)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	return server.run(sig)
}
