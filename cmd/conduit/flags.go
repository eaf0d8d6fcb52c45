// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"

	"github.com/urfave/cli"
)

var conduitFlagConstants = map[string]map[string]string{
	"Hostname": {
		"FlagName":    "hostname",
		"ShortFlag":   "n",
		"Description": "Hostname where conduit accepts STOMP connections",
	},
	"Port": {
		"FlagName":    "port",
		"ShortFlag":   "p",
		"Description": "Port for plain STOMP and draft-00 WebSocket clients",
	},
	"WebSocketPort": {
		"FlagName":    "websocket-port",
		"Description": "Port for RFC 6455 WebSocket clients (0 disables the listener)",
	},
	"AdminPort": {
		"FlagName":    "admin-port",
		"Description": "Port for the admin HTTP endpoints (0 disables them)",
	},
	"Provider": {
		"FlagName":    "provider",
		"Description": "Message provider backing the server: memory or amqp",
	},
	"AMQPUrl": {
		"FlagName":    "amqp-url",
		"Description": "AMQP broker URL used by the amqp provider",
	},
	"ConfigFile": {
		"FlagName":    "config-file",
		"ShortFlag":   "c",
		"Description": "Path to the server config file (yaml, json or toml)",
	},
	"OutputLog": {
		"FlagName":    "output-log",
		"ShortFlag":   "l",
		"Description": "Server log output",
	},
	"AccessLog": {
		"FlagName":    "access-log",
		"ShortFlag":   "a",
		"Description": "Admin HTTP access log output",
	},
	"Debug": {
		"FlagName":    "debug",
		"ShortFlag":   "d",
		"Description": "Enable debug logging",
	},
	"NoBanner": {
		"FlagName":    "no-banner",
		"ShortFlag":   "b",
		"Description": "Do not print the startup banner",
	},
}

func flagName(key string) string {
	return conduitFlagConstants[key]["FlagName"]
}

func flagWithShort(key string) string {
	c := conduitFlagConstants[key]
	if short, ok := c["ShortFlag"]; ok {
		return fmt.Sprintf("%s, %s", c["FlagName"], short)
	}
	return c["FlagName"]
}

var conduitCLIFlags = []cli.Flag{
	cli.StringFlag{
		Name:   flagWithShort("Hostname"),
		EnvVar: "CONDUIT_HOSTNAME",
		Value:  defaultHost,
		Usage:  conduitFlagConstants["Hostname"]["Description"],
	},
	cli.IntFlag{
		Name:   flagWithShort("Port"),
		EnvVar: "CONDUIT_PORT",
		Value:  defaultPort,
		Usage:  conduitFlagConstants["Port"]["Description"],
	},
	cli.IntFlag{
		Name:  flagWithShort("WebSocketPort"),
		Usage: conduitFlagConstants["WebSocketPort"]["Description"],
	},
	cli.IntFlag{
		Name:  flagWithShort("AdminPort"),
		Value: defaultAdminPort,
		Usage: conduitFlagConstants["AdminPort"]["Description"],
	},
	cli.StringFlag{
		Name:  flagWithShort("Provider"),
		Value: providerMemory,
		Usage: conduitFlagConstants["Provider"]["Description"],
	},
	cli.StringFlag{
		Name:   flagWithShort("AMQPUrl"),
		EnvVar: "CONDUIT_AMQP_URL",
		Usage:  conduitFlagConstants["AMQPUrl"]["Description"],
	},
	cli.StringFlag{
		Name:  flagWithShort("ConfigFile"),
		Usage: conduitFlagConstants["ConfigFile"]["Description"],
	},
	cli.StringFlag{
		Name:  flagWithShort("OutputLog"),
		Value: "stdout",
		Usage: conduitFlagConstants["OutputLog"]["Description"],
	},
	cli.StringFlag{
		Name:  flagWithShort("AccessLog"),
		Value: "stdout",
		Usage: conduitFlagConstants["AccessLog"]["Description"],
	},
	cli.BoolFlag{
		Name:  flagWithShort("Debug"),
		Usage: conduitFlagConstants["Debug"]["Description"],
	},
	cli.BoolFlag{
		Name:  flagWithShort("NoBanner"),
		Usage: conduitFlagConstants["NoBanner"]["Description"],
	},
}

// flagSource is the subset of *cli.Context applyFlags reads.
type flagSource interface {
	IsSet(name string) bool
	String(name string) string
	Int(name string) int
	Bool(name string) bool
}

// applyFlags overrides cfg with every flag given explicitly on the command line.
func applyFlags(c flagSource, cfg *ConduitConfig) {
	if c.IsSet(flagName("Hostname")) {
		cfg.Host = c.String(flagName("Hostname"))
	}
	if c.IsSet(flagName("Port")) {
		cfg.Port = c.Int(flagName("Port"))
	}
	if c.IsSet(flagName("WebSocketPort")) {
		cfg.WebSocketPort = c.Int(flagName("WebSocketPort"))
	}
	if c.IsSet(flagName("AdminPort")) {
		cfg.AdminPort = c.Int(flagName("AdminPort"))
	}
	if c.IsSet(flagName("Provider")) {
		cfg.Provider.Type = c.String(flagName("Provider"))
	}
	if c.IsSet(flagName("AMQPUrl")) {
		cfg.Provider.AMQP.URL = c.String(flagName("AMQPUrl"))
	}
	if c.IsSet(flagName("OutputLog")) {
		cfg.Log.OutputLog = c.String(flagName("OutputLog"))
	}
	if c.IsSet(flagName("AccessLog")) {
		cfg.AccessLog = c.String(flagName("AccessLog"))
	}
	if c.Bool(flagName("Debug")) {
		cfg.Log.Level = "debug"
	}
	if c.Bool(flagName("NoBanner")) {
		cfg.NoBanner = true
	}
}
