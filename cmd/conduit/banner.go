// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"fmt"

	"github.com/fatih/color"
)

var (
	infof   = color.New(color.FgHiCyan).PrintfFunc()
	warnf   = color.New(color.FgHiYellow).PrintfFunc()
	errorf  = color.New(color.FgHiRed).PrintfFunc()
	headerf = color.New(color.BgHiWhite, color.FgHiBlack, color.Bold).PrintfFunc()
)

// printBanner prints the title and a summary of cfg
func printBanner(cfg *ConduitConfig) {
	fmt.Println()
	headerf(" S T O M P   C O N D U I T ")
	fmt.Println()

	infof("STOMP / draft-00\t")
	fmt.Printf("%s:%d\n", cfg.Host, cfg.Port)

	infof("RFC 6455 endpoint\t")
	if cfg.WebSocketPort > 0 {
		fmt.Printf("%s:%d%s\n", cfg.Host, cfg.WebSocketPort, cfg.Server.WebSocketEndpoint)
	} else {
		fmt.Println("-")
	}

	infof("Provider\t\t")
	fmt.Println(cfg.Provider.Type)

	if cfg.AdminPort > 0 {
		infof("Health endpoint\t\t")
		fmt.Printf(":%d/health\n", cfg.AdminPort)
		infof("Prometheus endpoint\t")
		fmt.Printf(":%d/prometheus\n", cfg.AdminPort)
	}

	if cfg.Server.SendOffload {
		warnf("SEND handling is offloaded to a per-connection executor\n")
	}
	fmt.Println()
}
