// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Command barnacle-nat is the user-space NAPT data plane: it forwards IP
// packets between the LAN and WAN interfaces, translating addresses and
// ports so every downstream client shares the upstream address.
//
// Configuration comes from brncl_* environment variables; an init layer
// is expected to bring the interfaces up and keep this process running.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/szym/barnacle/config"
	"github.com/szym/barnacle/ifctl"
	"github.com/szym/barnacle/log"
	"github.com/szym/barnacle/metrics"
	"github.com/szym/barnacle/nat"
)

// set via ldflags
var Version = "dev"

const (
	exitRuntime = 1
	exitConfig  = 2
)

var (
	flagLevel string
	flagJSON  bool
)

var rootCmd = &cobra.Command{
	Use:     "barnacle-nat",
	Short:   "user-space NAPT between a LAN and a WAN interface",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLevel, "log-level", "", "override log level (verbose, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "log-json", false, "log as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitRuntime)
	}
}

func initLog(debug, json bool) {
	if json {
		log.SetJSON(true)
	}
	level := log.INFO
	if debug {
		level = log.DEBUG
	}
	switch flagLevel {
	case "verbose":
		level = log.VERBOSE
	case "debug":
		level = log.DEBUG
	case "info":
		level = log.INFO
	case "warn":
		level = log.WARN
	case "error":
		level = log.ERROR
	}
	log.SetLevel(level)
}

func run(*cobra.Command, []string) error {
	cfg, err := config.LoadNAT(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	initLog(cfg.Log, cfg.LogJSON || flagJSON)
	metrics.Serve(cfg.MetricsAddr)

	// die with the supervising parent, and immediately on SIGTERM
	_ = unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM)
	go func() {
		<-sigs
		os.Exit(exitRuntime)
	}()

	variant := nat.Symmetric
	if cfg.Open {
		variant = nat.FullCone
	}
	b := nat.New(nat.Config{
		WANIf:      cfg.WANIf,
		LANIf:      cfg.LANIf,
		QueueLen:   cfg.QueueLen,
		Timeout:    cfg.Timeout(),
		TimeoutTCP: cfg.TimeoutTCPDur(),
		CtrlPath:   cfg.CtrlPath,
		Rewrite: nat.RewriterConfig{
			Variant:   variant,
			Preserved: cfg.Preserve,
			NumPorts:  cfg.NumPorts,
			FirstPort: cfg.FirstPort,
			Log:       cfg.Log,
		},
	})
	defer b.Close()

	if err := b.InitCtrl(); err != nil {
		log.E("nat: init ctrl: %v", err)
		os.Exit(exitRuntime)
	}

	// the loop ends only on unrecoverable I/O; reopen everything and
	// carry on once the interfaces are back
	for {
		ifctl.WaitUp(cfg.LANIf, cfg.WANIf)
		if err := b.Start(); err != nil {
			log.E("nat: start: %v", err)
			time.Sleep(2 * time.Second) // avoid spamming a broken setup
			continue
		}
		err := b.Run()
		log.E("nat: restart: %v", err)
	}
}
