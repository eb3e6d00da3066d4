// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Command barnacle-dhcp hands out addresses from a configured pool to
// clients on the LAN interface. Its address plan derives from the
// interface's current address and netmask; brncl_* environment variables
// supply the rest.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/szym/barnacle/config"
	"github.com/szym/barnacle/dhcp"
	"github.com/szym/barnacle/ifctl"
	"github.com/szym/barnacle/log"
	"github.com/szym/barnacle/metrics"
)

// set via ldflags
var Version = "dev"

const (
	exitRuntime = 1
	exitConfig  = 2
	exitBringup = 3
)

var flagJSON bool

var rootCmd = &cobra.Command{
	Use:     "barnacle-dhcp",
	Short:   "DHCP lease server for the tether LAN",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "log-json", false, "log as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitRuntime)
	}
}

// addr4 parses a dotted quad into its big-endian numeric; empty is 0.
func addr4(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return binary.BigEndian.Uint32(a.AsSlice()), nil
}

func run(*cobra.Command, []string) error {
	cfg, err := config.LoadDHCP(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}
	if flagJSON || cfg.LogJSON {
		log.SetJSON(true)
	}
	dns1, err := addr4(cfg.DNS1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: brncl_dhcp_dns1: %v\n", err)
		os.Exit(exitConfig)
	}
	dns2, err := addr4(cfg.DNS2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: brncl_dhcp_dns2: %v\n", err)
		os.Exit(exitConfig)
	}
	metrics.Serve(cfg.MetricsAddr)

	_ = unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM)
	go func() {
		<-sigs
		os.Exit(exitRuntime)
	}()

	ifc, err := ifctl.Open(cfg.LANIf)
	if err != nil {
		log.E("dhcp: %v", err)
		os.Exit(exitBringup)
	}
	gw := ifc.Addr()
	netmask := ifc.Netmask()
	ifc.Close()

	s, err := dhcp.NewServer(dhcp.Config{
		Ifname:    cfg.LANIf,
		Netmask:   netmask,
		Subnet:    gw & netmask,
		Gateway:   gw,
		DNS1:      dns1,
		DNS2:      dns2,
		FirstHost: uint32(cfg.FirstHost),
		NumHosts:  int(cfg.NumHosts),
		LeaseTime: cfg.LeaseTime(),
	})
	if err != nil {
		log.E("dhcp: %v", err)
		os.Exit(exitConfig)
	}
	if err := s.Init(); err != nil {
		log.E("dhcp: %v", err)
		os.Exit(exitBringup)
	}
	defer s.Close()

	log.I("dhcp: serving %s/%s on %s, hosts %d..%d, lease %s",
		gwStr(gw), gwStr(netmask), cfg.LANIf, cfg.FirstHost, int(cfg.FirstHost)+int(cfg.NumHosts)-1, cfg.LeaseTime())
	err = s.Run()
	log.E("dhcp: exited: %v", err)
	os.Exit(exitRuntime)
	return nil
}

func gwStr(a uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}
