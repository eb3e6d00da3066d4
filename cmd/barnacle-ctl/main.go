// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command barnacle-ctl sends one command to a running barnacle-nat over
// its control socket:
//
//	barnacle-ctl /data/local/nat.sock "MACA|aa:bb:cc:dd:ee:ff"
//	barnacle-ctl /data/local/nat.sock "FILT|0"
//	barnacle-ctl /data/local/nat.sock "DMZ|192.168.5.50"
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
)

// set via ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "barnacle-ctl <socket> <command>",
	Short:   "send a control command to barnacle-nat",
	Version: Version,
	Args:    cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		path, msg := args[0], args[1]
		if len(msg) > 255 {
			return fmt.Errorf("command too long: %d bytes", len(msg))
		}
		conn, err := net.Dial("unix", path)
		if err != nil {
			return err
		}
		defer conn.Close()
		buf := append([]byte{byte(len(msg))}, msg...)
		if _, err := conn.Write(buf); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
