// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads the brncl_* environment variables that both daemons
// consume. Tunables keep the original integer-seconds wire format; the
// accessors convert to time.Duration.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// NAT configures the NAPT data plane daemon.
type NAT struct {
	WANIf string `env:"brncl_if_wan,required"`
	LANIf string `env:"brncl_if_lan,required"`

	QueueLen   int    `env:"brncl_nat_queue,default=100"`
	TimeoutSec int    `env:"brncl_nat_timeout,default=30"`
	TimeoutTCP int    `env:"brncl_nat_timeout_tcp,default=90"`
	NumPorts   int    `env:"brncl_nat_numports,default=100"`
	FirstPort  uint16 `env:"brncl_nat_firstport,default=32000"`
	Log        bool   `env:"brncl_nat_log"`
	CtrlPath   string `env:"brncl_nat_ctrl"`

	// Preserve lists ports held out of the ephemeral rotation, available
	// to the DMZ and to predictable mappings.
	Preserve []uint16 `env:"brncl_nat_preserve"`

	// Open selects full-cone NAPT (the default); set it false for symmetric.
	Open bool `env:"brncl_nat_open,default=true"`

	LogJSON     bool   `env:"brncl_log_json"`
	MetricsAddr string `env:"brncl_metrics_addr"`
}

// Timeout is the sweep interval for non-TCP mappings.
func (c *NAT) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

// TimeoutTCPDur is the longer retention window for idle TCP mappings.
func (c *NAT) TimeoutTCPDur() time.Duration { return time.Duration(c.TimeoutTCP) * time.Second }

// DHCP configures the lease server daemon.
type DHCP struct {
	LANIf string `env:"brncl_if_lan,required"`

	DNS1         string `env:"brncl_dhcp_dns1"`
	DNS2         string `env:"brncl_dhcp_dns2"`
	LeaseTimeSec int    `env:"brncl_dhcp_leasetime,default=1200"`
	FirstHost    uint16 `env:"brncl_dhcp_firsthost,default=100"`
	NumHosts     uint16 `env:"brncl_dhcp_numhosts,default=100"`

	LogJSON     bool   `env:"brncl_log_json"`
	MetricsAddr string `env:"brncl_metrics_addr"`
}

// LeaseTime returns the configured lease duration.
func (c *DHCP) LeaseTime() time.Duration { return time.Duration(c.LeaseTimeSec) * time.Second }

// LoadNAT reads the NAT daemon configuration from the environment.
func LoadNAT(ctx context.Context) (*NAT, error) {
	var c NAT
	if err := envconfig.Process(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDHCP reads the DHCP daemon configuration from the environment.
func LoadDHCP(ctx context.Context) (*DHCP, error) {
	var c DHCP
	if err := envconfig.Process(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
