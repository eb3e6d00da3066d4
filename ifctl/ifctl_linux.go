// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package ifctl reads interface state the data plane depends on: address,
// netmask, MTU and the IFF_UP flag, and sets the MTU. Bring-up itself (addressing, wireless
// association) belongs to the init layer, not to this module.
package ifctl

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/szym/barnacle/log"
)

// Iface queries one named interface through a throwaway dgram socket.
type Iface struct {
	name string
	fd   int
}

// Open prepares ioctl access to the named interface.
func Open(name string) (*Iface, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ifctl: socket: %w", err)
	}
	return &Iface{name: name, fd: fd}, nil
}

// Close releases the query socket.
func (i *Iface) Close() {
	if i.fd >= 0 {
		_ = unix.Close(i.fd)
		i.fd = -1
	}
}

func (i *Iface) Name() string { return i.name }

// IsUp reports IFF_UP; a missing interface reads as down.
func (i *Iface) IsUp() bool {
	ifr, err := unix.NewIfreq(i.name)
	if err != nil {
		return false
	}
	if err := unix.IoctlIfreq(i.fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return false
	}
	return ifr.Uint16()&unix.IFF_UP != 0
}

// Addr returns the IPv4 address as a big-endian numeric, 0 when unset.
func (i *Iface) Addr() uint32 { return i.inet4(unix.SIOCGIFADDR) }

// Netmask returns the IPv4 netmask as a big-endian numeric, 0 when unset.
func (i *Iface) Netmask() uint32 { return i.inet4(unix.SIOCGIFNETMASK) }

func (i *Iface) inet4(req uint) uint32 {
	ifr, err := unix.NewIfreq(i.name)
	if err != nil {
		return 0
	}
	if err := unix.IoctlIfreq(i.fd, req, ifr); err != nil {
		log.D("ifctl: %s ioctl %#x: %v", i.name, req, err)
		return 0
	}
	a, err := ifr.Inet4Addr()
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(a)
}

// MTU returns the interface MTU, or -1 on failure.
func (i *Iface) MTU() int {
	ifr, err := unix.NewIfreq(i.name)
	if err != nil {
		return -1
	}
	if err := unix.IoctlIfreq(i.fd, unix.SIOCGIFMTU, ifr); err != nil {
		log.D("ifctl: %s get mtu: %v", i.name, err)
		return -1
	}
	return int(ifr.Uint32())
}

// SetMTU sets the interface MTU. Best effort: callers fall back to
// synthesizing fragmentation-needed errors when it fails.
func (i *Iface) SetMTU(mtu int) error {
	ifr, err := unix.NewIfreq(i.name)
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(mtu))
	if err := unix.IoctlIfreq(i.fd, unix.SIOCSIFMTU, ifr); err != nil {
		return fmt.Errorf("ifctl: %s set mtu %d: %w", i.name, mtu, err)
	}
	return nil
}

// WaitUp blocks until every named interface has IFF_UP set, polling once a
// second, so at most a second of connectivity is lost across a flap.
func WaitUp(names ...string) {
	for {
		allup := true
		for _, n := range names {
			ifc, err := Open(n)
			if err != nil {
				allup = false
				break
			}
			up := ifc.IsUp()
			ifc.Close()
			if !up {
				log.I("ifctl: waiting for %s", n)
				allup = false
				break
			}
		}
		if allup {
			return
		}
		time.Sleep(time.Second)
	}
}
