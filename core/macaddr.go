// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"errors"
	"fmt"
	"net"
)

var errBadMAC = errors.New("core: malformed mac address")

// MACAddr is an EUI-48 hardware address, comparable so it can key a map.
type MACAddr [6]byte

// ParseMAC reads a colon- or dash-separated hardware address.
func ParseMAC(s string) (MACAddr, error) {
	var m MACAddr
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return m, errBadMAC
	}
	copy(m[:], hw)
	return m, nil
}

// MACFromBytes copies the first six bytes of b.
func MACFromBytes(b []byte) (MACAddr, error) {
	var m MACAddr
	if len(b) < 6 {
		return m, errBadMAC
	}
	copy(m[:], b)
	return m, nil
}

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MACSet is the LAN admission set.
type MACSet map[MACAddr]struct{}

func NewMACSet() MACSet { return make(MACSet) }

func (s MACSet) Add(m MACAddr)    { s[m] = struct{}{} }
func (s MACSet) Remove(m MACAddr) { delete(s, m) }
func (s MACSet) Contains(m MACAddr) bool {
	_, ok := s[m]
	return ok
}
func (s MACSet) Len() int { return len(s) }
