// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dhcp

import (
	"bytes"
	"time"
)

// Lease is one slot of the dense table; slot i corresponds to the address
// subnet | (firsthost + i). A zero expiry means the slot is free. There is
// no durable storage: leases die with the process.
type Lease struct {
	chaddr [chaddrMax]byte
	hlen   int
	expiry time.Time
}

// ownedBy compares the stored hardware address prefix against hw.
func (l *Lease) ownedBy(hw []byte) bool {
	if l.hlen > len(hw) {
		return false
	}
	return bytes.Equal(l.chaddr[:l.hlen], hw[:l.hlen])
}

// expired reports whether the slot is assignable at now.
func (l *Lease) expired(now time.Time) bool {
	return l.expiry.Before(now)
}

// claim records hw as the owner until expiry.
func (l *Lease) claim(hw []byte, hlen int, expiry time.Time) {
	if hlen > chaddrMax {
		hlen = chaddrMax
	}
	copy(l.chaddr[:], hw[:chaddrMax])
	l.hlen = hlen
	l.expiry = expiry
}

// release frees the slot immediately.
func (l *Lease) release() {
	l.expiry = time.Time{}
}

// LeaseTable maps the assignable address range onto lease slots.
type LeaseTable struct {
	leases    []Lease
	netmask   uint32
	subnet    uint32
	firsthost uint32
	numhosts  int
}

func newLeaseTable(netmask, subnet uint32, firsthost uint32, numhosts int) *LeaseTable {
	return &LeaseTable{
		leases:    make([]Lease, numhosts),
		netmask:   netmask,
		subnet:    subnet & netmask,
		firsthost: firsthost,
		numhosts:  numhosts,
	}
}

func (t *LeaseTable) len() int { return t.numhosts }

func (t *LeaseTable) at(i int) *Lease { return &t.leases[i] }

// index returns the slot for addr, or -1 when addr is outside the subnet
// or the assignable range.
func (t *LeaseTable) index(addr uint32) int {
	if addr&t.netmask != t.subnet {
		return -1
	}
	host := addr &^ t.netmask
	if host < t.firsthost {
		return -1
	}
	host -= t.firsthost
	if int(host) >= t.numhosts {
		return -1
	}
	return int(host)
}

// addr returns the address assigned to slot idx.
func (t *LeaseTable) addr(idx int) uint32 {
	return t.subnet | (t.firsthost + uint32(idx))
}

// inUse counts unexpired leases.
func (t *LeaseTable) inUse(now time.Time) int {
	n := 0
	for i := range t.leases {
		if !t.leases[i].expired(now) {
			n++
		}
	}
	return n
}
