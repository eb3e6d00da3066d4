// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"github.com/szym/barnacle/core"
	"github.com/szym/barnacle/log"
)

// Filter is the LAN admission set. Mutations arrive from the control
// channel between loop iterations and take effect on the next receive.
type Filter struct {
	set       core.MACSet
	filtering bool
}

func NewFilter() *Filter {
	return &Filter{set: core.NewMACSet()}
}

// Set allows or denies one hardware address.
func (f *Filter) Set(mac core.MACAddr, allow bool) {
	if allow {
		f.set.Add(mac)
	} else {
		f.set.Remove(mac)
	}
	log.D("nat: mac filter %s %s", mac, allowStr(allow))
}

// SetFiltering toggles enforcement; with it off every address is admitted.
func (f *Filter) SetFiltering(on bool) {
	f.filtering = on
	log.D("nat: filtering %t", on)
}

func (f *Filter) Filtering() bool { return f.filtering }

// Admit reports whether a frame from mac may enter the data plane.
func (f *Filter) Admit(mac core.MACAddr) bool {
	return !f.filtering || f.set.Contains(mac)
}

func allowStr(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
