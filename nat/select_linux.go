// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package nat

import (
	"errors"

	"golang.org/x/sys/unix"
)

// selector wraps select(2). The loop re-arms interest every iteration, so
// backpressure is expressed by simply not arming a descriptor.
type selector struct {
	rd, wr unix.FdSet
	nfds   int
}

func (s *selector) reset() {
	s.rd.Zero()
	s.wr.Zero()
	s.nfds = 0
}

func (s *selector) track(fd int) {
	if fd >= s.nfds {
		s.nfds = fd + 1
	}
}

func (s *selector) wantRead(fd int) {
	s.rd.Set(fd)
	s.track(fd)
}

func (s *selector) wantWrite(fd int) {
	s.wr.Set(fd)
	s.track(fd)
}

func (s *selector) canRead(fd int) bool  { return fd >= 0 && s.rd.IsSet(fd) }
func (s *selector) canWrite(fd int) bool { return fd >= 0 && s.wr.IsSet(fd) }

// wait blocks until a tracked descriptor is ready. A signal or a torn-down
// descriptor is treated as an empty wakeup, not a failure.
func (s *selector) wait() error {
	_, err := unix.Select(s.nfds, &s.rd, &s.wr, nil, nil)
	if err != nil && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EBADF) {
		return err
	}
	if err != nil {
		s.rd.Zero()
		s.wr.Zero()
	}
	return nil
}
