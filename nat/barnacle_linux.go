// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package nat

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/szym/barnacle/core"
	"github.com/szym/barnacle/ifctl"
	"github.com/szym/barnacle/log"
	"github.com/szym/barnacle/metrics"
)

// The tether sets this MTU on the WAN link at start; EMSGSIZE on inject
// lowers the recorded value to whatever the kernel reports.
const wantMTU = 1500

var errNoAddr = errors.New("nat: wan address or lan netmask unset")

// Config carries the daemon tunables; addresses are read from the
// interfaces at Start.
type Config struct {
	WANIf      string
	LANIf      string
	QueueLen   int
	Timeout    time.Duration
	TimeoutTCP time.Duration
	CtrlPath   string
	Rewrite    RewriterConfig
}

// Barnacle is the single-threaded NAPT forwarding loop: capture on both
// interfaces, rewrite, queue, inject, with the control channel and sweeper
// serviced between packets.
type Barnacle struct {
	cfg Config

	ctrlLn *localListener
	ctrl   *ctrlConn

	wan *PacketSocket // upstream capture
	lan *FilterSocket // downstream capture, MAC-filtered
	ips *IPSocket     // injection

	wanIf *ifctl.Iface
	lanIf *ifctl.Iface

	q      *core.PacketQueue
	sel    selector
	rw     *Rewriter
	filter *Filter

	lastCleanup    time.Time
	lastCleanupTCP time.Time

	mtu     int
	lanAddr uint32

	nin, nout, bin, bout int64
}

// New builds the engine. Port pools are plugged once here and survive
// restarts; sockets are opened by Start.
func New(cfg Config) *Barnacle {
	f := NewFilter()
	return &Barnacle{
		cfg:    cfg,
		q:      core.NewPacketQueue(cfg.QueueLen),
		filter: f,
		rw:     NewRewriter(cfg.Rewrite, RealPlug(false), RealPlug(true), ClosePlug),
	}
}

func (b *Barnacle) haveCtrl() bool { return b.cfg.CtrlPath != "" }

// InitCtrl binds the control socket; called once before the first Start.
func (b *Barnacle) InitCtrl() error {
	if !b.haveCtrl() {
		return nil
	}
	ln, err := listenLocal(b.cfg.CtrlPath)
	if err != nil {
		return err
	}
	b.ctrlLn = ln
	return nil
}

func (b *Barnacle) closeIO() {
	if b.wan != nil {
		b.wan.Close()
		b.wan = nil
	}
	if b.lan != nil {
		b.lan.Close()
		b.lan = nil
	}
	if b.ips != nil {
		b.ips.Close()
		b.ips = nil
	}
	if b.wanIf != nil {
		b.wanIf.Close()
		b.wanIf = nil
	}
	if b.lanIf != nil {
		b.lanIf.Close()
		b.lanIf = nil
	}
}

// Close releases everything, control socket and port pools included.
func (b *Barnacle) Close() {
	b.closeIO()
	if b.ctrl != nil {
		b.ctrl.Close()
		b.ctrl = nil
	}
	if b.ctrlLn != nil {
		b.ctrlLn.Close()
		b.ctrlLn = nil
	}
	b.rw.Close()
}

// Start (re)opens the capture and inject sockets and refreshes the
// addressing from the interfaces. The caller retries when it fails.
func (b *Barnacle) Start() error {
	b.closeIO()
	b.q.Clear()

	var err error
	if b.wan, err = OpenPacketSocket(b.cfg.WANIf, false); err != nil {
		return err
	}
	if b.lan, err = OpenFilterSocket(b.cfg.LANIf, b.filter); err != nil {
		return err
	}
	if b.ips, err = OpenIPSocket(); err != nil {
		return err
	}
	if b.wanIf, err = ifctl.Open(b.cfg.WANIf); err != nil {
		return err
	}
	if b.lanIf, err = ifctl.Open(b.cfg.LANIf); err != nil {
		return err
	}

	// best effort; a refusal just means frag-needed errors sooner
	if err := b.wanIf.SetMTU(wantMTU); err != nil {
		log.D("nat: %v", err)
	}
	b.mtu = b.wanIf.MTU()
	if b.mtu <= 0 {
		b.mtu = wantMTU
	}

	netmask := b.lanIf.Netmask()
	b.lanAddr = b.lanIf.Addr()
	outAddr := b.wanIf.Addr()
	b.rw.Configure(outAddr, netmask, b.lanAddr&netmask)
	if outAddr == 0 || netmask == 0 {
		return errNoAddr
	}

	log.I("nat: %s nat up: lan %s/%s wan %s mtu %d",
		b.cfg.Rewrite.Variant, addrStr(b.lanAddr), addrStr(netmask), addrStr(outAddr), b.mtu)
	return nil
}

// Run drives loop iterations until an unrecoverable I/O error; the
// supervisor then waits for the interfaces and calls Start again.
func (b *Barnacle) Run() error {
	for {
		if err := b.step(); err != nil {
			return err
		}
	}
}

// step is one iteration: arm, wait, control, WAN drain, LAN drain, inject
// drain, sweep. LAN is the faster side locally, so WAN is read first to
// keep its kernel buffer from overflowing.
func (b *Barnacle) step() error {
	b.sel.reset()
	if !b.q.Full() {
		b.sel.wantRead(b.lan.Fd())
		b.sel.wantRead(b.wan.Fd())
		if b.ctrl != nil {
			b.sel.wantRead(b.ctrl.fd)
		} else if b.ctrlLn != nil {
			b.sel.wantRead(b.ctrlLn.Fd())
		}
	}
	if !b.q.Empty() {
		b.sel.wantWrite(b.ips.Fd())
	}

	if err := b.sel.wait(); err != nil {
		return fmt.Errorf("nat: select: %w", err)
	}

	// control first so admission changes precede this iteration's packets
	if b.haveCtrl() {
		b.handleCtrl()
	}
	if err := b.handleIn(); err != nil {
		return err
	}
	if err := b.handleOut(); err != nil {
		return err
	}
	if err := b.drain(); err != nil {
		return err
	}
	b.cleanup()
	return nil
}

// handleCtrl services the single controller session: accept when idle,
// else read and dispatch at most one message. Never fails the loop.
func (b *Barnacle) handleCtrl() {
	if b.ctrl != nil {
		if !b.sel.canRead(b.ctrl.fd) {
			return
		}
		complete, err := b.ctrl.recv()
		if err != nil {
			b.ctrl.Close()
			b.ctrl = nil
			return
		}
		if complete {
			dispatchCtrl(b.ctrl.msg.payload(), b.filter, b.rw)
			b.ctrl.msg.clear()
		}
		return
	}
	if b.ctrlLn != nil && b.sel.canRead(b.ctrlLn.Fd()) {
		fd, err := b.ctrlLn.accept()
		if err != nil {
			log.W("nat: ctrl accept: %v", err)
			return
		}
		if fd >= 0 {
			b.ctrl = &ctrlConn{fd: fd}
		}
	}
}

// handleIn drains WAN capture into the queue, rewriting inbound.
func (b *Barnacle) handleIn() error {
	if !b.sel.canRead(b.wan.Fd()) {
		return nil
	}
	for !b.q.Full() {
		buf := b.q.Tail()
		n, err := b.wan.Recv(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if b.rw.PacketIn(buf.Bytes()) {
			b.q.PushTail()
			b.nin++
			b.bin += int64(n)
			metrics.PacketsForwarded.WithLabelValues("in").Inc()
			metrics.BytesForwarded.WithLabelValues("in").Add(float64(n))
		} else {
			metrics.PacketsDropped.WithLabelValues("in", "unmatched").Inc()
		}
	}
	return nil
}

// handleOut drains LAN capture into the queue, rewriting outbound. A
// packet over the upstream MTU is replaced by a fragmentation-needed
// error back to its sender; the original is discarded.
func (b *Barnacle) handleOut() error {
	if !b.sel.canRead(b.lan.Fd()) {
		return nil
	}
	for !b.q.Full() {
		buf := b.q.Tail()
		n, err := b.lan.Recv(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if n > b.mtu {
			makeFragNeeded(buf, b.lanAddr, b.mtu)
			b.q.PushTail()
			metrics.PacketsDropped.WithLabelValues("out", "mtu").Inc()
			continue
		}
		if b.rw.PacketOut(buf.Bytes()) {
			b.q.PushTail()
			b.nout++
			b.bout += int64(n)
			metrics.PacketsForwarded.WithLabelValues("out").Inc()
			metrics.BytesForwarded.WithLabelValues("out").Add(float64(n))
		} else {
			metrics.PacketsDropped.WithLabelValues("out", "rejected").Inc()
		}
	}
	return nil
}

// drain pushes queued datagrams into the inject socket. EMSGSIZE lowers
// the recorded MTU to the kernel's current value and drops the offender;
// any other send failure aborts the loop for a restart.
func (b *Barnacle) drain() error {
	if !b.sel.canWrite(b.ips.Fd()) {
		return nil
	}
	for !b.q.Empty() {
		n, err := b.ips.Send(b.q.Head())
		if err != nil {
			if errors.Is(err, unix.EMSGSIZE) {
				if m := b.wanIf.MTU(); m > 0 && m < b.mtu {
					b.mtu = m
					log.I("nat: mtu adjusted to %d", m)
				}
				b.q.PopHead()
				metrics.PacketsDropped.WithLabelValues("out", "emsgsize").Inc()
				continue
			}
			return err
		}
		if n == 0 {
			break
		}
		b.q.PopHead()
	}
	return nil
}

// cleanup invokes the sweeper at most once per timeout. The keep-tcp
// phase flips every TimeoutTCP so idle TCP flows outlive short sweeps
// without living forever.
func (b *Barnacle) cleanup() {
	now := time.Now()
	if now.Sub(b.lastCleanup) <= b.cfg.Timeout {
		return
	}
	keepTCP := now.Sub(b.lastCleanupTCP) < b.cfg.TimeoutTCP
	b.rw.Cleanup(keepTCP)
	b.lastCleanup = now
	if !keepTCP {
		b.lastCleanupTCP = now
	}
	log.D("nat: --- cleanup --- %d maps in: %d pkts %d bytes out: %d pkts %d bytes",
		b.rw.Size(), b.nin, b.bin, b.nout, b.bout)
}
