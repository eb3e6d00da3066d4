// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/szym/barnacle/log"
	"github.com/szym/barnacle/metrics"
)

var errNoHosts = errors.New("dhcp: numhosts is zero")

// Config is the server's address plan, all addresses big-endian numerics.
// Gateway doubles as the server identifier and default route.
type Config struct {
	Ifname    string
	Netmask   uint32
	Subnet    uint32
	Gateway   uint32
	DNS1      uint32
	DNS2      uint32
	FirstHost uint32
	NumHosts  int
	LeaseTime time.Duration
}

// template is one pre-formed reply. Allocating replies per packet costs
// real latency on the hardware this runs on, so each response patches a
// template instead.
type template struct {
	pkt        [pktLen]byte
	msgTypeOff int
}

func (t *template) setMsgType(v byte) { t.pkt[t.msgTypeOff] = v }

// optWriter appends options into a template's option region.
type optWriter struct {
	b []byte
	n int
}

func (w *optWriter) add(code byte, val ...byte) int {
	off := w.n
	w.b[w.n] = code
	w.b[w.n+1] = byte(len(val))
	copy(w.b[w.n+2:], val)
	w.n += 2 + len(val)
	return off + 2 // offset of the value
}

func (w *optWriter) addU32(code byte, v uint32) int {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return w.add(code, buf[:]...)
}

func (w *optWriter) end() { w.b[w.n] = optEnd; w.n++ }

// Server is the DHCP engine. One blocking UDP socket, one goroutine.
type Server struct {
	cfg    Config
	conn   net.PacketConn
	leases *LeaseTable

	resp     template // OFFER / ACK
	respInfo template // INFORM ACK, no lease time
	respNak  template

	lastOffer int
	req       [pktLen]byte
}

// NewServer validates the address plan and pre-forms the reply templates.
func NewServer(cfg Config) (*Server, error) {
	cfg.Subnet &= cfg.Netmask
	cfg.Gateway = cfg.Subnet | (cfg.Gateway &^ cfg.Netmask)
	maxhost := ^cfg.Netmask
	cfg.FirstHost &= maxhost
	if cfg.FirstHost+uint32(cfg.NumHosts) > maxhost {
		cfg.NumHosts = int(maxhost - cfg.FirstHost)
	}
	if cfg.NumHosts <= 0 {
		return nil, errNoHosts
	}

	s := &Server{
		cfg:    cfg,
		leases: newLeaseTable(cfg.Netmask, cfg.Subnet, cfg.FirstHost, cfg.NumHosts),
	}

	lease := uint32(cfg.LeaseTime / time.Second)
	s.resp.msgTypeOff = s.buildReply(&s.resp, 0, &lease)
	s.respInfo.msgTypeOff = s.buildReply(&s.respInfo, Ack, nil)
	s.buildNak()
	return s, nil
}

// buildReply fills one OFFER/ACK-shaped template and returns the offset of
// the message-type value for later patching.
func (s *Server) buildReply(t *template, msgType byte, leaseSecs *uint32) int {
	p := packet(t.pkt[:])
	p.setOp(bootReply)
	p.setCookie(magicCookie)
	w := &optWriter{b: p.options()}
	mt := w.add(optMessageType, msgType)
	w.addU32(optNetmask, s.cfg.Netmask)
	w.addU32(optRouter, s.cfg.Gateway)
	if s.cfg.DNS2 != 0 {
		var dns [8]byte
		binary.BigEndian.PutUint32(dns[:], s.cfg.DNS1)
		binary.BigEndian.PutUint32(dns[4:], s.cfg.DNS2)
		w.add(optDNSServer, dns[:]...)
	} else if s.cfg.DNS1 != 0 {
		w.addU32(optDNSServer, s.cfg.DNS1)
	}
	w.addU32(optServerID, s.cfg.Gateway)
	if leaseSecs != nil {
		w.addU32(optLeaseTime, *leaseSecs)
	}
	w.end()
	return optsOff + mt
}

func (s *Server) buildNak() {
	p := packet(s.respNak.pkt[:])
	p.setOp(bootReply)
	p.setCookie(magicCookie)
	w := &optWriter{b: p.options()}
	mt := w.add(optMessageType, Nak)
	w.addU32(optServerID, s.cfg.Gateway)
	w.end()
	s.respNak.msgTypeOff = optsOff + mt
}

func (s *Server) handleDiscover(now time.Time) *template {
	// scan the whole range starting at the rotor so declined addresses
	// (half-leased) sit out without blocking the pool
	for n := 0; n < s.leases.len(); n++ {
		idx := (s.lastOffer + n) % s.leases.len()
		l := s.leases.at(idx)
		if !l.expired(now) {
			continue
		}
		l.release()
		s.resp.setMsgType(Offer)
		packet(s.resp.pkt[:]).setYIAddr(s.leases.addr(idx))
		log.D("dhcp: offered %d", idx)
		s.lastOffer++
		if s.lastOffer >= s.leases.len() {
			s.lastOffer = 0
		}
		return &s.resp
	}
	log.W("dhcp: out of ip addresses")
	return nil
}

func (s *Server) handleRequest(req packet, r request, now time.Time) *template {
	requested := r.requestedIP
	if requested == 0 {
		requested = req.ciaddr() // renewal
	}
	idx := s.leases.index(requested)
	if idx < 0 {
		log.D("dhcp: nak %d", idx)
		return &s.respNak
	}
	l := s.leases.at(idx)
	if !l.expired(now) && !l.ownedBy(req.chaddr()) {
		log.D("dhcp: nak %d", idx)
		return &s.respNak
	}
	l.claim(req.chaddr(), int(req.hlen()), now.Add(s.cfg.LeaseTime))
	hw := req.chaddr()
	log.I("dhcp: ack %02x:%02x:%02x:%02x:%02x:%02x %s %s",
		hw[0], hw[1], hw[2], hw[3], hw[4], hw[5], addrStr(requested), r.hostname)
	s.resp.setMsgType(Ack)
	packet(s.resp.pkt[:]).setYIAddr(requested)
	return &s.resp
}

// process runs one request through the state machine and returns the
// finalized reply bytes, or nil when no reply is due. The returned slice
// aliases the server's templates and is valid until the next call.
func (s *Server) process(raw []byte, now time.Time) []byte {
	if len(raw) < minSize {
		log.D("dhcp: packet too short, %d bytes < %d", len(raw), minSize)
		return nil
	}
	req := packet(raw)
	if req.op() != bootRequest {
		log.D("dhcp: not a bootrequest: %d", req.op())
		return nil
	}

	r := parseRequest(req)

	var t *template
	switch r.msgType {
	case Release:
		idx := s.leases.index(req.ciaddr())
		if idx >= 0 {
			if l := s.leases.at(idx); l.ownedBy(req.chaddr()) {
				log.D("dhcp: release %d", idx)
				l.release()
				// offer the freed address before advancing further
				s.lastOffer = idx
			}
		} else {
			log.D("dhcp: release invalid")
		}
	case Discover:
		t = s.handleDiscover(now)
	case Request:
		t = s.handleRequest(req, r, now)
	case Decline:
		// the client asserts a collision; hold the address out of the
		// pool for half a lease
		log.D("dhcp: decline %s", addrStr(r.requestedIP))
		if idx := s.leases.index(r.requestedIP); idx >= 0 {
			s.leases.at(idx).expiry = now.Add(s.cfg.LeaseTime / 2)
		}
	case Inform:
		t = &s.respInfo
		packet(t.pkt[:]).setCIAddr(req.ciaddr())
	default:
		log.D("dhcp: unknown message type: %d", r.msgType)
	}
	metrics.LeasesInUse.Set(float64(s.leases.inUse(now)))
	if t == nil {
		return nil
	}

	// the rest of the reply mirrors the request
	p := packet(t.pkt[:])
	p.setHType(req.htype())
	p.setHLen(req.hlen())
	p.setXID(req.xid())
	p.setFlags(flagBroadcast) // we cannot bypass ARP for a unicast reply
	p.setGIAddr(req.giaddr())
	p.setCHAddr(req.chaddr())
	return t.pkt[:]
}

// replyDest picks the destination for a finalized reply: the assigned
// address when it may be unicast, else limited broadcast, always port 68.
func replyDest(reply []byte) *net.UDPAddr {
	p := packet(reply)
	dst := p.yiaddr()
	if dst == 0 || p.flags()&flagBroadcast != 0 {
		dst = 0xffffffff
	}
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], dst)
	return &net.UDPAddr{IP: net.IP(ip[:]), Port: 68}
}

// Run serves requests until the socket fails. Malformed packets are
// dropped; only socket-level errors end the loop.
func (s *Server) Run() error {
	for {
		n, _, err := s.conn.ReadFrom(s.req[:])
		if err != nil {
			return fmt.Errorf("dhcp: recv: %w", err)
		}
		reply := s.process(s.req[:n], time.Now())
		if reply == nil {
			continue
		}
		if _, err := s.conn.WriteTo(reply, replyDest(reply)); err != nil {
			return fmt.Errorf("dhcp: send: %w", err)
		}
		metrics.DHCPReplies.WithLabelValues(msgTypeStr(msgTypeOf(reply))).Inc()
	}
}

// msgTypeOf walks a reply's options for its message type; 0 if absent.
func msgTypeOf(reply []byte) byte {
	ops := packet(reply).options()
	for i := 0; i+2 < len(ops); {
		switch ops[i] {
		case optPad:
			i++
		case optEnd:
			return 0
		case optMessageType:
			return ops[i+2]
		default:
			i += int(ops[i+1]) + 2
		}
	}
	return 0
}

func msgTypeStr(t byte) string {
	switch t {
	case Offer:
		return "offer"
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	}
	return "other"
}

func addrStr(a uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}
