// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dhcp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

func a4(t *testing.T, s string) uint32 {
	t.Helper()
	ip := net.ParseIP(s).To4()
	require.NotNil(t, ip, "bad test address %s", s)
	return binary.BigEndian.Uint32(ip)
}

func testServer(t *testing.T, numhosts int) *Server {
	t.Helper()
	s, err := NewServer(Config{
		Ifname:    "wlan0",
		Netmask:   a4(t, "255.255.255.0"),
		Subnet:    a4(t, "192.168.5.0"),
		Gateway:   a4(t, "192.168.5.1"),
		DNS1:      a4(t, "8.8.8.8"),
		DNS2:      a4(t, "8.8.4.4"),
		FirstHost: 100,
		NumHosts:  numhosts,
		LeaseTime: 1200 * time.Second,
	})
	require.NoError(t, err)
	return s
}

type reqSpec struct {
	op          byte
	msgType     byte // 0 omits the option
	chaddr      string
	ciaddr      uint32
	requestedIP uint32
	hostname    string
	noCookie    bool
	xid         uint32
}

func buildReq(t *testing.T, o reqSpec) []byte {
	t.Helper()
	raw := make([]byte, pktLen)
	p := packet(raw)
	if o.op == 0 {
		o.op = bootRequest
	}
	p.setOp(o.op)
	p.setHType(1)
	p.setHLen(6)
	if o.xid == 0 {
		o.xid = 0xdeadbeef
	}
	p.setXID(o.xid)
	p.setCIAddr(o.ciaddr)
	if o.chaddr != "" {
		hw, err := net.ParseMAC(o.chaddr)
		require.NoError(t, err)
		p.setCHAddr(hw)
	}
	if o.noCookie {
		return raw
	}
	p.setCookie(magicCookie)
	w := &optWriter{b: p.options()}
	if o.msgType != 0 {
		w.add(optMessageType, o.msgType)
	}
	if o.requestedIP != 0 {
		w.addU32(optRequestedIP, o.requestedIP)
	}
	if o.hostname != "" {
		w.add(optHostname, []byte(o.hostname)...)
	}
	w.end()
	return raw
}

func decodeReply(t *testing.T, reply []byte) *layers.DHCPv4 {
	t.Helper()
	require.NotNil(t, reply)
	pkt := gopacket.NewPacket(reply, layers.LayerTypeDHCPv4, gopacket.Default)
	l := pkt.Layer(layers.LayerTypeDHCPv4)
	require.NotNil(t, l, "reply does not decode as DHCP")
	return l.(*layers.DHCPv4)
}

func findOpt(d *layers.DHCPv4, typ layers.DHCPOpt) []byte {
	for _, o := range d.Options {
		if o.Type == typ {
			return o.Data
		}
	}
	return nil
}

func msgType(t *testing.T, d *layers.DHCPv4) byte {
	t.Helper()
	v := findOpt(d, layers.DHCPOptMessageType)
	require.Len(t, v, 1)
	return v[0]
}

func TestDiscoverOffer(t *testing.T) {
	s := testServer(t, 100)
	reply := s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:ff"}), testNow)
	d := decodeReply(t, reply)

	assert.Equal(t, byte(Offer), msgType(t, d))
	assert.Equal(t, net.IP{192, 168, 5, 100}, d.YourClientIP.To4())
	assert.Equal(t, uint32(0xdeadbeef), d.Xid)
	assert.Equal(t, []byte{255, 255, 255, 0}, findOpt(d, layers.DHCPOptSubnetMask))
	assert.Equal(t, []byte{192, 168, 5, 1}, findOpt(d, layers.DHCPOptRouter))
	assert.Equal(t, []byte{192, 168, 5, 1}, findOpt(d, layers.DHCPOptServerID))
	assert.Equal(t, []byte{8, 8, 8, 8, 8, 8, 4, 4}, findOpt(d, layers.DHCPOptDNS))
	assert.Equal(t, []byte{0, 0, 4, 0xb0}, findOpt(d, layers.DHCPOptLeaseTime), "1200s lease")
	assert.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, d.ClientHWAddr[:6])
	assert.NotZero(t, packet(reply).flags()&flagBroadcast)
}

func TestDiscoverRotates(t *testing.T) {
	s := testServer(t, 100)
	r1 := decodeReply(t, s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:01"}), testNow))
	r2 := decodeReply(t, s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:02"}), testNow))
	assert.Equal(t, net.IP{192, 168, 5, 100}, r1.YourClientIP.To4())
	assert.Equal(t, net.IP{192, 168, 5, 101}, r2.YourClientIP.To4())
}

func TestDiscoverExhausted(t *testing.T) {
	s := testServer(t, 1)
	req := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:01", requestedIP: a4(t, "192.168.5.100")})
	require.NotNil(t, s.process(req, testNow))
	// the only address is leased to someone else
	reply := s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:02"}), testNow)
	assert.Nil(t, reply, "no free address means no reply")
}

func TestRequestAckIdempotent(t *testing.T) {
	s := testServer(t, 100)
	req := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff",
		requestedIP: a4(t, "192.168.5.100"), hostname: "phone"})

	d1 := decodeReply(t, s.process(req, testNow))
	require.Equal(t, byte(Ack), msgType(t, d1))
	assert.Equal(t, net.IP{192, 168, 5, 100}, d1.YourClientIP.To4())

	// the same client asking again gets the same answer
	d2 := decodeReply(t, s.process(req, testNow.Add(time.Minute)))
	require.Equal(t, byte(Ack), msgType(t, d2))
	assert.Equal(t, d1.YourClientIP.To4(), d2.YourClientIP.To4())
}

func TestRequestNakForOwnedLease(t *testing.T) {
	s := testServer(t, 100)
	mine := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.100")})
	require.Equal(t, byte(Ack), msgType(t, decodeReply(t, s.process(mine, testNow))))

	theirs := buildReq(t, reqSpec{msgType: Request, chaddr: "11:22:33:44:55:66", requestedIP: a4(t, "192.168.5.100")})
	d := decodeReply(t, s.process(theirs, testNow.Add(time.Minute)))
	assert.Equal(t, byte(Nak), msgType(t, d))
	assert.Equal(t, []byte{192, 168, 5, 1}, findOpt(d, layers.DHCPOptServerID))
}

func TestRequestOutsideRangeNak(t *testing.T) {
	s := testServer(t, 100)
	for _, addr := range []string{"192.168.6.100", "192.168.5.10", "192.168.5.250"} {
		req := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, addr)})
		d := decodeReply(t, s.process(req, testNow))
		assert.Equal(t, byte(Nak), msgType(t, d), "addr %s", addr)
	}
}

func TestRequestExpiredLeaseReassigned(t *testing.T) {
	s := testServer(t, 100)
	first := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.100")})
	require.Equal(t, byte(Ack), msgType(t, decodeReply(t, s.process(first, testNow))))

	later := testNow.Add(1201 * time.Second)
	second := buildReq(t, reqSpec{msgType: Request, chaddr: "11:22:33:44:55:66", requestedIP: a4(t, "192.168.5.100")})
	assert.Equal(t, byte(Ack), msgType(t, decodeReply(t, s.process(second, later))))
}

func TestRenewalViaCIAddr(t *testing.T) {
	s := testServer(t, 100)
	first := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.100")})
	require.NotNil(t, s.process(first, testNow))

	renew := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", ciaddr: a4(t, "192.168.5.100")})
	d := decodeReply(t, s.process(renew, testNow.Add(10*time.Minute)))
	assert.Equal(t, byte(Ack), msgType(t, d))
	assert.Equal(t, net.IP{192, 168, 5, 100}, d.YourClientIP.To4())
}

func TestRequestReleaseDiscover(t *testing.T) {
	s := testServer(t, 100)
	disc := buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:ff"})
	require.Equal(t, byte(Offer), msgType(t, decodeReply(t, s.process(disc, testNow))))
	req := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.100")})
	require.Equal(t, byte(Ack), msgType(t, decodeReply(t, s.process(req, testNow))))

	rel := buildReq(t, reqSpec{msgType: Release, chaddr: "aa:bb:cc:dd:ee:ff", ciaddr: a4(t, "192.168.5.100")})
	assert.Nil(t, s.process(rel, testNow), "release is not replied to")

	// the freed address goes to the next asker
	d := decodeReply(t, s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "11:22:33:44:55:66"}), testNow))
	assert.Equal(t, byte(Offer), msgType(t, d))
	assert.Equal(t, net.IP{192, 168, 5, 100}, d.YourClientIP.To4())
}

func TestReleaseByNonOwnerIgnored(t *testing.T) {
	s := testServer(t, 100)
	req := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.100")})
	require.NotNil(t, s.process(req, testNow))

	rel := buildReq(t, reqSpec{msgType: Release, chaddr: "11:22:33:44:55:66", ciaddr: a4(t, "192.168.5.100")})
	s.process(rel, testNow)

	// still owned: a stranger's request is refused
	theirs := buildReq(t, reqSpec{msgType: Request, chaddr: "11:22:33:44:55:66", requestedIP: a4(t, "192.168.5.100")})
	assert.Equal(t, byte(Nak), msgType(t, decodeReply(t, s.process(theirs, testNow))))
}

func TestDeclineHoldsAddressOut(t *testing.T) {
	s := testServer(t, 2)
	dec := buildReq(t, reqSpec{msgType: Decline, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.100")})
	assert.Nil(t, s.process(dec, testNow))

	d := decodeReply(t, s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:ff"}), testNow))
	assert.Equal(t, net.IP{192, 168, 5, 101}, d.YourClientIP.To4(), "declined address sits out")
	req := buildReq(t, reqSpec{msgType: Request, chaddr: "aa:bb:cc:dd:ee:ff", requestedIP: a4(t, "192.168.5.101")})
	require.NotNil(t, s.process(req, testNow))

	// with .101 leased and .100 held out, the pool is dry
	assert.Nil(t, s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:01"}), testNow))

	// after half a lease the declined address returns
	later := testNow.Add(601 * time.Second)
	d2 := decodeReply(t, s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:01"}), later))
	assert.Equal(t, net.IP{192, 168, 5, 100}, d2.YourClientIP.To4())
}

func TestInform(t *testing.T) {
	s := testServer(t, 100)
	inf := buildReq(t, reqSpec{msgType: Inform, chaddr: "aa:bb:cc:dd:ee:ff", ciaddr: a4(t, "192.168.5.77")})
	reply := s.process(inf, testNow)
	d := decodeReply(t, reply)
	assert.Equal(t, byte(Ack), msgType(t, d))
	assert.Equal(t, net.IP{192, 168, 5, 77}, d.ClientIP.To4())
	assert.Nil(t, findOpt(d, layers.DHCPOptLeaseTime), "inform ack carries no lease time")
	assert.NotNil(t, findOpt(d, layers.DHCPOptSubnetMask))
}

func TestBOOTPFallback(t *testing.T) {
	s := testServer(t, 100)
	// no cookie, no addresses: implicit DISCOVER
	d := decodeReply(t, s.process(buildReq(t, reqSpec{chaddr: "aa:bb:cc:dd:ee:ff", noCookie: true}), testNow))
	assert.Equal(t, byte(Offer), msgType(t, d))

	// no cookie with ciaddr: implicit REQUEST
	d2 := decodeReply(t, s.process(buildReq(t, reqSpec{chaddr: "aa:bb:cc:dd:ee:ff",
		ciaddr: a4(t, "192.168.5.120"), noCookie: true}), testNow))
	assert.Equal(t, byte(Ack), msgType(t, d2))
	assert.Equal(t, net.IP{192, 168, 5, 120}, d2.YourClientIP.To4())
}

func TestIgnoredPackets(t *testing.T) {
	s := testServer(t, 100)
	assert.Nil(t, s.process([]byte{1, 2, 3}, testNow), "runt")
	reply := buildReq(t, reqSpec{op: bootReply, msgType: Discover, chaddr: "aa:bb:cc:dd:ee:ff"})
	assert.Nil(t, s.process(reply, testNow), "not a bootrequest")
	unknown := buildReq(t, reqSpec{msgType: 42, chaddr: "aa:bb:cc:dd:ee:ff"})
	assert.Nil(t, s.process(unknown, testNow), "unknown message type")
}

func TestReplyDest(t *testing.T) {
	s := testServer(t, 100)
	reply := s.process(buildReq(t, reqSpec{msgType: Discover, chaddr: "aa:bb:cc:dd:ee:ff"}), testNow)
	require.NotNil(t, reply)
	dst := replyDest(reply)
	assert.Equal(t, net.IP{255, 255, 255, 255}, dst.IP.To4(), "broadcast flag forces limited broadcast")
	assert.Equal(t, 68, dst.Port)
}

func TestNumHostsClamped(t *testing.T) {
	s, err := NewServer(Config{
		Netmask:   0xffffff00,
		Subnet:    0xc0a80500,
		Gateway:   0xc0a80501,
		FirstHost: 200,
		NumHosts:  100,
		LeaseTime: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, 55, s.leases.len(), "range clipped at the subnet edge")

	_, err = NewServer(Config{Netmask: 0xffffff00, NumHosts: 0})
	assert.Error(t, err)
}
