// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

import (
	"github.com/szym/barnacle/log"
)

// PlugFunc binds a kernel socket to the given port so the host cannot hand
// the port to another process, returning the socket's fd. Tests substitute
// a fake; the real ones live in sock_linux.go.
type PlugFunc func(port uint16) (fd int, err error)

// CloseFunc releases a plug fd.
type CloseFunc func(fd int)

// portFIFO is a fixed-capacity ring of ephemeral ports.
type portFIFO struct {
	ports []uint16
	head  int
	count int
}

func newPortFIFO(capacity int) *portFIFO {
	return &portFIFO{ports: make([]uint16, capacity)}
}

func (q *portFIFO) empty() bool { return q.count == 0 }
func (q *portFIFO) full() bool  { return q.count == len(q.ports) }

func (q *portFIFO) pop() uint16 {
	p := q.ports[q.head]
	q.head = (q.head + 1) % len(q.ports)
	q.count--
	return p
}

func (q *portFIFO) push(p uint16) {
	q.ports[(q.head+q.count)%len(q.ports)] = p
	q.count++
}

// PortPool owns one protocol's external ports: a preserved-port map the
// operator asked to keep predictable, and a rotating FIFO of ephemeral
// ports. Every port in the pool stays plugged by a live kernel socket for
// the pool's lifetime; a port is either here or in exactly one mapping.
type PortPool struct {
	preserved map[uint16]bool // port -> available
	queue     *portFIFO
	plugs     []int
	closeFn   CloseFunc
}

// NewPortPool plugs the preserved ports and then numports ephemeral ports
// starting at firstport, skipping any port the kernel refuses. A preserved
// port that cannot be plugged is dropped from the map with a log line; the
// ephemeral scan keeps probing upward until numports plugs succeed or the
// port space runs out.
func NewPortPool(preserved []uint16, numports int, firstport uint16, plug PlugFunc, closeFn CloseFunc) *PortPool {
	p := &PortPool{
		preserved: make(map[uint16]bool, len(preserved)),
		queue:     newPortFIFO(max(numports, 1)),
		closeFn:   closeFn,
	}
	for _, port := range preserved {
		fd, err := plug(port)
		if err != nil {
			log.D("nat: port %d cannot be preserved: %v", port, err)
			continue
		}
		p.plugs = append(p.plugs, fd)
		p.preserved[port] = true
		log.D("nat: preserved port %d", port)
	}
	port := firstport
	for n := 0; n < numports && port != 0; {
		fd, err := plug(port)
		if err != nil {
			port++ // kernel refused; leave a hole
			continue
		}
		p.plugs = append(p.plugs, fd)
		p.queue.push(port)
		port++
		n++
	}
	return p
}

// Alloc takes preferred when it is a free preserved port, else the oldest
// ephemeral port. Returns 0 when the pool is exhausted.
func (p *PortPool) Alloc(preferred uint16) uint16 {
	if avail, ok := p.preserved[preferred]; ok && avail {
		p.preserved[preferred] = false
		return preferred
	}
	if p.queue.empty() {
		return 0
	}
	return p.queue.pop()
}

// Free returns a port to the pool it came from.
func (p *PortPool) Free(port uint16) {
	if _, ok := p.preserved[port]; ok {
		p.preserved[port] = true
		return
	}
	if !p.queue.full() {
		p.queue.push(port)
	}
}

// Close releases every plug socket.
func (p *PortPool) Close() {
	if p.closeFn != nil {
		for _, fd := range p.plugs {
			p.closeFn(fd)
		}
	}
	p.plugs = nil
}
