// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

// PacketQueue is the bounded circular buffer between the capture sockets
// and the inject socket. Tail() hands out the next free slot so capture
// can receive straight into it; PushTail commits the slot only after the
// rewrite succeeds. Single producer per direction, single consumer, no
// locking: the event loop is one thread.
type PacketQueue struct {
	bufs  []Buffer
	head  int
	count int
}

// NewPacketQueue preallocates n packet buffers.
func NewPacketQueue(n int) *PacketQueue {
	if n <= 0 {
		n = 1
	}
	return &PacketQueue{bufs: make([]Buffer, n)}
}

func (q *PacketQueue) Len() int    { return q.count }
func (q *PacketQueue) Cap() int    { return len(q.bufs) }
func (q *PacketQueue) Empty() bool { return q.count == 0 }
func (q *PacketQueue) Full() bool  { return q.count == len(q.bufs) }

// Tail returns the next free slot, cleared. Only valid when !Full().
func (q *PacketQueue) Tail() *Buffer {
	b := &q.bufs[(q.head+q.count)%len(q.bufs)]
	b.Clear()
	return b
}

// PushTail commits the slot returned by Tail.
func (q *PacketQueue) PushTail() {
	if !q.Full() {
		q.count++
	}
}

// Head returns the oldest committed buffer. Only valid when !Empty().
func (q *PacketQueue) Head() *Buffer {
	return &q.bufs[q.head]
}

// PopHead discards the oldest committed buffer.
func (q *PacketQueue) PopHead() {
	if !q.Empty() {
		q.bufs[q.head].Clear()
		q.head = (q.head + 1) % len(q.bufs)
		q.count--
	}
}

// Clear discards all committed buffers.
func (q *PacketQueue) Clear() {
	for !q.Empty() {
		q.PopHead()
	}
	q.head = 0
}
