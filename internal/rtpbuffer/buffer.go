/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package rtpbuffer keeps the recent packets of an RTP stream so lost packets
// can be detected and retransmitted on request.
package rtpbuffer

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sasha-s/go-deadlock"
)

const (
	// Number of packets kept, must be a power of two.
	size = 1 << 10

	// Packets older than this many seconds of media are not retransmitted.
	maxAgeSeconds = 2

	// 1+16 (PID+BLP), see RFC 4585 section 6.2.1.
	maxNackSpan = 17
)

func tsDelta(x, y uint32) uint32 {
	if x > y {
		return x - y
	}
	return y - x
}

// Buffer is a packet history of one RTP stream. It is safe for concurrent
// use.
type Buffer struct {
	mutex deadlock.Mutex

	packets [size]*rtp.Packet
	maxAge  uint32

	started    bool
	highestSN  uint16
	highestTS  uint32
	lastNackSN uint16

	received uint64
	lost     uint64
}

// New creates a Buffer for a stream with clockRate.
func New(clockRate uint32) *Buffer {
	return &Buffer{
		maxAge: clockRate * maxAgeSeconds,
	}
}

func (b *Buffer) present(sn uint16) bool {
	p := b.packets[sn%size]
	return p != nil && p.SequenceNumber == sn
}

// Push adds p to the buffer. When a window of maxNackSpan packets passed
// since the last check and packets in it are missing, the NACK pair
// describing them is returned with ok set.
func (b *Buffer) Push(p *rtp.Packet) (pair rtcp.NackPair, ok bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.received++
	sn := p.SequenceNumber

	if !b.started {
		b.started = true
		b.highestSN = sn
		b.highestTS = p.Timestamp
		b.lastNackSN = sn
		b.packets[sn%size] = p
		return pair, false
	}

	switch diff := sn - b.highestSN; {
	case diff == 0:
		// Duplicate.
	case diff < 0x8000:
		if diff > 1 {
			b.lost += uint64(diff - 1)
		}
		b.highestSN = sn
		b.highestTS = p.Timestamp
	default:
		// Late arrival of a packet counted as lost.
		if !b.present(sn) && b.lost > 0 {
			b.lost--
		}
	}
	b.packets[sn%size] = p

	if b.highestSN-b.lastNackSN >= size/2 {
		b.lastNackSN = b.highestSN - maxNackSpan
	}
	if b.highestSN-b.lastNackSN >= maxNackSpan {
		pair, ok = b.nackPair(b.lastNackSN, b.highestSN)
		b.lastNackSN = b.highestSN
	}
	return pair, ok
}

// nackPair returns the NACK pair of the packets missing in [begin, end).
func (b *Buffer) nackPair(begin, end uint16) (rtcp.NackPair, bool) {
	var first uint16
	found := false
	for sn := begin; sn != end; sn++ {
		if !b.present(sn) {
			first = sn
			found = true
			break
		}
	}
	if !found {
		return rtcp.NackPair{}, false
	}

	var blp uint16
	for i := uint16(1); i <= 16; i++ {
		sn := first + i
		if sn-begin >= end-begin {
			break
		}
		if !b.present(sn) {
			blp |= 1 << (i - 1)
		}
	}

	return rtcp.NackPair{PacketID: first, LostPackets: rtcp.PacketBitmap(blp)}, true
}

// Get returns the packet with sequence number sn, if it is still available
// for retransmission.
func (b *Buffer) Get(sn uint16) *rtp.Packet {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.started || !b.present(sn) {
		return nil
	}
	p := b.packets[sn%size]
	if tsDelta(b.highestTS, p.Timestamp) > b.maxAge {
		return nil
	}
	return p
}

// Stats returns the number of received and lost packets.
func (b *Buffer) Stats() (received uint64, lost uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.received, b.lost
}
