/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package ortc

import (
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	"stash.kopano.io/kwm/kwmlivestream/internal/rtpbuffer"
	"stash.kopano.io/kwm/kwmlivestream/internal/utils"
)

// Minimum time between two keyframe requests sent to a producer.
const keyFrameRequestInterval = 500 * time.Millisecond

type producer struct {
	deadlock.RWMutex

	id         string
	kind       engine.MediaKind
	parameters *engine.RtpParameters
	ssrc       uint32
	transport  *transport
	logger     logrus.FieldLogger

	receiver *webrtc.RTPReceiver
	buffer   *rtpbuffer.Buffer

	consumers map[string]*consumer

	lastKeyFrameRequest time.Time
}

func newProducer(t *transport, kind engine.MediaKind, parameters *engine.RtpParameters, ssrc uint32, receiver *webrtc.RTPReceiver) *producer {
	id := utils.NewRandomGUID()
	p := &producer{
		id:         id,
		kind:       kind,
		parameters: parameters,
		ssrc:       ssrc,
		transport:  t,
		logger: t.logger.WithFields(logrus.Fields{
			"producer": id,
			"kind":     kind,
			"ssrc":     ssrc,
		}),

		receiver: receiver,

		consumers: make(map[string]*consumer),
	}
	if kind == engine.MediaKindVideo {
		p.buffer = rtpbuffer.New(firstMediaCodec(parameters).ClockRate)
	}
	return p
}

func (p *producer) ID() string {
	return p.id
}

func (p *producer) Kind() engine.MediaKind {
	return p.kind
}

func (p *producer) RtpParameters() *engine.RtpParameters {
	return p.parameters
}

// readLoop forwards every RTP packet of the producer to its consumers until
// the receiver stops.
func (p *producer) readLoop() {
	track := p.receiver.Track()
	if track == nil {
		p.logger.Warnln("producer has no remote track")
		return
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.WithError(err).Debugln("producer read loop stopped")
			}
			return
		}

		if p.buffer != nil {
			if pair, lost := p.buffer.Push(pkt); lost {
				p.requestRetransmission(pair)
			}
		}

		p.RLock()
		for _, c := range p.consumers {
			if c.Paused() {
				continue
			}
			if writeErr := c.track.WriteRTP(pkt); writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) {
				c.logger.WithError(writeErr).Debugln("failed to forward rtp packet")
			}
		}
		p.RUnlock()
	}
}

func (p *producer) addConsumer(c *consumer) {
	p.Lock()
	p.consumers[c.id] = c
	p.Unlock()
}

func (p *producer) removeConsumer(c *consumer) {
	p.Lock()
	delete(p.consumers, c.id)
	p.Unlock()
}

// requestKeyFrame sends a picture loss indication to the producing client.
func (p *producer) requestKeyFrame() {
	if p.kind != engine.MediaKindVideo {
		return
	}

	p.Lock()
	now := time.Now()
	if now.Sub(p.lastKeyFrameRequest) < keyFrameRequestInterval {
		p.Unlock()
		return
	}
	p.lastKeyFrameRequest = now
	p.Unlock()

	if err := p.transport.writeRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	}); err != nil {
		p.logger.WithError(err).Debugln("failed to send pli")
	}
}

// requestRetransmission asks the producing client to resend the packets
// described by pair.
func (p *producer) requestRetransmission(pair rtcp.NackPair) {
	if err := p.transport.writeRTCP([]rtcp.Packet{
		&rtcp.TransportLayerNack{
			SenderSSRC: p.ssrc,
			MediaSSRC:  p.ssrc,
			Nacks:      []rtcp.NackPair{pair},
		},
	}); err != nil {
		p.logger.WithError(err).Debugln("failed to send nack")
	}
}

// retransmit resends the packets requested by a consumer's NACK from the
// buffer of the producer.
func (p *producer) retransmit(c *consumer, nack *rtcp.TransportLayerNack) {
	if p.buffer == nil {
		return
	}

	for _, pair := range nack.Nacks {
		for _, sn := range pair.PacketList() {
			pkt := p.buffer.Get(sn)
			if pkt == nil {
				continue
			}
			if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.WithError(err).Debugln("failed to retransmit rtp packet")
				return
			}
		}
	}
}

func (p *producer) close() {
	if p.buffer != nil {
		received, lost := p.buffer.Stats()
		p.logger.WithFields(logrus.Fields{
			"received": received,
			"lost":     lost,
		}).Debugln("producer closed")
	}

	if err := p.receiver.Stop(); err != nil {
		p.logger.WithError(err).Debugln("error while stopping rtp receiver")
	}
}
