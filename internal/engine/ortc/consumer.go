/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package ortc

import (
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
)

type consumer struct {
	id         string
	parameters *engine.RtpParameters
	transport  *transport
	producer   *producer
	logger     logrus.FieldLogger

	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	paused atomic.Bool
}

func newConsumer(id string, t *transport, p *producer, parameters *engine.RtpParameters, track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, paused bool) *consumer {
	c := &consumer{
		id:         id,
		parameters: parameters,
		transport:  t,
		producer:   p,
		logger: t.logger.WithFields(logrus.Fields{
			"consumer": id,
			"producer": p.id,
		}),

		track:  track,
		sender: sender,
	}
	c.paused.Store(paused)
	return c
}

func (c *consumer) ID() string {
	return c.id
}

func (c *consumer) ProducerID() string {
	return c.producer.id
}

func (c *consumer) Kind() engine.MediaKind {
	return c.producer.kind
}

func (c *consumer) RtpParameters() *engine.RtpParameters {
	return c.parameters
}

func (c *consumer) Paused() bool {
	return c.paused.Load()
}

// readRTCPLoop relays keyframe requests of the consuming client to the
// producer and answers its NACKs from the producer's buffer.
func (c *consumer) readRTCPLoop() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt := pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			case *rtcp.TransportLayerNack:
				c.producer.retransmit(c, pkt)
			}
		}
	}
}

func (c *consumer) close() {
	c.producer.removeConsumer(c)
	if err := c.sender.Stop(); err != nil {
		c.logger.WithError(err).Debugln("error while stopping rtp sender")
	}
}
