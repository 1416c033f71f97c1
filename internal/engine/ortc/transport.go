/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package ortc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	"stash.kopano.io/kwm/kwmlivestream/internal/utils"
)

// sctpPort is the SCTP port announced to clients. pion always uses 5000.
const sctpPort = 5000

var errAlreadyConnecting = errors.New("transport connect already in progress")

type transport struct {
	deadlock.RWMutex

	id        string
	direction engine.Direction
	engine    *Engine
	logger    logrus.FieldLogger

	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	parameters *engine.TransportParameters

	connecting    bool
	connectedOnce sync.Once
	connected     chan struct{}
	closeOnce     sync.Once
	closed        chan struct{}
	stopOnce      sync.Once
	stopErr       error

	producers map[string]*producer
	consumers map[string]*consumer
}

func newTransport(ctx context.Context, e *Engine, options *engine.TransportOptions) (*transport, error) {
	api, err := e.newAPI(options)
	if err != nil {
		return nil, err
	}

	id := utils.NewRandomGUID()
	t := &transport{
		id:        id,
		direction: options.Direction,
		engine:    e,
		logger: e.logger.WithFields(logrus.Fields{
			"transport": id,
			"direction": options.Direction,
		}),

		api: api,

		connected: make(chan struct{}),
		closed:    make(chan struct{}),

		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}

	if t.gatherer, err = api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: e.iceServers,
	}); err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}

	var gatherOnce sync.Once
	gatherFinished := make(chan struct{})
	t.gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			gatherOnce.Do(func() {
				close(gatherFinished)
			})
		}
	})

	t.ice = api.NewICETransport(t.gatherer)
	t.ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.WithField("state", state).Debugln("ice transport state changed")
		switch state {
		case webrtc.ICETransportStateFailed, webrtc.ICETransportStateClosed:
			t.markClosed()
		}
	})

	if t.dtls, err = api.NewDTLSTransport(t.ice, nil); err != nil {
		_ = t.gatherer.Close()
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}
	t.dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.WithField("state", state).Debugln("dtls transport state changed")
		switch state {
		case webrtc.DTLSTransportStateConnected:
			t.connectedOnce.Do(func() {
				close(t.connected)
			})
		case webrtc.DTLSTransportStateFailed, webrtc.DTLSTransportStateClosed:
			t.markClosed()
		}
	})

	t.sctp = api.NewSCTPTransport(t.dtls)

	if err = t.gatherer.Gather(); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to gather ICE candidates: %w", err)
	}
	select {
	case <-gatherFinished:
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	if t.parameters, err = t.localParameters(options); err != nil {
		t.Close()
		return nil, err
	}

	t.logger.WithField("candidates", len(t.parameters.IceCandidates)).Debugln("transport created")
	return t, nil
}

func (t *transport) localParameters(options *engine.TransportOptions) (*engine.TransportParameters, error) {
	iceParameters, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to get local ICE parameters: %w", err)
	}
	iceCandidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("failed to get local ICE candidates: %w", err)
	}
	dtlsParameters, err := t.dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to get local DTLS parameters: %w", err)
	}
	sctpCapabilities := t.sctp.GetCapabilities()

	parameters := &engine.TransportParameters{
		IceParameters: &engine.IceParameters{
			UsernameFragment: iceParameters.UsernameFragment,
			Password:         iceParameters.Password,
			IceLite:          iceParameters.ICELite,
		},
		IceCandidates:  make([]*engine.IceCandidate, 0, len(iceCandidates)),
		DtlsParameters: fromDTLSParameters(dtlsParameters),
		SctpParameters: &engine.SctpParameters{
			Port:           sctpPort,
			OS:             options.NumSctpStreams.OS,
			MIS:            options.NumSctpStreams.MIS,
			MaxMessageSize: sctpCapabilities.MaxMessageSize,
		},
	}
	for _, candidate := range iceCandidates {
		parameters.IceCandidates = append(parameters.IceCandidates, fromICECandidate(candidate))
	}

	return parameters, nil
}

func (t *transport) ID() string {
	return t.id
}

func (t *transport) Parameters() *engine.TransportParameters {
	return t.parameters
}

// Connect validates the remote parameters and starts ICE, DTLS and SCTP in
// the background. Completion is signaled through the DTLS state.
func (t *transport) Connect(ctx context.Context, options *engine.ConnectOptions) error {
	if t.Closed() {
		return engine.ErrTransportClosed
	}
	if options.DtlsParameters == nil {
		return errors.New("remote dtls parameters required")
	}
	if options.IceParameters == nil {
		return errors.New("remote ice parameters required")
	}

	remoteDTLS, err := toDTLSParameters(options.DtlsParameters)
	if err != nil {
		return err
	}
	remoteICE := webrtc.ICEParameters{
		UsernameFragment: options.IceParameters.UsernameFragment,
		Password:         options.IceParameters.Password,
		ICELite:          options.IceParameters.IceLite,
	}
	remoteCandidates := make([]webrtc.ICECandidate, 0, len(options.IceCandidates))
	for _, c := range options.IceCandidates {
		if c == nil {
			return errors.New("empty remote ice candidate")
		}
		candidate, convertErr := toICECandidate(c)
		if convertErr != nil {
			return convertErr
		}
		remoteCandidates = append(remoteCandidates, candidate)
	}

	t.Lock()
	if t.connecting {
		t.Unlock()
		return errAlreadyConnecting
	}
	t.connecting = true
	t.Unlock()

	if err = t.ice.SetRemoteCandidates(remoteCandidates); err != nil {
		return fmt.Errorf("failed to set remote ICE candidates: %w", err)
	}

	go func() {
		role := webrtc.ICERoleControlled
		if startErr := t.ice.Start(nil, remoteICE, &role); startErr != nil {
			t.logger.WithError(startErr).Warnln("failed to start ice transport")
			t.Close()
			return
		}
		if startErr := t.dtls.Start(remoteDTLS); startErr != nil {
			t.logger.WithError(startErr).Warnln("failed to start dtls transport")
			t.Close()
			return
		}
		if startErr := t.sctp.Start(webrtc.SCTPCapabilities{}); startErr != nil {
			t.logger.WithError(startErr).Warnln("failed to start sctp transport")
			t.Close()
			return
		}
		t.logger.Debugln("transport connected")
	}()

	return nil
}

// waitConnected blocks until DTLS is connected, SRTP is not usable before.
func (t *transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.closed:
		return engine.ErrTransportClosed
	case <-ctx.Done():
		return fmt.Errorf("transport not connected: %w", ctx.Err())
	}
}

func (t *transport) Produce(ctx context.Context, options *engine.ProducerOptions) (engine.Producer, error) {
	if t.Closed() {
		return nil, engine.ErrTransportClosed
	}
	if err := engine.ValidateRtpParameters(options.Kind, options.RtpParameters, t.engine.capabilities); err != nil {
		return nil, err
	}
	codec := firstMediaCodec(options.RtpParameters)
	if len(options.RtpParameters.Encodings) == 0 || options.RtpParameters.Encodings[0] == nil || options.RtpParameters.Encodings[0].Ssrc == 0 {
		return nil, errors.New("producer encoding ssrc required")
	}
	ssrc := options.RtpParameters.Encodings[0].Ssrc

	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(webrtc.NewRTPCodecType(string(options.Kind)), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp receiver: %w", err)
	}
	if err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to receive: %w", err)
	}

	p := newProducer(t, options.Kind, options.RtpParameters, ssrc, receiver)

	t.Lock()
	t.producers[p.id] = p
	t.Unlock()

	go p.readLoop()

	return p, nil
}

func (t *transport) Consume(ctx context.Context, options *engine.ConsumerOptions) (engine.Consumer, error) {
	if t.Closed() {
		return nil, engine.ErrTransportClosed
	}
	p, ok := options.Producer.(*producer)
	if !ok || p.transport.engine != t.engine {
		return nil, errors.New("producer does not belong to this engine")
	}
	if p.transport.Closed() {
		return nil, fmt.Errorf("producer gone: %w", engine.ErrTransportClosed)
	}

	rtpParameters, err := engine.ConsumerRtpParameters(p.kind, p.parameters, options.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	// The sender writes with the payload type registered in the media
	// engine, so announce that one.
	routerParameters, err := engine.ConsumerRtpParameters(p.kind, p.parameters, t.engine.capabilities)
	if err != nil {
		return nil, err
	}
	rtpParameters.Codecs[0].PayloadType = routerParameters.Codecs[0].PayloadType

	if err = t.waitConnected(ctx); err != nil {
		return nil, err
	}

	id := utils.NewRandomGUID()
	codec := rtpParameters.Codecs[0]
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback), id, p.id)
	if err != nil {
		return nil, fmt.Errorf("failed to create track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp sender: %w", err)
	}
	if err = sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(rtpParameters.Encodings[0].Ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	}); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("failed to send: %w", err)
	}

	c := newConsumer(id, t, p, rtpParameters, track, sender, options.Paused)

	t.Lock()
	t.consumers[c.id] = c
	t.Unlock()

	p.addConsumer(c)
	go c.readRTCPLoop()

	if p.kind == engine.MediaKindVideo {
		p.requestKeyFrame()
	}

	return c, nil
}

func (t *transport) writeRTCP(pkts []rtcp.Packet) error {
	_, err := t.dtls.WriteRTCP(pkts)
	return err
}

func (t *transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *transport) markClosed() {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
}

func (t *transport) Close() error {
	t.markClosed()
	t.stopOnce.Do(func() {
		t.stopErr = t.stop()
	})
	return t.stopErr
}

func (t *transport) stop() error {
	t.Lock()
	producers := t.producers
	consumers := t.consumers
	t.producers = make(map[string]*producer)
	t.consumers = make(map[string]*consumer)
	t.Unlock()

	for _, c := range consumers {
		c.close()
	}
	for _, p := range producers {
		p.close()
	}

	var errs []error
	if err := t.sctp.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, err)
	}

	t.engine.removeTransport(t)
	t.logger.Debugln("transport closed")

	return errors.Join(errs...)
}

func firstMediaCodec(parameters *engine.RtpParameters) *engine.RtpCodecParameters {
	for _, codec := range parameters.Codecs {
		if codec != nil && engine.KindOfMimeType(codec.MimeType) != "" && !isRtxMimeType(codec.MimeType) {
			return codec
		}
	}
	return parameters.Codecs[0]
}
