/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package ortc implements the media routing engine with the ORTC API of
// pion/webrtc. Every transport is a standalone ICE, DTLS and SCTP stack,
// producers are RTP receivers and consumers are RTP senders fed from the
// producer they are bound to.
package ortc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	"stash.kopano.io/kwm/kwmlivestream/internal/utils"
)

// Config bundles the settings of an Engine.
type Config struct {
	Logger logrus.FieldLogger

	ICEServers               []string
	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16
	ICELite                  bool

	// ICEIncludeLoopback gathers loopback host candidates too.
	ICEIncludeLoopback bool

	// ICETCPListenAddr enables ICE-TCP candidates through a shared passive
	// listener when set.
	ICETCPListenAddr string
}

// Engine is an engine.Engine backed by pion/webrtc.
type Engine struct {
	id     string
	config *Config
	logger logrus.FieldLogger

	settings     webrtc.SettingEngine
	networkTypes []webrtc.NetworkType
	iceServers   []webrtc.ICEServer
	tcpListener  net.Listener

	capabilities *engine.RtpCapabilities

	transports cmap.ConcurrentMap

	closeOnce   sync.Once
	terminating atomic.Bool
	done        chan struct{}
	err         error
}

// NewFactory returns an engine.Factory creating engines with the provided
// config.
func NewFactory(config *Config) engine.Factory {
	return func(ctx context.Context) (engine.Engine, error) {
		return New(ctx, config)
	}
}

// New creates a new Engine with the provided config.
func New(ctx context.Context, config *Config) (*Engine, error) {
	id := utils.NewRandomGUID()
	logger := config.Logger.WithField("engine", id)

	e := &Engine{
		id:     id,
		config: config,
		logger: logger,

		capabilities: engine.DefaultCapabilities(),

		transports: cmap.New(),

		done: make(chan struct{}),
	}

	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{logger},
	}
	s.SetLite(config.ICELite)
	s.SetIncludeLoopbackCandidate(config.ICEIncludeLoopback)
	s.DisableSRTPReplayProtection(true)
	s.DisableSRTCPReplayProtection(true)

	if len(config.ICEInterfaces) > 0 {
		logger.WithField("interfaces", config.ICEInterfaces).Debugln("enabling ICE interface filter")
		iceInterfaceFilterMap := make(map[string]bool)
		for _, ifName := range config.ICEInterfaces {
			iceInterfaceFilterMap[ifName] = true
		}
		s.SetInterfaceFilter(func(i string) bool {
			return iceInterfaceFilterMap[i]
		})
	}

	e.networkTypes = []webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
		webrtc.NetworkTypeTCP4,
		webrtc.NetworkTypeTCP6,
	}
	if len(config.ICENetworkTypes) > 0 {
		candidateTypes := make([]webrtc.NetworkType, 0)
		for _, networkTypeString := range config.ICENetworkTypes {
			var nt webrtc.NetworkType
			switch strings.ToLower(networkTypeString) {
			case "udp4":
				nt = webrtc.NetworkTypeUDP4
			case "udp6":
				nt = webrtc.NetworkTypeUDP6
			case "tcp4":
				nt = webrtc.NetworkTypeTCP4
			case "tcp6":
				nt = webrtc.NetworkTypeTCP6
			default:
				logger.WithField("type", networkTypeString).Warnln("unsupported network type, skipped")
				continue
			}
			candidateTypes = append(candidateTypes, nt)
		}
		if len(candidateTypes) == 0 {
			logger.Errorln("ICE candidate network type list is empty, continuing anyway")
		}
		logger.WithField("types", candidateTypes).Debugln("enabling limit of ICE candidate network type")
		e.networkTypes = candidateTypes
	}

	if config.ICEEphemeralUDPPortRange[1] != 0 {
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Debugln("limiting ICE ports")
		if err := s.SetEphemeralUDPPortRange(config.ICEEphemeralUDPPortRange[0], config.ICEEphemeralUDPPortRange[1]); err != nil {
			return nil, fmt.Errorf("failed to set ICE port range: %w", err)
		}
	}

	if config.ICETCPListenAddr != "" {
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, "tcp", config.ICETCPListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen for ICE-TCP: %w", err)
		}
		logger.WithField("listenAddr", listener.Addr().String()).Infoln("ICE-TCP enabled")
		e.tcpListener = &watchedListener{
			Listener: listener,
			failed: func(err error) {
				e.fail(fmt.Errorf("ice-tcp listener failed: %w", err))
			},
		}
		s.SetICETCPMux(webrtc.NewICETCPMux((&loggerFactory{logger}).NewLogger("ice-tcp"), e.tcpListener, 8))
	}

	if len(config.ICEServers) > 0 {
		e.iceServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	e.settings = s

	logger.Infoln("engine started")
	return e, nil
}

// newAPI creates a webrtc API for a single transport. The media engine holds
// per transport state, so it is never shared.
func (e *Engine) newAPI(options *engine.TransportOptions) (*webrtc.API, error) {
	m, err := newMediaEngine(e.capabilities.Codecs)
	if err != nil {
		return nil, err
	}

	s := e.settings
	networkTypes := make([]webrtc.NetworkType, 0, len(e.networkTypes))
	for _, nt := range e.networkTypes {
		switch nt {
		case webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6:
			if !options.EnableUDP {
				continue
			}
		case webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6:
			if !options.EnableTCP || e.tcpListener == nil {
				continue
			}
		}
		networkTypes = append(networkTypes, nt)
	}
	// UDP host candidates always get a higher local preference than TCP ones
	// from pion/ice, which covers PreferUDP.
	s.SetNetworkTypes(networkTypes)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)), nil
}

func newMediaEngine(codecs []*engine.RtpCodecCapability) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, codec := range codecs {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback),
			PayloadType:        webrtc.PayloadType(codec.PreferredPayloadType),
		}, webrtc.NewRTPCodecType(string(codec.Kind))); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", codec.MimeType, err)
		}
	}
	return m, nil
}

func codecCapability(mimeType string, clockRate uint32, channels uint16, parameters map[string]interface{}, feedback []*engine.RtcpFeedback) webrtc.RTPCodecCapability {
	rtcpfb := make([]webrtc.RTCPFeedback, 0, len(feedback))
	for _, fb := range feedback {
		if fb == nil {
			continue
		}
		rtcpfb = append(rtcpfb, webrtc.RTCPFeedback{
			Type:      fb.Type,
			Parameter: fb.Parameter,
		})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     mimeType,
		ClockRate:    clockRate,
		Channels:     channels,
		SDPFmtpLine:  fmtpLine(parameters),
		RTCPFeedback: rtcpfb,
	}
}

// fmtpLine formats codec parameters as SDP fmtp value with sorted keys.
func fmtpLine(parameters map[string]interface{}) string {
	if len(parameters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, parameters[k]))
	}
	return strings.Join(parts, ";")
}

// ID implements engine.Engine.
func (e *Engine) ID() string {
	return e.id
}

// Capabilities implements engine.Engine.
func (e *Engine) Capabilities() *engine.RtpCapabilities {
	return e.capabilities
}

// CreateTransport implements engine.Engine. It returns after ICE candidate
// gathering completed or ctx is done.
func (e *Engine) CreateTransport(ctx context.Context, options *engine.TransportOptions) (engine.Transport, error) {
	select {
	case <-e.done:
		return nil, engine.ErrClosed
	default:
	}

	t, err := newTransport(ctx, e, options)
	if err != nil {
		return nil, err
	}
	e.transports.Set(t.id, t)

	return t, nil
}

// CanConsume implements engine.Engine.
func (e *Engine) CanConsume(producer engine.Producer, rtpCapabilities *engine.RtpCapabilities) bool {
	if producer == nil {
		return false
	}
	return engine.CanConsume(producer.Kind(), producer.RtpParameters(), rtpCapabilities)
}

// Done implements engine.Engine.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err implements engine.Engine.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	return e.terminate(engine.ErrClosed)
}

// fail terminates the engine with reason unless it is terminating already.
func (e *Engine) fail(reason error) {
	if e.terminating.Load() {
		return
	}
	e.logger.WithError(reason).Errorln("engine failed")
	e.terminate(reason)
}

func (e *Engine) terminate(reason error) error {
	var err error
	e.closeOnce.Do(func() {
		e.terminating.Store(true)
		e.logger.WithField("reason", reason).Infoln("engine terminating")
		for entry := range e.transports.IterBuffered() {
			t := entry.Val.(*transport)
			if closeErr := t.Close(); closeErr != nil {
				t.logger.WithError(closeErr).Debugln("error while closing transport")
			}
		}
		if e.tcpListener != nil {
			err = e.tcpListener.Close()
		}
		e.err = reason
		close(e.done)
	})
	return err
}

func (e *Engine) removeTransport(t *transport) {
	e.transports.Remove(t.id)
}

// watchedListener reports Accept errors to failed. The ICE-TCP mux stops
// accepting after the first error.
type watchedListener struct {
	net.Listener
	failed func(error)
}

func (l *watchedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		l.failed(err)
	}
	return conn, err
}
