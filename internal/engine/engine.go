/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package engine defines the boundary between the transport registry and the
// media routing engine which does the actual ICE, DTLS, SCTP and RTP work.
package engine

import (
	"context"
	"errors"
)

// Direction is the media direction of a transport as seen from the client.
type Direction string

// Supported directions.
const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// MediaKind is the kind of a media track.
type MediaKind string

// Supported media kinds.
const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// Errors returned by engine implementations.
var (
	ErrClosed                   = errors.New("engine closed")
	ErrTransportClosed          = errors.New("transport closed")
	ErrUnsupportedCodec         = errors.New("unsupported codec")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
)

// Engine is a media routing engine. An Engine may terminate on its own, in
// which case the channel returned by Done is closed and all its transports
// are gone.
type Engine interface {
	// ID returns an identifier unique to this engine instance.
	ID() string

	// Capabilities returns the router RTP capabilities of the engine.
	Capabilities() *RtpCapabilities

	// CreateTransport creates a new WebRTC transport.
	CreateTransport(ctx context.Context, options *TransportOptions) (Transport, error)

	// CanConsume reports whether a client with the provided capabilities
	// can consume the provided producer.
	CanConsume(producer Producer, rtpCapabilities *RtpCapabilities) bool

	// Done returns a channel which is closed when the engine terminated.
	Done() <-chan struct{}

	// Err returns the reason for termination after Done is closed.
	Err() error

	// Close terminates the engine and all of its transports.
	Close() error
}

// Transport is a single peer's media connection to the engine.
type Transport interface {
	ID() string

	// Parameters returns the negotiation parameters to forward to the client.
	Parameters() *TransportParameters

	// Connect completes the transport with the client's parameters.
	Connect(ctx context.Context, options *ConnectOptions) error

	// Produce attaches a new media source to the transport.
	Produce(ctx context.Context, options *ProducerOptions) (Producer, error)

	// Consume attaches a new media sink for the provided producer.
	Consume(ctx context.Context, options *ConsumerOptions) (Consumer, error)

	// Closed reports whether the engine considers the transport closed. It
	// must not block.
	Closed() bool

	Close() error
}

// Producer is a media source attached to a transport.
type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() *RtpParameters
}

// Consumer is a media sink attached to a transport, bound to one producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() *RtpParameters
	Paused() bool
}

// Factory creates engines.
type Factory func(ctx context.Context) (Engine, error)

// TransportOptions are the options to create a transport.
type TransportOptions struct {
	Direction        Direction
	SctpCapabilities *SctpCapabilities

	// EnableUDP, EnableTCP and PreferUDP select the ICE candidate protocols.
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool

	// NumSctpStreams is the fixed number of data channel stream slots.
	NumSctpStreams NumSctpStreams
}

// DefaultTransportOptions returns the transport options used for every
// transport: UDP and TCP enabled with UDP preferred and an SCTP association
// with 1024 streams in each direction.
func DefaultTransportOptions(direction Direction, sctpCapabilities *SctpCapabilities) *TransportOptions {
	return &TransportOptions{
		Direction:        direction,
		SctpCapabilities: sctpCapabilities,

		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,

		NumSctpStreams: NumSctpStreams{OS: 1024, MIS: 1024},
	}
}

// ConnectOptions are the client side parameters to connect a transport.
type ConnectOptions struct {
	DtlsParameters *DtlsParameters
	IceParameters  *IceParameters
	IceCandidates  []*IceCandidate
}

// ProducerOptions are the options to create a producer.
type ProducerOptions struct {
	Kind          MediaKind
	RtpParameters *RtpParameters
}

// ConsumerOptions are the options to create a consumer.
type ConsumerOptions struct {
	Producer        Producer
	RtpCapabilities *RtpCapabilities
	Paused          bool
}
