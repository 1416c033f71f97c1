/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package engine

// TransportParameters are the server side negotiation parameters of a
// transport. They are forwarded verbatim to the client.
type TransportParameters struct {
	IceParameters  *IceParameters  `json:"iceParameters"`
	IceCandidates  []*IceCandidate `json:"iceCandidates"`
	DtlsParameters *DtlsParameters `json:"dtlsParameters"`
	SctpParameters *SctpParameters `json:"sctpParameters,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment" validate:"required"`
	Password         string `json:"password" validate:"required"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address" validate:"required"`
	Protocol   string `json:"protocol" validate:"oneof=udp tcp"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TcpType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm" validate:"required"`
	Value     string `json:"value" validate:"required"`
}

type DtlsParameters struct {
	Role         string             `json:"role,omitempty" validate:"omitempty,oneof=auto client server"`
	Fingerprints []*DtlsFingerprint `json:"fingerprints" validate:"required,min=1,dive,required"`
}

type NumSctpStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

type SctpCapabilities struct {
	NumStreams NumSctpStreams `json:"numStreams"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type RtcpFeedback struct {
	Type      string `json:"type" validate:"required"`
	Parameter string `json:"parameter,omitempty"`
}

// RtpCodecCapability is a codec supported by the engine or a client.
type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType" validate:"required"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate" validate:"required"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback         []*RtcpFeedback        `json:"rtcpFeedback,omitempty" validate:"omitempty,dive,required"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri" validate:"required"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

// RtpCapabilities is a set of codecs and header extensions.
type RtpCapabilities struct {
	Codecs           []*RtpCodecCapability `json:"codecs" validate:"required,min=1,dive,required"`
	HeaderExtensions []*RtpHeaderExtension `json:"headerExtensions,omitempty" validate:"omitempty,dive,required"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType" validate:"required"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate" validate:"required"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []*RtcpFeedback        `json:"rtcpFeedback,omitempty" validate:"omitempty,dive,required"`
}

type RtpHeaderExtensionParameters struct {
	URI string `json:"uri" validate:"required"`
	ID  int    `json:"id"`
}

type RtpEncodingParameters struct {
	Ssrc uint32 `json:"ssrc,omitempty"`
	Rid  string `json:"rid,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

// RtpParameters describe the media sent or received by a producer or
// consumer.
type RtpParameters struct {
	Mid              string                          `json:"mid,omitempty"`
	Codecs           []*RtpCodecParameters           `json:"codecs" validate:"required,min=1,dive,required"`
	HeaderExtensions []*RtpHeaderExtensionParameters `json:"headerExtensions,omitempty" validate:"omitempty,dive,required"`
	Encodings        []*RtpEncodingParameters        `json:"encodings,omitempty" validate:"omitempty,dive,required"`
	Rtcp             *RtcpParameters                 `json:"rtcp,omitempty"`
}
