/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package engine

import (
	"fmt"
	"strings"

	"stash.kopano.io/kwm/kwmlivestream/internal/utils"
)

// Mime types of the codecs known to this package.
const (
	MimeTypeOpus = "audio/opus"
	MimeTypeVP8  = "video/VP8"
	MimeTypeVP9  = "video/VP9"
	MimeTypeH264 = "video/H264"
)

func videoRtcpFeedback() []*RtcpFeedback {
	return []*RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
}

// DefaultMediaCodecs returns the codecs every engine routes: Opus for audio,
// VP8 and H264 (constrained baseline) for video.
func DefaultMediaCodecs() []*RtpCodecCapability {
	return []*RtpCodecCapability{
		{
			Kind:                 MediaKindAudio,
			MimeType:             MimeTypeOpus,
			PreferredPayloadType: 111,
			ClockRate:            48000,
			Channels:             2,
			Parameters: map[string]interface{}{
				"minptime":     10,
				"useinbandfec": 1,
			},
		},
		{
			Kind:                 MediaKindVideo,
			MimeType:             MimeTypeVP8,
			PreferredPayloadType: 96,
			ClockRate:            90000,
			RtcpFeedback:         videoRtcpFeedback(),
		},
		{
			Kind:                 MediaKindVideo,
			MimeType:             MimeTypeH264,
			PreferredPayloadType: 102,
			ClockRate:            90000,
			Parameters: map[string]interface{}{
				"level-asymmetry-allowed": 1,
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
			},
			RtcpFeedback: videoRtcpFeedback(),
		},
	}
}

// DefaultCapabilities returns the router capabilities for DefaultMediaCodecs.
func DefaultCapabilities() *RtpCapabilities {
	return &RtpCapabilities{
		Codecs: DefaultMediaCodecs(),
		HeaderExtensions: []*RtpHeaderExtension{
			{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
			{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1, Direction: "sendrecv"},
			{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", PreferredID: 10, Direction: "sendrecv"},
			{Kind: MediaKindVideo, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time", PreferredID: 4, Direction: "sendrecv"},
		},
	}
}

// KindOfMimeType returns the media kind encoded in a mime type.
func KindOfMimeType(mimeType string) MediaKind {
	switch {
	case strings.HasPrefix(strings.ToLower(mimeType), "audio/"):
		return MediaKindAudio
	case strings.HasPrefix(strings.ToLower(mimeType), "video/"):
		return MediaKindVideo
	}
	return ""
}

func isRtx(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

func intParameter(parameters map[string]interface{}, key string) int {
	switch v := parameters[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

func channelsOrDefault(channels uint16) uint16 {
	if channels == 0 {
		return 1
	}
	return channels
}

// matchCodec reports whether a producer codec can be sent as the provided
// capability.
func matchCodec(codec *RtpCodecParameters, capability *RtpCodecCapability) bool {
	if !strings.EqualFold(codec.MimeType, capability.MimeType) {
		return false
	}
	if codec.ClockRate != capability.ClockRate {
		return false
	}
	if KindOfMimeType(codec.MimeType) == MediaKindAudio && channelsOrDefault(codec.Channels) != channelsOrDefault(capability.Channels) {
		return false
	}

	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(MimeTypeH264):
		if intParameter(codec.Parameters, "packetization-mode") != intParameter(capability.Parameters, "packetization-mode") {
			return false
		}
	case strings.ToLower(MimeTypeVP9):
		if intParameter(codec.Parameters, "profile-id") != intParameter(capability.Parameters, "profile-id") {
			return false
		}
	}

	return true
}

// ValidateRtpParameters checks producer parameters for the provided kind
// against the router capabilities.
func ValidateRtpParameters(kind MediaKind, parameters *RtpParameters, routerCapabilities *RtpCapabilities) error {
	if parameters == nil || len(parameters.Codecs) == 0 {
		return fmt.Errorf("%w: no codecs", ErrUnsupportedCodec)
	}
	for _, codec := range parameters.Codecs {
		if codec == nil {
			return fmt.Errorf("%w: empty codec entry", ErrUnsupportedCodec)
		}
		if isRtx(codec.MimeType) {
			continue
		}
		if KindOfMimeType(codec.MimeType) != kind {
			return fmt.Errorf("%w: codec %s does not match kind %s", ErrUnsupportedCodec, codec.MimeType, kind)
		}
		supported := false
		for _, capability := range routerCapabilities.Codecs {
			if capability.Kind == kind && matchCodec(codec, capability) {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("%w: %s/%d", ErrUnsupportedCodec, codec.MimeType, codec.ClockRate)
		}
	}
	return nil
}

// CanConsume reports whether media described by the producer parameters can
// be received by a client with the provided capabilities.
func CanConsume(kind MediaKind, parameters *RtpParameters, rtpCapabilities *RtpCapabilities) bool {
	_, _, ok := firstMatchingCodec(kind, parameters, rtpCapabilities)
	return ok
}

func firstMatchingCodec(kind MediaKind, parameters *RtpParameters, rtpCapabilities *RtpCapabilities) (*RtpCodecParameters, *RtpCodecCapability, bool) {
	if parameters == nil || rtpCapabilities == nil {
		return nil, nil, false
	}
	for _, codec := range parameters.Codecs {
		if codec == nil || isRtx(codec.MimeType) {
			continue
		}
		for _, capability := range rtpCapabilities.Codecs {
			if capability == nil || capability.Kind != "" && capability.Kind != kind {
				continue
			}
			if matchCodec(codec, capability) {
				return codec, capability, true
			}
		}
	}
	return nil, nil, false
}

// ConsumerRtpParameters computes the parameters a consumer of media described
// by the producer parameters sends to a client with the provided
// capabilities. The consumer gets a single codec, using the client's
// preferred payload type, and a fresh SSRC.
func ConsumerRtpParameters(kind MediaKind, parameters *RtpParameters, rtpCapabilities *RtpCapabilities) (*RtpParameters, error) {
	codec, capability, ok := firstMatchingCodec(kind, parameters, rtpCapabilities)
	if !ok {
		return nil, ErrIncompatibleCapabilities
	}

	payloadType := capability.PreferredPayloadType
	if payloadType == 0 {
		payloadType = codec.PayloadType
	}

	result := &RtpParameters{
		Codecs: []*RtpCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  payloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: rtcpFeedback(capability.RtcpFeedback),
		}},
		Encodings: []*RtpEncodingParameters{{
			Ssrc: utils.NewRandomUint32(),
		}},
		Rtcp: &RtcpParameters{
			ReducedSize: true,
		},
	}
	if parameters.Rtcp != nil {
		result.Rtcp.Cname = parameters.Rtcp.Cname
	}

	for _, extension := range parameters.HeaderExtensions {
		if extension == nil {
			continue
		}
		for _, capabilityExtension := range rtpCapabilities.HeaderExtensions {
			if capabilityExtension == nil || capabilityExtension.URI != extension.URI {
				continue
			}
			if capabilityExtension.Kind != "" && capabilityExtension.Kind != kind {
				continue
			}
			result.HeaderExtensions = append(result.HeaderExtensions, &RtpHeaderExtensionParameters{
				URI: extension.URI,
				ID:  capabilityExtension.PreferredID,
			})
			break
		}
	}

	return result, nil
}

func rtcpFeedback(feedback []*RtcpFeedback) []*RtcpFeedback {
	result := make([]*RtcpFeedback, 0, len(feedback))
	for _, fb := range feedback {
		if fb != nil {
			result = append(result, fb)
		}
	}
	return result
}
