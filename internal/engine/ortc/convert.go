/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package ortc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
)

func isRtxMimeType(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

func fromICECandidate(c webrtc.ICECandidate) *engine.IceCandidate {
	return &engine.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TcpType:    c.TCPType,
	}
}

func toICECandidate(c *engine.IceCandidate) (webrtc.ICECandidate, error) {
	protocol, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("invalid ice candidate protocol: %w", err)
	}
	typ := webrtc.ICECandidateTypeHost
	if c.Type != "" {
		if typ, err = webrtc.NewICECandidateType(c.Type); err != nil {
			return webrtc.ICECandidate{}, fmt.Errorf("invalid ice candidate type: %w", err)
		}
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   protocol,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TcpType,
	}, nil
}

func fromDTLSParameters(p webrtc.DTLSParameters) *engine.DtlsParameters {
	result := &engine.DtlsParameters{
		Role:         p.Role.String(),
		Fingerprints: make([]*engine.DtlsFingerprint, 0, len(p.Fingerprints)),
	}
	for _, fingerprint := range p.Fingerprints {
		result.Fingerprints = append(result.Fingerprints, &engine.DtlsFingerprint{
			Algorithm: fingerprint.Algorithm,
			Value:     fingerprint.Value,
		})
	}
	return result
}

func toDTLSParameters(p *engine.DtlsParameters) (webrtc.DTLSParameters, error) {
	result := webrtc.DTLSParameters{
		Fingerprints: make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints)),
	}
	switch p.Role {
	case "", "auto":
		result.Role = webrtc.DTLSRoleAuto
	case "client":
		result.Role = webrtc.DTLSRoleClient
	case "server":
		result.Role = webrtc.DTLSRoleServer
	default:
		return result, fmt.Errorf("invalid dtls role: %s", p.Role)
	}
	for _, fingerprint := range p.Fingerprints {
		result.Fingerprints = append(result.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: fingerprint.Algorithm,
			Value:     fingerprint.Value,
		})
	}
	return result, nil
}
