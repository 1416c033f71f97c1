/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"time"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
)

// TransportDescriptor is returned to the client which created a transport.
type TransportDescriptor struct {
	ID string `json:"id"`

	*engine.TransportParameters
}

// ProducerDescriptor describes a new producer.
type ProducerDescriptor struct {
	ID string `json:"id"`
}

// ConsumerDescriptor describes a new consumer.
type ConsumerDescriptor struct {
	ID            string                `json:"id"`
	ProducerID    string                `json:"producerId"`
	Kind          engine.MediaKind      `json:"kind"`
	RtpParameters *engine.RtpParameters `json:"rtpParameters"`
}

// TransportResource is the inspection view of a transport.
type TransportResource struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	StreamID  string           `json:"streamId"`
	Direction engine.Direction `json:"direction"`
	State     TransportState   `json:"state"`
	EngineID  string           `json:"engineId"`
	Created   time.Time        `json:"created"`

	Producers []string `json:"producers"`
	Consumers int      `json:"consumers"`
}

// ProducerResource is the inspection view of a producer.
type ProducerResource struct {
	ID          string           `json:"id"`
	Kind        engine.MediaKind `json:"kind"`
	TransportID string           `json:"transportId"`
	UserID      string           `json:"userId"`
}
