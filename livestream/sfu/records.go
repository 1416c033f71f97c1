/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"time"

	"github.com/sasha-s/go-deadlock"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
)

// TransportState is the lifecycle state of a registered transport.
type TransportState string

// Transport states. Closed is terminal.
const (
	TransportStateCreated   TransportState = "created"
	TransportStateConnected TransportState = "connected"
	TransportStateProducing TransportState = "producing"
	TransportStateConsuming TransportState = "consuming"
	TransportStateClosed    TransportState = "closed"
)

type engineHandle struct {
	engine     engine.Engine
	generation uint64
	started    time.Time
}

// terminated reports whether the engine of the handle is gone. It never
// blocks.
func (h *engineHandle) terminated() bool {
	select {
	case <-h.engine.Done():
		return true
	default:
		return false
	}
}

type transportRecord struct {
	deadlock.RWMutex

	id        string
	userID    string
	streamID  string
	direction engine.Direction
	created   time.Time

	handle    *engineHandle
	transport engine.Transport

	state     TransportState
	producers []string
	consumers int
}

func newTransportRecord(handle *engineHandle, transport engine.Transport, userID string, streamID string, direction engine.Direction) *transportRecord {
	return &transportRecord{
		id:        transport.ID(),
		userID:    userID,
		streamID:  streamID,
		direction: direction,
		created:   time.Now(),

		handle:    handle,
		transport: transport,

		state: TransportStateCreated,
	}
}

// advance moves the record forward to state. States never go back and
// closed is never left.
func (record *transportRecord) advance(state TransportState) {
	record.Lock()
	defer record.Unlock()

	switch record.state {
	case TransportStateClosed:
		return
	case TransportStateCreated:
		record.state = state
	case TransportStateConnected, TransportStateProducing, TransportStateConsuming:
		if state != TransportStateCreated && state != TransportStateConnected {
			record.state = state
		}
	}
}

func (record *transportRecord) evictable() bool {
	if record.handle.terminated() || record.transport.Closed() {
		return true
	}

	record.RLock()
	defer record.RUnlock()
	return record.state == TransportStateClosed
}

func (record *transportRecord) addProducer(producerID string) {
	record.Lock()
	record.producers = append(record.producers, producerID)
	record.Unlock()
}

func (record *transportRecord) addConsumer() {
	record.Lock()
	record.consumers++
	record.Unlock()
}

func (record *transportRecord) producerIDs() []string {
	record.RLock()
	defer record.RUnlock()

	return append([]string(nil), record.producers...)
}

func (record *transportRecord) numConsumers() int {
	record.RLock()
	defer record.RUnlock()

	return record.consumers
}

func (record *transportRecord) Resource() *TransportResource {
	record.RLock()
	defer record.RUnlock()

	return &TransportResource{
		ID:        record.id,
		UserID:    record.userID,
		StreamID:  record.streamID,
		Direction: record.direction,
		State:     record.state,
		EngineID:  record.handle.engine.ID(),
		Created:   record.created,

		Producers: append([]string{}, record.producers...),
		Consumers: record.consumers,
	}
}

type producerRecord struct {
	producer  engine.Producer
	transport *transportRecord
	sequence  uint64
}

func (record *producerRecord) Resource() *ProducerResource {
	return &ProducerResource{
		ID:          record.producer.ID(),
		Kind:        record.producer.Kind(),
		TransportID: record.transport.id,
		UserID:      record.transport.userID,
	}
}
