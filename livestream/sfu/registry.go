/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package sfu implements the registry of media transports, which maps the
// transports of a media engine to the users and streams they belong to.
package sfu

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
)

// Defaults for Options.
const (
	DefaultSweepInterval = 60 * time.Second
	DefaultCallTimeout   = 10 * time.Second
)

// Options define the settings of a Registry.
type Options struct {
	Logger  logrus.FieldLogger
	Metrics prometheus.Registerer

	// Factory creates the media engine whenever there is none.
	Factory engine.Factory

	SweepInterval time.Duration
	CallTimeout   time.Duration
}

// Registry owns the transports of one media engine at a time. A new engine
// is created lazily when none exists or the previous one terminated, which
// orphans all transports of the previous engine.
type Registry struct {
	logger  logrus.FieldLogger
	metrics *metrics

	factory       engine.Factory
	sweepInterval time.Duration
	callTimeout   time.Duration

	handleMutex deadlock.Mutex
	handle      *engineHandle
	generation  uint64
	closed      bool

	// mutex guards transports. The sweep holds it for its entire run. Lock
	// order is handleMutex before mutex.
	mutex      deadlock.RWMutex
	transports map[string]*transportRecord

	producers        cmap.ConcurrentMap
	producerSequence atomic.Uint64
}

// NewRegistry creates a Registry with the provided options.
func NewRegistry(options *Options) (*Registry, error) {
	if options.Factory == nil {
		return nil, fmt.Errorf("engine factory required")
	}

	r := &Registry{
		logger:  options.Logger.WithField("manager", "sfu"),
		metrics: newMetrics(options.Metrics),

		factory:       options.Factory,
		sweepInterval: options.SweepInterval,
		callTimeout:   options.CallTimeout,

		transports: make(map[string]*transportRecord),
		producers:  cmap.New(),
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}

	return r, nil
}

// currentEngine returns the handle of the running engine, creating a new
// engine if there is none or the last one terminated. No engine is created
// once the Registry is closed.
func (r *Registry) currentEngine(ctx context.Context) (*engineHandle, error) {
	r.handleMutex.Lock()
	defer r.handleMutex.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry closed", ErrEngineUnavailable)
	}
	if h := r.handle; h != nil {
		if !h.terminated() {
			return h, nil
		}
		r.discardLocked(h)
	}

	e, err := callEngine(ctx, r.callTimeout, "create engine", func(ctx context.Context) (engine.Engine, error) {
		return r.factory(ctx)
	}, func(e engine.Engine) {
		e.Close()
	})
	if err != nil {
		r.logger.WithError(err).Errorln("failed to create media engine")
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	r.generation++
	h := &engineHandle{
		engine:     e,
		generation: r.generation,
		started:    time.Now(),
	}
	r.handle = h
	r.metrics.engineStarts.Inc()
	r.logger.WithFields(logrus.Fields{
		"engine":     e.ID(),
		"generation": h.generation,
	}).Infoln("media engine started")

	go r.watch(h)

	return h, nil
}

func (r *Registry) watch(h *engineHandle) {
	<-h.engine.Done()

	r.handleMutex.Lock()
	r.discardLocked(h)
	r.handleMutex.Unlock()
}

// discardLocked drops h if it is the current handle and forgets all its
// transports. The caller must hold handleMutex.
func (r *Registry) discardLocked(h *engineHandle) {
	if r.handle != h {
		return
	}
	r.handle = nil

	orphaned := r.purge(h)
	r.metrics.engineTerminations.Inc()
	r.metrics.orphanedTransports.Add(float64(orphaned))
	r.logger.WithError(h.engine.Err()).WithFields(logrus.Fields{
		"engine":     h.engine.ID(),
		"generation": h.generation,
		"orphaned":   orphaned,
	}).Warnln("media engine terminated, handle discarded")
}

// purge removes all transports of h and returns how many there were.
func (r *Registry) purge(h *engineHandle) int {
	r.mutex.Lock()
	count := 0
	for _, record := range r.transports {
		if record.handle == h {
			r.removeLocked(record)
			count++
		}
	}
	r.mutex.Unlock()

	r.updateGauges()
	return count
}

// removeLocked removes record and its producers. The caller must hold the
// write lock of mutex.
func (r *Registry) removeLocked(record *transportRecord) {
	delete(r.transports, record.id)
	for _, producerID := range record.producerIDs() {
		r.producers.Remove(producerID)
	}
	record.advance(TransportStateClosed)
}

func (r *Registry) updateGauges() {
	r.mutex.RLock()
	transports := len(r.transports)
	consumers := 0
	for _, record := range r.transports {
		consumers += record.numConsumers()
	}
	r.mutex.RUnlock()

	r.metrics.transports.Set(float64(transports))
	r.metrics.consumers.Set(float64(consumers))
	r.metrics.producers.Set(float64(r.producers.Count()))
}

func (r *Registry) engineCallFailed(op string, err error) {
	r.metrics.engineCallFailures.WithLabelValues(op).Inc()
	r.logger.WithError(err).WithField("op", op).Warnln("media engine call failed")
}

// getTransport returns the record of transportID if it is owned by userID.
func (r *Registry) getTransport(transportID string, userID string) (*transportRecord, error) {
	r.mutex.RLock()
	record, ok := r.transports[transportID]
	r.mutex.RUnlock()

	if !ok || record.handle.terminated() {
		return nil, fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}
	if record.userID != userID {
		return nil, fmt.Errorf("%w: transport %s belongs to another user", ErrForbidden, transportID)
	}
	return record, nil
}

// Capabilities returns the RTP capabilities of the media engine.
func (r *Registry) Capabilities(ctx context.Context) (*engine.RtpCapabilities, error) {
	h, err := r.currentEngine(ctx)
	if err != nil {
		return nil, err
	}

	capabilities, err := callEngine(ctx, r.callTimeout, "capabilities", func(ctx context.Context) (*engine.RtpCapabilities, error) {
		return h.engine.Capabilities(), nil
	}, nil)
	if err != nil {
		r.engineCallFailed("capabilities", err)
		return nil, err
	}
	return capabilities, nil
}

// CreateTransport creates a new transport for userID and streamID.
func (r *Registry) CreateTransport(ctx context.Context, userID string, streamID string, direction engine.Direction, sctpCapabilities *engine.SctpCapabilities) (*TransportDescriptor, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: invalid direction %q", ErrInvalidArgument, direction)
	}

	h, err := r.currentEngine(ctx)
	if err != nil {
		return nil, err
	}

	options := engine.DefaultTransportOptions(direction, sctpCapabilities)
	transport, err := callEngine(ctx, r.callTimeout, "create transport", func(ctx context.Context) (engine.Transport, error) {
		return h.engine.CreateTransport(ctx, options)
	}, func(t engine.Transport) {
		t.Close()
	})
	if err != nil {
		r.engineCallFailed("create transport", err)
		return nil, err
	}

	record := newTransportRecord(h, transport, userID, streamID, direction)

	r.mutex.Lock()
	if h.terminated() {
		r.mutex.Unlock()
		return nil, &EngineError{Op: "create transport", Err: fmt.Errorf("media engine terminated: %w", h.engine.Err())}
	}
	r.transports[record.id] = record
	r.mutex.Unlock()

	r.updateGauges()
	r.logger.WithFields(logrus.Fields{
		"transport": record.id,
		"user":      userID,
		"stream":    streamID,
		"direction": direction,
	}).Debugln("transport created")

	return &TransportDescriptor{
		ID:                  record.id,
		TransportParameters: transport.Parameters(),
	}, nil
}

// ConnectTransport forwards the client's connect parameters of transportID
// to the engine. Repeated calls are forwarded too.
func (r *Registry) ConnectTransport(ctx context.Context, transportID string, userID string, options *engine.ConnectOptions) error {
	record, err := r.getTransport(transportID, userID)
	if err != nil {
		return err
	}
	if options == nil || options.DtlsParameters == nil {
		return fmt.Errorf("%w: dtls parameters required", ErrInvalidArgument)
	}
	if options.IceParameters == nil {
		return fmt.Errorf("%w: ice parameters required", ErrInvalidArgument)
	}

	if err = callEngineErr(ctx, r.callTimeout, "connect transport", func(ctx context.Context) error {
		return record.transport.Connect(ctx, options)
	}); err != nil {
		r.engineCallFailed("connect transport", err)
		return err
	}

	record.advance(TransportStateConnected)
	return nil
}

// Produce adds a producer to transportID. The transport direction is left
// for the engine to check.
func (r *Registry) Produce(ctx context.Context, transportID string, userID string, kind engine.MediaKind, rtpParameters *engine.RtpParameters) (*ProducerDescriptor, error) {
	record, err := r.getTransport(transportID, userID)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %q", ErrInvalidArgument, kind)
	}
	if rtpParameters == nil {
		return nil, fmt.Errorf("%w: rtp parameters required", ErrInvalidArgument)
	}

	producer, err := callEngine(ctx, r.callTimeout, "produce", func(ctx context.Context) (engine.Producer, error) {
		return record.transport.Produce(ctx, &engine.ProducerOptions{
			Kind:          kind,
			RtpParameters: rtpParameters,
		})
	}, nil)
	if err != nil {
		r.engineCallFailed("produce", err)
		return nil, err
	}

	producerRecord := &producerRecord{
		producer:  producer,
		transport: record,
		sequence:  r.producerSequence.Add(1),
	}

	r.mutex.RLock()
	current, ok := r.transports[transportID]
	if ok && current == record {
		r.producers.Set(producer.ID(), producerRecord)
		record.addProducer(producer.ID())
	}
	r.mutex.RUnlock()
	if !ok || current != record {
		return nil, fmt.Errorf("%w: transport %s closed while producing", ErrNotFound, transportID)
	}

	record.advance(TransportStateProducing)
	r.updateGauges()
	r.logger.WithFields(logrus.Fields{
		"transport": transportID,
		"producer":  producer.ID(),
		"kind":      kind,
	}).Debugln("producer created")

	return &ProducerDescriptor{
		ID: producer.ID(),
	}, nil
}

// getProducer returns the producer record of producerID if it belongs to the
// engine of handle.
func (r *Registry) getProducer(producerID string, h *engineHandle) (*producerRecord, error) {
	if v, ok := r.producers.Get(producerID); ok {
		record := v.(*producerRecord)
		if record.transport.handle == h && !h.terminated() {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: producer %s", ErrNotFound, producerID)
}

// Consume adds a consumer of producerID to transportID. The consumer starts
// unpaused.
func (r *Registry) Consume(ctx context.Context, transportID string, userID string, producerID string, rtpCapabilities *engine.RtpCapabilities) (*ConsumerDescriptor, error) {
	record, err := r.getTransport(transportID, userID)
	if err != nil {
		return nil, err
	}
	producerRecord, err := r.getProducer(producerID, record.handle)
	if err != nil {
		return nil, err
	}

	canConsume, err := callEngine(ctx, r.callTimeout, "can consume", func(ctx context.Context) (bool, error) {
		return record.handle.engine.CanConsume(producerRecord.producer, rtpCapabilities), nil
	}, nil)
	if err != nil {
		r.engineCallFailed("can consume", err)
		return nil, err
	}
	if !canConsume {
		return nil, fmt.Errorf("%w: cannot consume producer %s", ErrIncompatibleCapabilities, producerID)
	}

	consumer, err := callEngine(ctx, r.callTimeout, "consume", func(ctx context.Context) (engine.Consumer, error) {
		return record.transport.Consume(ctx, &engine.ConsumerOptions{
			Producer:        producerRecord.producer,
			RtpCapabilities: rtpCapabilities,
			Paused:          false,
		})
	}, nil)
	if err != nil {
		r.engineCallFailed("consume", err)
		return nil, err
	}

	r.mutex.RLock()
	current, ok := r.transports[transportID]
	if ok && current == record {
		record.addConsumer()
	}
	r.mutex.RUnlock()
	if !ok || current != record {
		return nil, fmt.Errorf("%w: transport %s closed while consuming", ErrNotFound, transportID)
	}

	record.advance(TransportStateConsuming)
	r.updateGauges()
	r.logger.WithFields(logrus.Fields{
		"transport": transportID,
		"producer":  producerID,
		"consumer":  consumer.ID(),
	}).Debugln("consumer created")

	return &ConsumerDescriptor{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

// CloseTransport removes transportID and closes it at the engine.
func (r *Registry) CloseTransport(ctx context.Context, transportID string, userID string) error {
	record, err := r.getTransport(transportID, userID)
	if err != nil {
		return err
	}

	r.mutex.Lock()
	if current, ok := r.transports[transportID]; ok && current == record {
		r.removeLocked(record)
	}
	r.mutex.Unlock()
	r.updateGauges()

	if err = callEngineErr(ctx, r.callTimeout, "close transport", func(ctx context.Context) error {
		return record.transport.Close()
	}); err != nil {
		r.engineCallFailed("close transport", err)
		return err
	}

	r.logger.WithField("transport", transportID).Debugln("transport closed")
	return nil
}

// Sweep removes all transports which are closed at the engine or belong to
// a terminated engine and returns how many were removed. Transports added
// while a sweep runs are never removed by it.
func (r *Registry) Sweep() int {
	evicted := make([]*transportRecord, 0)

	r.mutex.Lock()
	for _, record := range r.transports {
		if record.evictable() {
			r.removeLocked(record)
			evicted = append(evicted, record)
		}
	}
	r.mutex.Unlock()

	if len(evicted) == 0 {
		return 0
	}

	r.metrics.sweptTransports.Add(float64(len(evicted)))
	r.updateGauges()
	r.logger.WithField("count", len(evicted)).Debugln("swept closed transports")

	go func() {
		for _, record := range evicted {
			if record.handle.terminated() {
				continue
			}
			if err := callEngineErr(context.Background(), r.callTimeout, "close transport", func(ctx context.Context) error {
				return record.transport.Close()
			}); err != nil {
				r.logger.WithError(err).WithField("transport", record.id).Debugln("failed to close swept transport")
			}
		}
	}()

	return len(evicted)
}

// Run sweeps in the configured interval until ctx is done, then closes the
// Registry.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.sweepInterval).Debugln("transport sweep started")
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Close closes the engine and forgets all transports. Operations on a closed
// Registry fail with ErrEngineUnavailable.
func (r *Registry) Close() error {
	r.handleMutex.Lock()
	h := r.handle
	r.handle = nil
	r.closed = true
	r.handleMutex.Unlock()

	if h == nil {
		return nil
	}

	r.purge(h)
	r.logger.WithField("engine", h.engine.ID()).Infoln("closing media engine")
	return h.engine.Close()
}

// Transports returns the transports of userID, or all transports when all is
// set, ordered by creation.
func (r *Registry) Transports(userID string, all bool) []*TransportResource {
	r.mutex.RLock()
	records := make([]*transportRecord, 0, len(r.transports))
	for _, record := range r.transports {
		if all || record.userID == userID {
			records = append(records, record)
		}
	}
	r.mutex.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].created.Equal(records[j].created) {
			return records[i].id < records[j].id
		}
		return records[i].created.Before(records[j].created)
	})

	resources := make([]*TransportResource, 0, len(records))
	for _, record := range records {
		resources = append(resources, record.Resource())
	}
	return resources
}

// Producers returns the live producers of streamID in the order they were
// created.
func (r *Registry) Producers(streamID string) []*ProducerResource {
	records := make([]*producerRecord, 0)
	r.producers.IterCb(func(key string, v interface{}) {
		record := v.(*producerRecord)
		if record.transport.streamID != streamID {
			return
		}
		if record.transport.evictable() {
			return
		}
		records = append(records, record)
	})

	sort.Slice(records, func(i, j int) bool {
		return records[i].sequence < records[j].sequence
	})

	resources := make([]*ProducerResource, 0, len(records))
	for _, record := range records {
		resources = append(resources, record.Resource())
	}
	return resources
}

// NumActive returns the number of registered transports.
func (r *Registry) NumActive() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return uint64(len(r.transports))
}
