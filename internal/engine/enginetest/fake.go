/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package enginetest provides an in-memory media engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	"stash.kopano.io/kwm/kwmlivestream/internal/utils"
)

// ErrTerminated is the reason reported by engines stopped with Terminate.
var ErrTerminated = errors.New("engine terminated")

// Factory creates Engines and records them. Its zero value is not usable,
// use NewFactory.
type Factory struct {
	mutex   sync.Mutex
	engines []*Engine

	// CreateErr makes the next engine creations fail when set.
	CreateErr error

	// Block, when set, makes every blocking engine call wait until the
	// channel is closed or the call's context is done.
	Block chan struct{}

	// IgnoreDeadline makes blocked calls ignore their context, like an
	// engine which does not honour deadlines.
	IgnoreDeadline bool

	blocked atomic.Int32
}

// NewFactory returns a new Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// New implements engine.Factory.
func (f *Factory) New(ctx context.Context) (engine.Engine, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	e := &Engine{
		id:         utils.NewRandomGUID(),
		factory:    f,
		done:       make(chan struct{}),
		transports: make(map[string]*Transport),
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// Engines returns all engines created so far.
func (f *Factory) Engines() []*Engine {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]*Engine(nil), f.engines...)
}

// Latest returns the most recently created engine or nil.
func (f *Factory) Latest() *Engine {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func (f *Factory) block(ctx context.Context) error {
	f.mutex.Lock()
	block := f.Block
	ignoreDeadline := f.IgnoreDeadline
	f.mutex.Unlock()

	if block == nil {
		return nil
	}
	f.blocked.Add(1)
	defer f.blocked.Add(-1)
	if ignoreDeadline {
		<-block
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Blocked returns the number of calls currently waiting on Block.
func (f *Factory) Blocked() int {
	return int(f.blocked.Load())
}

// SetCreateErr replaces CreateErr.
func (f *Factory) SetCreateErr(err error) {
	f.mutex.Lock()
	f.CreateErr = err
	f.mutex.Unlock()
}

// SetBlock replaces the Block channel.
func (f *Factory) SetBlock(block chan struct{}) {
	f.mutex.Lock()
	f.Block = block
	f.mutex.Unlock()
}

// SetIgnoreDeadline replaces IgnoreDeadline.
func (f *Factory) SetIgnoreDeadline(ignore bool) {
	f.mutex.Lock()
	f.IgnoreDeadline = ignore
	f.mutex.Unlock()
}

// Engine is an in-memory engine.Engine.
type Engine struct {
	mutex sync.Mutex

	id      string
	factory *Factory

	transports map[string]*Transport

	// CreateTransportErr makes CreateTransport fail when set.
	CreateTransportErr error

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) Capabilities() *engine.RtpCapabilities {
	return engine.DefaultCapabilities()
}

func (e *Engine) CreateTransport(ctx context.Context, options *engine.TransportOptions) (engine.Transport, error) {
	if err := e.factory.block(ctx); err != nil {
		return nil, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	select {
	case <-e.done:
		return nil, engine.ErrClosed
	default:
	}
	if e.CreateTransportErr != nil {
		return nil, e.CreateTransportErr
	}

	id := utils.NewRandomGUID()
	t := &Transport{
		id:      id,
		engine:  e,
		options: options,
		parameters: &engine.TransportParameters{
			IceParameters: &engine.IceParameters{
				UsernameFragment: id[:8],
				Password:         id,
				IceLite:          true,
			},
			IceCandidates: []*engine.IceCandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				Address:    "127.0.0.1",
				Protocol:   "udp",
				Port:       40000,
				Type:       "host",
			}, {
				Foundation: "tcpcandidate",
				Priority:   1076276479,
				Address:    "127.0.0.1",
				Protocol:   "tcp",
				Port:       40000,
				Type:       "host",
				TcpType:    "passive",
			}},
			DtlsParameters: &engine.DtlsParameters{
				Role: "auto",
				Fingerprints: []*engine.DtlsFingerprint{{
					Algorithm: "sha-256",
					Value:     "00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF",
				}},
			},
			SctpParameters: &engine.SctpParameters{
				Port:           5000,
				OS:             options.NumSctpStreams.OS,
				MIS:            options.NumSctpStreams.MIS,
				MaxMessageSize: 262144,
			},
		},
	}
	e.transports[id] = t
	return t, nil
}

func (e *Engine) CanConsume(producer engine.Producer, rtpCapabilities *engine.RtpCapabilities) bool {
	if producer == nil {
		return false
	}
	return engine.CanConsume(producer.Kind(), producer.RtpParameters(), rtpCapabilities)
}

func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

func (e *Engine) Close() error {
	e.terminate(engine.ErrClosed)
	return nil
}

// Terminate simulates the engine dying on its own.
func (e *Engine) Terminate() {
	e.terminate(ErrTerminated)
}

func (e *Engine) terminate(reason error) {
	e.closeOnce.Do(func() {
		e.mutex.Lock()
		for _, t := range e.transports {
			t.closed.Store(true)
		}
		e.err = reason
		close(e.done)
		e.mutex.Unlock()
	})
}

// Transport returns the transport with the provided id.
func (e *Engine) Transport(id string) (*Transport, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	t, ok := e.transports[id]
	return t, ok
}

// Transports returns all transports created by the engine.
func (e *Engine) Transports() []*Transport {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	transports := make([]*Transport, 0, len(e.transports))
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	return transports
}

// Transport is an in-memory engine.Transport.
type Transport struct {
	mutex sync.Mutex

	id         string
	engine     *Engine
	options    *engine.TransportOptions
	parameters *engine.TransportParameters

	connectCalls atomic.Int32
	connectedTo  *engine.DtlsParameters
	closed       atomic.Bool
	closeCalls   atomic.Int32

	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() string {
	return t.id
}

func (t *Transport) Parameters() *engine.TransportParameters {
	return t.parameters
}

// Options returns the options the transport was created with.
func (t *Transport) Options() *engine.TransportOptions {
	return t.options
}

func (t *Transport) Connect(ctx context.Context, options *engine.ConnectOptions) error {
	t.connectCalls.Add(1)
	if err := t.engine.factory.block(ctx); err != nil {
		return err
	}
	if t.closed.Load() {
		return engine.ErrTransportClosed
	}
	if options.DtlsParameters == nil || len(options.DtlsParameters.Fingerprints) == 0 {
		return errors.New("invalid dtls parameters")
	}
	if options.IceParameters == nil {
		return errors.New("remote ice parameters required")
	}

	t.mutex.Lock()
	t.connectedTo = options.DtlsParameters
	t.mutex.Unlock()
	return nil
}

// ConnectCalls returns the number of Connect calls received.
func (t *Transport) ConnectCalls() int {
	return int(t.connectCalls.Load())
}

// ConnectedTo returns the DTLS parameters of the last successful Connect.
func (t *Transport) ConnectedTo() *engine.DtlsParameters {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.connectedTo
}

func (t *Transport) Produce(ctx context.Context, options *engine.ProducerOptions) (engine.Producer, error) {
	if err := t.engine.factory.block(ctx); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, engine.ErrTransportClosed
	}
	if err := engine.ValidateRtpParameters(options.Kind, options.RtpParameters, t.engine.Capabilities()); err != nil {
		return nil, err
	}

	p := &Producer{
		id:         utils.NewRandomGUID(),
		kind:       options.Kind,
		parameters: options.RtpParameters,
	}
	t.mutex.Lock()
	t.producers = append(t.producers, p)
	t.mutex.Unlock()
	return p, nil
}

// Consume creates a Consumer. A close of the transport while the call is
// blocked does not fail it.
func (t *Transport) Consume(ctx context.Context, options *engine.ConsumerOptions) (engine.Consumer, error) {
	if t.closed.Load() {
		return nil, engine.ErrTransportClosed
	}
	if err := t.engine.factory.block(ctx); err != nil {
		return nil, err
	}
	if options.Producer == nil {
		return nil, fmt.Errorf("no producer")
	}

	parameters, err := engine.ConsumerRtpParameters(options.Producer.Kind(), options.Producer.RtpParameters(), options.RtpCapabilities)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		id:         utils.NewRandomGUID(),
		producerID: options.Producer.ID(),
		kind:       options.Producer.Kind(),
		parameters: parameters,
		paused:     options.Paused,
	}
	t.mutex.Lock()
	t.consumers = append(t.consumers, c)
	t.mutex.Unlock()
	return c, nil
}

// Consumers returns all consumers created on the transport.
func (t *Transport) Consumers() []*Consumer {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return append([]*Consumer(nil), t.consumers...)
}

func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// CloseFromEngine simulates the engine closing the transport on its own, for
// example after an ICE failure.
func (t *Transport) CloseFromEngine() {
	t.closed.Store(true)
}

func (t *Transport) Close() error {
	t.closeCalls.Add(1)
	t.closed.Store(true)
	return nil
}

// CloseCalls returns the number of Close calls received.
func (t *Transport) CloseCalls() int {
	return int(t.closeCalls.Load())
}

// Producer is an in-memory engine.Producer.
type Producer struct {
	id         string
	kind       engine.MediaKind
	parameters *engine.RtpParameters
}

func (p *Producer) ID() string {
	return p.id
}

func (p *Producer) Kind() engine.MediaKind {
	return p.kind
}

func (p *Producer) RtpParameters() *engine.RtpParameters {
	return p.parameters
}

// Consumer is an in-memory engine.Consumer.
type Consumer struct {
	id         string
	producerID string
	kind       engine.MediaKind
	parameters *engine.RtpParameters
	paused     bool
}

func (c *Consumer) ID() string {
	return c.id
}

func (c *Consumer) ProducerID() string {
	return c.producerID
}

func (c *Consumer) Kind() engine.MediaKind {
	return c.kind
}

func (c *Consumer) RtpParameters() *engine.RtpParameters {
	return c.parameters
}

func (c *Consumer) Paused() bool {
	return c.paused
}
