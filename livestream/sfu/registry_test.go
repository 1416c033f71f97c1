/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	"stash.kopano.io/kwm/kwmlivestream/internal/engine/enginetest"
)

var logger = &logrus.Logger{
	Out:       os.Stderr,
	Formatter: &logrus.TextFormatter{DisableColors: true},
	Level:     logrus.DebugLevel,
}

func newTestRegistry(t *testing.T, options *Options) (*Registry, *enginetest.Factory) {
	factory := enginetest.NewFactory()
	if options == nil {
		options = &Options{}
	}
	options.Logger = logger
	options.Factory = factory.New
	if options.Metrics == nil {
		options.Metrics = prometheus.NewPedanticRegistry()
	}

	registry, err := NewRegistry(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		registry.Close()
	})
	return registry, factory
}

func testDtlsParameters() *engine.DtlsParameters {
	return &engine.DtlsParameters{
		Role: "client",
		Fingerprints: []*engine.DtlsFingerprint{{
			Algorithm: "sha-256",
			Value:     "AA:BB:CC",
		}},
	}
}

func testIceParameters() *engine.IceParameters {
	return &engine.IceParameters{
		UsernameFragment: "alicefrag",
		Password:         "alicepassword",
	}
}

func testConnectOptions() *engine.ConnectOptions {
	return &engine.ConnectOptions{
		DtlsParameters: testDtlsParameters(),
		IceParameters:  testIceParameters(),
	}
}

func testVideoParameters() *engine.RtpParameters {
	return &engine.RtpParameters{
		Mid: "0",
		Codecs: []*engine.RtpCodecParameters{{
			MimeType:    "video/VP8",
			PayloadType: 96,
			ClockRate:   90000,
		}},
		Encodings: []*engine.RtpEncodingParameters{{Ssrc: 22222222}},
		Rtcp:      &engine.RtcpParameters{Cname: "alice"},
	}
}

func createConnected(t *testing.T, registry *Registry, userID string, streamID string, direction engine.Direction) *TransportDescriptor {
	ctx := context.Background()
	descriptor, err := registry.CreateTransport(ctx, userID, streamID, direction, &engine.SctpCapabilities{
		NumStreams: engine.NumSctpStreams{OS: 1024, MIS: 1024},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = registry.ConnectTransport(ctx, descriptor.ID, userID, testConnectOptions()); err != nil {
		t.Fatal(err)
	}
	return descriptor
}

func waitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCapabilitiesCreatesEngineOnce(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	if n := len(factory.Engines()); n != 0 {
		t.Fatalf("engine created before first use: %d", n)
	}

	for i := 0; i < 3; i++ {
		capabilities, err := registry.Capabilities(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(capabilities.Codecs) == 0 {
			t.Errorf("capabilities without codecs")
		}
	}

	if n := len(factory.Engines()); n != 1 {
		t.Errorf("expected exactly one engine, got %d", n)
	}
}

func TestCapabilitiesEngineUnavailable(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	factory.SetCreateErr(errors.New("no ports left"))
	_, err := registry.Capabilities(ctx)
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "no ports left") {
		t.Errorf("engine message missing from error: %v", err)
	}
	if _, err = registry.CreateTransport(ctx, "alice", "stream", engine.DirectionSend, nil); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable from create, got %v", err)
	}

	factory.SetCreateErr(nil)
	if _, err = registry.Capabilities(ctx); err != nil {
		t.Errorf("expected engine creation to succeed on next use, got %v", err)
	}
}

func TestCreateTransport(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)

	descriptor, err := registry.CreateTransport(context.Background(), "alice", "stream-1", engine.DirectionSend, &engine.SctpCapabilities{
		NumStreams: engine.NumSctpStreams{OS: 16, MIS: 16},
	})
	if err != nil {
		t.Fatal(err)
	}

	if descriptor.ID == "" || descriptor.IceParameters == nil || descriptor.DtlsParameters == nil || len(descriptor.IceCandidates) == 0 {
		t.Errorf("incomplete descriptor: %+v", descriptor)
	}
	if descriptor.SctpParameters == nil || descriptor.SctpParameters.OS != 1024 || descriptor.SctpParameters.MIS != 1024 {
		t.Errorf("unexpected sctp parameters: %+v", descriptor.SctpParameters)
	}

	transport, ok := factory.Latest().Transport(descriptor.ID)
	if !ok {
		t.Fatal("transport not created at engine")
	}
	options := transport.Options()
	if !options.EnableUDP || !options.EnableTCP || !options.PreferUDP {
		t.Errorf("unexpected transport options: %+v", options)
	}
	if registry.NumActive() != 1 {
		t.Errorf("expected one active transport, got %d", registry.NumActive())
	}

	if _, err = registry.CreateTransport(context.Background(), "alice", "stream-1", engine.Direction("sideways"), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for invalid direction, got %v", err)
	}

	other, err := registry.CreateTransport(context.Background(), "alice", "stream-1", engine.DirectionSend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == descriptor.ID {
		t.Errorf("transport ids not unique")
	}
}

func TestForeignUserIsForbidden(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	send := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(ctx, send.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}
	transport, _ := factory.Latest().Transport(send.ID)
	connectCalls := transport.ConnectCalls()

	if err = registry.ConnectTransport(ctx, send.ID, "mallory", testConnectOptions()); !errors.Is(err, ErrForbidden) {
		t.Errorf("connect: expected ErrForbidden, got %v", err)
	}
	if _, err = registry.Produce(ctx, send.ID, "mallory", engine.MediaKindVideo, testVideoParameters()); !errors.Is(err, ErrForbidden) {
		t.Errorf("produce: expected ErrForbidden, got %v", err)
	}
	if _, err = registry.Consume(ctx, send.ID, "mallory", producer.ID, engine.DefaultCapabilities()); !errors.Is(err, ErrForbidden) {
		t.Errorf("consume: expected ErrForbidden, got %v", err)
	}
	if err = registry.CloseTransport(ctx, send.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Errorf("close: expected ErrForbidden, got %v", err)
	}

	if transport.ConnectCalls() != connectCalls {
		t.Errorf("forbidden connect reached the engine")
	}
	if transport.Closed() || registry.NumActive() != 1 {
		t.Errorf("forbidden close changed the transport")
	}
}

func TestUnknownTransportNotFound(t *testing.T) {
	registry, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := registry.ConnectTransport(ctx, "nope", "alice", testConnectOptions()); !errors.Is(err, ErrNotFound) {
		t.Errorf("connect: expected ErrNotFound, got %v", err)
	}
	if _, err := registry.Produce(ctx, "nope", "alice", engine.MediaKindAudio, testVideoParameters()); !errors.Is(err, ErrNotFound) {
		t.Errorf("produce: expected ErrNotFound, got %v", err)
	}
	if _, err := registry.Consume(ctx, "nope", "alice", "producer", engine.DefaultCapabilities()); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume: expected ErrNotFound, got %v", err)
	}
	if err := registry.CloseTransport(ctx, "nope", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("close: expected ErrNotFound, got %v", err)
	}

	recv := createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)
	if _, err := registry.Consume(ctx, recv.ID, "bob", "unknown-producer", engine.DefaultCapabilities()); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume unknown producer: expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateConnectIsForwarded(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)

	descriptor := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	if err := registry.ConnectTransport(context.Background(), descriptor.ID, "alice", testConnectOptions()); err != nil {
		t.Fatal(err)
	}

	transport, _ := factory.Latest().Transport(descriptor.ID)
	if n := transport.ConnectCalls(); n != 2 {
		t.Errorf("expected both connects at the engine, got %d", n)
	}
}

func TestConnectRequiresIceParameters(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	descriptor, err := registry.CreateTransport(ctx, "alice", "stream-1", engine.DirectionSend, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = registry.ConnectTransport(ctx, descriptor.ID, "alice", &engine.ConnectOptions{
		DtlsParameters: testDtlsParameters(),
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	transport, _ := factory.Latest().Transport(descriptor.ID)
	if n := transport.ConnectCalls(); n != 0 {
		t.Errorf("connect without ice parameters reached the engine: %d", n)
	}
}

func TestEngineErrorCarriesMessage(t *testing.T) {
	registry, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	descriptor := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)

	_, err := registry.Produce(ctx, descriptor.ID, "alice", engine.MediaKindVideo, &engine.RtpParameters{
		Codecs: []*engine.RtpCodecParameters{{MimeType: "video/AV1", ClockRate: 90000}},
	})
	if !errors.Is(err, ErrEngineError) {
		t.Fatalf("expected ErrEngineError, got %v", err)
	}
	if !errors.Is(err, engine.ErrUnsupportedCodec) || !strings.Contains(err.Error(), "video/AV1") {
		t.Errorf("engine message not forwarded: %v", err)
	}
}

func TestProduceConsume(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	send := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(ctx, send.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}
	if producer.ID == "" {
		t.Fatal("producer without id")
	}

	recv := createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)
	consumer, err := registry.Consume(ctx, recv.ID, "bob", producer.ID, engine.DefaultCapabilities())
	if err != nil {
		t.Fatal(err)
	}
	if consumer.ID == "" || consumer.ProducerID != producer.ID || consumer.Kind != engine.MediaKindVideo {
		t.Errorf("unexpected consumer descriptor: %+v", consumer)
	}
	if consumer.RtpParameters == nil || len(consumer.RtpParameters.Codecs) != 1 {
		t.Errorf("unexpected consumer rtp parameters: %+v", consumer.RtpParameters)
	}

	transport, _ := factory.Latest().Transport(recv.ID)
	consumers := transport.Consumers()
	if len(consumers) != 1 {
		t.Fatalf("expected one consumer at the engine, got %d", len(consumers))
	}
	if consumers[0].Paused() {
		t.Errorf("consumer created paused")
	}

	producers := registry.Producers("stream-1")
	if len(producers) != 1 || producers[0].ID != producer.ID || producers[0].UserID != "alice" {
		t.Errorf("unexpected stream producers: %+v", producers)
	}
	if len(registry.Producers("stream-2")) != 0 {
		t.Errorf("producers listed for unrelated stream")
	}

	states := make(map[string]TransportState)
	for _, resource := range registry.Transports("", true) {
		states[resource.ID] = resource.State
	}
	if states[send.ID] != TransportStateProducing || states[recv.ID] != TransportStateConsuming {
		t.Errorf("unexpected transport states: %v", states)
	}
}

func TestConsumeIncompatibleCapabilities(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	send := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(ctx, send.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}

	recv := createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)
	for _, capabilities := range []*engine.RtpCapabilities{
		nil,
		{Codecs: []*engine.RtpCodecCapability{{Kind: engine.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000}}},
	} {
		if _, err = registry.Consume(ctx, recv.ID, "bob", producer.ID, capabilities); !errors.Is(err, ErrIncompatibleCapabilities) {
			t.Errorf("expected ErrIncompatibleCapabilities, got %v", err)
		}
	}

	transport, _ := factory.Latest().Transport(recv.ID)
	if n := len(transport.Consumers()); n != 0 {
		t.Errorf("consumer created despite incompatible capabilities: %d", n)
	}
}

func TestSweepEvictsClosedTransports(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	closed := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(ctx, closed.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}
	open := createConnected(t, registry, "alice", "stream-1", engine.DirectionRecv)

	transport, _ := factory.Latest().Transport(closed.ID)
	transport.CloseFromEngine()

	if len(registry.Producers("stream-1")) != 0 {
		t.Errorf("producers of closed transport still listed")
	}

	if n := registry.Sweep(); n != 1 {
		t.Errorf("expected one swept transport, got %d", n)
	}
	if err = registry.ConnectTransport(ctx, closed.ID, "alice", testConnectOptions()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after sweep, got %v", err)
	}
	if _, err = registry.Consume(ctx, open.ID, "alice", producer.ID, engine.DefaultCapabilities()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected producer of swept transport to be gone, got %v", err)
	}
	if err = registry.ConnectTransport(ctx, open.ID, "alice", testConnectOptions()); err != nil {
		t.Errorf("open transport affected by sweep: %v", err)
	}
	if n := registry.Sweep(); n != 0 {
		t.Errorf("second sweep removed %d transports", n)
	}
}

func TestSweepConcurrentWithCreate(t *testing.T) {
	registry, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	const workers = 8
	const perWorker = 20

	stop := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		for {
			select {
			case <-stop:
				return
			default:
				registry.Sweep()
			}
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", w)
			for i := 0; i < perWorker; i++ {
				descriptor, err := registry.CreateTransport(ctx, userID, "stream", engine.DirectionRecv, nil)
				if err != nil {
					errCh <- err
					continue
				}
				if err = registry.ConnectTransport(ctx, descriptor.ID, userID, testConnectOptions()); err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-sweeperDone
	close(errCh)

	for err := range errCh {
		t.Errorf("operation failed during sweep: %v", err)
	}
	if n := registry.NumActive(); n != workers*perWorker {
		t.Errorf("expected %d transports to survive the sweeps, got %d", workers*perWorker, n)
	}
}

func TestEngineTermination(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	old := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(ctx, old.ID, "alice", engine.MediaKindAudio, &engine.RtpParameters{
		Codecs: []*engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
	})
	if err != nil {
		t.Fatal(err)
	}

	first := factory.Latest()
	first.Terminate()

	if err = registry.ConnectTransport(ctx, old.ID, "alice", testConnectOptions()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for orphaned transport, got %v", err)
	}

	if _, err = registry.Capabilities(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(factory.Engines()); n != 2 {
		t.Fatalf("expected a new engine after termination, got %d engines", n)
	}

	fresh := createConnected(t, registry, "alice", "stream-1", engine.DirectionRecv)
	if _, err = registry.Consume(ctx, fresh.ID, "alice", producer.ID, engine.DefaultCapabilities()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected producer of old engine to be gone, got %v", err)
	}
	if _, ok := factory.Latest().Transport(fresh.ID); !ok || factory.Latest() == first {
		t.Errorf("new transport not created at the new engine")
	}

	waitFor(t, "orphaned transport purge", func() bool {
		return registry.NumActive() == 1
	})
}

func TestEngineCallTimeout(t *testing.T) {
	registry, factory := newTestRegistry(t, &Options{
		CallTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	descriptor := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)

	block := make(chan struct{})
	factory.SetBlock(block)
	defer close(block)

	started := time.Now()
	err := registry.ConnectTransport(ctx, descriptor.ID, "alice", testConnectOptions())
	if !errors.Is(err, ErrEngineError) {
		t.Fatalf("expected ErrEngineError on timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("unexpected timeout message: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}

	if _, err = registry.CreateTransport(ctx, "alice", "stream-1", engine.DirectionSend, nil); !errors.Is(err, ErrEngineError) {
		t.Fatalf("expected ErrEngineError on create timeout, got %v", err)
	}
	if n := registry.NumActive(); n != 1 {
		t.Errorf("timed out create registered a transport: %d", n)
	}
}

func TestEngineCallPanic(t *testing.T) {
	_, err := callEngine(context.Background(), time.Second, "consume", func(ctx context.Context) (engine.Consumer, error) {
		panic("nil encoding")
	}, nil)
	if !errors.Is(err, ErrEngineError) {
		t.Fatalf("expected ErrEngineError, got %v", err)
	}
	if !strings.Contains(err.Error(), "consume panicked: nil encoding") {
		t.Errorf("unexpected panic message: %v", err)
	}
}

func TestConsumeOnTransportClosedMeanwhile(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	send := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(ctx, send.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}
	recv := createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)

	block := make(chan struct{})
	factory.SetBlock(block)

	done := make(chan error, 1)
	go func() {
		_, consumeErr := registry.Consume(ctx, recv.ID, "bob", producer.ID, engine.DefaultCapabilities())
		done <- consumeErr
	}()

	waitFor(t, "consume to reach the engine", func() bool {
		return factory.Blocked() == 1
	})
	if err = registry.CloseTransport(ctx, recv.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	close(block)

	select {
	case err = <-done:
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return")
	}

	for _, resource := range registry.Transports("", true) {
		if resource.ID == recv.ID {
			t.Errorf("closed transport registered again: %+v", resource)
		}
	}
}

func TestClosedRegistryCreatesNoEngine(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := registry.Capabilities(ctx); err != nil {
		t.Fatal(err)
	}
	registry.Close()

	if _, err := registry.Capabilities(ctx); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable after close, got %v", err)
	}
	if _, err := registry.CreateTransport(ctx, "alice", "stream-1", engine.DirectionSend, nil); !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("expected ErrEngineUnavailable from create after close, got %v", err)
	}
	if n := len(factory.Engines()); n != 1 {
		t.Errorf("engine created after close: %d engines", n)
	}
	if n := registry.NumActive(); n != 0 {
		t.Errorf("transport registered after close: %d", n)
	}
}

func TestAbandonedTransportIsClosed(t *testing.T) {
	registry, factory := newTestRegistry(t, &Options{
		CallTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	if _, err := registry.Capabilities(ctx); err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	factory.SetIgnoreDeadline(true)
	factory.SetBlock(block)
	if _, err := registry.CreateTransport(ctx, "alice", "stream-1", engine.DirectionSend, nil); !errors.Is(err, ErrEngineError) {
		t.Fatalf("expected ErrEngineError on create timeout, got %v", err)
	}
	close(block)

	waitFor(t, "late transport to be closed", func() bool {
		transports := factory.Latest().Transports()
		return len(transports) == 1 && transports[0].CloseCalls() == 1
	})
	if n := registry.NumActive(); n != 0 {
		t.Errorf("abandoned transport registered: %d", n)
	}
}

func TestCloseTransport(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	ctx := context.Background()

	descriptor := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	if _, err := registry.Produce(ctx, descriptor.ID, "alice", engine.MediaKindVideo, testVideoParameters()); err != nil {
		t.Fatal(err)
	}

	if err := registry.CloseTransport(ctx, descriptor.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	transport, _ := factory.Latest().Transport(descriptor.ID)
	if transport.CloseCalls() != 1 {
		t.Errorf("engine transport not closed")
	}
	if registry.NumActive() != 0 {
		t.Errorf("closed transport still registered")
	}
	if len(registry.Producers("stream-1")) != 0 {
		t.Errorf("producers of closed transport still listed")
	}
	if err := registry.CloseTransport(ctx, descriptor.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second close, got %v", err)
	}
}

func TestTransportsInspection(t *testing.T) {
	registry, _ := newTestRegistry(t, nil)

	createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)
	createConnected(t, registry, "bob", "stream-2", engine.DirectionRecv)

	if n := len(registry.Transports("bob", false)); n != 2 {
		t.Errorf("expected two transports for bob, got %d", n)
	}
	if n := len(registry.Transports("carol", false)); n != 0 {
		t.Errorf("expected no transports for carol, got %d", n)
	}
	all := registry.Transports("carol", true)
	if len(all) != 3 {
		t.Fatalf("expected all three transports, got %d", len(all))
	}
	for _, resource := range all {
		if resource.State != TransportStateConnected {
			t.Errorf("unexpected state %s", resource.State)
		}
	}
}

func TestRunSweepsAndCloses(t *testing.T) {
	registry, factory := newTestRegistry(t, &Options{
		SweepInterval: 10 * time.Millisecond,
	})

	descriptor := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	first := factory.Latest()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- registry.Run(ctx)
	}()

	transport, _ := first.Transport(descriptor.ID)
	transport.CloseFromEngine()

	waitFor(t, "sweep", func() bool {
		return registry.NumActive() == 0
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	select {
	case <-first.Done():
	default:
		t.Errorf("engine not closed after run returned")
	}
}
