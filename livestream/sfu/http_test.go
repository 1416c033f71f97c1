/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	api "stash.kopano.io/kwm/kwmlivestream/livestream/api-v0"
	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
)

type streamCheckerFunc func(ctx context.Context, streamID string) (bool, error)

func (f streamCheckerFunc) IsLive(ctx context.Context, streamID string) (bool, error) {
	return f(ctx, streamID)
}

func newTestRouter(t *testing.T, streams StreamChecker) (http.Handler, *Registry) {
	registry, _ := newTestRegistry(t, nil)
	h := NewHTTPHandlers(registry, streams)

	router := mux.NewRouter()
	router.Use(auth.New(logger, "").Handler)
	router.HandleFunc("/capabilities", h.HTTPCapabilitiesHandler).Methods(http.MethodGet)
	router.HandleFunc("/transports", h.HTTPTransportsHandler).Methods(http.MethodGet)
	router.HandleFunc("/transport", h.HTTPCreateTransportHandler).Methods(http.MethodPost)
	router.HandleFunc("/transport/{transportID}/connect", h.HTTPConnectTransportHandler).Methods(http.MethodPost)
	router.HandleFunc("/transport/{transportID}/produce", h.HTTPProduceHandler).Methods(http.MethodPost)
	router.HandleFunc("/transport/{transportID}/consume", h.HTTPConsumeHandler).Methods(http.MethodPost)
	router.HandleFunc("/transport/{transportID}", h.HTTPCloseTransportHandler).Methods(http.MethodDelete)
	router.HandleFunc("/streams/{streamID}/producers", h.HTTPStreamProducersHandler).Methods(http.MethodGet)

	return router, registry
}

func doRequest(t *testing.T, handler http.Handler, method string, target string, userID string, body interface{}, result interface{}) int {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.UserIDHeader, userID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if result != nil {
		if err := json.Unmarshal(rr.Body.Bytes(), result); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr.Code
}

func TestHTTPProduceConsumeFlow(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	var capabilities engine.RtpCapabilities
	if status := doRequest(t, router, http.MethodGet, "/capabilities", "bob", nil, &capabilities); status != http.StatusOK {
		t.Fatalf("capabilities: unexpected status %d", status)
	}
	if len(capabilities.Codecs) == 0 {
		t.Fatal("capabilities without codecs")
	}

	var send TransportDescriptor
	if status := doRequest(t, router, http.MethodPost, "/transport", "alice", map[string]interface{}{
		"direction": "send",
		"streamId":  "stream-1",
	}, &send); status != http.StatusOK {
		t.Fatalf("create transport: unexpected status %d", status)
	}
	if send.ID == "" || send.DtlsParameters == nil {
		t.Fatalf("incomplete transport descriptor: %+v", send)
	}

	connect := map[string]interface{}{
		"dtlsParameters": testDtlsParameters(),
		"iceParameters":  testIceParameters(),
	}
	if status := doRequest(t, router, http.MethodPost, "/transport/"+send.ID+"/connect", "alice", connect, nil); status != http.StatusOK {
		t.Fatalf("connect: unexpected status %d", status)
	}

	var producer ProducerDescriptor
	if status := doRequest(t, router, http.MethodPost, "/transport/"+send.ID+"/produce", "alice", map[string]interface{}{
		"kind":          "video",
		"rtpParameters": testVideoParameters(),
	}, &producer); status != http.StatusOK {
		t.Fatalf("produce: unexpected status %d", status)
	}

	var producers struct {
		Values []*ProducerResource `json:"values"`
	}
	if status := doRequest(t, router, http.MethodGet, "/streams/stream-1/producers", "bob", nil, &producers); status != http.StatusOK {
		t.Fatalf("producers: unexpected status %d", status)
	}
	if len(producers.Values) != 1 || producers.Values[0].ID != producer.ID {
		t.Fatalf("unexpected producers: %+v", producers.Values)
	}

	var recv TransportDescriptor
	if status := doRequest(t, router, http.MethodPost, "/transport", "bob", map[string]interface{}{
		"direction": "recv",
		"streamId":  "stream-1",
	}, &recv); status != http.StatusOK {
		t.Fatalf("create recv transport: unexpected status %d", status)
	}
	if status := doRequest(t, router, http.MethodPost, "/transport/"+recv.ID+"/connect", "bob", connect, nil); status != http.StatusOK {
		t.Fatalf("connect recv: unexpected status %d", status)
	}

	var consumer ConsumerDescriptor
	if status := doRequest(t, router, http.MethodPost, "/transport/"+recv.ID+"/consume", "bob", map[string]interface{}{
		"producerId":      producer.ID,
		"rtpCapabilities": capabilities,
	}, &consumer); status != http.StatusOK {
		t.Fatalf("consume: unexpected status %d", status)
	}
	if consumer.ProducerID != producer.ID || consumer.Kind != engine.MediaKindVideo {
		t.Errorf("unexpected consumer: %+v", consumer)
	}

	var transports struct {
		Values []*TransportResource `json:"values"`
	}
	if status := doRequest(t, router, http.MethodGet, "/transports", "bob", nil, &transports); status != http.StatusOK {
		t.Fatalf("transports: unexpected status %d", status)
	}
	if len(transports.Values) != 1 || transports.Values[0].ID != recv.ID || transports.Values[0].Consumers != 1 {
		t.Errorf("unexpected transports of bob: %+v", transports.Values)
	}

	if status := doRequest(t, router, http.MethodDelete, "/transport/"+send.ID, "alice", nil, nil); status != http.StatusOK {
		t.Fatalf("close: unexpected status %d", status)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	router, registry := newTestRouter(t, nil)

	send := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(context.Background(), send.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}
	recv := createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)

	for _, tc := range []struct {
		name   string
		method string
		target string
		userID string
		body   interface{}
		status int
		code   string
	}{
		{"unauthenticated", http.MethodGet, "/capabilities", "", nil, http.StatusUnauthorized, api.ErrorCodeUnauthorized},
		{"unknown transport", http.MethodPost, "/transport/nope/connect", "alice", map[string]interface{}{"dtlsParameters": testDtlsParameters(), "iceParameters": testIceParameters()}, http.StatusNotFound, api.ErrorCodeNotFound},
		{"foreign transport", http.MethodPost, "/transport/" + send.ID + "/connect", "bob", map[string]interface{}{"dtlsParameters": testDtlsParameters(), "iceParameters": testIceParameters()}, http.StatusForbidden, api.ErrorCodeForbidden},
		{"foreign close", http.MethodDelete, "/transport/" + send.ID, "bob", nil, http.StatusForbidden, api.ErrorCodeForbidden},
		{"missing dtls", http.MethodPost, "/transport/" + send.ID + "/connect", "alice", map[string]interface{}{}, http.StatusBadRequest, api.ErrorCodeInvalidRequest},
		{"missing ice", http.MethodPost, "/transport/" + send.ID + "/connect", "alice", map[string]interface{}{"dtlsParameters": testDtlsParameters()}, http.StatusBadRequest, api.ErrorCodeInvalidRequest},
		{"invalid direction", http.MethodPost, "/transport", "alice", map[string]interface{}{"direction": "both", "streamId": "stream-1"}, http.StatusBadRequest, api.ErrorCodeInvalidRequest},
		{"unsupported codec", http.MethodPost, "/transport/" + send.ID + "/produce", "alice", map[string]interface{}{
			"kind": "video",
			"rtpParameters": &engine.RtpParameters{
				Codecs: []*engine.RtpCodecParameters{{MimeType: "video/AV1", PayloadType: 45, ClockRate: 90000}},
			},
		}, http.StatusBadGateway, api.ErrorCodeEngineError},
		{"incompatible capabilities", http.MethodPost, "/transport/" + recv.ID + "/consume", "bob", map[string]interface{}{
			"producerId": producer.ID,
			"rtpCapabilities": &engine.RtpCapabilities{
				Codecs: []*engine.RtpCodecCapability{{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
			},
		}, http.StatusUnprocessableEntity, api.ErrorCodeIncompatible},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var e api.ErrorWithCodeAndMessage
			status := doRequest(t, router, tc.method, tc.target, tc.userID, tc.body, &e)
			if status != tc.status {
				t.Errorf("expected status %d, got %d (%s)", tc.status, status, e.Message)
			}
			if e.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, e.Code)
			}
		})
	}
}

func TestHTTPNullEntriesAreRejected(t *testing.T) {
	router, registry := newTestRouter(t, nil)

	send := createConnected(t, registry, "alice", "stream-1", engine.DirectionSend)
	producer, err := registry.Produce(context.Background(), send.ID, "alice", engine.MediaKindVideo, testVideoParameters())
	if err != nil {
		t.Fatal(err)
	}
	recv := createConnected(t, registry, "bob", "stream-1", engine.DirectionRecv)

	consume := "/transport/" + recv.ID + "/consume"
	produce := "/transport/" + send.ID + "/produce"
	connect := "/transport/" + send.ID + "/connect"
	vp8 := `{"mimeType":"video/VP8","payloadType":97,"clockRate":90000`

	for _, tc := range []struct {
		name   string
		target string
		userID string
		body   string
	}{
		{"consume null codec", consume, "bob", `{"producerId":"` + producer.ID + `","rtpCapabilities":{"codecs":[null]}}`},
		{"consume null feedback", consume, "bob", `{"producerId":"` + producer.ID + `","rtpCapabilities":{"codecs":[{"kind":"video","mimeType":"video/VP8","clockRate":90000,"rtcpFeedback":[null]}]}}`},
		{"consume null header extension", consume, "bob", `{"producerId":"` + producer.ID + `","rtpCapabilities":{"codecs":[{"kind":"video","mimeType":"video/VP8","clockRate":90000}],"headerExtensions":[null]}}`},
		{"produce null codec", produce, "alice", `{"kind":"video","rtpParameters":{"codecs":[null]}}`},
		{"produce null encoding", produce, "alice", `{"kind":"video","rtpParameters":{"codecs":[` + vp8 + `}],"encodings":[null]}}`},
		{"produce null header extension", produce, "alice", `{"kind":"video","rtpParameters":{"codecs":[` + vp8 + `}],"headerExtensions":[null]}}`},
		{"produce null feedback", produce, "alice", `{"kind":"video","rtpParameters":{"codecs":[` + vp8 + `,"rtcpFeedback":[null]}]}}`},
		{"connect null candidate", connect, "alice", `{"dtlsParameters":{"fingerprints":[{"algorithm":"sha-256","value":"AA"}]},"iceParameters":{"usernameFragment":"a","password":"b"},"iceCandidates":[null]}`},
		{"connect null fingerprint", connect, "alice", `{"dtlsParameters":{"fingerprints":[null]},"iceParameters":{"usernameFragment":"a","password":"b"}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var e api.ErrorWithCodeAndMessage
			status := doRequest(t, router, http.MethodPost, tc.target, tc.userID, json.RawMessage(tc.body), &e)
			if status != http.StatusBadRequest {
				t.Errorf("expected status %d, got %d (%s)", http.StatusBadRequest, status, e.Message)
			}
			if e.Code != api.ErrorCodeInvalidRequest {
				t.Errorf("expected code %s, got %s", api.ErrorCodeInvalidRequest, e.Code)
			}
		})
	}

	if n := registry.NumActive(); n != 2 {
		t.Errorf("expected both transports to stay open, got %d", n)
	}
}

func TestHTTPCreateTransportRequiresLiveStream(t *testing.T) {
	router, registry := newTestRouter(t, streamCheckerFunc(func(ctx context.Context, streamID string) (bool, error) {
		switch streamID {
		case "live":
			return true, nil
		case "broken":
			return false, errors.New("store failure")
		default:
			return false, nil
		}
	}))

	for _, tc := range []struct {
		streamID string
		status   int
	}{
		{"live", http.StatusOK},
		{"ended", http.StatusNotFound},
		{"broken", http.StatusInternalServerError},
	} {
		status := doRequest(t, router, http.MethodPost, "/transport", "alice", map[string]interface{}{
			"direction": "send",
			"streamId":  tc.streamID,
		}, nil)
		if status != tc.status {
			t.Errorf("stream %s: expected status %d, got %d", tc.streamID, tc.status, status)
		}
	}

	if n := registry.NumActive(); n != 1 {
		t.Errorf("expected only the live stream transport, got %d", n)
	}
}

func TestHTTPEngineUnavailable(t *testing.T) {
	registry, factory := newTestRegistry(t, nil)
	h := NewHTTPHandlers(registry, nil)
	factory.SetCreateErr(errors.New("engine binary missing"))

	req := httptest.NewRequest(http.MethodGet, "/capabilities", nil)
	req = req.WithContext(auth.NewContextWithUser(req.Context(), &auth.User{ID: "alice"}))
	rr := httptest.NewRecorder()
	h.HTTPCapabilitiesHandler(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
	var e api.ErrorWithCodeAndMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != api.ErrorCodeEngineUnavailable {
		t.Errorf("unexpected error code %s", e.Code)
	}
}
