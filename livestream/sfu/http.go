/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"context"
	"errors"
	"net/http"

	"stash.kopano.io/kwm/kwmlivestream/internal/engine"
	api "stash.kopano.io/kwm/kwmlivestream/livestream/api-v0"
	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
)

// StreamChecker reports whether transports may be created for a stream.
type StreamChecker interface {
	IsLive(ctx context.Context, streamID string) (bool, error)
}

type createTransportRequest struct {
	Direction        engine.Direction         `json:"direction" validate:"required,oneof=send recv"`
	StreamID         string                   `json:"streamId" validate:"required"`
	SctpCapabilities *engine.SctpCapabilities `json:"sctpCapabilities"`
}

type connectTransportRequest struct {
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters" validate:"required"`
	IceParameters  *engine.IceParameters  `json:"iceParameters" validate:"required"`
	IceCandidates  []*engine.IceCandidate `json:"iceCandidates" validate:"omitempty,dive,required"`
}

type produceRequest struct {
	Kind          engine.MediaKind      `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters *engine.RtpParameters `json:"rtpParameters" validate:"required"`
}

type consumeRequest struct {
	ProducerID      string                  `json:"producerId" validate:"required"`
	RtpCapabilities *engine.RtpCapabilities `json:"rtpCapabilities" validate:"required"`
}

// HTTPHandlers binds the Registry to the HTTP control plane.
type HTTPHandlers struct {
	registry *Registry
	streams  StreamChecker
}

// NewHTTPHandlers creates the HTTP handlers for registry. When streams is
// not nil, transports can only be created for live streams.
func NewHTTPHandlers(registry *Registry, streams StreamChecker) *HTTPHandlers {
	return &HTTPHandlers{
		registry: registry,
		streams:  streams,
	}
}

func (h *HTTPHandlers) writeError(rw http.ResponseWriter, err error) {
	var e *api.ErrorWithCodeAndMessage
	switch {
	case errors.As(err, &e):
	case errors.Is(err, ErrNotFound):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeNotFound, err.Error(), api.ErrNotFound)
	case errors.Is(err, ErrForbidden):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeForbidden, err.Error(), api.ErrForbidden)
	case errors.Is(err, ErrIncompatibleCapabilities):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeIncompatible, err.Error(), api.ErrUnprocessable)
	case errors.Is(err, ErrEngineUnavailable):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeEngineUnavailable, err.Error(), api.ErrUnavailable)
	case errors.Is(err, ErrEngineError):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeEngineError, err.Error(), api.ErrBadGateway)
	case errors.Is(err, ErrInvalidArgument):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeInvalidRequest, err.Error(), api.ErrInvalidRequest)
	default:
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeUnspecifiedError, err.Error(), err)
	}

	if writeErr := api.WriteErrorAsJSON(rw, e); writeErr != nil {
		h.registry.logger.WithError(writeErr).Errorln("failed to write json error")
	}
}

func (h *HTTPHandlers) writeResource(rw http.ResponseWriter, resource interface{}) {
	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		h.registry.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (h *HTTPHandlers) getUserOrWriteError(rw http.ResponseWriter, req *http.Request) *auth.User {
	user, ok := auth.FromContext(req.Context())
	if !ok {
		h.writeError(rw, api.NewErrorWithCodeAndMessage(
			api.ErrorCodeUnauthorized,
			"no authenticated user",
			api.ErrUnauthorized,
		))
		return nil
	}
	return user
}

func (h *HTTPHandlers) HTTPCapabilitiesHandler(rw http.ResponseWriter, req *http.Request) {
	if h.getUserOrWriteError(rw, req) == nil {
		return
	}

	capabilities, err := h.registry.Capabilities(req.Context())
	if err != nil {
		h.writeError(rw, err)
		return
	}

	h.writeResource(rw, capabilities)
}

func (h *HTTPHandlers) HTTPCreateTransportHandler(rw http.ResponseWriter, req *http.Request) {
	user := h.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}

	var request createTransportRequest
	if err := api.DecodeAndValidate(req, &request); err != nil {
		h.writeError(rw, err)
		return
	}

	if h.streams != nil {
		live, err := h.streams.IsLive(req.Context(), request.StreamID)
		if err != nil {
			h.writeError(rw, err)
			return
		}
		if !live {
			h.writeError(rw, api.NewErrorWithCodeAndMessage(
				api.ErrorCodeNotFound,
				"The specified stream was not found or has ended",
				api.ErrNotFound,
			))
			return
		}
	}

	descriptor, err := h.registry.CreateTransport(req.Context(), user.ID, request.StreamID, request.Direction, request.SctpCapabilities)
	if err != nil {
		h.writeError(rw, err)
		return
	}

	h.writeResource(rw, descriptor)
}

func (h *HTTPHandlers) HTTPConnectTransportHandler(rw http.ResponseWriter, req *http.Request) {
	user := h.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}
	transportID, _ := api.GetRequestVar(req, "transportID")

	var request connectTransportRequest
	if err := api.DecodeAndValidate(req, &request); err != nil {
		h.writeError(rw, err)
		return
	}

	if err := h.registry.ConnectTransport(req.Context(), transportID, user.ID, &engine.ConnectOptions{
		DtlsParameters: request.DtlsParameters,
		IceParameters:  request.IceParameters,
		IceCandidates:  request.IceCandidates,
	}); err != nil {
		h.writeError(rw, err)
		return
	}

	h.writeResource(rw, &api.SuccessResource{Success: true})
}

func (h *HTTPHandlers) HTTPProduceHandler(rw http.ResponseWriter, req *http.Request) {
	user := h.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}
	transportID, _ := api.GetRequestVar(req, "transportID")

	var request produceRequest
	if err := api.DecodeAndValidate(req, &request); err != nil {
		h.writeError(rw, err)
		return
	}

	descriptor, err := h.registry.Produce(req.Context(), transportID, user.ID, request.Kind, request.RtpParameters)
	if err != nil {
		h.writeError(rw, err)
		return
	}

	h.writeResource(rw, descriptor)
}

func (h *HTTPHandlers) HTTPConsumeHandler(rw http.ResponseWriter, req *http.Request) {
	user := h.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}
	transportID, _ := api.GetRequestVar(req, "transportID")

	var request consumeRequest
	if err := api.DecodeAndValidate(req, &request); err != nil {
		h.writeError(rw, err)
		return
	}

	descriptor, err := h.registry.Consume(req.Context(), transportID, user.ID, request.ProducerID, request.RtpCapabilities)
	if err != nil {
		h.writeError(rw, err)
		return
	}

	h.writeResource(rw, descriptor)
}

func (h *HTTPHandlers) HTTPCloseTransportHandler(rw http.ResponseWriter, req *http.Request) {
	user := h.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}
	transportID, _ := api.GetRequestVar(req, "transportID")

	if err := h.registry.CloseTransport(req.Context(), transportID, user.ID); err != nil {
		h.writeError(rw, err)
		return
	}

	h.writeResource(rw, &api.SuccessResource{Success: true})
}

func (h *HTTPHandlers) HTTPStreamProducersHandler(rw http.ResponseWriter, req *http.Request) {
	if h.getUserOrWriteError(rw, req) == nil {
		return
	}
	streamID, _ := api.GetRequestVar(req, "streamID")

	h.writeResource(rw, api.NewCollectionResource(h.registry.Producers(streamID), req, nil))
}

func (h *HTTPHandlers) HTTPTransportsHandler(rw http.ResponseWriter, req *http.Request) {
	user := h.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}

	h.writeResource(rw, api.NewCollectionResource(h.registry.Transports(user.ID, user.IsAdmin()), req, nil))
}
