/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmlivestream/livestream"
	api "stash.kopano.io/kwm/kwmlivestream/livestream/api-v0"
	"stash.kopano.io/kwm/kwmlivestream/livestream/sfu"
)

const (
	URIPrefix = "/api/livestream/v0"
)

// HTTPService binds the HTTP router with handlers for the livestream API v0.
type HTTPService struct {
	logger   logrus.FieldLogger
	services *livestream.Services
}

// NewHTTPService creates a new HTTPService with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, services *livestream.Services) *HTTPService {
	return &HTTPService{
		logger:   logger,
		services: services,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router. All routes require an authenticated user.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()

	chain = chain.Append(api.WithODataContext)
	if h.services.Auth != nil {
		chain = chain.Append(h.services.Auth.Handler)
	}

	var streams sfu.StreamChecker
	if m := h.services.Sessions; m != nil {
		streams = m

		// /api/livestream/v0/streams
		// /api/livestream/v0/streams/:stream
		// /api/livestream/v0/streams/:stream/status
		v0.Handle("/streams", chain.ThenFunc(m.HTTPListHandler)).Methods(http.MethodGet)
		v0.Handle("/streams", chain.ThenFunc(m.HTTPCreateHandler)).Methods(http.MethodPost)
		v0.Handle("/streams/{streamID}", chain.ThenFunc(m.HTTPGetHandler)).Methods(http.MethodGet)
		v0.Handle("/streams/{streamID}/status", chain.ThenFunc(m.HTTPSetStatusHandler)).Methods(http.MethodPost)
	}

	if registry := h.services.Registry; registry != nil {
		handlers := sfu.NewHTTPHandlers(registry, streams)

		// /api/livestream/v0/capabilities
		// /api/livestream/v0/transport
		// /api/livestream/v0/transport/:transport
		// /api/livestream/v0/transport/:transport/{connect,produce,consume}
		// /api/livestream/v0/transports
		// /api/livestream/v0/streams/:stream/producers
		v0.Handle("/capabilities", chain.ThenFunc(handlers.HTTPCapabilitiesHandler)).Methods(http.MethodGet)
		v0.Handle("/transport", chain.ThenFunc(handlers.HTTPCreateTransportHandler)).Methods(http.MethodPost)
		v0.Handle("/transport/{transportID}", chain.ThenFunc(handlers.HTTPCloseTransportHandler)).Methods(http.MethodDelete)
		v0.Handle("/transport/{transportID}/connect", chain.ThenFunc(handlers.HTTPConnectTransportHandler)).Methods(http.MethodPost)
		v0.Handle("/transport/{transportID}/produce", chain.ThenFunc(handlers.HTTPProduceHandler)).Methods(http.MethodPost)
		v0.Handle("/transport/{transportID}/consume", chain.ThenFunc(handlers.HTTPConsumeHandler)).Methods(http.MethodPost)
		v0.Handle("/transports", chain.ThenFunc(handlers.HTTPTransportsHandler)).Methods(http.MethodGet)
		v0.Handle("/streams/{streamID}/producers", chain.ThenFunc(handlers.HTTPStreamProducersHandler)).Methods(http.MethodGet)
	}

	return router
}

// NumActive returns the number of the currently active transports at the
// accociated HTTPService.
func (h *HTTPService) NumActive() (active uint64) {
	for _, service := range h.services.Services() {
		active += service.NumActive()
	}

	return active
}
