/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sessions

import (
	"errors"
	"net/http"

	api "stash.kopano.io/kwm/kwmlivestream/livestream/api-v0"
	"stash.kopano.io/kwm/kwmlivestream/livestream/auth"
)

type setStatusRequest struct {
	Status Status `json:"status" validate:"required,oneof=created streaming ended"`
}

func (m *Manager) writeError(rw http.ResponseWriter, err error) {
	var e *api.ErrorWithCodeAndMessage
	switch {
	case errors.As(err, &e):
	case errors.Is(err, ErrNotFound):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeNotFound, err.Error(), api.ErrNotFound)
	case errors.Is(err, ErrForbidden):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeForbidden, err.Error(), api.ErrForbidden)
	case errors.Is(err, ErrConflict):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeConflict, err.Error(), api.ErrConflict)
	case errors.Is(err, ErrInvalid):
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeInvalidRequest, err.Error(), api.ErrInvalidRequest)
	default:
		m.logger.WithError(err).Errorln("session store failure")
		e = api.NewErrorWithCodeAndMessage(api.ErrorCodeUnspecifiedError, "session store failure", err)
	}

	if writeErr := api.WriteErrorAsJSON(rw, e); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json error")
	}
}

func (m *Manager) writeResource(rw http.ResponseWriter, status int, resource interface{}) {
	if writeErr := api.WriteResourceAsJSONWithStatus(rw, status, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) getUserOrWriteError(rw http.ResponseWriter, req *http.Request) *auth.User {
	user, ok := auth.FromContext(req.Context())
	if !ok {
		m.writeError(rw, api.NewErrorWithCodeAndMessage(
			api.ErrorCodeUnauthorized,
			"no authenticated user",
			api.ErrUnauthorized,
		))
		return nil
	}
	return user
}

func (m *Manager) HTTPCreateHandler(rw http.ResponseWriter, req *http.Request) {
	user := m.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}

	var request CreateRequest
	if err := api.DecodeAndValidate(req, &request); err != nil {
		m.writeError(rw, err)
		return
	}

	session, err := m.Create(req.Context(), user.ID, &request)
	if err != nil {
		m.writeError(rw, err)
		return
	}

	m.writeResource(rw, http.StatusCreated, api.NewItemResource(session, req))
}

// HTTPListHandler lists sessions. The owner query parameter restricts the
// result to one owner, "me" selects the requesting user. The status query
// parameter restricts the result to a status.
func (m *Manager) HTTPListHandler(rw http.ResponseWriter, req *http.Request) {
	user := m.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}

	query := req.URL.Query()
	ownerID := query.Get("owner")
	if ownerID == "me" {
		ownerID = user.ID
	}
	status := Status(query.Get("status"))
	switch status {
	case "", StatusCreated, StatusStreaming, StatusEnded:
	default:
		m.writeError(rw, api.NewErrorWithCodeAndMessage(api.ErrorCodeInvalidRequest, "unknown status filter", api.ErrInvalidRequest))
		return
	}

	sessions, err := m.List(req.Context(), ownerID, status)
	if err != nil {
		m.writeError(rw, err)
		return
	}

	m.writeResource(rw, http.StatusOK, api.NewCollectionResource(sessions, req, nil))
}

func (m *Manager) HTTPGetHandler(rw http.ResponseWriter, req *http.Request) {
	if m.getUserOrWriteError(rw, req) == nil {
		return
	}
	streamID, _ := api.GetRequestVar(req, "streamID")

	session, err := m.Get(req.Context(), streamID)
	if err != nil {
		m.writeError(rw, err)
		return
	}

	m.writeResource(rw, http.StatusOK, api.NewItemResource(session, req))
}

func (m *Manager) HTTPSetStatusHandler(rw http.ResponseWriter, req *http.Request) {
	user := m.getUserOrWriteError(rw, req)
	if user == nil {
		return
	}
	streamID, _ := api.GetRequestVar(req, "streamID")

	var request setStatusRequest
	if err := api.DecodeAndValidate(req, &request); err != nil {
		m.writeError(rw, err)
		return
	}

	session, err := m.SetStatus(req.Context(), user, streamID, request.Status)
	if err != nil {
		m.writeError(rw, err)
		return
	}

	m.writeResource(rw, http.StatusOK, api.NewItemResource(session, req))
}
