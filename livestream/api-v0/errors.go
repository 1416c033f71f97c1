/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"errors"
)

const (
	ErrorCodeUnspecifiedError        = "ErrorUnspecifiedError"
	ErrorCodeInvalidRequest          = "ErrorInvalidRequest"
	ErrorCodeUnauthorized            = "ErrorUnauthorized"
	ErrorCodeForbidden               = "ErrorForbidden"
	ErrorCodeNotFound                = "ErrorNotFound"
	ErrorCodeConflict                = "ErrorConflict"
	ErrorCodeIncompatible            = "ErrorIncompatibleCapabilities"
	ErrorCodeEngineUnavailable       = "ErrorEngineUnavailable"
	ErrorCodeEngineError             = "ErrorEngineError"
	ErrorCodeRequestEntityNotAllowed = "ErrorRequestEntityNotAllowed"
)

// Errors which select the HTTP status code of error responses.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrUnprocessable  = errors.New("unprocessable")
	ErrUnavailable    = errors.New("unavailable")
	ErrBadGateway     = errors.New("bad gateway")
)
