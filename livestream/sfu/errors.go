/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"errors"
)

// Errors returned by Registry operations.
var (
	ErrNotFound                 = errors.New("not found")
	ErrForbidden                = errors.New("forbidden")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrEngineUnavailable        = errors.New("media engine unavailable")
	ErrEngineError              = errors.New("media engine error")
	ErrInvalidArgument          = errors.New("invalid argument")
)

// EngineError is a failure reported by the media engine, or the expiry of
// the deadline of an engine call. Its message is the engine's message.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is makes every EngineError match ErrEngineError.
func (e *EngineError) Is(target error) bool {
	return target == ErrEngineError
}
