/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"stash.kopano.io/kwm/kwmlivestream/internal/bpool"
)

// Request bodies larger than this are rejected.
const maxRequestBodySize = 1024 * 1024

var validate = validator.New(validator.WithRequiredStructEnabled())

func WriteResourceAsJSON(rw http.ResponseWriter, resource interface{}) error {
	return writeJSON(rw, http.StatusOK, resource)
}

func WriteResourceAsJSONWithStatus(rw http.ResponseWriter, status int, resource interface{}) error {
	return writeJSON(rw, status, resource)
}

func writeJSON(rw http.ResponseWriter, status int, resource interface{}) error {
	b := bpool.Get()
	defer bpool.Put(b)

	encoder := json.NewEncoder(b)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(resource); err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return err
	}

	rw.Header().Add("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, err := b.WriteTo(rw)
	return err
}

// StatusForError returns the HTTP status code selected by err.
func StatusForError(err error) int {
	switch {
	case err == nil:
		panic("status for nil error")
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnprocessable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBadGateway):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteErrorAsJSON(rw http.ResponseWriter, err error) error {
	status := StatusForError(err)

	var e *ErrorWithCodeAndMessage
	if !errors.As(err, &e) {
		e = NewErrorWithCodeAndMessage(ErrorCodeUnspecifiedError, fmt.Errorf("unspecified error: %w", err).Error(), nil)
	}
	return writeJSON(rw, status, e)
}

// DecodeAndValidate reads the JSON request body of req into v and validates
// the result with its struct tags.
func DecodeAndValidate(req *http.Request, v interface{}) error {
	if contentType := req.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return NewErrorWithCodeAndMessage(ErrorCodeRequestEntityNotAllowed, "request body must be application/json", ErrInvalidRequest)
	}

	b := bpool.Get()
	defer bpool.Put(b)

	if _, err := b.ReadFrom(io.LimitReader(req.Body, maxRequestBodySize+1)); err != nil {
		return NewErrorWithCodeAndMessage(ErrorCodeInvalidRequest, fmt.Sprintf("failed to read request body: %v", err), ErrInvalidRequest)
	}
	if b.Len() > maxRequestBodySize {
		return NewErrorWithCodeAndMessage(ErrorCodeInvalidRequest, "request body too large", ErrInvalidRequest)
	}
	if err := json.Unmarshal(b.Bytes(), v); err != nil {
		return NewErrorWithCodeAndMessage(ErrorCodeInvalidRequest, fmt.Sprintf("failed to parse request body: %v", err), ErrInvalidRequest)
	}

	if err := validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make([]string, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				fields = append(fields, fmt.Sprintf("%s (%s)", fieldErr.Namespace(), fieldErr.Tag()))
			}
			return NewErrorWithCodeAndMessage(ErrorCodeInvalidRequest, "invalid fields: "+strings.Join(fields, ", "), ErrInvalidRequest)
		}
		return NewErrorWithCodeAndMessage(ErrorCodeInvalidRequest, err.Error(), ErrInvalidRequest)
	}

	return nil
}

func GetRequestVars(req *http.Request) map[string]string {
	return mux.Vars(req)
}

func GetRequestVar(req *http.Request, name string) (string, bool) {
	value, found := GetRequestVars(req)[name]
	return value, found
}

func NewErrorResource(err error) *ErrorResource {
	return &ErrorResource{
		Error: err,
	}
}
