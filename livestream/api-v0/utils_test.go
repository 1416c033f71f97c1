/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteErrorAsJSON(t *testing.T) {
	testcases := []struct {
		err    error
		status int
		code   string
	}{
		{NewErrorWithCodeAndMessage(ErrorCodeNotFound, "no such transport", ErrNotFound), http.StatusNotFound, ErrorCodeNotFound},
		{NewErrorWithCodeAndMessage(ErrorCodeForbidden, "not yours", ErrForbidden), http.StatusForbidden, ErrorCodeForbidden},
		{NewErrorWithCodeAndMessage(ErrorCodeIncompatible, "cannot consume", ErrUnprocessable), http.StatusUnprocessableEntity, ErrorCodeIncompatible},
		{NewErrorWithCodeAndMessage(ErrorCodeEngineUnavailable, "down", ErrUnavailable), http.StatusServiceUnavailable, ErrorCodeEngineUnavailable},
		{NewErrorWithCodeAndMessage(ErrorCodeEngineError, "boom", ErrBadGateway), http.StatusBadGateway, ErrorCodeEngineError},
		{fmt.Errorf("wrapped: %w", NewErrorWithCodeAndMessage(ErrorCodeInvalidRequest, "bad", ErrInvalidRequest)), http.StatusBadRequest, ErrorCodeInvalidRequest},
		{errors.New("something else"), http.StatusInternalServerError, ErrorCodeUnspecifiedError},
	}

	for _, tc := range testcases {
		rr := httptest.NewRecorder()
		if err := WriteErrorAsJSON(rr, tc.err); err != nil {
			t.Fatal(err)
		}
		if rr.Code != tc.status {
			t.Errorf("%v: got status %d, want %d", tc.err, rr.Code, tc.status)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%v: invalid json body: %v", tc.err, err)
		}
		if body["code"] != tc.code {
			t.Errorf("%v: got code %q, want %q", tc.err, body["code"], tc.code)
		}
		if body["message"] == "" {
			t.Errorf("%v: empty message", tc.err)
		}
	}
}

func TestItemResourceInlinesItem(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/livestream/v0/streams/abc", nil)
	rr := httptest.NewRecorder()

	WithODataContext(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		resource := NewItemResource(&struct {
			ID string `json:"id"`
		}{"abc"}, req)
		if err := WriteResourceAsJSON(rw, resource); err != nil {
			t.Fatal(err)
		}
	})).ServeHTTP(rr, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["id"] != "abc" {
		t.Errorf("item not inlined: %s", rr.Body.String())
	}
	if body["@odata.context"] != "/api/livestream/v0/streams/abc" {
		t.Errorf("unexpected odata context: %v", body["@odata.context"])
	}
}

func TestCollectionResource(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/livestream/v0/streams", nil)
	next := "/api/livestream/v0/streams?skip=10"
	resource := NewCollectionResource([]string{"a", "b"}, req, &next)

	rr := httptest.NewRecorder()
	if err := WriteResourceAsJSON(rr, resource); err != nil {
		t.Fatal(err)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("unexpected content type %q", ct)
	}

	var body CollectionResource
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ODataContext != "/api/livestream/v0/streams" || body.ODataNextLink != next {
		t.Errorf("unexpected collection resource: %+v", body)
	}
}

type testRequest struct {
	Direction string `json:"direction" validate:"required,oneof=send recv"`
	StreamID  string `json:"streamId" validate:"required"`
}

func TestDecodeAndValidate(t *testing.T) {
	testcases := []struct {
		body  string
		ctype string
		ok    bool
	}{
		{`{"direction":"send","streamId":"s1"}`, "application/json", true},
		{`{"direction":"send","streamId":"s1"}`, "", true},
		{`{"direction":"sideways","streamId":"s1"}`, "application/json", false},
		{`{"direction":"send"}`, "application/json", false},
		{`{"direction":`, "application/json", false},
		{`direction=send`, "application/x-www-form-urlencoded", false},
	}

	for _, tc := range testcases {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		if tc.ctype != "" {
			req.Header.Set("Content-Type", tc.ctype)
		}
		var v testRequest
		err := DecodeAndValidate(req, &v)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.body, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("%s: expected invalid request error, got %v", tc.body, err)
			} else if StatusForError(err) != http.StatusBadRequest {
				t.Errorf("%s: expected status 400", tc.body)
			}
		}
	}
}
